package compiler

import (
	"math"
	"math/big"
	"strconv"

	"github.com/chazu/krak/isa"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/token"
)

// Every compileXxx(e, t) leaves the value of e in register t. It may
// clobber any temp register. A caller that holds a value in a temp while
// a nested expression is compiled either knows the nested expression is
// simple (it writes only its own target) or saves the held registers on
// the operand stack around it.

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func (c *Compiler) compileExpr(e ast.Expression, t int) {
	switch e := e.(type) {
	case *ast.NumberLiteral:
		c.compileNumber(e, t)
	case *ast.StringLiteral:
		c.emitStr(t, e.Value.String())
	case *ast.BooleanLiteral:
		c.emitBool(t, e.Value)
	case *ast.NullLiteral:
		c.emitNull(t)
	case *ast.TemplateLiteral:
		c.compileTemplate(e, t)
	case *ast.Identifier:
		c.compileIdentifier(e, t)
	case *ast.ThisExpression:
		if r, ok := c.lookup("this"); ok {
			c.emitMovReg(t, r)
		} else {
			c.emitUndefined(t)
		}
	case *ast.BinaryExpression:
		c.compileBinary(e, t)
	case *ast.UnaryExpression:
		c.compileUnary(e, t)
	case *ast.ConditionalExpression:
		elseL, end := c.newLabel("cond_else"), c.newLabel("cond_end")
		c.compileTest(e.Test, elseL)
		c.compileExpr(e.Consequent, t)
		c.emitJmp(end)
		c.mark(elseL)
		c.compileExpr(e.Alternate, t)
		c.mark(end)
	case *ast.SequenceExpression:
		for _, sub := range e.Sequence {
			c.compileExpr(sub, t)
		}
	case *ast.AssignExpression:
		c.compileAssign(e, t)
	case *ast.DotExpression, *ast.BracketExpression:
		c.compileMemberRead(e, t)
	case *ast.CallExpression:
		c.compileCall(e, t)
	case *ast.NewExpression:
		c.compileNew(e, t)
	case *ast.ArrayLiteral:
		c.compileArray(e, t)
	case *ast.ObjectLiteral:
		c.compileObject(e, t)
	case *ast.FunctionLiteral:
		if e.Generator || e.Async {
			c.unsupported(e, "generator or async function")
			return
		}
		c.compileFunctionValue(e, t)
	case *ast.ArrowFunctionLiteral:
		if e.Async {
			c.unsupported(e, "async arrow function")
			return
		}
		c.compileArrowValue(e, t)
	case *ast.RegExpLiteral:
		c.unsupported(e, "regular expression literal")
	case *ast.ClassLiteral:
		c.unsupported(e, "class")
	case *ast.OptionalChain, *ast.Optional:
		c.unsupported(e, "optional chaining")
	case *ast.SpreadElement:
		c.unsupported(e, "spread")
	case *ast.YieldExpression, *ast.AwaitExpression:
		c.unsupported(e, "yield or await")
	case *ast.ArrayPattern, *ast.ObjectPattern:
		c.unsupported(e, "destructuring")
	default:
		c.errorf(e, "%w: %T", ErrUnsupported, e)
	}
}

// isSimple reports whether compiling e writes nothing but its target.
func (c *Compiler) isSimple(e ast.Expression) bool {
	switch e := e.(type) {
	case *ast.NumberLiteral:
		_, isBig := e.Value.(*big.Int)
		return !isBig
	case *ast.StringLiteral, *ast.BooleanLiteral, *ast.NullLiteral,
		*ast.Identifier, *ast.ThisExpression:
		return true
	}
	return false
}

// localReg returns the slot of e if it is a plain read of a local.
func (c *Compiler) localReg(e ast.Expression) (int, bool) {
	switch e := e.(type) {
	case *ast.Identifier:
		name := e.Name.String()
		if c.externs[name] {
			return 0, false
		}
		return c.lookup(name)
	case *ast.ThisExpression:
		return c.lookup("this")
	}
	return 0, false
}

// compileOperand returns a register holding the value of e, leaving held
// intact.
func (c *Compiler) compileOperand(e ast.Expression, held int) int {
	if r, ok := c.localReg(e); ok {
		return r
	}
	if lit, ok := e.(*ast.NumberLiteral); ok {
		if v, ok := lit.Value.(int64); ok && v == 0 {
			return regZero
		}
	}
	acc := c.otherAcc(held)
	if c.isSimple(e) {
		c.compileExpr(e, acc)
		return acc
	}
	c.emitPush(held)
	c.compileExpr(e, acc)
	c.emitPop(held)
	return acc
}

// compileGuarded compiles e into t while the registers in held are
// preserved.
func (c *Compiler) compileGuarded(e ast.Expression, t int, held ...int) {
	if c.isSimple(e) {
		c.compileExpr(e, t)
		return
	}
	for _, r := range held {
		c.emitPush(r)
	}
	c.compileExpr(e, t)
	for i := len(held) - 1; i >= 0; i-- {
		c.emitPop(held[i])
	}
}

// pick returns the register for purpose, or for alt when that would
// collide with t.
func (c *Compiler) pick(t, purpose, alt int) int {
	if r := c.temp(purpose); r != t {
		return r
	}
	return c.temp(alt)
}

// ---------------------------------------------------------------------------
// Literals and names
// ---------------------------------------------------------------------------

func (c *Compiler) compileNumber(lit *ast.NumberLiteral, t int) {
	switch v := lit.Value.(type) {
	case int64:
		if v >= math.MinInt32 && v <= math.MaxInt32 {
			c.emitMovInt(t, int(v))
			return
		}
		c.emitNumberString(t, strconv.FormatInt(v, 10))
	case float64:
		c.emitFloat(t, v)
	case *big.Int:
		callee := c.temp(tCallee)
		c.emitStr(c.temp(tArg), v.String())
		c.emitPush(c.temp(tArg))
		c.emitGetGlobal(callee, "BigInt")
		c.emitCallReg(t, callee, 1)
	default:
		c.errorf(lit, "unexpected number literal %q", lit.Literal)
	}
}

// emitFloat loads v, directly when it is an int32 and through a string
// conversion otherwise.
func (c *Compiler) emitFloat(t int, v float64) {
	if v == math.Trunc(v) && v >= math.MinInt32 && v <= math.MaxInt32 && !(v == 0 && math.Signbit(v)) {
		c.emitMovInt(t, int(v))
		return
	}
	var s string
	switch {
	case math.IsInf(v, 1):
		s = "Infinity"
	case math.IsInf(v, -1):
		s = "-Infinity"
	case math.IsNaN(v):
		s = "NaN"
	default:
		s = strconv.FormatFloat(v, 'g', -1, 64)
	}
	c.emitNumberString(t, s)
}

func (c *Compiler) emitNumberString(t int, s string) {
	c.emitStr(t, s)
	c.emit(isa.OpTNUM, a("d", t), a("s", t))
}

// compileTemplate concatenates the cooked strings and the substitutions,
// starting from a string so that + never adds numbers.
func (c *Compiler) compileTemplate(e *ast.TemplateLiteral, t int) {
	if e.Tag != nil {
		c.unsupported(e, "tagged template")
		return
	}
	acc := c.otherAcc(t)
	c.emitStr(t, "")
	for i, el := range e.Elements {
		if s := el.Parsed.String(); s != "" {
			c.emitStr(acc, s)
			c.emitBinary(isa.OpADD, t, acc)
		}
		if i < len(e.Expressions) {
			s := c.compileOperand(e.Expressions[i], t)
			c.emitBinary(isa.OpADD, t, s)
		}
	}
}

func (c *Compiler) compileIdentifier(id *ast.Identifier, t int) {
	name := id.Name.String()
	if !c.externs[name] {
		if r, ok := c.lookup(name); ok {
			c.emitMovReg(t, r)
			return
		}
		if name == "undefined" {
			c.emitUndefined(t)
			return
		}
	}
	c.emitGetGlobal(t, name)
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

var arithOps = map[token.Token]isa.Op{
	token.PLUS:                 isa.OpADD,
	token.MINUS:                isa.OpSUB,
	token.MULTIPLY:             isa.OpMUL,
	token.SLASH:                isa.OpDIV,
	token.REMAINDER:            isa.OpMOD,
	token.AND:                  isa.OpAND,
	token.OR:                   isa.OpOR,
	token.EXCLUSIVE_OR:         isa.OpXOR,
	token.SHIFT_LEFT:           isa.OpSHL,
	token.SHIFT_RIGHT:          isa.OpSAR,
	token.UNSIGNED_SHIFT_RIGHT: isa.OpSHR,
}

func (c *Compiler) compileBinary(e *ast.BinaryExpression, t int) {
	switch e.Operator {
	case token.LOGICAL_AND, token.LOGICAL_OR, token.COALESCE:
		c.compileLogical(e, t)
		return
	case token.EQUAL, token.STRICT_EQUAL, token.NOT_EQUAL, token.STRICT_NOT_EQUAL,
		token.LESS, token.GREATER, token.LESS_OR_EQUAL, token.GREATER_OR_EQUAL:
		c.compileExpr(e.Left, t)
		s := c.compileOperand(e.Right, t)
		c.emitCmp(t, s)
		c.emitCompareResult(e.Operator, t)
		return
	case token.INSTANCEOF:
		c.compileExpr(e.Left, t)
		s := c.compileOperand(e.Right, t)
		c.emit(isa.OpIOF, a("d", t), a("o", t), a("c", s))
		return
	}
	op, ok := arithOps[e.Operator]
	if !ok {
		c.unsupported(e, "operator "+e.Operator.String())
		return
	}
	c.compileExpr(e.Left, t)
	s := c.compileOperand(e.Right, t)
	c.emitBinary(op, t, s)
}

// emitCompareResult turns the sign left by CMP into a boolean in t. Each
// operator is one or two conditional jumps over a pair of BOOL loads.
func (c *Compiler) emitCompareResult(op token.Token, t int) {
	yes, no, end := c.newLabel("cmp_true"), c.newLabel("cmp_false"), c.newLabel("cmp_end")
	switch op {
	case token.EQUAL, token.STRICT_EQUAL:
		c.emitJz(regSign, yes)
	case token.NOT_EQUAL, token.STRICT_NOT_EQUAL:
		c.emitJz(regSign, no)
		c.emitJmp(yes)
	case token.LESS:
		c.emitJlt(yes)
	case token.GREATER:
		c.emitJgt(yes)
	case token.LESS_OR_EQUAL:
		c.emitJlt(yes)
		c.emitJz(regSign, yes)
	case token.GREATER_OR_EQUAL:
		c.emitJgt(yes)
		c.emitJz(regSign, yes)
	}
	c.mark(no)
	c.emitBool(t, false)
	c.emitJmp(end)
	c.mark(yes)
	c.emitBool(t, true)
	c.mark(end)
}

func (c *Compiler) compileLogical(e *ast.BinaryExpression, t int) {
	end := c.newLabel("logic_end")
	c.compileExpr(e.Left, t)
	switch e.Operator {
	case token.LOGICAL_AND:
		c.emitJz(t, end)
	case token.LOGICAL_OR:
		c.emitJnz(t, end)
	case token.COALESCE:
		c.emitJnn(t, end)
	}
	c.compileExpr(e.Right, t)
	c.mark(end)
}

// compileTest evaluates a condition and jumps to falseL when it is falsy.
// Comparisons and conjunctions used only as a test branch on the compare
// sign directly, without materialising a boolean.
func (c *Compiler) compileTest(test ast.Expression, falseL Label) {
	if e, ok := test.(*ast.BinaryExpression); ok {
		switch e.Operator {
		case token.LOGICAL_AND:
			c.compileTest(e.Left, falseL)
			c.compileTest(e.Right, falseL)
			return
		case token.EQUAL, token.STRICT_EQUAL, token.NOT_EQUAL, token.STRICT_NOT_EQUAL,
			token.LESS, token.GREATER, token.LESS_OR_EQUAL, token.GREATER_OR_EQUAL:
			c.compileConditionExit(e, falseL)
			return
		}
	}
	c.compileExpr(test, regBool)
	c.emitJz(regBool, falseL)
}

// compileConditionExit compares the operands of e and leaves for falseL
// unless the relation holds.
func (c *Compiler) compileConditionExit(e *ast.BinaryExpression, falseL Label) {
	l, ok := c.localReg(e.Left)
	if !ok || !c.isSimple(e.Right) {
		l = c.temp(tCondL)
		c.compileExpr(e.Left, l)
	}
	r, ok := c.localReg(e.Right)
	if !ok {
		r = c.temp(tCondR)
		c.compileGuarded(e.Right, r, l)
	}
	c.emitCmp(l, r)

	switch e.Operator {
	case token.EQUAL, token.STRICT_EQUAL:
		c.emitJnz(regSign, falseL)
		return
	case token.NOT_EQUAL, token.STRICT_NOT_EQUAL:
		c.emitJz(regSign, falseL)
		return
	}
	holds := c.newLabel("cond_holds")
	switch e.Operator {
	case token.LESS:
		c.emitJlt(holds)
	case token.GREATER:
		c.emitJgt(holds)
	case token.LESS_OR_EQUAL:
		c.emitJlt(holds)
		c.emitJz(regSign, holds)
	case token.GREATER_OR_EQUAL:
		c.emitJgt(holds)
		c.emitJz(regSign, holds)
	}
	c.emitJmp(falseL)
	c.mark(holds)
}

func (c *Compiler) compileUnary(e *ast.UnaryExpression, t int) {
	switch e.Operator {
	case token.INCREMENT, token.DECREMENT:
		c.compileUpdate(e, t)
	case token.TYPEOF:
		c.compileExpr(e.Operand, t)
		c.emit(isa.OpTYP, a("d", t), a("s", t))
	case token.NOT:
		yes, end := c.newLabel("not_true"), c.newLabel("not_end")
		c.compileExpr(e.Operand, t)
		c.emitJz(t, yes)
		c.emitBool(t, false)
		c.emitJmp(end)
		c.mark(yes)
		c.emitBool(t, true)
		c.mark(end)
	case token.MINUS:
		if lit, ok := e.Operand.(*ast.NumberLiteral); ok {
			switch v := lit.Value.(type) {
			case int64:
				c.emitFloat(t, -float64(v))
				return
			case float64:
				c.emitFloat(t, -v)
				return
			}
		}
		acc := c.otherAcc(t)
		c.compileExpr(e.Operand, acc)
		c.emit(isa.OpTNUM, a("d", acc), a("s", acc))
		c.emitMovInt(t, 0)
		c.emitBinary(isa.OpSUB, t, acc)
	case token.PLUS:
		c.compileExpr(e.Operand, t)
		c.emit(isa.OpTNUM, a("d", t), a("s", t))
	case token.BITWISE_NOT:
		c.compileExpr(e.Operand, t)
		c.emit(isa.OpNOT, a("r", t))
	case token.VOID:
		c.compileExpr(e.Operand, c.temp(tStmt))
		c.emitUndefined(t)
	case token.DELETE:
		c.unsupported(e, "delete")
	default:
		c.unsupported(e, "operator "+e.Operator.String())
	}
}
