package compiler

import (
	"github.com/chazu/krak/isa"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/token"
)

// ---------------------------------------------------------------------------
// Member access
// ---------------------------------------------------------------------------

// compileMemberBase evaluates the object of a member expression into obj
// and its property key into key, each exactly once and in source order.
func (c *Compiler) compileMemberBase(e ast.Expression, obj, key int) {
	switch m := e.(type) {
	case *ast.DotExpression:
		c.compileExpr(m.Left, obj)
		c.emitStr(key, m.Identifier.Name.String())
	case *ast.BracketExpression:
		c.compileExpr(m.Left, obj)
		c.compileGuarded(m.Member, key, obj)
	default:
		c.errorf(e, "not a member expression: %T", e)
	}
}

func (c *Compiler) compileMemberRead(e ast.Expression, t int) {
	key := c.pick(t, tKey, tPropKey)
	c.compileMemberBase(e, t, key)
	c.emitGetProp(t, t, key)
}

func isMember(e ast.Expression) bool {
	switch e.(type) {
	case *ast.DotExpression, *ast.BracketExpression:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Assignment
// ---------------------------------------------------------------------------

func (c *Compiler) compileAssign(e *ast.AssignExpression, t int) {
	switch left := e.Left.(type) {
	case *ast.Identifier:
		c.compileAssignIdentifier(e, left, t)
	case *ast.DotExpression, *ast.BracketExpression:
		if e.Operator == token.ASSIGN {
			c.compileAssignMember(e, t)
		} else {
			c.compileCompoundMember(e, t)
		}
	case *ast.ArrayPattern, *ast.ObjectPattern:
		c.unsupported(left, "destructuring assignment")
	default:
		c.errorf(e.Left, "invalid assignment target %T", e.Left)
	}
}

// storeIdentifier writes s to the variable or global named name.
func (c *Compiler) storeIdentifier(name string, s int) {
	if !c.externs[name] {
		if r, ok := c.lookup(name); ok {
			c.emitMovReg(r, s)
			return
		}
	}
	c.emitSetGlobal(name, s)
}

func (c *Compiler) compileAssignIdentifier(e *ast.AssignExpression, id *ast.Identifier, t int) {
	name := id.Name.String()
	v := c.temp(tInit)

	switch e.Operator {
	case token.ASSIGN:
		c.compileExpr(e.Right, v)
		c.storeIdentifier(name, v)
	case token.LOGICAL_AND, token.LOGICAL_OR, token.COALESCE:
		end := c.newLabel("lassign_end")
		c.compileIdentifier(id, v)
		switch e.Operator {
		case token.LOGICAL_AND:
			c.emitJz(v, end)
		case token.LOGICAL_OR:
			c.emitJnz(v, end)
		default:
			c.emitJnn(v, end)
		}
		c.compileExpr(e.Right, v)
		c.storeIdentifier(name, v)
		c.mark(end)
	default:
		op, ok := arithOps[e.Operator]
		if !ok {
			c.unsupported(e, "assignment operator "+e.Operator.String())
			return
		}
		c.compileIdentifier(id, v)
		s := c.compileOperand(e.Right, v)
		c.emitBinary(op, v, s)
		c.storeIdentifier(name, v)
	}
	c.emitMovReg(t, v)
}

// compileAssignMember stores into obj[key]. Object and key are evaluated
// before the value, as in the source language.
func (c *Compiler) compileAssignMember(e *ast.AssignExpression, t int) {
	obj, key, val := c.temp(tAsgObj), c.temp(tAsgKey), c.temp(tAsgVal)
	c.compileMemberBase(e.Left, obj, key)
	c.compileGuarded(e.Right, val, obj, key)
	c.emitSetProp(obj, key, val)
	c.emitMovReg(t, val)
}

// compileCompoundMember reads, modifies and writes obj[key] through one
// evaluation of the object and key.
func (c *Compiler) compileCompoundMember(e *ast.AssignExpression, t int) {
	op, ok := arithOps[e.Operator]
	if !ok {
		c.unsupported(e, "assignment operator "+e.Operator.String()+" on a member")
		return
	}
	obj, key, val := c.temp(tMemObj), c.temp(tMemKey), c.temp(tMemVal)
	c.compileMemberBase(e.Left, obj, key)
	c.emitGetProp(val, obj, key)

	s, ok := c.localReg(e.Right)
	if !ok {
		s = c.otherAcc(val)
		c.compileGuarded(e.Right, s, obj, key, val)
	}
	c.emitBinary(op, val, s)
	c.emitSetProp(obj, key, val)
	c.emitMovReg(t, val)
}

// ---------------------------------------------------------------------------
// Increment and decrement
// ---------------------------------------------------------------------------

func (c *Compiler) compileUpdate(e *ast.UnaryExpression, t int) {
	step := isa.OpINC
	if e.Operator == token.DECREMENT {
		step = isa.OpDEC
	}

	switch operand := e.Operand.(type) {
	case *ast.Identifier:
		name := operand.Name.String()
		if r, ok := c.localReg(operand); ok {
			if e.Postfix {
				c.emit(isa.OpTNUM, a("d", t), a("s", r))
				c.emit(step, a("r", r))
			} else {
				c.emit(step, a("r", r))
				c.emitMovReg(t, r)
			}
			return
		}
		v := c.pick(t, tInit, tAcc1)
		c.emitGetGlobal(v, name)
		c.emit(isa.OpTNUM, a("d", v), a("s", v))
		if e.Postfix {
			c.emitMovReg(t, v)
			c.emit(step, a("r", v))
		} else {
			c.emit(step, a("r", v))
			c.emitMovReg(t, v)
		}
		c.emitSetGlobal(name, v)

	case *ast.DotExpression, *ast.BracketExpression:
		obj, key, val := c.temp(tMemObj), c.temp(tMemKey), c.temp(tMemVal)
		c.compileMemberBase(operand, obj, key)
		c.emitGetProp(val, obj, key)
		c.emit(isa.OpTNUM, a("d", val), a("s", val))
		if e.Postfix {
			c.emitMovReg(t, val)
			c.emit(step, a("r", val))
			c.emitSetProp(obj, key, val)
		} else {
			c.emit(step, a("r", val))
			c.emitSetProp(obj, key, val)
			c.emitMovReg(t, val)
		}

	default:
		c.errorf(e, "invalid increment operand %T", e.Operand)
	}
}
