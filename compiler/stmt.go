package compiler

import (
	"github.com/chazu/krak/isa"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/token"
)

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (c *Compiler) compileStatements(stmts []ast.Statement) {
	for _, s := range stmts {
		c.compileStatement(s)
	}
}

func (c *Compiler) compileStatement(stmt ast.Statement) {
	switch s := stmt.(type) {
	case *ast.VariableStatement:
		c.compileBindings(s.List, false)
	case *ast.LexicalDeclaration:
		c.compileBindings(s.List, true)
	case *ast.ExpressionStatement:
		c.compileExpr(s.Expression, c.temp(tStmt))
	case *ast.BlockStatement:
		c.compileStatements(s.List)
	case *ast.EmptyStatement, *ast.DebuggerStatement:
	case *ast.FunctionDeclaration:
		// Hoisted.
	case *ast.IfStatement:
		c.compileIf(s)
	case *ast.WhileStatement:
		c.compileWhile(s)
	case *ast.DoWhileStatement:
		c.compileDoWhile(s)
	case *ast.ForStatement:
		c.compileFor(s)
	case *ast.ReturnStatement:
		c.compileReturn(s)
	case *ast.BranchStatement:
		c.compileBranch(s)
	case *ast.SwitchStatement:
		c.compileSwitch(s)
	case *ast.ThrowStatement:
		c.compileThrow(s)
	case *ast.TryStatement:
		if s.Catch != nil || s.Finally != nil {
			log.Warningf("try statement: only the protected block is compiled")
		}
		c.compileStatements(s.Body.List)
	case *ast.ForInStatement:
		c.unsupported(s, "for-in")
	case *ast.ForOfStatement:
		c.unsupported(s, "for-of")
	case *ast.LabelledStatement:
		c.unsupported(s, "labelled statement")
	case *ast.ClassDeclaration:
		c.unsupported(s, "class")
	case *ast.WithStatement:
		c.unsupported(s, "with")
	default:
		c.errorf(stmt, "%w: %T", ErrUnsupported, stmt)
	}
}

// compileBindings initialises declared names. A lexical declaration
// without an initializer resets its slot to undefined.
func (c *Compiler) compileBindings(list []*ast.Binding, lexical bool) {
	v := c.temp(tInit)
	for _, b := range list {
		id, ok := b.Target.(*ast.Identifier)
		if !ok {
			c.unsupported(b.Target, "destructuring declaration")
			continue
		}
		switch {
		case b.Initializer != nil:
			c.compileExpr(b.Initializer, v)
		case lexical:
			c.emitUndefined(v)
		default:
			continue
		}
		c.storeIdentifier(id.Name.String(), v)
	}
}

func (c *Compiler) compileIf(s *ast.IfStatement) {
	elseL := c.newLabel("if_else")
	c.compileTest(s.Test, elseL)
	c.compileStatement(s.Consequent)
	if s.Alternate == nil {
		c.mark(elseL)
		return
	}
	end := c.newLabel("if_end")
	c.emitJmp(end)
	c.mark(elseL)
	c.compileStatement(s.Alternate)
	c.mark(end)
}

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

func (c *Compiler) pushLoop(brk, cont Label, hasCont bool) {
	c.fn.loops = append(c.fn.loops, loopLabels{brk: brk, cont: cont, hasCont: hasCont})
}

func (c *Compiler) popLoop() {
	c.fn.loops = c.fn.loops[:len(c.fn.loops)-1]
}

func (c *Compiler) compileWhile(s *ast.WhileStatement) {
	loop, end := c.newLabel("while"), c.newLabel("while_end")
	c.mark(loop)
	c.compileTest(s.Test, end)
	c.noise()
	c.pushLoop(end, loop, true)
	c.compileStatement(s.Body)
	c.popLoop()
	c.emitJmp(loop)
	c.mark(end)
}

func (c *Compiler) compileDoWhile(s *ast.DoWhileStatement) {
	top, cont, end := c.newLabel("do"), c.newLabel("do_cond"), c.newLabel("do_end")
	c.mark(top)
	c.noise()
	c.pushLoop(end, cont, true)
	c.compileStatement(s.Body)
	c.popLoop()
	c.mark(cont)
	c.compileExpr(s.Test, regBool)
	c.emitJnz(regBool, top)
	c.mark(end)
}

// compileFor evaluates the test once before every iteration and the
// update once after it.
func (c *Compiler) compileFor(s *ast.ForStatement) {
	switch init := s.Initializer.(type) {
	case nil:
	case *ast.ForLoopInitializerExpression:
		c.compileExpr(init.Expression, c.temp(tStmt))
	case *ast.ForLoopInitializerVarDeclList:
		c.compileBindings(init.List, false)
	case *ast.ForLoopInitializerLexicalDecl:
		c.compileBindings(init.LexicalDeclaration.List, true)
	}

	loop, cont, end := c.newLabel("for"), c.newLabel("for_update"), c.newLabel("for_end")
	c.mark(loop)
	if s.Test != nil {
		c.compileTest(s.Test, end)
	}
	c.noise()
	c.pushLoop(end, cont, true)
	c.compileStatement(s.Body)
	c.popLoop()
	c.mark(cont)
	if s.Update != nil {
		c.compileExpr(s.Update, c.temp(tStmt))
	}
	c.emitJmp(loop)
	c.mark(end)
}

func (c *Compiler) compileBranch(s *ast.BranchStatement) {
	if s.Label != nil {
		c.unsupported(s, "labelled "+s.Token.String())
		return
	}
	loops := c.fn.loops
	if s.Token == token.BREAK {
		if len(loops) == 0 {
			c.errorf(s, "break outside of a loop or switch")
			return
		}
		c.emitJmp(loops[len(loops)-1].brk)
		return
	}
	for i := len(loops) - 1; i >= 0; i-- {
		if loops[i].hasCont {
			c.emitJmp(loops[i].cont)
			return
		}
	}
	c.errorf(s, "continue outside of a loop")
}

// ---------------------------------------------------------------------------
// Switch, return, throw
// ---------------------------------------------------------------------------

// compileSwitch tests every case in order against the discriminant with
// strict equality before any case body runs, then falls through the
// bodies from the first match.
func (c *Compiler) compileSwitch(s *ast.SwitchStatement) {
	disc, test := c.temp(tSwitch), c.temp(tCase)
	end := c.newLabel("switch_end")
	c.compileExpr(s.Discriminant, disc)

	bodies := make([]Label, len(s.Body))
	for i, cs := range s.Body {
		bodies[i] = c.newLabel("case")
		if cs.Test == nil {
			continue
		}
		c.compileGuarded(cs.Test, test, disc)
		c.emitCmp(disc, test)
		c.emitJz(regSign, bodies[i])
	}
	if s.Default >= 0 && s.Default < len(bodies) {
		c.emitJmp(bodies[s.Default])
	} else {
		c.emitJmp(end)
	}

	c.pushLoop(end, 0, false)
	for i, cs := range s.Body {
		c.mark(bodies[i])
		c.compileStatements(cs.Consequent)
	}
	c.popLoop()
	c.mark(end)
}

func (c *Compiler) compileReturn(s *ast.ReturnStatement) {
	if in := c.fn.inline; in != nil {
		if s.Argument != nil {
			c.compileExpr(s.Argument, in.result)
		} else {
			c.emitUndefined(in.result)
		}
		c.emitJmp(in.done)
		return
	}
	if s.Argument != nil {
		c.compileExpr(s.Argument, regResult)
	} else {
		c.emitUndefined(regResult)
	}
	c.emitRet()
}

// compileThrow hands the thrown value to the host throw function.
func (c *Compiler) compileThrow(s *ast.ThrowStatement) {
	arg := c.temp(tArg)
	c.compileExpr(s.Argument, arg)
	c.emitPush(arg)
	f := c.temp(tCallee)
	c.emitGetGlobal(f, ThrowFunction)
	c.emitCallReg(c.temp(tStmt), f, 1)
}

// ---------------------------------------------------------------------------
// Flow noise
// ---------------------------------------------------------------------------

// noise inserts, in hardened builds and at roughly one address in four,
// a jump to the next instruction followed by a branch that is never
// taken.
func (c *Compiler) noise() {
	h := c.set.Hardening
	if !h.Enabled || (c.pc()+h.Salt)&3 != 0 {
		return
	}
	split, join := c.newLabel("split"), c.newLabel("join")
	r := c.temp(tNoise)
	c.emitJmp(split)
	c.mark(split)
	c.emit(isa.OpMOV, a("r", r), a("v", 1))
	c.emitJz(r, join)
	c.mark(join)
}
