package compiler

import (
	"fmt"
	"strconv"

	"github.com/chazu/krak/isa"
	"github.com/dop251/goja/ast"
)

// maxArgs is the largest argument count an operand byte can carry.
const maxArgs = 255

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// pushArgs evaluates args left to right, pushing each as soon as it is
// computed, and returns the count.
func (c *Compiler) pushArgs(args []ast.Expression) int {
	if len(args) > maxArgs {
		c.errorf(args[maxArgs], "too many arguments: %d", len(args))
		return 0
	}
	r := c.temp(tArg)
	for _, arg := range args {
		if spread, ok := arg.(*ast.SpreadElement); ok {
			c.unsupported(spread, "spread argument")
			continue
		}
		c.compileExpr(arg, r)
		c.emitPush(r)
	}
	return len(args)
}

func arity(params *ast.ParameterList) int {
	if params == nil {
		return 0
	}
	return len(params.List)
}

func (c *Compiler) compileCall(e *ast.CallExpression, t int) {
	switch callee := e.Callee.(type) {
	case *ast.DotExpression:
		if method, cb, ok := c.inlineIteration(e, callee); ok {
			c.compileIteration(callee, method, cb, t)
			return
		}
		c.compileMethodCall(e, t)
	case *ast.BracketExpression:
		c.compileMethodCall(e, t)
	case *ast.Identifier:
		if fn := c.knownFunction(callee.Name.String()); fn != nil {
			c.compileDirectCall(fn, e.ArgumentList, t)
			return
		}
		c.compileDynamicCall(e, t)
	case *ast.SuperExpression:
		c.unsupported(callee, "super")
	default:
		c.compileDynamicCall(e, t)
	}
}

// compileDirectCall jumps straight to a declared function. Missing
// arguments are padded with undefined and surplus ones are evaluated for
// their effects only.
func (c *Compiler) compileDirectCall(fn *function, args []ast.Expression, t int) {
	n := arity(fn.lit.ParameterList)
	r := c.temp(tArg)
	for i, arg := range args {
		c.compileExpr(arg, r)
		if i < n {
			c.emitPush(r)
		}
	}
	for i := len(args); i < n; i++ {
		c.emitUndefined(r)
		c.emitPush(r)
	}
	c.emitUndefined(c.temp(tThis))
	c.emitPush(c.temp(tThis))
	c.emitCall(fn.entry)
	c.emitMovReg(t, regResult)
}

func (c *Compiler) compileDynamicCall(e *ast.CallExpression, t int) {
	n := c.pushArgs(e.ArgumentList)
	f, ok := c.localReg(e.Callee)
	if !ok {
		f = c.temp(tCallee)
		c.compileExpr(e.Callee, f)
	}
	c.emitCallReg(t, f, n)
}

// emitCallReg calls the function value in f with n stacked arguments,
// dispatching on its runtime tag: handles run in this program, anything
// else goes through the host.
func (c *Compiler) emitCallReg(d, f, n int) {
	ext, end := c.newLabel("call_host"), c.newLabel("call_end")
	isHandle := c.temp(tIsHandle)
	c.emit(isa.OpHND, a("d", isHandle), a("s", f))
	c.emitJz(isHandle, ext)
	c.emit(isa.OpCREGI, a("f", f), a("n", n))
	c.emitMovReg(d, regResult)
	c.emitJmp(end)
	c.mark(ext)
	c.emit(isa.OpCREGE, a("d", d), a("f", f), a("n", n))
	c.mark(end)
}

// compileMethodCall invokes obj[key](args) on the host. The arguments are
// stacked before the receiver is evaluated.
func (c *Compiler) compileMethodCall(e *ast.CallExpression, t int) {
	n := c.pushArgs(e.ArgumentList)
	obj, name := c.temp(tMethObj), c.temp(tMethName)
	c.compileMemberBase(e.Callee, obj, name)
	c.emit(isa.OpMETH, a("d", t), a("o", obj), a("m", name), a("c", n))
}

func (c *Compiler) compileNew(e *ast.NewExpression, t int) {
	n := c.pushArgs(e.ArgumentList)
	ctor, ok := c.localReg(e.Callee)
	if !ok {
		ctor = c.temp(tCtor)
		c.compileExpr(e.Callee, ctor)
	}
	c.emit(isa.OpNEW, a("d", t), a("c", ctor), a("n", n))
}

// ---------------------------------------------------------------------------
// Inlined iteration
// ---------------------------------------------------------------------------

var iterationMethods = map[string]bool{"map": true, "filter": true, "forEach": true}

// inlineIteration reports whether e is a map, filter or forEach call
// whose callback can be compiled in place.
func (c *Compiler) inlineIteration(e *ast.CallExpression, callee *ast.DotExpression) (string, ast.Expression, bool) {
	method := callee.Identifier.Name.String()
	if !iterationMethods[method] || len(e.ArgumentList) != 1 {
		return "", nil, false
	}
	cb := e.ArgumentList[0]
	switch fn := cb.(type) {
	case *ast.FunctionLiteral:
		return method, cb, !fn.Generator && !fn.Async
	case *ast.ArrowFunctionLiteral:
		return method, cb, !fn.Async
	case *ast.Identifier:
		return method, cb, true
	}
	return "", nil, false
}

// compileIteration lowers col.map/filter/forEach(cb) to an indexed loop
// over col.length. The callback receives element, index and collection.
func (c *Compiler) compileIteration(callee *ast.DotExpression, method string, cb ast.Expression, t int) {
	uid := len(c.labels)
	hidden := func(what string) int {
		return c.freshSlot(fmt.Sprintf("__cb_%s_%d", what, uid))
	}
	col, length, idx, el, val := hidden("col"), hidden("len"), hidden("idx"), hidden("el"), hidden("val")
	key := c.temp(tKey)

	c.compileExpr(callee.Left, col)
	c.emitStr(key, "length")
	c.emitGetProp(length, col, key)
	c.emit(isa.OpTNUM, a("d", length), a("s", length))
	c.emitMovInt(idx, 0)

	var res, out int
	if method != "forEach" {
		res = hidden("res")
		ctor := c.temp(tCtor)
		c.emitGetGlobal(ctor, "Array")
		c.emit(isa.OpNEW, a("d", res), a("c", ctor), a("n", 0))
	}
	if method == "filter" {
		out = hidden("out")
		c.emitMovInt(out, 0)
	}

	loop, body, next, end := c.newLabel("iter_loop"), c.newLabel("iter_body"), c.newLabel("iter_next"), c.newLabel("iter_end")
	c.mark(loop)
	c.emitCmp(idx, length)
	c.emitJlt(body)
	c.emitJmp(end)
	c.mark(body)
	c.noise()
	c.emit(isa.OpFNUM, a("d", key), a("s", idx))
	c.emitGetProp(el, col, key)
	c.compileCallback(cb, []int{el, idx, col}, val, next)
	c.mark(next)

	switch method {
	case "map":
		c.emitSetProp(res, idx, val)
	case "filter":
		skip := c.newLabel("iter_skip")
		c.emitJz(val, skip)
		c.emitSetProp(res, out, el)
		c.emit(isa.OpINC, a("r", out))
		c.mark(skip)
	}
	c.emit(isa.OpINC, a("r", idx))
	c.emitJmp(loop)
	c.mark(end)

	if method == "forEach" {
		c.emitUndefined(t)
	} else {
		c.emitMovReg(t, res)
	}
}

// compileCallback leaves the callback's result for args in result. An
// inlined body returns by jumping to done.
func (c *Compiler) compileCallback(cb ast.Expression, args []int, result int, done Label) {
	switch fn := cb.(type) {
	case *ast.FunctionLiteral:
		c.compileInlineBody(fn.ParameterList, fn.Body, args, result, done, false)
	case *ast.ArrowFunctionLiteral:
		c.compileInlineBody(fn.ParameterList, fn.Body, args, result, done, true)
	case *ast.Identifier:
		if known := c.knownFunction(fn.Name.String()); known != nil {
			r := c.temp(tArg)
			for i := 0; i < arity(known.lit.ParameterList); i++ {
				if i < len(args) {
					c.emitPush(args[i])
				} else {
					c.emitUndefined(r)
					c.emitPush(r)
				}
			}
			c.emitUndefined(c.temp(tThis))
			c.emitPush(c.temp(tThis))
			c.emitCall(known.entry)
			c.emitMovReg(result, regResult)
			return
		}
		for _, r := range args {
			c.emitPush(r)
		}
		f, ok := c.localReg(fn)
		if !ok {
			f = c.temp(tCallee)
			c.compileIdentifier(fn, f)
		}
		c.emitCallReg(result, f, len(args))
	}
}

// compileInlineBody compiles a callback body in place. Its parameters
// and locals get their own slots so they never collide with the caller's.
func (c *Compiler) compileInlineBody(params *ast.ParameterList, body ast.ConciseBody, args []int, result int, done Label, arrow bool) {
	savedScope, savedFn := c.scope, c.fn
	c.scope = c.scope.clone()
	c.fn = &funcState{
		locals: make(map[string]bool),
		inline: &inlineBody{result: result, done: done},
	}
	defer func() {
		c.scope, c.fn = savedScope, savedFn
	}()

	if !arrow {
		c.emitUndefined(c.declare("this"))
	}
	for i, r := range c.declareParams(params) {
		if i < len(args) {
			c.emitMovReg(r, args[i])
		} else {
			c.emitUndefined(r)
		}
	}

	switch body := body.(type) {
	case *ast.BlockStatement:
		c.hoist(body.List)
		c.compileNestedFunctions(body.List)
		c.compileStatements(body.List)
		c.emitUndefined(result)
	case *ast.ExpressionBody:
		c.compileExpr(body.Expression, result)
	}
}

// ---------------------------------------------------------------------------
// Function values
// ---------------------------------------------------------------------------

// compileFunctionValue emits lit out of line, jumped over, and loads a
// handle to it into t. A named function expression sees its own name.
func (c *Compiler) compileFunctionValue(lit *ast.FunctionLiteral, t int) {
	c.compileFunctionLiteral(lit, t, lit.Name != nil)
}

func (c *Compiler) compileFunctionLiteral(lit *ast.FunctionLiteral, t int, bindName bool) {
	entry, end := c.newLabel("fn"), c.newLabel("fn_end")
	c.emitJmp(end)

	sc := c.scope.clone()
	dest := t
	if bindName {
		name := lit.Name.Name.String()
		dest = c.freshSlot(name)
		sc.vars[name] = dest
	}
	c.compileFunctionBody(entry, sc, lit.ParameterList, lit.Body, false)

	c.mark(end)
	c.emitFunc(dest, entry, arity(lit.ParameterList))
	c.emitMovReg(t, dest)
}

func (c *Compiler) compileArrowValue(e *ast.ArrowFunctionLiteral, t int) {
	entry, end := c.newLabel("arrow"), c.newLabel("arrow_end")
	c.emitJmp(end)
	c.compileFunctionBody(entry, c.scope.clone(), e.ParameterList, e.Body, true)
	c.mark(end)
	c.emitFunc(t, entry, arity(e.ParameterList))
}

// ---------------------------------------------------------------------------
// Array and object literals
// ---------------------------------------------------------------------------

func (c *Compiler) compileArray(e *ast.ArrayLiteral, t int) {
	ctor := c.temp(tCtor)
	c.emitGetGlobal(ctor, "Array")
	c.emit(isa.OpNEW, a("d", t), a("c", ctor), a("n", 0))

	elem, key := c.pick(t, tElem, tPropVal), c.pick(t, tKey, tPropKey)
	for i, el := range e.Value {
		if el == nil {
			c.emitUndefined(elem)
		} else {
			c.compileGuarded(el, elem, t)
		}
		c.emitMovInt(key, i)
		c.emitSetProp(t, key, elem)
	}
}

func (c *Compiler) compileObject(e *ast.ObjectLiteral, t int) {
	ctor := c.temp(tCtor)
	c.emitGetGlobal(ctor, "Object")
	c.emit(isa.OpNEW, a("d", t), a("c", ctor), a("n", 0))

	key, val := c.pick(t, tPropKey, tKey), c.pick(t, tPropVal, tElem)
	for _, prop := range e.Value {
		switch p := prop.(type) {
		case *ast.PropertyKeyed:
			if p.Kind != ast.PropertyKindValue && p.Kind != ast.PropertyKindMethod {
				c.unsupported(p, "property accessor")
				continue
			}
			if p.Computed {
				c.compileGuarded(p.Key, key, t)
			} else {
				name, ok := propertyName(p.Key)
				if !ok {
					c.errorf(p.Key, "unexpected property key %T", p.Key)
					continue
				}
				c.emitStr(key, name)
			}
			c.compileGuarded(p.Value, val, t, key)
		case *ast.PropertyShort:
			if p.Initializer != nil {
				c.unsupported(p, "shorthand property initializer")
				continue
			}
			c.emitStr(key, p.Name.Name.String())
			c.compileIdentifier(&p.Name, val)
		case *ast.SpreadElement:
			c.unsupported(p, "object spread")
			continue
		default:
			c.errorf(prop, "%w: %T", ErrUnsupported, prop)
			continue
		}
		c.emitSetProp(t, key, val)
	}
}

// propertyName returns the string form of a literal property key.
func propertyName(key ast.Expression) (string, bool) {
	switch k := key.(type) {
	case *ast.StringLiteral:
		return k.Value.String(), true
	case *ast.Identifier:
		return k.Name.String(), true
	case *ast.NumberLiteral:
		switch v := k.Value.(type) {
		case int64:
			return strconv.FormatInt(v, 10), true
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64), true
		}
	}
	return "", false
}
