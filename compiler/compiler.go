// Package compiler lowers a parsed script to encrypted register bytecode
// for one build's instruction set.
package compiler

import (
	"errors"
	"fmt"

	"github.com/chazu/krak/isa"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/tliron/commonlog"
	"golang.org/x/exp/rand"
)

var log = commonlog.GetLogger("krak.compiler")

// ThrowFunction is the host global a script-level throw is lowered to.
const ThrowFunction = "__krak_throw"

// initBlockRate is the chance an init block is placed at each
// opportunity before the remaining ones are flushed at the end.
const initBlockRate = 0.4

// Options controls a compilation.
type Options struct {
	// Seed drives init-block placement. Equal seeds give identical output.
	Seed uint64

	// Externs are names always bound to host globals, for both reads and
	// writes, even if the script declares them.
	Externs []string

	// KeepPlaintext retains the unencrypted code in the result.
	KeepPlaintext bool
}

// Program is the result of a compilation.
type Program struct {
	Code       []byte // encrypted
	InitialKey byte
	Labels     map[string]int
	Plain      []byte // only with Options.KeepPlaintext
}

// Compiler holds the state of one compilation. It is not reusable.
type Compiler struct {
	set   *isa.Set
	opts  Options
	rng   *rand.Rand
	file  *file.File
	temps *tempAlloc

	code   []byte
	labels []labelInfo
	jumps  []pendingJump
	errors []error

	scope    *scope
	nextSlot int
	externs  map[string]bool

	functions []*function

	fn   *funcState
	init *initChain
}

// function is a declared function emitted out of line.
type function struct {
	name  string
	lit   *ast.FunctionLiteral
	slot  int
	entry Label
}

// funcState is the per-body context that nested bodies save and restore.
type funcState struct {
	loops  []loopLabels
	inline *inlineBody      // set while compiling an inlined callback body
	locals map[string]bool // names declared by this body; nil at top level
}

type loopLabels struct {
	brk     Label
	cont    Label
	hasCont bool
}

// inlineBody is where a return inside an inlined callback goes.
type inlineBody struct {
	result int
	done   Label
}

// Errors returns accumulated compilation errors.
func (c *Compiler) Errors() []error {
	return c.errors
}

// Compile lowers prog for set. On any error no program is returned.
func Compile(prog *ast.Program, set *isa.Set, opts Options) (*Program, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	c := &Compiler{
		set:      set,
		opts:     opts,
		rng:      rand.New(rand.NewSource(opts.Seed)),
		file:     prog.File,
		temps:    newTempAlloc(set.Hardening.Enabled, set.Hardening.Salt),
		scope:    newScope(),
		nextSlot: firstVar,
		externs:  make(map[string]bool, len(opts.Externs)),
		fn:       &funcState{},
	}
	for _, name := range opts.Externs {
		c.externs[name] = true
	}

	c.compileProgram(prog)
	if len(c.errors) == 0 {
		c.resolve()
	}
	if len(c.errors) > 0 {
		return nil, fmt.Errorf("compile errors: %w", errors.Join(c.errors...))
	}

	out := &Program{
		Code:       set.LCG.Apply(c.code, set.InitialKey),
		InitialKey: set.InitialKey,
		Labels:     c.labelTable(),
	}
	if opts.KeepPlaintext {
		out.Plain = c.code
	}
	log.Debugf("compiled %d bytes, %d labels, %d jumps, %d functions, %d variable slots",
		len(c.code), len(c.labels), len(c.jumps), len(c.functions), c.nextSlot-firstVar)
	return out, nil
}

// ---------------------------------------------------------------------------
// Program layout
// ---------------------------------------------------------------------------

// compileProgram emits, in order: the entry jump, the out-of-line
// function bodies, the main body ending in a return, and whatever init
// blocks were not scattered earlier.
func (c *Compiler) compileProgram(prog *ast.Program) {
	c.hoist(prog.Body)
	c.collectFunctions(prog.Body)
	globals := c.scope

	main := c.newLabel("main")
	c.init = c.newInitChain(main)

	switch {
	case len(c.init.blocks) > 0:
		c.emitJmp(c.init.blocks[0].label)
	case len(c.functions) > 0:
		c.emitJmp(main)
	}

	for _, fn := range c.functions {
		c.init.place(false, false)
		c.compileFunctionBody(fn.entry, globals.clone(), fn.lit.ParameterList, fn.lit.Body, false)
	}
	c.scope = globals

	c.mark(main)
	for _, fn := range c.functions {
		c.emitFunc(fn.slot, fn.entry, len(fn.lit.ParameterList.List))
	}
	for _, stmt := range prog.Body {
		c.init.place(true, false)
		c.compileStatement(stmt)
	}
	c.emitMovInt(regResult, 0)
	c.emitRet()

	c.init.place(false, true)
}

// collectFunctions registers the top-level function declarations found
// in stmts and nested blocks. Each gets a global slot and an entry label.
// Declarations inside function bodies are handled by the body itself.
func (c *Compiler) collectFunctions(stmts []ast.Statement) {
	for _, stmt := range stmts {
		switch s := stmt.(type) {
		case *ast.FunctionDeclaration:
			lit := s.Function
			if lit.Name == nil {
				continue
			}
			if lit.Generator || lit.Async {
				c.unsupported(s, "generator or async function")
				continue
			}
			name := lit.Name.Name.String()
			fn := &function{
				name:  name,
				lit:   lit,
				slot:  c.allocVar(name),
				entry: c.newLabel("func_" + name),
			}
			c.functions = append(c.functions, fn)
		case *ast.BlockStatement:
			c.collectFunctions(s.List)
		}
	}
}

// knownFunction returns the declared function a callee name refers to,
// if the name still resolves to that function's slot.
func (c *Compiler) knownFunction(name string) *function {
	if c.externs[name] {
		return nil
	}
	slot, ok := c.lookup(name)
	if !ok {
		return nil
	}
	for _, fn := range c.functions {
		if fn.name == name && fn.slot == slot {
			return fn
		}
	}
	return nil
}

// compileFunctionBody emits entry, a prologue popping this and the
// parameters, the body and a fallthrough return of zero. sc becomes the
// body's scope. An arrow function discards the receiver it is called
// with and sees the enclosing this through sc.
func (c *Compiler) compileFunctionBody(entry Label, sc *scope, params *ast.ParameterList, body ast.ConciseBody, arrow bool) {
	savedScope, savedFn := c.scope, c.fn
	c.scope = sc
	c.fn = &funcState{locals: make(map[string]bool)}
	defer func() {
		c.scope, c.fn = savedScope, savedFn
	}()

	c.mark(entry)
	thisReg := c.temp(tThis)
	if !arrow {
		thisReg = c.declare("this")
	}
	paramRegs := c.declareParams(params)
	block, _ := body.(*ast.BlockStatement)
	if block != nil {
		c.hoist(block.List)
	}

	c.emitPop(thisReg)
	for i := len(paramRegs) - 1; i >= 0; i-- {
		c.emitPop(paramRegs[i])
	}

	if block == nil {
		if eb, ok := body.(*ast.ExpressionBody); ok {
			c.compileExpr(eb.Expression, regResult)
			c.emitRet()
		}
		return
	}
	c.compileNestedFunctions(block.List)
	c.compileStatements(block.List)
	c.emitMovInt(regResult, 0)
	c.emitRet()
}

// declareParams gives each simple parameter a fresh slot.
func (c *Compiler) declareParams(params *ast.ParameterList) []int {
	if params == nil {
		return nil
	}
	if params.Rest != nil {
		c.unsupported(params.Rest, "rest parameter")
	}
	regs := make([]int, 0, len(params.List))
	for _, p := range params.List {
		id, ok := p.Target.(*ast.Identifier)
		if !ok {
			c.unsupported(p.Target, "destructuring parameter")
			continue
		}
		if p.Initializer != nil {
			c.unsupported(p.Initializer, "default parameter value")
		}
		regs = append(regs, c.declare(id.Name.String()))
	}
	return regs
}

// compileNestedFunctions turns the function declarations of a body into
// function values stored in their hoisted slots, so calls anywhere in the
// body find them initialised.
func (c *Compiler) compileNestedFunctions(stmts []ast.Statement) {
	for _, stmt := range stmts {
		switch s := stmt.(type) {
		case *ast.FunctionDeclaration:
			if s.Function.Name == nil {
				continue
			}
			slot, _ := c.lookup(s.Function.Name.Name.String())
			c.compileFunctionLiteral(s.Function, slot, false)
		case *ast.BlockStatement:
			c.compileNestedFunctions(s.List)
		}
	}
}

// declare binds name in the current body. Inside a function the first
// declaration of a name gets a fresh slot, shadowing any outer binding;
// later ones reuse it. At top level names are global slots.
func (c *Compiler) declare(name string) int {
	if c.fn.locals != nil && !c.fn.locals[name] {
		c.fn.locals[name] = true
		delete(c.scope.vars, name)
	}
	return c.allocVar(name)
}

// hoist declares the var, let and const names of stmts and of function
// declarations, without descending into function bodies.
func (c *Compiler) hoist(stmts []ast.Statement) {
	for _, stmt := range stmts {
		c.hoistStatement(stmt)
	}
}

func (c *Compiler) hoistBindings(list []*ast.Binding) {
	for _, b := range list {
		if id, ok := b.Target.(*ast.Identifier); ok && !c.externs[id.Name.String()] {
			c.declare(id.Name.String())
		}
	}
}

func (c *Compiler) hoistStatement(stmt ast.Statement) {
	switch s := stmt.(type) {
	case *ast.VariableStatement:
		c.hoistBindings(s.List)
	case *ast.LexicalDeclaration:
		c.hoistBindings(s.List)
	case *ast.FunctionDeclaration:
		if s.Function.Name != nil {
			c.declare(s.Function.Name.Name.String())
		}
	case *ast.BlockStatement:
		c.hoist(s.List)
	case *ast.IfStatement:
		c.hoistStatement(s.Consequent)
		if s.Alternate != nil {
			c.hoistStatement(s.Alternate)
		}
	case *ast.WhileStatement:
		c.hoistStatement(s.Body)
	case *ast.DoWhileStatement:
		c.hoistStatement(s.Body)
	case *ast.ForStatement:
		switch init := s.Initializer.(type) {
		case *ast.ForLoopInitializerVarDeclList:
			c.hoistBindings(init.List)
		case *ast.ForLoopInitializerLexicalDecl:
			c.hoistBindings(init.LexicalDeclaration.List)
		}
		c.hoistStatement(s.Body)
	case *ast.SwitchStatement:
		for _, cs := range s.Body {
			c.hoist(cs.Consequent)
		}
	case *ast.TryStatement:
		c.hoistStatement(s.Body)
	}
}

// ---------------------------------------------------------------------------
// Init blocks
// ---------------------------------------------------------------------------

// initChain scatters the blocks that install dynamic handlers. Block i
// evaluates its install token and jumps to block i+1; the last one jumps
// to main. The entry jump goes to block 0, so the whole chain runs before
// any other code, wherever its blocks were placed.
type initChain struct {
	c      *Compiler
	blocks []initBlock
	next   int
	main   Label
}

type initBlock struct {
	token string
	label Label
}

func (c *Compiler) newInitChain(main Label) *initChain {
	ops := c.set.DynamicOps()
	c.rng.Shuffle(len(ops), func(i, j int) { ops[i], ops[j] = ops[j], ops[i] })
	ch := &initChain{c: c, main: main}
	for _, op := range ops {
		ch.blocks = append(ch.blocks, initBlock{
			token: c.set.Dynamic[op],
			label: c.newLabel("init"),
		})
	}
	return ch
}

// place emits pending init blocks. Unless force is set it emits at most
// one, with probability initBlockRate. Guarded blocks are jumped over by
// the code they are embedded in.
func (ch *initChain) place(guarded, force bool) {
	c := ch.c
	for ch.next < len(ch.blocks) {
		if !force && c.rng.Float64() > initBlockRate {
			return
		}
		b := ch.blocks[ch.next]
		var skip Label
		if guarded {
			skip = c.newLabel("skip_init")
			c.emitJmp(skip)
		}
		c.mark(b.label)
		c.emitOp(isa.OpEVAL, b.token)
		if ch.next+1 < len(ch.blocks) {
			c.emitJmp(ch.blocks[ch.next+1].label)
		} else {
			c.emitJmp(ch.main)
		}
		if guarded {
			c.mark(skip)
		}
		ch.next++
		if !force {
			return
		}
	}
}
