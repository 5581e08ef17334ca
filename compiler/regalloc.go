package compiler

// ---------------------------------------------------------------------------
// Register conventions
// ---------------------------------------------------------------------------

const (
	regResult = 0   // call result and return value
	regZero   = 1   // hard-wired zero
	firstVar  = 4   // first variable slot
	tempBase  = 200 // temp pool occupies [tempBase, tempBase+tempPool)
	tempPool  = 54
	regBool   = 254 // boolean scratch for conditions
	regSign   = 255 // sign of the last CMP
)

// Temp purposes. Values that must stay live across the compilation of a
// nested expression never share an index; where a nested expression may
// reuse an index the holder saves it on the operand stack first.
const (
	tAcc0     = 0  // binary right operand, unary operand, tests
	tAcc1     = 1  // alternate of tAcc0 when the target is tAcc0
	tName     = 2  // global name for identifier lookup
	tStmt     = 3  // discarded value of an expression statement
	tKey      = 4  // property names and indices in generated loops
	tObj      = 5  // object under construction
	tCtor     = 6  // Array / Object constructor
	tCtorName = 7
	tCallee   = 8
	tThis     = 9  // receiver pushed for direct calls
	tAsgObj   = 10 // member assignment base
	tAsgKey   = 11
	tAsgVal   = 12
	tElem     = 13 // array literal element
	tSwitch   = 14 // switch discriminant
	tCase     = 15 // case test
	tCondL    = 16 // condition exit operands
	tCondR    = 17
	tInit     = 18 // initializer of a declaration or identifier assignment
	tMemVal   = 19 // member read-modify-write value
	tMemObj   = 20
	tMemKey   = 21
	tPow      = 22
	tThrow    = 23
	tPropKey  = 28
	tPropVal  = 29
	tMethObj  = 30
	tMethName = 31
	tArg      = 40 // call argument, pushed as soon as it is computed
	tIsHandle = 52 // dynamic call dispatch test
	tNoise    = 53 // opaque predicate register
)

// tempAlloc maps temp purposes to physical registers. In hardened builds
// each purpose claims a pseudo-randomly placed register from the pool the
// first time it is requested and keeps it for the rest of the compilation.
type tempAlloc struct {
	hardened bool
	salt     int
	mapping  map[int]int
	used     [tempPool]bool
}

func newTempAlloc(hardened bool, salt int) *tempAlloc {
	return &tempAlloc{hardened: hardened, salt: salt, mapping: make(map[int]int)}
}

// reg returns the physical register for a temp purpose.
func (a *tempAlloc) reg(index int) int {
	if !a.hardened {
		return tempBase + index
	}
	if r, ok := a.mapping[index]; ok {
		return r
	}
	start := (index*7 + a.salt) % tempPool
	if start < 0 {
		start += tempPool
	}
	for probe := 0; probe < tempPool; probe++ {
		slot := (start + probe) % tempPool
		if !a.used[slot] {
			a.used[slot] = true
			a.mapping[index] = tempBase + slot
			return tempBase + slot
		}
	}
	r := tempBase + index%tempPool
	a.mapping[index] = r
	return r
}

// ---------------------------------------------------------------------------
// Variable scopes
// ---------------------------------------------------------------------------

// scope maps source names to variable slots. Nested function bodies and
// inlined callbacks work on a copy, so their names shadow without
// disturbing the enclosing scope.
type scope struct {
	vars map[string]int
}

func newScope() *scope {
	return &scope{vars: make(map[string]int)}
}

func (s *scope) clone() *scope {
	n := &scope{vars: make(map[string]int, len(s.vars))}
	for k, v := range s.vars {
		n.vars[k] = v
	}
	return n
}

// allocVar returns the slot for name in the current scope, assigning the
// next free slot if the name is new here. Slots are never handed out
// twice in one program.
func (c *Compiler) allocVar(name string) int {
	if r, ok := c.scope.vars[name]; ok {
		return r
	}
	r := c.freshSlot(name)
	c.scope.vars[name] = r
	return r
}

// freshSlot takes the next variable slot without binding a name to it.
func (c *Compiler) freshSlot(name string) int {
	if c.nextSlot >= tempBase {
		c.errorf(nil, "too many variables: no register left for %q", name)
		return firstVar
	}
	r := c.nextSlot
	c.nextSlot++
	return r
}

// lookup returns the slot of a declared name.
func (c *Compiler) lookup(name string) (int, bool) {
	r, ok := c.scope.vars[name]
	return r, ok
}

// temp is shorthand for the physical register of a temp purpose.
func (c *Compiler) temp(index int) int {
	return c.temps.reg(index)
}

// otherAcc returns an accumulator temp distinct from target.
func (c *Compiler) otherAcc(target int) int {
	if target == c.temp(tAcc0) {
		return c.temp(tAcc1)
	}
	return c.temp(tAcc0)
}
