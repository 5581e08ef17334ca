package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Value: tagged union held by registers and the operand stack
// ---------------------------------------------------------------------------

// Kind is the runtime tag of a Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindHandle // function defined by the running program
	KindHost   // opaque reference owned by the host runtime
)

var kindNames = [...]string{"undefined", "null", "bool", "number", "string", "handle", "host"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Handle is a callable program address together with the decode key
// active at that address.
type Handle struct {
	Addr  int
	Key   byte
	Arity int
}

// Value is a register value. The zero Value is undefined.
type Value struct {
	kind   Kind
	num    float64
	str    string
	handle Handle
	ref    interface{}
}

var (
	Undefined = Value{}
	Null      = Value{kind: KindNull}
	True      = Value{kind: KindBool, num: 1}
	False     = Value{kind: KindBool}
)

func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

func Number(f float64) Value          { return Value{kind: KindNumber, num: f} }
func String(s string) Value           { return Value{kind: KindString, str: s} }
func HandleValue(h Handle) Value      { return Value{kind: KindHandle, handle: h} }
func HostValue(ref interface{}) Value { return Value{kind: KindHost, ref: ref} }

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsNullish() bool  { return v.kind == KindUndefined || v.kind == KindNull }
func (v Value) Handle() Handle   { return v.handle }
func (v Value) Ref() interface{} { return v.ref }

// Num returns the number held by a Number or Bool value.
func (v Value) Num() float64 { return v.num }

// Str returns the string held by a String value.
func (v Value) Str() string { return v.str }

// Truthy applies the language's boolean conversion. Host references are
// always objects and therefore true.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindUndefined, KindNull:
		return false
	case KindBool:
		return v.num != 0
	case KindNumber:
		return v.num != 0 && !math.IsNaN(v.num)
	case KindString:
		return v.str != ""
	}
	return true
}

// ToNumber converts a primitive to a number. Handles and host references
// yield NaN; the machine routes host references through the host first.
func (v Value) ToNumber() float64 {
	switch v.kind {
	case KindNull:
		return 0
	case KindBool, KindNumber:
		return v.num
	case KindString:
		return stringToNumber(v.str)
	}
	return math.NaN()
}

// ToString converts a primitive to its string form.
func (v Value) ToString() string {
	switch v.kind {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindNumber:
		return FormatNumber(v.num)
	case KindString:
		return v.str
	case KindHandle:
		return "function"
	}
	return fmt.Sprint(v.ref)
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.str)
	case KindHandle:
		return fmt.Sprintf("<handle %04X/%02X>", v.handle.Addr, v.handle.Key)
	}
	return v.ToString()
}

// StrictEquals compares without conversion. Host references are equal
// when they are the same reference.
func StrictEquals(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindUndefined, KindNull:
		return true
	case KindBool, KindNumber:
		return a.num == b.num
	case KindString:
		return a.str == b.str
	case KindHandle:
		return a.handle == b.handle
	}
	return sameRef(a.ref, b.ref)
}

func sameRef(a, b interface{}) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

// Compare returns 0 when a and b are strictly equal, -1 when a orders
// before b and 1 otherwise. Unordered operands, such as NaN, give 2 so
// that no relational jump is taken.
func Compare(a, b Value) int {
	if StrictEquals(a, b) {
		return 0
	}
	if a.kind == KindString && b.kind == KindString {
		if a.str < b.str {
			return -1
		}
		return 1
	}
	x, y := a.ToNumber(), b.ToNumber()
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return 2
	case x < y:
		return -1
	case x > y:
		return 1
	}
	// Equal numerically but of different kinds.
	return 1
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func stringToNumber(s string) float64 {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return 0
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	if len(s) > 2 && s[0] == '0' {
		base := 0
		switch s[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 0 {
			n, err := strconv.ParseUint(s[2:], base, 64)
			if err != nil {
				return math.NaN()
			}
			return float64(n)
		}
	}
	lower := strings.ToLower(s)
	if strings.Contains(lower, "inf") || strings.Contains(lower, "nan") || strings.Contains(s, "_") {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return f
		}
		return math.NaN()
	}
	return f
}

// FormatNumber renders f the way the scripting language prints numbers.
func FormatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	// Go writes e+06 / e-07; the language writes e+6 / e-7.
	mant, exp, _ := strings.Cut(s, "e")
	sign := exp[:1]
	exp = strings.TrimLeft(exp[1:], "0")
	return mant + "e" + sign + exp
}

// ToInt32 applies the language's 32-bit integer conversion.
func ToInt32(f float64) int32 {
	return int32(ToUint32(f))
}

// ToUint32 applies the language's unsigned 32-bit integer conversion.
func ToUint32(f float64) uint32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	f = math.Trunc(f)
	f = math.Mod(f, 4294967296)
	if f < 0 {
		f += 4294967296
	}
	return uint32(f)
}
