package vm

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/chazu/krak/artifact"
	"github.com/chazu/krak/isa"
)

func runProgram(t *testing.T, set *isa.Set, host Host, code []byte) (*Machine, error) {
	t.Helper()
	m := newMachine(t, set, host, code)
	return m, m.Run(context.Background())
}

func TestArithmetic(t *testing.T) {
	set := testSet()
	tests := []struct {
		op   isa.Op
		x, y int
		want float64
	}{
		{isa.OpADD, 7, 5, 12},
		{isa.OpSUB, 7, 5, 2},
		{isa.OpMUL, 7, 5, 35},
		{isa.OpDIV, 7, 2, 3.5},
		{isa.OpMOD, 7, 5, 2},
		{isa.OpMOD, -7, 5, -2},
		{isa.OpAND, 6, 3, 2},
		{isa.OpOR, 6, 3, 7},
		{isa.OpXOR, 6, 3, 5},
		{isa.OpNOR, 6, 3, -8},
		{isa.OpSHL, 1, 4, 16},
		{isa.OpSHL, 1, 33, 2},
		{isa.OpSAR, -16, 2, -4},
		{isa.OpSHR, -1, 0, 4294967295},
		{isa.OpSHR, -16, 28, 15},
	}

	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			a := newAsm(set).installAll()
			a.emit(isa.OpMOV, ops{"r": 4, "v": tt.x})
			a.emit(isa.OpMOV, ops{"r": 5, "v": tt.y})
			a.emit(tt.op, ops{"d": 4, "s": 5})
			a.emit(isa.OpMOVR, ops{"d": 0, "s": 4})
			a.emit(isa.OpRET, nil)

			m, err := runProgram(t, set, nil, a.build(t))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := m.Result(); got.Kind() != KindNumber || got.Num() != tt.want {
				t.Errorf("%s %d %d = %v, want %v", tt.op, tt.x, tt.y, got, tt.want)
			}
		})
	}
}

func TestUnaryOps(t *testing.T) {
	set := testSet()
	a := newAsm(set).installAll()
	a.emit(isa.OpMOV, ops{"r": 4, "v": 5})
	a.emit(isa.OpNOT, ops{"r": 4})
	a.emit(isa.OpMOV, ops{"r": 5, "v": 9})
	a.emit(isa.OpINC, ops{"r": 5})
	a.emit(isa.OpMOV, ops{"r": 6, "v": 0})
	a.emit(isa.OpDEC, ops{"r": 6})
	a.emit(isa.OpRET, nil)

	m, err := runProgram(t, set, nil, a.build(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for r, want := range map[int]float64{4: -6, 5: 10, 6: -1} {
		if got := m.Register(r).Num(); got != want {
			t.Errorf("r%d = %v, want %v", r, got, want)
		}
	}
}

func TestStringConcatenation(t *testing.T) {
	set := testSet()
	a := newAsm(set).installAll()
	a.emitStr(isa.OpSTR, "n=", ops{"d": 4})
	a.emit(isa.OpMOV, ops{"r": 5, "v": 4})
	a.emit(isa.OpADD, ops{"d": 4, "s": 5})
	a.emit(isa.OpMOVR, ops{"d": 0, "s": 4})
	a.emit(isa.OpRET, nil)

	m, err := runProgram(t, set, nil, a.build(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Result(); got.Kind() != KindString || got.Str() != "n=4" {
		t.Errorf("result = %v, want \"n=4\"", got)
	}
}

func TestZeroRegisterIgnoresWrites(t *testing.T) {
	set := testSet()
	a := newAsm(set).installAll()
	a.emit(isa.OpMOV, ops{"r": 1, "v": 5})
	a.emit(isa.OpMOVR, ops{"d": 0, "s": 1})
	a.emit(isa.OpRET, nil)

	m, err := runProgram(t, set, nil, a.build(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Result(); got.Num() != 0 {
		t.Errorf("r1 = %v, want 0", got)
	}
}

func TestLoopWithCompare(t *testing.T) {
	set := testSet()
	a := newAsm(set).installAll()
	a.emit(isa.OpMOV, ops{"r": 4, "v": 0})
	a.emit(isa.OpMOV, ops{"r": 5, "v": 1})
	a.emit(isa.OpMOV, ops{"r": 6, "v": 10})
	a.label("loop")
	a.emit(isa.OpCMP, ops{"a": 6, "b": 5})
	a.jump(isa.OpJLT, "end", nil)
	a.emit(isa.OpADD, ops{"d": 4, "s": 5})
	a.emit(isa.OpINC, ops{"r": 5})
	a.jump(isa.OpJMP, "loop", nil)
	a.label("end")
	a.emit(isa.OpMOVR, ops{"d": 0, "s": 4})
	a.emit(isa.OpRET, nil)

	m, err := runProgram(t, set, nil, a.build(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Result().Num(); got != 55 {
		t.Errorf("sum = %v, want 55", got)
	}
}

func TestCompareUnordered(t *testing.T) {
	set := testSet()
	a := newAsm(set).installAll()
	a.emit(isa.OpMOV, ops{"r": 4, "v": 0})
	a.emit(isa.OpDIV, ops{"d": 4, "s": 4})
	a.emit(isa.OpCMP, ops{"a": 4, "b": 4})
	a.emit(isa.OpMOV, ops{"r": 0, "v": 1})
	a.jump(isa.OpJLT, "taken", nil)
	a.jump(isa.OpJGT, "taken", nil)
	a.emit(isa.OpRET, nil)
	a.label("taken")
	a.emit(isa.OpMOV, ops{"r": 0, "v": 2})
	a.emit(isa.OpRET, nil)

	m, err := runProgram(t, set, nil, a.build(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Register(regSign).Num(); got != 2 {
		t.Errorf("sign = %v, want 2", got)
	}
	if got := m.Result().Num(); got != 1 {
		t.Errorf("a relational jump was taken on NaN")
	}
}

func TestConditionalJumps(t *testing.T) {
	set := testSet()
	a := newAsm(set).installAll()
	a.emit(isa.OpMOV, ops{"r": 0, "v": 0})
	a.emit(isa.OpNIL, ops{"d": 4, "v": 1})
	a.jump(isa.OpJNN, "bad", ops{"r": 4})
	a.jump(isa.OpJNZ, "bad", ops{"r": 4})
	a.jump(isa.OpJZ, "next", ops{"r": 4})
	a.jump(isa.OpJMP, "bad", nil)
	a.label("next")
	a.emit(isa.OpBOOL, ops{"d": 5, "v": 1})
	a.jump(isa.OpJNN, "ok", ops{"r": 5})
	a.label("bad")
	a.emit(isa.OpMOV, ops{"r": 0, "v": -1})
	a.emit(isa.OpRET, nil)
	a.label("ok")
	a.emit(isa.OpMOV, ops{"r": 0, "v": 1})
	a.emit(isa.OpRET, nil)

	m, err := runProgram(t, set, nil, a.build(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Result().Num(); got != 1 {
		t.Errorf("result = %v, want 1", got)
	}
}

func TestHeap(t *testing.T) {
	set := testSet()
	a := newAsm(set).installAll()
	a.emit(isa.OpMOV, ops{"r": 4, "v": HeapSize - 1})
	a.emit(isa.OpMOV, ops{"r": 5, "v": 9})
	a.emit(isa.OpSTORE, ops{"a": 4, "s": 5})
	a.emit(isa.OpLOAD, ops{"d": 6, "a": 4})
	a.emit(isa.OpMOVR, ops{"d": 0, "s": 6})
	a.emit(isa.OpRET, nil)

	m, err := runProgram(t, set, nil, a.build(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Result().Num(); got != 9 {
		t.Errorf("heap read = %v, want 9", got)
	}
}

func TestDirectCall(t *testing.T) {
	set := testSet()
	a := newAsm(set).installAll()
	a.jump(isa.OpJMP, "main", nil)
	a.label("double")
	a.emit(isa.OpPOP, ops{"r": 6})
	a.emit(isa.OpMOV, ops{"r": 7, "v": 2})
	a.emit(isa.OpMUL, ops{"d": 6, "s": 7})
	a.emit(isa.OpMOVR, ops{"d": 0, "s": 6})
	a.emit(isa.OpRET, nil)
	a.label("main")
	a.emit(isa.OpMOV, ops{"r": 4, "v": 21})
	a.emit(isa.OpPUSH, ops{"r": 4})
	a.jump(isa.OpCADR, "double", nil)
	a.emit(isa.OpMOVR, ops{"d": 5, "s": 0})
	a.emit(isa.OpRET, nil)

	m, err := runProgram(t, set, nil, a.build(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Register(5).Num(); got != 42 {
		t.Errorf("double(21) = %v, want 42", got)
	}
	if m.StackDepth() != 0 {
		t.Errorf("stack depth = %d, want 0", m.StackDepth())
	}
}

func TestDynamicCallPadsArguments(t *testing.T) {
	set := testSet()
	a := newAsm(set).installAll()
	a.jump(isa.OpJMP, "main", nil)
	a.label("fn")
	a.emit(isa.OpPOP, ops{"r": 9})
	a.emit(isa.OpPOP, ops{"r": 7})
	a.emit(isa.OpPOP, ops{"r": 6})
	a.emit(isa.OpTYP, ops{"d": 0, "s": 7})
	a.emit(isa.OpRET, nil)
	a.label("main")
	a.jump(isa.OpFUNC, "fn", ops{"d": 8, "n": 2})
	a.emit(isa.OpHND, ops{"d": 10, "s": 8})
	a.emit(isa.OpMOV, ops{"r": 4, "v": 5})
	a.emit(isa.OpPUSH, ops{"r": 4})
	a.emit(isa.OpCREGI, ops{"f": 8, "n": 1})
	a.emit(isa.OpRET, nil)

	m, err := runProgram(t, set, nil, a.build(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Result().Str(); got != "undefined" {
		t.Errorf("missing argument has type %q", got)
	}
	if got := m.Register(6).Num(); got != 5 {
		t.Errorf("first argument = %v, want 5", got)
	}
	if got := m.Register(9).Kind(); got != KindUndefined {
		t.Errorf("receiver kind = %s, want undefined", got)
	}
	if !m.Register(10).Truthy() {
		t.Errorf("HND did not recognise a handle")
	}
	if m.StackDepth() != 0 {
		t.Errorf("stack depth = %d, want 0", m.StackDepth())
	}
}

func TestOutput(t *testing.T) {
	set := testSet()
	a := newAsm(set).installAll()
	a.emitStr(isa.OpSTR, "hi", ops{"d": 4})
	a.emit(isa.OpOUT, ops{"r": 4})
	a.emit(isa.OpMOV, ops{"r": 4, "v": 3})
	a.emit(isa.OpFNUM, ops{"d": 5, "s": 4})
	a.emit(isa.OpOUT, ops{"r": 5})
	a.emit(isa.OpRET, nil)

	var out bytes.Buffer
	m, err := New(set, Options{Output: &out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Load(artifact.New(a.build(t))); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := out.String(); got != "hi\n3\n" {
		t.Errorf("output = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Faults
// ---------------------------------------------------------------------------

func TestFaults(t *testing.T) {
	set := testSet()
	var unused byte
	for b := 0; b < 256; b++ {
		if set.DecodeTable()[b] == isa.OpInvalid {
			unused = byte(b)
			break
		}
	}
	dyn := set.DynamicOps()
	if len(dyn) == 0 {
		t.Fatal("test set has no dynamic opcodes")
	}

	tests := []struct {
		name    string
		program func(a *asm)
	}{
		{"heap out of range", func(a *asm) {
			a.installAll()
			a.emit(isa.OpMOV, ops{"r": 4, "v": HeapSize})
			a.emit(isa.OpLOAD, ops{"d": 5, "a": 4})
			a.emit(isa.OpRET, nil)
		}},
		{"negative heap address", func(a *asm) {
			a.installAll()
			a.emit(isa.OpMOV, ops{"r": 4, "v": -1})
			a.emit(isa.OpSTORE, ops{"a": 4, "s": 4})
			a.emit(isa.OpRET, nil)
		}},
		{"stack underflow", func(a *asm) {
			a.installAll()
			a.emit(isa.OpMOV, ops{"r": 4, "v": 1})
			a.emit(isa.OpPOP, ops{"r": 4})
			a.emit(isa.OpRET, nil)
		}},
		{"invalid opcode", func(a *asm) {
			a.installAll()
			a.emit(isa.OpMOV, ops{"r": 4, "v": 1})
			a.raw(unused, 0, 0, 0)
		}},
		{"uninstalled dynamic opcode", func(a *asm) {
			a.emit(dyn[0], ops{})
			a.emit(isa.OpRET, nil)
		}},
		{"decode past end", func(a *asm) {
			a.installAll()
			a.emit(isa.OpMOV, ops{"r": 4, "v": 1})
		}},
		{"frame overflow", func(a *asm) {
			a.installAll()
			a.label("f")
			a.jump(isa.OpCADR, "f", nil)
		}},
		{"call of non-handle", func(a *asm) {
			a.installAll()
			a.emit(isa.OpMOV, ops{"r": 4, "v": 1})
			a.emit(isa.OpCREGI, ops{"f": 4, "n": 0})
			a.emit(isa.OpRET, nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAsm(set)
			tt.program(a)
			m, err := runProgram(t, set, nil, a.build(t))
			if !errors.Is(err, ErrFault) {
				t.Fatalf("Run error = %v, want a fault", err)
			}
			checkGenericMessage(t, set, err)
			if !m.Halted() {
				t.Error("machine not halted after fault")
			}
			if m.Register(4).Kind() != KindUndefined {
				t.Errorf("registers not wiped: r4 = %v", m.Register(4))
			}
			if m.StackDepth() != 0 {
				t.Errorf("stack not wiped: depth %d", m.StackDepth())
			}
			if got := m.Stats().Faults; got != 1 {
				t.Errorf("faults = %d, want 1", got)
			}
			if _, err := m.Invoke(Handle{}, Undefined, nil); !errors.Is(err, ErrNotRunnable) {
				t.Errorf("Invoke after fault = %v, want ErrNotRunnable", err)
			}
		})
	}
}

func checkGenericMessage(t *testing.T, set *isa.Set, err error) {
	t.Helper()
	for _, msg := range set.FaultMessages {
		if err.Error() == msg {
			return
		}
	}
	t.Errorf("fault message %q is not one of %v", err.Error(), set.FaultMessages)
}

func TestLoadRejectsTamperedArtifact(t *testing.T) {
	set := testSet()
	a := newAsm(set).installAll()
	a.emit(isa.OpMOV, ops{"r": 0, "v": 1})
	a.emit(isa.OpRET, nil)

	code := a.build(t)
	art := artifact.New(code)
	code[len(code)-1] ^= 0x01
	art.Payload = base64.StdEncoding.EncodeToString(code)

	m, err := New(set, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = m.Load(art)
	if !errors.Is(err, ErrFault) {
		t.Fatalf("Load error = %v, want a fault", err)
	}
	checkGenericMessage(t, set, err)
	if done, err := m.Step(); !done || !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Step after rejected load = %v, %v", done, err)
	}
}

func TestIntegrityCheckOnCompletion(t *testing.T) {
	set := testSet()
	a := newAsm(set).installAll()
	a.emit(isa.OpMOV, ops{"r": 0, "v": 1})
	a.emit(isa.OpRET, nil)
	a.raw(0, 0, 0, 0)

	m := newMachine(t, set, nil, a.build(t))
	m.code[len(m.code)-1] ^= 0xFF

	err := m.Run(context.Background())
	if !errors.Is(err, ErrFault) {
		t.Fatalf("Run error = %v, want a fault", err)
	}
	if got := m.Stats().Verifications; got != 1 {
		t.Errorf("verifications = %d, want 1", got)
	}
}

func TestEvalInstallsHandler(t *testing.T) {
	var set *isa.Set
	for seed := uint64(1); ; seed++ {
		set = isa.Generate(isa.GenOptions{Seed: seed})
		if set.IsDynamic(isa.OpMOV) {
			break
		}
	}

	a := newAsm(set)
	a.emit(isa.OpMOV, ops{"r": 0, "v": 3})
	a.emit(isa.OpRET, nil)
	if _, err := runProgram(t, set, nil, a.build(t)); !errors.Is(err, ErrFault) {
		t.Fatalf("MOV before install: %v, want a fault", err)
	}

	a = newAsm(set).installAll()
	a.emit(isa.OpMOV, ops{"r": 4, "v": 3})
	a.emitStr(isa.OpEVAL, "1+1", nil)
	a.emit(isa.OpRET, nil)
	m, err := runProgram(t, set, newMockHost(), a.build(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Register(4).Num(); got != 3 {
		t.Errorf("r4 = %v, want 3", got)
	}
	if got := m.Result().Str(); got != "eval:1+1" {
		t.Errorf("host eval result = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Host bridge
// ---------------------------------------------------------------------------

func TestHostObjects(t *testing.T) {
	set := testSet()
	host := newMockHost()
	a := newAsm(set).installAll()
	a.emitStr(isa.OpSTR, "Object", ops{"d": 10})
	a.emit(isa.OpGGLO, ops{"d": 11, "n": 10})
	a.emit(isa.OpNEW, ops{"d": 12, "c": 11, "n": 0})
	a.emitStr(isa.OpSTR, "k", ops{"d": 13})
	a.emit(isa.OpMOV, ops{"r": 14, "v": 5})
	a.emit(isa.OpSPRP, ops{"o": 12, "p": 13, "v": 14})
	a.emit(isa.OpGPRP, ops{"d": 15, "o": 12, "p": 13})

	a.emitStr(isa.OpSTR, "say", ops{"d": 16})
	a.emitStr(isa.OpSTR, "log", ops{"d": 17})
	a.emit(isa.OpGGLO, ops{"d": 17, "n": 17})
	a.emit(isa.OpSPRP, ops{"o": 12, "p": 16, "v": 17})
	a.emit(isa.OpPUSH, ops{"r": 15})
	a.emit(isa.OpMETH, ops{"d": 18, "o": 12, "m": 16, "c": 1})

	a.emit(isa.OpIOF, ops{"d": 19, "o": 12, "c": 11})
	a.emit(isa.OpTYP, ops{"d": 20, "s": 17})
	a.emitStr(isa.OpSTR, "g", ops{"d": 21})
	a.emit(isa.OpSGLO, ops{"n": 21, "s": 14})
	a.emit(isa.OpMOVR, ops{"d": 0, "s": 15})
	a.emit(isa.OpRET, nil)

	m, err := runProgram(t, set, host, a.build(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Result().Num(); got != 5 {
		t.Errorf("property read = %v, want 5", got)
	}
	if len(host.printed) != 1 || host.printed[0] != "5" {
		t.Errorf("method call printed %v", host.printed)
	}
	if !m.Register(19).Truthy() {
		t.Error("instanceof Object = false")
	}
	if got := m.Register(20).Str(); got != "function" {
		t.Errorf("typeof host function = %q", got)
	}
	if got := host.globals["g"].Num(); got != 5 {
		t.Errorf("global g = %v, want 5", got)
	}
}

func TestHostErrorHalts(t *testing.T) {
	set := testSet()
	var thrown []*HostError
	a := newAsm(set).installAll()
	a.emitStr(isa.OpSTR, "boom", ops{"d": 10})
	a.emit(isa.OpGGLO, ops{"d": 11, "n": 10})
	a.emit(isa.OpRET, nil)

	m, err := New(set, Options{Host: newMockHost(), OnThrow: func(e *HostError) { thrown = append(thrown, e) }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Load(artifact.New(a.build(t))); err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = m.Run(context.Background())

	var he *HostError
	if !errors.As(err, &he) {
		t.Fatalf("Run error = %v, want a HostError", err)
	}
	if errors.Is(err, ErrFault) {
		t.Error("host error reported as a fault")
	}
	if he.Op != isa.OpGGLO {
		t.Errorf("HostError.Op = %s, want GGLO", he.Op)
	}
	if len(thrown) != 1 {
		t.Errorf("OnThrow called %d times, want 1", len(thrown))
	}
	if !m.Halted() {
		t.Error("machine still running after host error")
	}
}

func TestBridgeWithoutHost(t *testing.T) {
	set := testSet()
	a := newAsm(set).installAll()
	a.emitStr(isa.OpSTR, "Object", ops{"d": 10})
	a.emit(isa.OpGGLO, ops{"d": 11, "n": 10})
	a.emit(isa.OpRET, nil)

	_, err := runProgram(t, set, nil, a.build(t))
	if !errors.Is(err, ErrNoHost) {
		t.Fatalf("Run error = %v, want ErrNoHost", err)
	}
}

// ---------------------------------------------------------------------------
// Invoke and constructors
// ---------------------------------------------------------------------------

// incProgram defines inc(x) = x + 1 as a handle in r4.
func incProgram(t *testing.T, set *isa.Set) []byte {
	a := newAsm(set).installAll()
	a.jump(isa.OpJMP, "main", nil)
	a.label("inc")
	a.emit(isa.OpPOP, ops{"r": 9})
	a.emit(isa.OpPOP, ops{"r": 6})
	a.emit(isa.OpMOV, ops{"r": 7, "v": 1})
	a.emit(isa.OpADD, ops{"d": 6, "s": 7})
	a.emit(isa.OpMOVR, ops{"d": 0, "s": 6})
	a.emit(isa.OpRET, nil)
	a.label("main")
	a.jump(isa.OpFUNC, "inc", ops{"d": 4, "n": 1})
	a.emit(isa.OpMOV, ops{"r": 0, "v": 0})
	a.emit(isa.OpRET, nil)
	return a.build(t)
}

func TestInvokeAfterCompletion(t *testing.T) {
	set := testSet()
	m, err := runProgram(t, set, nil, incProgram(t, set))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	h := m.Register(4)
	if h.Kind() != KindHandle {
		t.Fatalf("r4 = %v, want a handle", h)
	}

	for i := 0; i < 3; i++ {
		v, err := m.Invoke(h.Handle(), Undefined, []Value{Number(41)})
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if v.Num() != 42 {
			t.Errorf("inc(41) = %v, want 42", v)
		}
	}
	if !m.Halted() {
		t.Error("Invoke restarted the finished program")
	}
	if got := m.Stats().Invokes; got != 3 {
		t.Errorf("invokes = %d, want 3", got)
	}
}

func TestInvokeFromHostCallback(t *testing.T) {
	set := testSet()
	host := newMockHost()
	a := newAsm(set).installAll()
	a.jump(isa.OpJMP, "main", nil)
	a.label("twice")
	a.emit(isa.OpPOP, ops{"r": 9})
	a.emit(isa.OpPOP, ops{"r": 6})
	a.emit(isa.OpADD, ops{"d": 6, "s": 6})
	a.emit(isa.OpMOVR, ops{"d": 0, "s": 6})
	a.emit(isa.OpRET, nil)
	a.label("main")
	a.jump(isa.OpFUNC, "twice", ops{"d": 4, "n": 1})
	a.emitStr(isa.OpSTR, "Object", ops{"d": 10})
	a.emit(isa.OpGGLO, ops{"d": 11, "n": 10})
	a.emit(isa.OpNEW, ops{"d": 12, "c": 11, "n": 0})
	a.emitStr(isa.OpSTR, "cb", ops{"d": 13})
	a.emit(isa.OpSPRP, ops{"o": 12, "p": 13, "v": 4})
	a.emit(isa.OpMOV, ops{"r": 5, "v": 21})
	a.emit(isa.OpPUSH, ops{"r": 5})
	a.emit(isa.OpMETH, ops{"d": 20, "o": 12, "m": 13, "c": 1})
	a.emit(isa.OpMOVR, ops{"d": 0, "s": 20})
	a.emit(isa.OpRET, nil)

	m, err := runProgram(t, set, host, a.build(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Result().Num(); got != 42 {
		t.Errorf("cb(21) = %v, want 42", got)
	}
	if !m.Halted() {
		t.Error("program did not finish")
	}
}

func TestNewOnHandle(t *testing.T) {
	set := testSet()
	host := newMockHost()
	a := newAsm(set).installAll()
	a.jump(isa.OpJMP, "main", nil)
	a.label("Point")
	a.emit(isa.OpPOP, ops{"r": 9})
	a.emit(isa.OpPOP, ops{"r": 6})
	a.emitStr(isa.OpSTR, "x", ops{"d": 7})
	a.emit(isa.OpSPRP, ops{"o": 9, "p": 7, "v": 6})
	a.emit(isa.OpMOV, ops{"r": 0, "v": 0})
	a.emit(isa.OpRET, nil)
	a.label("main")
	a.jump(isa.OpFUNC, "Point", ops{"d": 4, "n": 1})
	a.emit(isa.OpMOV, ops{"r": 5, "v": 8})
	a.emit(isa.OpPUSH, ops{"r": 5})
	a.emit(isa.OpNEW, ops{"d": 12, "c": 4, "n": 1})
	a.emitStr(isa.OpSTR, "x", ops{"d": 7})
	a.emit(isa.OpGPRP, ops{"d": 0, "o": 12, "p": 7})
	a.emit(isa.OpRET, nil)

	m, err := runProgram(t, set, host, a.build(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Result().Num(); got != 8 {
		t.Errorf("new Point(8).x = %v, want 8", got)
	}
}

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

func TestChunking(t *testing.T) {
	set := testSet()
	a := newAsm(set).installAll()
	a.emit(isa.OpMOV, ops{"r": 4, "v": 500})
	a.label("loop")
	a.emit(isa.OpDEC, ops{"r": 4})
	a.jump(isa.OpJNZ, "loop", ops{"r": 4})
	a.emit(isa.OpRET, nil)

	m, err := New(set, Options{
		Budget:      Budget{Instructions: 1, Slice: time.Nanosecond},
		VerifyEvery: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Load(artifact.New(a.build(t))); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if done, err := m.Step(); done || err != nil {
		t.Fatalf("first Step = %v, %v; want an unfinished chunk", done, err)
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := m.Stats()
	if st.Chunks < 2 {
		t.Errorf("chunks = %d, want several", st.Chunks)
	}
	if st.Verifications < st.Chunks/2 {
		t.Errorf("verifications = %d for %d chunks", st.Verifications, st.Chunks)
	}
	if st.Instructions < 1000 {
		t.Errorf("instructions = %d, want at least 1000", st.Instructions)
	}
}

func TestRunObservesCancellation(t *testing.T) {
	set := testSet()
	m := newMachine(t, set, nil, incProgram(t, set))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if got := m.Stats().Instructions; got != 0 {
		t.Errorf("executed %d instructions after cancellation", got)
	}
}

func TestStepWithoutProgram(t *testing.T) {
	m, err := New(testSet(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Step(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Step error = %v, want ErrNotLoaded", err)
	}
}

func TestTraceSeesEveryInstruction(t *testing.T) {
	set := testSet()
	a := newAsm(set).installAll()
	a.emit(isa.OpMOV, ops{"r": 4, "v": 1})
	a.emit(isa.OpMOV, ops{"r": 5, "v": 2})
	a.emit(isa.OpRET, nil)

	seen := map[isa.Op]int{}
	m, err := New(set, Options{Trace: func(op isa.Op, ip int) { seen[op]++ }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Load(artifact.New(a.build(t))); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seen[isa.OpMOV] != 2 || seen[isa.OpRET] != 1 {
		t.Errorf("trace = %v", seen)
	}
	if seen[isa.OpEVAL] != len(set.Dynamic) {
		t.Errorf("EVAL traced %d times, want %d", seen[isa.OpEVAL], len(set.Dynamic))
	}
}

func TestResetRemovesInstalledHandlers(t *testing.T) {
	set := testSet()
	dyn := set.DynamicOps()
	m, err := runProgram(t, set, nil, incProgram(t, set))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	code := set.Code(dyn[0])
	uninstalled := reflect.ValueOf(opUninstalled).Pointer()
	if reflect.ValueOf(m.table[code].fn).Pointer() == uninstalled {
		t.Fatalf("%s not installed after run", dyn[0])
	}
	m.Reset()
	if reflect.ValueOf(m.table[code].fn).Pointer() != uninstalled {
		t.Errorf("%s still installed after Reset", dyn[0])
	}
	if m.Halted() {
		t.Error("Reset left the machine halted")
	}
	if m.Register(4).Kind() != KindUndefined {
		t.Error("Reset kept registers")
	}
	if m.Register(regZero).Num() != 0 {
		t.Error("zero register not restored")
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
}
