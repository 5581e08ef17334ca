package keystream

import (
	"errors"
	"testing"
)

var testParams = Params{Mul: 0x41C64E6D, Inc: 0x3039}

func TestNextMatchesRecurrence(t *testing.T) {
	for k := 0; k < 256; k++ {
		want := byte((uint64(k)*uint64(testParams.Mul) + uint64(testParams.Inc)) % 256)
		if got := testParams.Next(byte(k)); got != want {
			t.Fatalf("Next(%d) = %d, want %d", k, got, want)
		}
	}
}

func TestValidateRejectsEvenConstants(t *testing.T) {
	if err := (Params{Mul: 2, Inc: 1}).Validate(); err == nil {
		t.Error("even multiplier accepted")
	}
	if err := (Params{Mul: 3, Inc: 4}).Validate(); err == nil {
		t.Error("even increment accepted")
	}
	if err := testParams.Validate(); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
}

// The key computed for an address must equal the key a linear decoder
// holds after consuming that many bytes.
func TestKeyAtMatchesLinearDecode(t *testing.T) {
	code := make([]byte, 700)
	for i := range code {
		code[i] = byte(i * 31)
	}
	const initial = 0x5A
	r := NewReader(testParams.Apply(code, initial), testParams, initial)
	sched := testParams.Schedule(initial, len(code))
	for addr := 0; addr < len(code); addr++ {
		if r.Key() != testParams.KeyAt(initial, addr) {
			t.Fatalf("addr %d: reader key %d, KeyAt %d", addr, r.Key(), testParams.KeyAt(initial, addr))
		}
		if r.Key() != sched[addr] {
			t.Fatalf("addr %d: reader key %d, schedule %d", addr, r.Key(), sched[addr])
		}
		b, err := r.Byte()
		if err != nil {
			t.Fatalf("addr %d: %v", addr, err)
		}
		if b != code[addr] {
			t.Fatalf("addr %d: decoded %d, want %d", addr, b, code[addr])
		}
	}
}

func TestApplyIsInvolution(t *testing.T) {
	plain := []byte("register machines all the way down")
	enc := testParams.Apply(plain, 7)
	if string(enc) == string(plain) {
		t.Fatal("encryption left the buffer unchanged")
	}
	if got := testParams.Apply(enc, 7); string(got) != string(plain) {
		t.Errorf("round trip = %q, want %q", got, plain)
	}
}

func TestReaderFields(t *testing.T) {
	plain := []byte{
		9,                      // register
		0xFE, 0xFF, 0xFF, 0xFF, // int32 -2
		3, 0, 0, 0, 'a', 'b', 'c', // string "abc"
	}
	r := NewReader(testParams.Apply(plain, 200), testParams, 200)

	reg, err := r.Byte()
	if err != nil || reg != 9 {
		t.Fatalf("Byte = %d, %v", reg, err)
	}
	n, err := r.Int32()
	if err != nil || n != -2 {
		t.Fatalf("Int32 = %d, %v", n, err)
	}
	s, err := r.Str()
	if err != nil || s != "abc" {
		t.Fatalf("Str = %q, %v", s, err)
	}
	if !r.Done() {
		t.Errorf("reader not done at %d/%d", r.Pos(), r.Len())
	}
	if _, err := r.Byte(); !errors.Is(err, ErrPastEnd) {
		t.Errorf("read past end: err = %v, want ErrPastEnd", err)
	}
}

func TestReaderJumpResynchronizes(t *testing.T) {
	plain := make([]byte, 64)
	for i := range plain {
		plain[i] = byte(i)
	}
	const initial = 0x11
	r := NewReader(testParams.Apply(plain, initial), testParams, initial)
	r.Jump(40, testParams.KeyAt(initial, 40))
	b, err := r.Byte()
	if err != nil || b != 40 {
		t.Fatalf("after jump: %d, %v", b, err)
	}

	// A wrong resync key decodes garbage, not the plaintext.
	r.Jump(40, testParams.KeyAt(initial, 40)+1)
	if b, _ := r.Byte(); b == 40 {
		t.Error("wrong key still decoded the plaintext byte")
	}
}

func TestReaderStrTruncated(t *testing.T) {
	plain := []byte{10, 0, 0, 0, 'x'}
	r := NewReader(testParams.Apply(plain, 1), testParams, 1)
	if _, err := r.Str(); !errors.Is(err, ErrPastEnd) {
		t.Errorf("truncated string: err = %v, want ErrPastEnd", err)
	}
}
