// Package keystream implements the rotating single-byte key that encodes
// program bytecode. The key advances through a linear congruential
// recurrence once per byte, so the key in force at any address is a pure
// function of the initial key and the address.
package keystream

import (
	"errors"
	"fmt"
)

// Params are the LCG constants of one build. Both must be odd.
type Params struct {
	Mul uint32
	Inc uint32
}

// Validate reports whether the parameters give a usable recurrence.
func (p Params) Validate() error {
	if p.Mul&1 == 0 {
		return fmt.Errorf("keystream: multiplier %#x is even", p.Mul)
	}
	if p.Inc&1 == 0 {
		return fmt.Errorf("keystream: increment %#x is even", p.Inc)
	}
	return nil
}

// Next advances the key by one byte position.
func (p Params) Next(key byte) byte {
	return byte(uint32(key)*p.Mul + p.Inc)
}

// KeyAt returns the key in force at byte address addr when decoding
// linearly from address 0 with the given initial key.
func (p Params) KeyAt(initial byte, addr int) byte {
	k := initial
	for i := 0; i < addr; i++ {
		k = p.Next(k)
	}
	return k
}

// Schedule returns the keys for addresses 0..n inclusive. Callers that
// resolve many addresses against the same program use it instead of
// repeated KeyAt walks.
func (p Params) Schedule(initial byte, n int) []byte {
	keys := make([]byte, n+1)
	k := initial
	for i := range keys {
		keys[i] = k
		k = p.Next(k)
	}
	return keys
}

// Apply XORs buf with the keystream starting at initial and returns a new
// slice. The operation is its own inverse.
func (p Params) Apply(buf []byte, initial byte) []byte {
	out := make([]byte, len(buf))
	k := initial
	for i, b := range buf {
		out[i] = b ^ k
		k = p.Next(k)
	}
	return out
}

// ---------------------------------------------------------------------------
// Reader: keyed decoding of operand fields
// ---------------------------------------------------------------------------

// ErrPastEnd is returned when a read would run beyond the end of the code.
var ErrPastEnd = errors.New("keystream: read past end of code")

// Reader decodes an encrypted stream field by field. Every decoded byte
// advances the key exactly once, whatever field it belongs to.
type Reader struct {
	code   []byte
	params Params
	pos    int
	key    byte
}

// NewReader creates a reader positioned at address 0 with the given key.
func NewReader(code []byte, p Params, initial byte) *Reader {
	return &Reader{code: code, params: p, key: initial}
}

// Pos returns the address of the next byte to decode.
func (r *Reader) Pos() int { return r.pos }

// Key returns the key that will decode the next byte.
func (r *Reader) Key() byte { return r.key }

// Len returns the size of the underlying code.
func (r *Reader) Len() int { return len(r.code) }

// Done reports whether the reader has consumed the whole stream.
func (r *Reader) Done() bool { return r.pos >= len(r.code) }

// Jump moves the reader to addr and installs key. It is how control
// transfers resynchronize the stream.
func (r *Reader) Jump(addr int, key byte) {
	r.pos = addr
	r.key = key
}

// Reset rebinds the reader to new code and rewinds it.
func (r *Reader) Reset(code []byte, p Params, initial byte) {
	r.code = code
	r.params = p
	r.pos = 0
	r.key = initial
}

// Byte decodes one byte.
func (r *Reader) Byte() (byte, error) {
	if r.pos < 0 || r.pos >= len(r.code) {
		return 0, ErrPastEnd
	}
	b := r.code[r.pos] ^ r.key
	r.key = r.params.Next(r.key)
	r.pos++
	return b, nil
}

// Int32 decodes a little-endian signed 32-bit integer.
func (r *Reader) Int32() (int32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := r.Byte()
		if err != nil {
			return 0, err
		}
		v |= uint32(b) << (8 * i)
	}
	return int32(v), nil
}

// Str decodes a length-prefixed byte string.
func (r *Reader) Str() (string, error) {
	n, err := r.Int32()
	if err != nil {
		return "", err
	}
	if n < 0 || int(n) > len(r.code)-r.pos {
		return "", ErrPastEnd
	}
	buf := make([]byte, n)
	for i := range buf {
		if buf[i], err = r.Byte(); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}
