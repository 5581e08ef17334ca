// Package artifact holds the shippable forms of a compiled program: the
// base64 payload a VM loads, and the Bundle that pairs it with the
// instruction set it was compiled for.
package artifact

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/chazu/krak/isa"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/xxh3"
)

// ErrChecksum is returned when a payload does not match its sealed sum.
var ErrChecksum = errors.New("artifact: checksum mismatch")

// Sum returns the integrity checksum of an encrypted code buffer.
func Sum(code []byte) uint64 {
	return xxh3.Hash(code)
}

// Artifact is an encrypted program ready for embedding in text.
type Artifact struct {
	Payload  string `cbor:"1,keyasint" json:"payload"`  // base64 of the ciphertext
	Checksum uint64 `cbor:"2,keyasint" json:"checksum"` // Sum of the ciphertext
}

// New seals an encrypted code buffer.
func New(code []byte) Artifact {
	return Artifact{
		Payload:  base64.StdEncoding.EncodeToString(code),
		Checksum: Sum(code),
	}
}

// Code decodes the payload. It does not check the sum.
func (a Artifact) Code() ([]byte, error) {
	code, err := base64.StdEncoding.DecodeString(a.Payload)
	if err != nil {
		return nil, fmt.Errorf("artifact: decode payload: %w", err)
	}
	return code, nil
}

// Verify decodes the payload and checks it against the sealed sum.
func (a Artifact) Verify() ([]byte, error) {
	code, err := a.Code()
	if err != nil {
		return nil, err
	}
	if Sum(code) != a.Checksum {
		return nil, ErrChecksum
	}
	return code, nil
}

// Bundle is everything needed to run a protected program.
type Bundle struct {
	Set     *isa.Set  `cbor:"1,keyasint"`
	Program Artifact  `cbor:"2,keyasint"`
	Source  string    `cbor:"3,keyasint,omitempty"` // source file name, informational
	Built   time.Time `cbor:"4,keyasint"`
	Externs []string  `cbor:"5,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// CBOR encoding
// ---------------------------------------------------------------------------

var cborEncMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("artifact: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalBundle serializes a Bundle to CBOR bytes.
func MarshalBundle(b *Bundle) ([]byte, error) {
	return cborEncMode.Marshal(b)
}

// UnmarshalBundle deserializes a Bundle and validates its instruction set.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("artifact: unmarshal bundle: %w", err)
	}
	if b.Set == nil {
		return nil, errors.New("artifact: bundle has no instruction set")
	}
	if err := b.Set.Validate(); err != nil {
		return nil, fmt.Errorf("artifact: bundle: %w", err)
	}
	return &b, nil
}

// MarshalSet serializes an instruction set on its own.
func MarshalSet(s *isa.Set) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSet deserializes and validates an instruction set.
func UnmarshalSet(data []byte) (*isa.Set, error) {
	var s isa.Set
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("artifact: unmarshal set: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
