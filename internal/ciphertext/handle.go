package ciphertext

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// HandleSize is the fixed width of a ciphertext handle.
const HandleSize = 32

const (
	typeByte    = 30
	versionByte = 31

	// HandleVersion is the handle format version written into byte 31.
	HandleVersion uint8 = 0
)

var ErrInvalidHandle = errors.New("invalid ciphertext handle")

// Type identifies the plaintext domain a handle refers to.
type Type uint8

const (
	// TypeBool is the boolean-result type produced by homomorphic comparisons.
	// Its plaintext is 0 or 1 in the small-uint domain.
	TypeBool Type = 0
	// TypeUint8 is the small unsigned integer type (0-255).
	TypeUint8 Type = 2
	// TypeAddress is the 20-byte account address type.
	TypeAddress Type = 7
)

func (t Type) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeUint8:
		return "uint8"
	case TypeAddress:
		return "address"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the types the registry understands.
func (t Type) Valid() bool {
	return t == TypeBool || t == TypeUint8 || t == TypeAddress
}

// PlaintextSize returns the number of plaintext bytes carried by a value of type t.
func (t Type) PlaintextSize() int {
	switch t {
	case TypeAddress:
		return 20
	default:
		return 1
	}
}

// Handle is an opaque reference to an encrypted value. The registry never looks
// inside beyond the type tag; handles are produced and consumed by the coprocessor
// and passed around by value.
type Handle [HandleSize]byte

// Zero is the empty handle.
var Zero Handle

// New builds a handle from an opaque 30 byte identifier and a type tag.
func New(id []byte, t Type) Handle {
	var h Handle
	copy(h[:typeByte], id)
	h[typeByte] = byte(t)
	h[versionByte] = HandleVersion
	return h
}

// FromBytes copies b into a handle. b must be exactly HandleSize bytes.
func FromBytes(b []byte) (Handle, error) {
	var h Handle
	if len(b) != HandleSize {
		return h, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidHandle, HandleSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Parse decodes a 0x-prefixed (or bare) hex handle.
func Parse(s string) (Handle, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}
	return FromBytes(b)
}

// Type returns the type tag declared by the handle.
func (h Handle) Type() Type {
	return Type(h[typeByte])
}

// IsZero reports whether h is the empty handle.
func (h Handle) IsZero() bool {
	return h == Zero
}

// Bytes returns a copy of the handle bytes.
func (h Handle) Bytes() []byte {
	b := make([]byte, HandleSize)
	copy(b, h[:])
	return b
}

func (h Handle) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
