package models

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// AddressSize is the width of an account address.
const AddressSize = 20

// ResourceIDSize is the width of a resource digest.
const ResourceIDSize = 32

var (
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidResourceID = errors.New("invalid resource id")
)

// Address identifies an account (owner, grantee or requester).
type Address [AddressSize]byte

// ParseAddress decodes a 0x-prefixed (or bare) 40 character hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return AddressFromBytes(b)
}

// AddressFromBytes copies b into an address. b must be exactly 20 bytes.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressSize {
		return a, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, AddressSize, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// AddressFromPublicKey derives the account address of a key: the last 20 bytes of
// the keccak-256 digest of the uncompressed point (X || Y).
func AddressFromPublicKey(pub *ecdsa.PublicKey) (Address, error) {
	var a Address
	if pub == nil {
		return a, fmt.Errorf("%w: nil public key", ErrInvalidAddress)
	}
	ecdhKey, err := pub.ECDH()
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	point := ecdhKey.Bytes()
	digest := Keccak256(point[1:])
	copy(a[:], digest[len(digest)-AddressSize:])
	return a, nil
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) Bytes() []byte {
	b := make([]byte, AddressSize)
	copy(b, a[:])
	return b
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ResourceID is the pre-hashed identifier of a protected resource. The registry
// never sees the label it was derived from.
type ResourceID [ResourceIDSize]byte

// HashResourceLabel derives a resource id from a human readable label using
// keccak-256. Only clients call this; the registry accepts digests as given.
func HashResourceLabel(label string) ResourceID {
	var r ResourceID
	copy(r[:], Keccak256([]byte(label)))
	return r
}

// ParseResourceID decodes a 0x-prefixed (or bare) 64 character hex digest.
func ParseResourceID(s string) (ResourceID, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return ResourceID{}, fmt.Errorf("%w: %v", ErrInvalidResourceID, err)
	}
	return ResourceIDFromBytes(b)
}

// ResourceIDFromBytes copies b into a resource id. b must be exactly 32 bytes.
func ResourceIDFromBytes(b []byte) (ResourceID, error) {
	var r ResourceID
	if len(b) != ResourceIDSize {
		return r, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidResourceID, ResourceIDSize, len(b))
	}
	copy(r[:], b)
	return r, nil
}

func (r ResourceID) Bytes() []byte {
	b := make([]byte, ResourceIDSize)
	copy(b, r[:])
	return b
}

func (r ResourceID) String() string {
	return "0x" + hex.EncodeToString(r[:])
}

func (r ResourceID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *ResourceID) UnmarshalText(text []byte) error {
	parsed, err := ParseResourceID(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Keccak256 returns the legacy keccak-256 digest of data.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}
