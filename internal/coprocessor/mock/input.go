package mock

import (
	"fmt"

	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/coprocessor"
	"github.com/wolfeidau/encacl/internal/models"
)

// EncryptedInput is what a client submits alongside a registry call: the input
// handles in order and a single proof covering all of them.
type EncryptedInput struct {
	Handles []ciphertext.Handle
	Proof   []byte
}

// InputBuilder accumulates plaintext values to encrypt for one contract/caller
// pair.
type InputBuilder struct {
	cop    *Coprocessor
	ctx    coprocessor.Context
	values []value
}

// NewInput starts an encrypted input bound to contract and caller.
func (c *Coprocessor) NewInput(contract, caller models.Address) *InputBuilder {
	return &InputBuilder{
		cop: c,
		ctx: coprocessor.Context{ContractAddress: contract, Caller: caller},
	}
}

// AddAddress appends an encrypted address.
func (b *InputBuilder) AddAddress(a models.Address) *InputBuilder {
	b.values = append(b.values, value{typ: ciphertext.TypeAddress, plaintext: a.Bytes()})
	return b
}

// Add8 appends an encrypted uint8.
func (b *InputBuilder) Add8(v uint8) *InputBuilder {
	b.values = append(b.values, value{typ: ciphertext.TypeUint8, plaintext: []byte{v}})
	return b
}

// AddBool appends an encrypted boolean.
func (b *InputBuilder) AddBool(v bool) *InputBuilder {
	var pt byte
	if v {
		pt = 1
	}
	b.values = append(b.values, value{typ: ciphertext.TypeBool, plaintext: []byte{pt}})
	return b
}

// Encrypt issues handles for every value and signs them for the builder's
// context.
func (b *InputBuilder) Encrypt() (*EncryptedInput, error) {
	if len(b.values) == 0 {
		return nil, fmt.Errorf("encrypted input is empty")
	}

	b.cop.mu.Lock()
	handles := make([]ciphertext.Handle, 0, len(b.values))
	for _, v := range b.values {
		h, err := b.cop.storeLocked(v.typ, v.plaintext)
		if err != nil {
			b.cop.mu.Unlock()
			return nil, err
		}
		handles = append(handles, h)
	}
	b.cop.mu.Unlock()

	return &EncryptedInput{
		Handles: handles,
		Proof:   b.cop.sign(b.ctx, handles),
	}, nil
}

// EncryptValues is the untyped form of the builder used by the RPC service.
func (c *Coprocessor) EncryptValues(contract, caller models.Address, types []ciphertext.Type, plaintexts [][]byte) (*EncryptedInput, error) {
	if len(types) != len(plaintexts) {
		return nil, fmt.Errorf("got %d types for %d values", len(types), len(plaintexts))
	}

	b := c.NewInput(contract, caller)
	for i, typ := range types {
		if !typ.Valid() {
			return nil, fmt.Errorf("value %d: unsupported type %s", i, typ)
		}
		if len(plaintexts[i]) != typ.PlaintextSize() {
			return nil, fmt.Errorf("value %d: %s expects %d bytes, got %d", i, typ, typ.PlaintextSize(), len(plaintexts[i]))
		}
		b.values = append(b.values, value{typ: typ, plaintext: plaintexts[i]})
	}

	return b.Encrypt()
}
