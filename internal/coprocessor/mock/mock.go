// Package mock is an in-process coprocessor for development and tests. It keeps
// plaintexts in memory next to the handles it issues, so it provides none of the
// confidentiality of a real coprocessor. Proofs are HMAC-SHA256 tags binding the
// handles to the contract and caller they were encrypted for.
package mock

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/coprocessor"
	"github.com/wolfeidau/encacl/internal/models"
)

const proofDomain = "encacl-input-proof-v1"

var _ coprocessor.Coprocessor = (*Coprocessor)(nil)

type value struct {
	typ       ciphertext.Type
	plaintext []byte
}

// Coprocessor implements coprocessor.Coprocessor with plaintexts held in memory.
type Coprocessor struct {
	mu     sync.RWMutex
	secret []byte
	values map[ciphertext.Handle]value
	acl    map[ciphertext.Handle]map[models.Address]struct{}
}

// New creates a mock coprocessor. When secret is empty a random proof key is
// generated, which means proofs do not survive a restart.
func New(secret []byte) (*Coprocessor, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate proof key: %w", err)
		}
	}

	return &Coprocessor{
		secret: bytes.Clone(secret),
		values: make(map[ciphertext.Handle]value),
		acl:    make(map[ciphertext.Handle]map[models.Address]struct{}),
	}, nil
}

// VerifyAndDecode implements coprocessor.Coprocessor.
func (c *Coprocessor) VerifyAndDecode(ctx context.Context, raw []ciphertext.Handle, proof []byte, pc coprocessor.Context) ([]ciphertext.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no handles", coprocessor.ErrInvalidProof)
	}

	expected := c.sign(pc, raw)
	if !hmac.Equal(expected, proof) {
		log.Debug().
			Str("contract", pc.ContractAddress.String()).
			Str("caller", pc.Caller.String()).
			Int("handles", len(raw)).
			Msg("Input proof rejected")
		return nil, fmt.Errorf("%w: proof does not match context", coprocessor.ErrInvalidProof)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ciphertext.Handle, len(raw))
	for i, h := range raw {
		v, ok := c.values[h]
		if !ok {
			return nil, fmt.Errorf("%w: handle %d was never encrypted", coprocessor.ErrInvalidProof, i)
		}
		if v.typ != h.Type() {
			return nil, fmt.Errorf("%w: handle %d type tag altered", coprocessor.ErrInvalidProof, i)
		}
		out[i] = h
	}

	return out, nil
}

// Equal implements coprocessor.Coprocessor.
func (c *Coprocessor) Equal(ctx context.Context, a, b ciphertext.Handle) (ciphertext.Handle, error) {
	if err := ctx.Err(); err != nil {
		return ciphertext.Zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	va, ok := c.values[a]
	if !ok {
		return ciphertext.Zero, fmt.Errorf("%w: %s", coprocessor.ErrUnknownHandle, a)
	}
	vb, ok := c.values[b]
	if !ok {
		return ciphertext.Zero, fmt.Errorf("%w: %s", coprocessor.ErrUnknownHandle, b)
	}
	if va.typ != vb.typ {
		return ciphertext.Zero, fmt.Errorf("%w: %s vs %s", coprocessor.ErrOperandType, va.typ, vb.typ)
	}

	var match byte
	if bytes.Equal(va.plaintext, vb.plaintext) {
		match = 1
	}

	return c.storeLocked(ciphertext.TypeBool, []byte{match})
}

// Allow implements coprocessor.Coprocessor.
func (c *Coprocessor) Allow(ctx context.Context, h ciphertext.Handle, account models.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.values[h]; !ok {
		return fmt.Errorf("%w: %s", coprocessor.ErrUnknownHandle, h)
	}

	accounts, ok := c.acl[h]
	if !ok {
		accounts = make(map[models.Address]struct{})
		c.acl[h] = accounts
	}
	accounts[account] = struct{}{}

	return nil
}

// IsAllowed reports whether account may decrypt h.
func (c *Coprocessor) IsAllowed(h ciphertext.Handle, account models.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.acl[h][account]
	return ok
}

// UserDecrypt returns the plaintext behind h if account has been allowed to
// decrypt it.
func (c *Coprocessor) UserDecrypt(ctx context.Context, h ciphertext.Handle, account models.Address) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.values[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", coprocessor.ErrUnknownHandle, h)
	}
	if _, ok := c.acl[h][account]; !ok {
		return nil, fmt.Errorf("%w: %s", coprocessor.ErrDecryptForbidden, account)
	}

	return bytes.Clone(v.plaintext), nil
}

// DecryptUint8 decrypts a uint8 or bool handle for account.
func (c *Coprocessor) DecryptUint8(ctx context.Context, h ciphertext.Handle, account models.Address) (uint8, error) {
	if h.Type() != ciphertext.TypeUint8 && h.Type() != ciphertext.TypeBool {
		return 0, fmt.Errorf("%w: cannot decrypt %s as uint8", coprocessor.ErrOperandType, h.Type())
	}
	pt, err := c.UserDecrypt(ctx, h, account)
	if err != nil {
		return 0, err
	}
	return pt[0], nil
}

// DecryptAddress decrypts an address handle for account.
func (c *Coprocessor) DecryptAddress(ctx context.Context, h ciphertext.Handle, account models.Address) (models.Address, error) {
	if h.Type() != ciphertext.TypeAddress {
		return models.Address{}, fmt.Errorf("%w: cannot decrypt %s as address", coprocessor.ErrOperandType, h.Type())
	}
	pt, err := c.UserDecrypt(ctx, h, account)
	if err != nil {
		return models.Address{}, err
	}
	return models.AddressFromBytes(pt)
}

// sign computes the proof tag over the context and the ordered handles.
func (c *Coprocessor) sign(pc coprocessor.Context, handles []ciphertext.Handle) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(proofDomain))
	mac.Write(pc.ContractAddress[:])
	mac.Write(pc.Caller[:])
	for _, h := range handles {
		mac.Write(h[:])
	}
	return mac.Sum(nil)
}

// storeLocked issues a fresh handle for plaintext. Callers hold c.mu.
func (c *Coprocessor) storeLocked(typ ciphertext.Type, plaintext []byte) (ciphertext.Handle, error) {
	id := make([]byte, 30)
	for {
		if _, err := rand.Read(id); err != nil {
			return ciphertext.Zero, fmt.Errorf("failed to generate handle: %w", err)
		}
		h := ciphertext.New(id, typ)
		if _, exists := c.values[h]; exists {
			continue
		}
		c.values[h] = value{typ: typ, plaintext: bytes.Clone(plaintext)}
		return h, nil
	}
}
