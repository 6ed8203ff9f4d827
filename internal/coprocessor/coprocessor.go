package coprocessor

import (
	"context"
	"errors"

	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/models"
)

// Errors
var (
	ErrInvalidProof     = errors.New("invalid input proof")
	ErrUnknownHandle    = errors.New("unknown ciphertext handle")
	ErrOperandType      = errors.New("operand type mismatch")
	ErrDecryptForbidden = errors.New("decryption not allowed for account")
)

// Context binds an encrypted input to the contract and caller it was produced
// for. A proof generated for one pair does not verify for another.
type Context struct {
	ContractAddress models.Address
	Caller          models.Address
}

// Coprocessor is the external encrypted-computation service. The registry only
// consumes its results; ciphertext generation, proof construction and decryption
// live on the other side of this interface.
type Coprocessor interface {
	// VerifyAndDecode checks proof against raw handles and c, returning the handles
	// admitted for use in registry state. Returns ErrInvalidProof on rejection.
	VerifyAndDecode(ctx context.Context, raw []ciphertext.Handle, proof []byte, c Context) ([]ciphertext.Handle, error)

	// Equal homomorphically compares a and b, producing a new bool result handle.
	Equal(ctx context.Context, a, b ciphertext.Handle) (ciphertext.Handle, error)

	// Allow grants account the right to decrypt (or compute on) h.
	Allow(ctx context.Context, h ciphertext.Handle, account models.Address) error
}
