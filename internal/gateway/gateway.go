// Package gateway admits externally supplied ciphertext handles into registry
// state. Nothing reaches the store without passing through Admit.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/coprocessor"
	"github.com/wolfeidau/encacl/internal/telemetry"
)

var (
	ErrArityMismatch = errors.New("input handle count mismatch")
	ErrTypeMismatch  = errors.New("input handle type mismatch")
)

// Gateway validates encrypted inputs before they are used.
type Gateway struct {
	cop coprocessor.Coprocessor
}

func New(cop coprocessor.Coprocessor) *Gateway {
	return &Gateway{cop: cop}
}

// Admit checks raw against the expected types and verifies the proof for c. The
// checks run in order: arity, per-handle type, then the coprocessor proof check.
// The returned handles are the only ones callers may persist.
func (g *Gateway) Admit(ctx context.Context, raw []ciphertext.Handle, proof []byte, expected []ciphertext.Type, c coprocessor.Context) ([]ciphertext.Handle, error) {
	if len(raw) != len(expected) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrArityMismatch, len(raw), len(expected))
	}

	for i, h := range raw {
		if h.Type() != expected[i] {
			return nil, fmt.Errorf("%w: input %d is %s, want %s", ErrTypeMismatch, i, h.Type(), expected[i])
		}
	}

	start := time.Now()
	admitted, err := g.cop.VerifyAndDecode(ctx, raw, proof, c)
	telemetry.RecordAdmission(ctx, time.Since(start), err == nil)
	if err != nil {
		if errors.Is(err, coprocessor.ErrInvalidProof) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to verify input proof: %w", err)
	}

	if len(admitted) != len(raw) {
		return nil, fmt.Errorf("%w: coprocessor returned %d handles for %d inputs", coprocessor.ErrInvalidProof, len(admitted), len(raw))
	}

	log.Debug().
		Str("caller", c.Caller.String()).
		Int("handles", len(admitted)).
		Msg("Encrypted input admitted")

	return admitted, nil
}
