// Package evaluation answers "is this requester the grantee?" by comparing the
// stored encrypted grantee against an encrypted candidate on the coprocessor.
// The registry never sees the plaintext of either side or of the answer.
package evaluation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/coprocessor"
	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/store"
	"github.com/wolfeidau/encacl/internal/telemetry"
)

// Engine evaluates candidates against stored permissions.
type Engine struct {
	permissions store.PermissionStore
	results     store.EvaluationStore
	cop         coprocessor.Coprocessor
	registry    models.Address
	now         func() time.Time
}

// NewEngine builds an engine. registry is the account the registry acts as; it
// is granted decrypt rights on every result alongside the requester.
func NewEngine(permissions store.PermissionStore, results store.EvaluationStore, cop coprocessor.Coprocessor, registry models.Address) *Engine {
	return &Engine{
		permissions: permissions,
		results:     results,
		cop:         cop,
		registry:    registry,
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
}

// WithClock overrides the timestamp source, mostly for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Evaluate compares the permission's grantee with candidate and stores the
// encrypted boolean outcome for (permissionID, requester), replacing any
// earlier one. Revoked permissions are still evaluated.
func (e *Engine) Evaluate(ctx context.Context, permissionID uint64, requester models.Address, candidate ciphertext.Handle) (ciphertext.Handle, error) {
	p, err := e.permissions.Get(ctx, permissionID)
	if err != nil {
		return ciphertext.Zero, err
	}

	start := time.Now()
	result, err := e.cop.Equal(ctx, p.EncryptedGrantee, candidate)
	telemetry.RecordCoprocessorCall(ctx, "equal", time.Since(start), err)
	if err != nil {
		return ciphertext.Zero, fmt.Errorf("failed to compare grantee: %w", err)
	}

	for _, account := range []models.Address{e.registry, requester} {
		if err := e.cop.Allow(ctx, result, account); err != nil {
			return ciphertext.Zero, fmt.Errorf("failed to allow result for %s: %w", account, err)
		}
	}

	err = e.results.PutResult(ctx, &models.EvaluationResult{
		PermissionID: permissionID,
		Requester:    requester,
		Result:       result,
		EvaluatedAt:  e.now(),
	})
	if err != nil {
		return ciphertext.Zero, err
	}

	log.Debug().
		Uint64("permission_id", permissionID).
		Str("requester", requester.String()).
		Bool("revoked", p.Revoked).
		Msg("Permission evaluated")

	return result, nil
}
