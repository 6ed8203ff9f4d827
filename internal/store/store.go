package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrPermissionNotFound = errors.New("permission not found")
	ErrNotOwner           = errors.New("caller is not the permission owner")
	ErrAlreadyRevoked     = errors.New("permission already revoked")
	ErrEvaluationNotFound = errors.New("evaluation result not found")
)

// PermissionStore holds permissions and their owner and resource indices.
// Implementations never delete: revocation flips a flag and index membership is
// append-only.
type PermissionStore interface {
	// Create assigns the next id (dense, starting at 1) and stores a new
	// permission owned by owner.
	Create(ctx context.Context, resourceID models.ResourceID, owner models.Address, grantee, level ciphertext.Handle, now time.Time) (uint64, error)

	// Get returns a copy of the permission with id.
	Get(ctx context.Context, id uint64) (*models.Permission, error)

	// SetLevel replaces the encrypted level and updated_at. Only the owner may
	// do this, and only while the permission is not revoked.
	SetLevel(ctx context.Context, id uint64, level ciphertext.Handle, now time.Time, caller models.Address) error

	// Revoke marks the permission revoked. Ownership is checked before the
	// revoked flag, so a non-owner always sees ErrNotOwner.
	Revoke(ctx context.Context, id uint64, caller models.Address) error

	// IDsByOwner returns the ids created by owner in creation order.
	IDsByOwner(ctx context.Context, owner models.Address) ([]uint64, error)

	// IDsByResource returns the ids attached to resourceID in creation order.
	IDsByResource(ctx context.Context, resourceID models.ResourceID) ([]uint64, error)
}

// EvaluationStore keeps the latest evaluation result per (permission, requester).
type EvaluationStore interface {
	// PutResult stores result, replacing any previous result for the same pair.
	PutResult(ctx context.Context, result *models.EvaluationResult) error

	// GetResult returns the latest result for the pair or ErrEvaluationNotFound.
	GetResult(ctx context.Context, permissionID uint64, requester models.Address) (*models.EvaluationResult, error)
}

// Store is the full persistence surface used by the registry.
type Store interface {
	PermissionStore
	EvaluationStore
}

// CheckMutable reports whether caller may mutate p. The owner check comes first
// so a revoked permission does not leak its state to non-owners.
func CheckMutable(p *models.Permission, caller models.Address) error {
	if !p.IsOwnedBy(caller) {
		return ErrNotOwner
	}
	if p.Revoked {
		return ErrAlreadyRevoked
	}
	return nil
}
