package models

import (
	"time"

	"github.com/wolfeidau/encacl/internal/ciphertext"
)

// Permission is a confidential delegation over a resource. The grantee and the
// level are ciphertext handles; the registry stores and compares them but never
// learns their plaintext.
type Permission struct {
	ID               uint64
	ResourceID       ResourceID
	Owner            Address
	EncryptedGrantee ciphertext.Handle // type address, set once at creation
	EncryptedLevel   ciphertext.Handle // type uint8, replaced by level updates
	Revoked          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time // level updates only, revocation leaves it alone
}

// IsOwnedBy returns true if addr created the permission.
func (p *Permission) IsOwnedBy(addr Address) bool {
	return p.Owner == addr
}

// EvaluationResult is the most recent encrypted match outcome for one requester
// against one permission.
type EvaluationResult struct {
	PermissionID uint64
	Requester    Address
	Result       ciphertext.Handle // type bool, plaintext 0 or 1
	EvaluatedAt  time.Time
}
