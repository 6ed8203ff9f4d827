package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/store"
)

var _ store.PermissionStore = (*PermissionStore)(nil)

// PermissionStore implements store.PermissionStore using in-memory storage.
// Data is lost on restart.
type PermissionStore struct {
	mu sync.RWMutex

	nextID      uint64
	permissions map[uint64]*models.Permission
	byOwner     map[models.Address][]uint64    // owner -> ids in creation order
	byResource  map[models.ResourceID][]uint64 // resource_id -> ids in creation order
}

// NewPermissionStore creates a new in-memory permission store.
func NewPermissionStore() *PermissionStore {
	return &PermissionStore{
		nextID:      1,
		permissions: make(map[uint64]*models.Permission),
		byOwner:     make(map[models.Address][]uint64),
		byResource:  make(map[models.ResourceID][]uint64),
	}
}

// Create stores a new permission under the next id.
func (s *PermissionStore) Create(ctx context.Context, resourceID models.ResourceID, owner models.Address, grantee, level ciphertext.Handle, now time.Time) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	s.permissions[id] = &models.Permission{
		ID:               id,
		ResourceID:       resourceID,
		Owner:            owner,
		EncryptedGrantee: grantee,
		EncryptedLevel:   level,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.byOwner[owner] = append(s.byOwner[owner], id)
	s.byResource[resourceID] = append(s.byResource[resourceID], id)

	return id, nil
}

// Get retrieves a permission by id.
func (s *PermissionStore) Get(ctx context.Context, id uint64) (*models.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.permissions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %d", store.ErrPermissionNotFound, id)
	}

	// Clone to avoid external modifications
	clone := *p
	return &clone, nil
}

// SetLevel replaces the encrypted level of an active permission.
func (s *PermissionStore) SetLevel(ctx context.Context, id uint64, level ciphertext.Handle, now time.Time, caller models.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.permissions[id]
	if !exists {
		return fmt.Errorf("%w: %d", store.ErrPermissionNotFound, id)
	}
	if err := store.CheckMutable(p, caller); err != nil {
		return fmt.Errorf("%w: %d", err, id)
	}

	p.EncryptedLevel = level
	p.UpdatedAt = now

	return nil
}

// Revoke marks an active permission revoked.
func (s *PermissionStore) Revoke(ctx context.Context, id uint64, caller models.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.permissions[id]
	if !exists {
		return fmt.Errorf("%w: %d", store.ErrPermissionNotFound, id)
	}
	if err := store.CheckMutable(p, caller); err != nil {
		return fmt.Errorf("%w: %d", err, id)
	}

	p.Revoked = true

	return nil
}

// IDsByOwner returns the ids created by owner.
func (s *PermissionStore) IDsByOwner(ctx context.Context, owner models.Address) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneIDs(s.byOwner[owner]), nil
}

// IDsByResource returns the ids attached to resourceID.
func (s *PermissionStore) IDsByResource(ctx context.Context, resourceID models.ResourceID) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneIDs(s.byResource[resourceID]), nil
}

func cloneIDs(ids []uint64) []uint64 {
	if len(ids) == 0 {
		return []uint64{}
	}
	return slices.Clone(ids)
}
