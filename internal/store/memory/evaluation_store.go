package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/store"
)

var _ store.EvaluationStore = (*EvaluationStore)(nil)

type evaluationKey struct {
	permissionID uint64
	requester    models.Address
}

// EvaluationStore implements store.EvaluationStore using in-memory storage.
type EvaluationStore struct {
	mu      sync.RWMutex
	results map[evaluationKey]*models.EvaluationResult
}

// NewEvaluationStore creates a new in-memory evaluation store.
func NewEvaluationStore() *EvaluationStore {
	return &EvaluationStore{
		results: make(map[evaluationKey]*models.EvaluationResult),
	}
}

// PutResult overwrites the result for (PermissionID, Requester).
func (s *EvaluationStore) PutResult(ctx context.Context, result *models.EvaluationResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *result
	s.results[evaluationKey{result.PermissionID, result.Requester}] = &clone

	return nil
}

// GetResult returns the latest result for the pair.
func (s *EvaluationStore) GetResult(ctx context.Context, permissionID uint64, requester models.Address) (*models.EvaluationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.results[evaluationKey{permissionID, requester}]
	if !exists {
		return nil, fmt.Errorf("%w: permission %d requester %s", store.ErrEvaluationNotFound, permissionID, requester)
	}

	clone := *r
	return &clone, nil
}

// Store combines the in-memory permission and evaluation stores.
type Store struct {
	*PermissionStore
	*EvaluationStore
}

var _ store.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		PermissionStore: NewPermissionStore(),
		EvaluationStore: NewEvaluationStore(),
	}
}
