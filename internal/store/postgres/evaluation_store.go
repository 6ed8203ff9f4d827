package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/store"
	"github.com/wolfeidau/encacl/internal/util"
)

// EvaluationStore implements store.EvaluationStore using PostgreSQL.
type EvaluationStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewEvaluationStore creates an evaluation store sharing pool with other stores.
func NewEvaluationStore(pool *pgxpool.Pool) *EvaluationStore {
	return &EvaluationStore{pool: pool}
}

// PutResult upserts the result for (PermissionID, Requester).
func (s *EvaluationStore) PutResult(ctx context.Context, result *models.EvaluationResult) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO evaluation_results (permission_id, requester, result, evaluated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (permission_id, requester)
		DO UPDATE SET result = EXCLUDED.result, evaluated_at = EXCLUDED.evaluated_at
	`, util.AsInt64(result.PermissionID), result.Requester.Bytes(), result.Result.Bytes(), result.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to store evaluation result: %w", mapPostgresError(err))
	}

	return nil
}

// GetResult returns the latest result for the pair.
func (s *EvaluationStore) GetResult(ctx context.Context, permissionID uint64, requester models.Address) (*models.EvaluationResult, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var (
		resultBytes []byte
		evaluatedAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT result, evaluated_at
		FROM evaluation_results
		WHERE permission_id = $1 AND requester = $2
	`, util.AsInt64(permissionID), requester.Bytes()).Scan(&resultBytes, &evaluatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: permission %d requester %s", store.ErrEvaluationNotFound, permissionID, requester)
		}
		return nil, fmt.Errorf("failed to get evaluation result: %w", mapPostgresError(err))
	}

	h, err := ciphertext.FromBytes(resultBytes)
	if err != nil {
		return nil, fmt.Errorf("corrupt evaluation result: %w", err)
	}

	return &models.EvaluationResult{
		PermissionID: permissionID,
		Requester:    requester,
		Result:       h,
		EvaluatedAt:  evaluatedAt.UTC(),
	}, nil
}
