package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/store"
	"github.com/wolfeidau/encacl/internal/util"
)

// PermissionStore implements store.PermissionStore using PostgreSQL.
type PermissionStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPermissionStore creates a permission store sharing pool with other stores.
// Migrations are expected to have been applied.
func NewPermissionStore(pool *pgxpool.Pool) *PermissionStore {
	return &PermissionStore{pool: pool}
}

// Create allocates the next id from permission_counter and inserts the row in
// one transaction.
func (s *PermissionStore) Create(ctx context.Context, resourceID models.ResourceID, owner models.Address, grantee, level ciphertext.Handle, now time.Time) (uint64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	var id int64
	err = tx.QueryRow(ctx, `
		UPDATE permission_counter
		SET next_id = next_id + 1
		WHERE singleton
		RETURNING next_id - 1
	`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate permission id: %w", mapPostgresError(err))
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO permissions (
			id, resource_id, owner, encrypted_grantee, encrypted_level,
			revoked, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, FALSE, $6, $6)
	`, id, resourceID[:], owner[:], grantee[:], level[:], now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert permission: %w", mapPostgresError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit permission: %w", mapPostgresError(err))
	}

	log.Debug().Int64("permission_id", id).Str("owner", owner.String()).Msg("Permission inserted")

	return util.AsUint64(id), nil
}

// Get retrieves a permission by id.
func (s *PermissionStore) Get(ctx context.Context, id uint64) (*models.Permission, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT id, resource_id, owner, encrypted_grantee, encrypted_level,
		       revoked, created_at, updated_at
		FROM permissions
		WHERE id = $1
	`, util.AsInt64(id))

	p, err := scanPermission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", store.ErrPermissionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get permission: %w", mapPostgresError(err))
	}

	return p, nil
}

// SetLevel locks the row, checks ownership and revocation, then replaces the
// level.
func (s *PermissionStore) SetLevel(ctx context.Context, id uint64, level ciphertext.Handle, now time.Time, caller models.Address) error {
	return s.mutate(ctx, id, caller, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE permissions
			SET encrypted_level = $2, updated_at = $3
			WHERE id = $1
		`, util.AsInt64(id), level[:], now)
		return err
	})
}

// Revoke locks the row, checks ownership and revocation, then sets revoked.
func (s *PermissionStore) Revoke(ctx context.Context, id uint64, caller models.Address) error {
	return s.mutate(ctx, id, caller, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE permissions SET revoked = TRUE WHERE id = $1`, util.AsInt64(id))
		return err
	})
}

// IDsByOwner returns the ids created by owner in creation order.
func (s *PermissionStore) IDsByOwner(ctx context.Context, owner models.Address) ([]uint64, error) {
	return s.queryIDs(ctx, `SELECT id FROM permissions WHERE owner = $1 ORDER BY id`, owner[:])
}

// IDsByResource returns the ids attached to resourceID in creation order.
func (s *PermissionStore) IDsByResource(ctx context.Context, resourceID models.ResourceID) ([]uint64, error) {
	return s.queryIDs(ctx, `SELECT id FROM permissions WHERE resource_id = $1 ORDER BY id`, resourceID[:])
}

func (s *PermissionStore) mutate(ctx context.Context, id uint64, caller models.Address, apply func(context.Context, pgx.Tx) error) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	var (
		ownerBytes []byte
		revoked    bool
	)
	err = tx.QueryRow(ctx, `SELECT owner, revoked FROM permissions WHERE id = $1 FOR UPDATE`, util.AsInt64(id)).
		Scan(&ownerBytes, &revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %d", store.ErrPermissionNotFound, id)
		}
		return fmt.Errorf("failed to lock permission: %w", mapPostgresError(err))
	}

	owner, err := models.AddressFromBytes(ownerBytes)
	if err != nil {
		return fmt.Errorf("corrupt owner for permission %d: %w", id, err)
	}

	current := &models.Permission{ID: id, Owner: owner, Revoked: revoked}
	if err := store.CheckMutable(current, caller); err != nil {
		return fmt.Errorf("%w: %d", err, id)
	}

	if err := apply(ctx, tx); err != nil {
		return fmt.Errorf("failed to update permission: %w", mapPostgresError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit permission update: %w", mapPostgresError(err))
	}

	return nil
}

func (s *PermissionStore) queryIDs(ctx context.Context, query string, arg []byte) ([]uint64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", mapPostgresError(err))
	}

	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (uint64, error) {
		var id int64
		err := row.Scan(&id)
		return util.AsUint64(id), err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan permission ids: %w", mapPostgresError(err))
	}

	if ids == nil {
		ids = []uint64{}
	}
	return ids, nil
}

func scanPermission(row pgx.Row) (*models.Permission, error) {
	var id int64
	var resourceID, owner, grantee, level []byte
	var p models.Permission

	if err := row.Scan(&id, &resourceID, &owner, &grantee, &level, &p.Revoked, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	p.ID = util.AsUint64(id)
	if p.ResourceID, err = models.ResourceIDFromBytes(resourceID); err != nil {
		return nil, err
	}
	if p.Owner, err = models.AddressFromBytes(owner); err != nil {
		return nil, err
	}
	if p.EncryptedGrantee, err = ciphertext.FromBytes(grantee); err != nil {
		return nil, err
	}
	if p.EncryptedLevel, err = ciphertext.FromBytes(level); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()

	return &p, nil
}
