package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/encacl/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store implements store.Store on PostgreSQL. Mutations lock the affected row
// (or the id counter) so several registry processes can share one database.
type Store struct {
	*PermissionStore
	*EvaluationStore

	pool *pgxpool.Pool
	cfg  *StoreConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore wraps pool, running migrations first when cfg.AutoMigrate is set.
// The store takes ownership of pool and closes it in Stop.
func NewStore(ctx context.Context, pool *pgxpool.Pool, cfg *StoreConfig) (*Store, error) {
	if cfg == nil {
		cfg = &StoreConfig{}
	}
	cfg.ApplyDefaults()

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Msg("Database migrations completed")
	}

	return &Store{
		PermissionStore: &PermissionStore{pool: pool, timeout: cfg.queryTimeout()},
		EvaluationStore: &EvaluationStore{pool: pool, timeout: cfg.queryTimeout()},
		pool:            pool,
		cfg:             cfg,
		stopCh:          make(chan struct{}),
	}, nil
}

// Start begins background pool monitoring.
func (s *Store) Start() error {
	log.Info().Msg("Starting PostgreSQL permission store")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorConnectionPool()
	}()

	return nil
}

// Stop waits for background tasks and closes the pool.
func (s *Store) Stop() error {
	s.stopOnce.Do(func() {
		log.Info().Msg("Stopping PostgreSQL permission store")
		close(s.stopCh)
		s.wg.Wait()
		s.pool.Close()
		log.Info().Msg("PostgreSQL permission store stopped")
	})
	return nil
}

// Ping checks database connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// monitorConnectionPool logs connection pool statistics periodically.
func (s *Store) monitorConnectionPool() {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := s.pool.Stat()
			log.Debug().
				Int32("total_conns", stats.TotalConns()).
				Int32("idle_conns", stats.IdleConns()).
				Int32("acquired_conns", stats.AcquiredConns()).
				Int64("acquire_count", stats.AcquireCount()).
				Int64("acquire_duration_ns", stats.AcquireDuration().Nanoseconds()).
				Msg("Connection pool stats")
		case <-s.stopCh:
			return
		}
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
