package postgres

import (
	"time"
)

// StoreConfig holds registry-specific configuration for the PostgreSQL store.
// Pool configuration is handled separately via PoolConfig.
type StoreConfig struct {
	// AutoMigrate applies pending embedded migrations when the store is created.
	AutoMigrate bool

	// QueryTimeoutSeconds is the maximum time a query can run before timing out.
	// Default: 10 seconds
	QueryTimeoutSeconds int32

	// StatsInterval controls how often pool statistics are logged.
	// Default: 30 seconds
	StatsInterval time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *StoreConfig) ApplyDefaults() {
	if c.QueryTimeoutSeconds == 0 {
		c.QueryTimeoutSeconds = 10
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = 30 * time.Second
	}
}

func (c *StoreConfig) queryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}
