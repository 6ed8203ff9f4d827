package commands

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"connectrpc.com/connect"
	connectcors "connectrpc.com/cors"
	"connectrpc.com/otelconnect"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/encacl/internal/auth"
	"github.com/wolfeidau/encacl/internal/coprocessor"
	"github.com/wolfeidau/encacl/internal/coprocessor/mock"
	"github.com/wolfeidau/encacl/internal/coprocessor/remote"
	"github.com/wolfeidau/encacl/internal/coprocessor/service"
	"github.com/wolfeidau/encacl/internal/events"
	"github.com/wolfeidau/encacl/internal/journal"
	"github.com/wolfeidau/encacl/internal/logger"
	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/registry"
	"github.com/wolfeidau/encacl/internal/rpc"
	"github.com/wolfeidau/encacl/internal/server"
	"github.com/wolfeidau/encacl/internal/store"
	memorystore "github.com/wolfeidau/encacl/internal/store/memory"
	postgresstore "github.com/wolfeidau/encacl/internal/store/postgres"
	"github.com/wolfeidau/encacl/internal/telemetry"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type ServeCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"localhost:8080" env:"ENCACL_LISTEN"`
	Cert   string `help:"path to TLS cert file, cleartext HTTP/2 is served when empty" default:"" env:"ENCACL_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"ENCACL_TLS_KEY"`

	// Client addresses and CORS
	TrustProxy  bool     `help:"take client addresses from X-Forwarded-For, only behind a proxy that sets it" env:"ENCACL_TRUST_PROXY"`
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"https://localhost" env:"ENCACL_CORS_ORIGINS"`

	// Registry identity
	KeyFile  string `help:"PEM encoded P-256 key identifying this registry, an ephemeral key is generated when empty" type:"existingfile" env:"ENCACL_KEY_FILE"`
	Contract string `help:"registry address bound into input proofs, defaults to the address of --key-file" env:"ENCACL_CONTRACT"`

	// Caller authentication
	Audience    string        `help:"expected audience of caller tokens" default:"encacl-registry" env:"ENCACL_TOKEN_AUDIENCE"`
	TokenMaxTTL time.Duration `help:"longest accepted caller token lifetime" default:"1h" env:"ENCACL_TOKEN_MAX_TTL"`

	Tracing     bool    `help:"enable tracing" default:"false" env:"ENCACL_TRACING"`
	SampleRatio float64 `help:"fraction of traces to keep" default:"1" env:"ENCACL_TRACE_SAMPLE_RATIO"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"memory" env:"ENCACL_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
	Coprocessor   CoprocessorFlags   `embed:"" prefix:"coprocessor-"`
	Journal       JournalFlags       `embed:"" prefix:"journal-"`
}

type PostgresStoreFlags struct {
	postgresstore.PoolConfig `embed:""`

	AutoMigrate         bool  `help:"run database migrations on startup" default:"false" env:"ENCACL_POSTGRES_AUTO_MIGRATE"`
	QueryTimeoutSeconds int32 `help:"query timeout in seconds" default:"10"`
}

// CoprocessorFlags selects the coprocessor the registry delegates to.
type CoprocessorFlags struct {
	Mode      string `help:"coprocessor mode (dev or remote)" default:"dev" enum:"dev,remote" env:"ENCACL_COPROCESSOR_MODE"`
	URL       string `help:"coprocessor service URL (remote mode)" env:"ENCACL_COPROCESSOR_URL"`
	Audience  string `help:"audience of tokens presented to the coprocessor service (remote mode)" default:"encacl-registry" env:"ENCACL_COPROCESSOR_AUDIENCE"`
	DevSecret string `help:"proof signing secret for the dev coprocessor, random when empty" env:"ENCACL_COPROCESSOR_DEV_SECRET"`
}

// JournalFlags configures durable event storage. Events are kept in memory
// only when Dir is empty.
type JournalFlags struct {
	Dir           string `help:"event journal directory, events are not persisted when empty" env:"ENCACL_JOURNAL_DIR"`
	ArchiveDir    string `help:"directory for compressed journal archives" env:"ENCACL_JOURNAL_ARCHIVE_DIR"`
	RetentionDays int    `help:"days to keep journal archives, 0 keeps them forever" default:"30"`
	RotateBytes   int64  `help:"archive the active journal past this size, 0 disables rotation" default:"67108864"`
	ForwardURL    string `help:"base URL of the indexer service receiving journaled events" env:"ENCACL_JOURNAL_FORWARD_URL"`
}

func (c *ServeCmd) Validate() error {
	if c.StoreType == "postgres" {
		if err := c.PostgresStore.PoolConfig.Validate(); err != nil {
			return fmt.Errorf("postgres store: %w (--postgres-conn-string or POSTGRES_URL)", err)
		}
	}
	if c.Coprocessor.Mode == "remote" && c.Coprocessor.URL == "" {
		return errors.New("coprocessor URL is required in remote mode (--coprocessor-url)")
	}
	if (c.Cert == "") != (c.Key == "") {
		return errors.New("TLS certificate and key must be set together (--cert and --key)")
	}
	if c.Journal.ForwardURL != "" && c.Journal.Dir == "" {
		return errors.New("journal forwarding requires a journal directory (--journal-dir)")
	}
	return nil
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Dev)
	zerolog.DefaultContextLogger = &log

	log.Info().Str("version", globals.Version).Bool("dev", globals.Dev).Msg("Starting registry server")

	var interceptors []connect.Interceptor
	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "encacl-server",
			Version:     globals.Version,
			SampleRatio: c.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
		otelInterceptor, err := otelconnect.NewInterceptor()
		if err != nil {
			return fmt.Errorf("failed to create OTEL interceptor: %w", err)
		}
		interceptors = append(interceptors, otelInterceptor)
	}

	key, err := c.loadKey(log)
	if err != nil {
		return err
	}

	contract, err := c.contractAddress(key)
	if err != nil {
		return err
	}

	st, stopStore, err := c.createStore(ctx, log)
	if err != nil {
		return err
	}
	defer stopStore()

	eventLog, closeJournal, err := c.createEventLog(ctx, log, interceptors)
	if err != nil {
		return err
	}
	defer closeJournal()

	var opts []server.Option
	var cop coprocessor.Coprocessor
	switch c.Coprocessor.Mode {
	case "remote":
		client, err := remote.New(remote.Config{
			URL:          c.Coprocessor.URL,
			Key:          key,
			Audience:     c.Coprocessor.Audience,
			Retry:        remote.DefaultRetryConfig(),
			Interceptors: interceptors,
		})
		if err != nil {
			return fmt.Errorf("failed to create coprocessor client: %w", err)
		}
		cop = client
		log.Info().Str("url", c.Coprocessor.URL).Msg("Using remote coprocessor")
	default:
		dev, err := mock.New([]byte(c.Coprocessor.DevSecret))
		if err != nil {
			return fmt.Errorf("failed to create dev coprocessor: %w", err)
		}
		cop = dev
		opts = append(opts, server.WithCoprocessorService(service.New(dev)))
		log.Warn().Msg("Using the dev coprocessor, values are NOT encrypted. This should only be used in development!")
	}
	opts = append(opts, server.WithInterceptors(interceptors...), server.WithTrustProxyHeaders(c.TrustProxy))

	reg := registry.New(st, cop, eventLog, contract)
	verifier := auth.NewVerifier(c.Audience, c.TokenMaxTTL)

	handler := server.NewServer(reg, eventLog, verifier, opts...).Handler(log)
	handler = withCORS(c.CORSOrigins, handler)
	if c.Cert == "" {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	log.Info().
		Str("addr", c.Listen).
		Str("contract", contract.String()).
		Bool("tls", c.Cert != "").
		Msg("Starting HTTP server")

	return listenAndServe(ctx, log, configureHTTPServer(c.Listen, handler), c.Cert, c.Key)
}

func (c *ServeCmd) loadKey(log zerolog.Logger) (*ecdsa.PrivateKey, error) {
	if c.KeyFile == "" {
		log.Warn().Msg("No --key-file given, generating an ephemeral registry key")
		return auth.GenerateKey()
	}

	data, err := os.ReadFile(c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := auth.ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", c.KeyFile, err)
	}
	return key, nil
}

func (c *ServeCmd) contractAddress(key *ecdsa.PrivateKey) (models.Address, error) {
	if c.Contract != "" {
		addr, err := models.ParseAddress(c.Contract)
		if err != nil {
			return models.Address{}, fmt.Errorf("invalid --contract: %w", err)
		}
		return addr, nil
	}
	return models.AddressFromPublicKey(&key.PublicKey)
}

func (c *ServeCmd) createStore(ctx context.Context, log zerolog.Logger) (store.Store, func(), error) {
	switch c.StoreType {
	case "postgres":
		pool, err := postgresstore.NewPool(ctx, &c.PostgresStore.PoolConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}

		pgStore, err := postgresstore.NewStore(ctx, pool, &postgresstore.StoreConfig{
			AutoMigrate:         c.PostgresStore.AutoMigrate,
			QueryTimeoutSeconds: c.PostgresStore.QueryTimeoutSeconds,
		})
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to create postgres store: %w", err)
		}
		if err := pgStore.Start(); err != nil {
			_ = pgStore.Stop()
			return nil, nil, err
		}

		log.Info().Msg("Using PostgreSQL permission store")
		return pgStore, func() {
			if err := pgStore.Stop(); err != nil {
				log.Error().Err(err).Msg("Failed to stop permission store")
			}
		}, nil

	default:
		log.Info().Msg("Using in-memory permission store")
		return memorystore.NewStore(), func() {}, nil
	}
}

// createEventLog builds the event log, replaying and appending to the
// journal when one is configured.
func (c *ServeCmd) createEventLog(ctx context.Context, log zerolog.Logger, interceptors []connect.Interceptor) (*events.Log, func(), error) {
	if c.Journal.Dir == "" {
		log.Info().Msg("No --journal-dir given, events are kept in memory only")
		return events.NewLog(), func() {}, nil
	}

	cfg := journal.DefaultConfig()
	cfg.Dir = c.Journal.Dir
	cfg.ArchiveDir = filepath.Join(cfg.Dir, "archive")
	if c.Journal.ArchiveDir != "" {
		cfg.ArchiveDir = c.Journal.ArchiveDir
	}
	cfg.RetentionDays = c.Journal.RetentionDays
	cfg.RotateBytes = c.Journal.RotateBytes

	j, err := journal.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}

	eventLog := events.NewLog(
		events.WithHistory(j.Replay()),
		events.WithLastSequence(j.LastSequence()),
		events.WithSink(j),
	)

	log.Info().
		Str("dir", cfg.Dir).
		Uint64("last_sequence", j.LastSequence()).
		Msg("Event journal opened")

	var fwd *journal.Forwarder
	if c.Journal.ForwardURL != "" {
		fwdCfg := journal.DefaultForwarderConfig(c.Journal.ForwardURL)
		fwdCfg.Interceptors = interceptors
		fwd, err = journal.NewForwarder(j, fwdCfg)
		if err != nil {
			_ = j.Close()
			return nil, nil, fmt.Errorf("failed to create journal forwarder: %w", err)
		}
		fwd.Start(ctx)
		log.Info().Str("url", c.Journal.ForwardURL).Uint64("sent", fwd.Sent()).Msg("Forwarding journal events")
	}

	return eventLog, func() {
		if fwd != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := fwd.Stop(stopCtx); err != nil {
				log.Error().Err(err).Msg("Failed to stop journal forwarder")
			}
		}
		if err := j.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close journal")
		}
	}, nil
}

// withCORS adds CORS support to a Connect HTTP handler.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: connectcors.AllowedMethods(),
		AllowedHeaders: append(connectcors.AllowedHeaders(), "Authorization"),
		ExposedHeaders: append(connectcors.ExposedHeaders(), rpc.ErrorKindHeader),
	})
	return middleware.Handler(h)
}
