package journal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/encacl/internal/events"
	"github.com/wolfeidau/encacl/internal/telemetry"
)

const cursorFile = "forward.cursor"

// ForwarderConfig configures delivery of journaled events to an indexer.
type ForwarderConfig struct {
	// URL is the base URL of the indexer service
	URL string

	// FlushInterval is how often the forwarder checks for unsent events
	FlushInterval time.Duration

	// BatchSize caps the events per request
	BatchSize int

	// RetryBackoff configures exponential backoff for failed sends
	RetryBackoff BackoffConfig

	// HTTPClient defaults to a client with a 10 second timeout
	HTTPClient connect.HTTPClient

	// Interceptors are added to the indexer client, such as tracing
	Interceptors []connect.Interceptor

	// Sender replaces the indexer client built from URL
	Sender EventSender
}

// BackoffConfig configures exponential backoff retry
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxTries        uint
}

// DefaultForwarderConfig returns sensible defaults for url.
func DefaultForwarderConfig(url string) ForwarderConfig {
	return ForwarderConfig{
		URL:           url,
		FlushInterval: time.Second,
		BatchSize:     500,
		RetryBackoff: BackoffConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
			MaxTries:        8,
		},
	}
}

// Forwarder ships journaled events to an indexer in sequence order.
// Its position is persisted next to the journal so a restart resumes after
// the last acknowledged batch.
type Forwarder struct {
	journal    *Journal
	cfg        ForwarderConfig
	sender     EventSender
	cursorPath string

	mu   sync.Mutex
	sent uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewForwarder creates a forwarder reading from j.
func NewForwarder(j *Journal, cfg ForwarderConfig) (*Forwarder, error) {
	if cfg.URL == "" && cfg.Sender == nil {
		return nil, errors.New("forward URL is required")
	}
	defaults := DefaultForwarderConfig(cfg.URL)
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.RetryBackoff.InitialInterval <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}

	sender := cfg.Sender
	if sender == nil {
		httpClient := cfg.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: 10 * time.Second}
		}
		sender = NewIndexerSender(httpClient, cfg.URL, connect.WithInterceptors(cfg.Interceptors...))
	}

	f := &Forwarder{
		journal:    j,
		cfg:        cfg,
		sender:     sender,
		cursorPath: filepath.Join(j.cfg.Dir, cursorFile),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	sent, err := readCursor(f.cursorPath)
	if err != nil {
		return nil, err
	}
	f.sent = sent

	return f, nil
}

// Sent returns the last sequence acknowledged by the indexer.
func (f *Forwarder) Sent() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

// Start runs the send loop until Stop is called or ctx is cancelled.
func (f *Forwarder) Start(ctx context.Context) {
	go f.sendLoop(ctx)
}

// Stop makes a final delivery attempt and waits for the loop to exit.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.stopOnce.Do(func() { close(f.stopCh) })
	select {
	case <-f.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("forwarder stop: %w", ctx.Err())
	}
}

func (f *Forwarder) sendLoop(ctx context.Context) {
	defer close(f.doneCh)

	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	log.Debug().
		Str("url", f.cfg.URL).
		Uint64("sent", f.Sent()).
		Msg("Journal forwarder started")

	for {
		select {
		case <-ticker.C:
			f.drain(ctx)
		case <-f.journal.appended():
			f.drain(ctx)
		case <-f.stopCh:
			f.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain sends batches until the forwarder has caught up or a send fails.
func (f *Forwarder) drain(ctx context.Context) {
	for {
		n, err := f.Flush(ctx)
		if err != nil {
			log.Error().Err(err).Str("url", f.cfg.URL).Msg("Failed to forward journal events")
			return
		}
		if n < f.cfg.BatchSize {
			return
		}
	}
}

// Flush sends the next batch of unsent events and returns how many were
// delivered.
func (f *Forwarder) Flush(ctx context.Context) (int, error) {
	from := f.Sent()

	batch, err := f.journal.Since(from, f.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if first := batch[0].Sequence; first > from+1 {
		log.Warn().
			Uint64("sent", from).
			Uint64("next_available", first).
			Msg("Events were archived before forwarding, skipping gap")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.RetryBackoff.InitialInterval
	b.MaxInterval = f.cfg.RetryBackoff.MaxInterval
	b.Multiplier = f.cfg.RetryBackoff.Multiplier

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			telemetry.GetMetrics().JournalForwardRetries.Add(ctx, 1)
			log.Warn().
				Err(err).
				Int("event_count", len(batch)).
				Dur("next_retry", next).
				Msg("Failed to forward events, will retry")
		}),
	}
	if f.cfg.RetryBackoff.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(f.cfg.RetryBackoff.MaxTries))
	}

	if _, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, f.send(ctx, batch)
	}, opts...); err != nil {
		return 0, err
	}

	last := batch[len(batch)-1].Sequence
	if err := writeCursor(f.cursorPath, last); err != nil {
		return 0, err
	}

	f.mu.Lock()
	f.sent = last
	f.mu.Unlock()

	log.Debug().
		Int("event_count", len(batch)).
		Uint64("last_sequence", last).
		Msg("Forwarded journal events")

	return len(batch), nil
}

func (f *Forwarder) send(ctx context.Context, batch []events.Event) error {
	err := f.sender.Send(ctx, batch)
	if err == nil || retryable(err) {
		return err
	}
	return backoff.Permanent(fmt.Errorf("indexer rejected batch: %w", err))
}

func readCursor(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read forward cursor: %w", err)
	}
	sent, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid forward cursor %q: %w", data, err)
	}
	return sent, nil
}

func writeCursor(path string, sent uint64) error {
	tmp := path + ".tmp"
	if err := writeFileSync(tmp, []byte(strconv.FormatUint(sent, 10))); err != nil {
		return fmt.Errorf("failed to write forward cursor: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace forward cursor: %w", err)
	}
	return nil
}
