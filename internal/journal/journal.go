// Package journal persists registry events to a CRC-checked append-only file
// so the event log survives restarts. Full files are compressed into an
// archive directory and pruned by age; a Forwarder ships journaled events to
// an external indexer.
package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/encacl/internal/events"
)

const journalFile = "events.journal"

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal is closed")

var _ events.Sink = (*Journal)(nil)

// Config configures journal behavior
type Config struct {
	// Dir holds the active journal file and the forwarder cursor
	Dir string

	// ArchiveDir is the directory for compressed archives
	ArchiveDir string

	// RetentionDays is how long to keep archives, zero keeps them forever
	RetentionDays int

	// RotateBytes archives the active file once it grows past this size,
	// zero disables rotation
	RotateBytes int64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Dir:           filepath.Join(homeDir, ".encacl", "journal"),
		ArchiveDir:    filepath.Join(homeDir, ".encacl", "archive"),
		RetentionDays: 30,
		RotateBytes:   64 * 1024 * 1024,
	}
}

// Journal is a durable events.Sink.
type Journal struct {
	mu     sync.RWMutex
	cfg    Config
	path   string
	file   *os.File
	index  *journalIndex
	size   int64
	replay []events.Event
	notify chan struct{}
	now    func() time.Time
}

// Open opens the journal in cfg.Dir, creating it when missing. Existing
// records are validated and a corrupt tail is truncated.
func Open(cfg *Config) (*Journal, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	if cfg.ArchiveDir != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	j := &Journal{
		cfg:    *cfg,
		path:   filepath.Join(cfg.Dir, journalFile),
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}

	if err := j.openOrCreate(); err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if err := CleanupArchive(cfg.ArchiveDir, cfg.RetentionDays); err != nil {
		log.Warn().Err(err).Msg("Failed to clean up journal archive")
	}

	log.Info().
		Str("path", j.path).
		Int("records", j.index.Count()).
		Uint64("last_sequence", j.index.Last()).
		Msg("Journal opened")

	return j, nil
}

// openOrCreate opens the existing journal or creates a new one with a header
func (j *Journal) openOrCreate() error {
	f, err := os.OpenFile(j.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat file: %w", err)
	}

	if info.Size() == 0 {
		if _, err := f.Write(encodeHeader(0)); err != nil {
			f.Close()
			return fmt.Errorf("failed to write header: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("failed to fsync header: %w", err)
		}
		j.file = f
		j.index = newJournalIndex(0, nil)
		j.size = headerSize
		return nil
	}

	hdr, refs, replay, err := scan(f)
	if err != nil {
		f.Close()
		return err
	}

	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to get position: %w", err)
	}

	j.file = f
	j.index = newJournalIndex(hdr.base, refs)
	j.size = size
	j.replay = replay

	return nil
}

// Replay returns the events recovered from the active file when the journal
// was opened, oldest first.
func (j *Journal) Replay() []events.Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]events.Event(nil), j.replay...)
}

// LastSequence returns the newest journaled sequence, including archived
// events.
func (j *Journal) LastSequence() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.index.Last()
}

// Append writes the event and fsyncs before returning. Events must arrive in
// strictly increasing sequence order. A canceled ctx does not stop the write,
// the event describes a mutation that has already committed.
func (j *Journal) Append(_ context.Context, ev *events.Event) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return ErrClosed
	}

	if last := j.index.Last(); ev.Sequence <= last {
		return fmt.Errorf("%w: sequence %d after %d", ErrOutOfOrder, ev.Sequence, last)
	}

	now := j.now()
	record := buildRecord(ev.Sequence, now, payload)
	offset := j.size

	if _, err := j.file.WriteAt(record, offset); err != nil {
		// drop any partial write so the next append starts clean
		if truncErr := j.file.Truncate(offset); truncErr != nil {
			log.Error().Err(truncErr).Msg("Failed to truncate journal after short write")
		}
		return fmt.Errorf("failed to write record: %w", err)
	}

	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to fsync: %w", err)
	}

	j.index.Add(recordRef{
		sequence:  ev.Sequence,
		offset:    offset,
		length:    int64(len(record)),
		timestamp: now.UnixMilli(),
	})
	j.size += int64(len(record))

	log.Debug().
		Uint64("sequence", ev.Sequence).
		Int64("offset", offset).
		Msg("Event appended to journal")

	select {
	case j.notify <- struct{}{}:
	default:
	}

	if j.cfg.RotateBytes > 0 && j.size >= j.cfg.RotateBytes {
		// the event is durable, a failed rotation is retried on the next append
		if err := j.archiveLocked(); err != nil {
			log.Error().Err(err).Msg("Failed to rotate journal")
		}
	}

	return nil
}

// Since reads up to limit journaled events with a sequence greater than seq
// from the active file. Events already archived are not returned.
func (j *Journal) Since(seq uint64, limit int) ([]events.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.file == nil {
		return nil, ErrClosed
	}

	refs := j.index.Since(seq, limit)
	out := make([]events.Event, 0, len(refs))
	for _, ref := range refs {
		_, payload, err := readRecord(io.NewSectionReader(j.file, ref.offset, ref.length))
		if err != nil {
			return nil, fmt.Errorf("failed to read sequence %d: %w", ref.sequence, err)
		}
		ev, err := decodeEvent(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}

	return out, nil
}

// Archive compresses the active file into the archive directory and starts a
// new file that continues the sequence. An empty journal is left alone.
func (j *Journal) Archive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return ErrClosed
	}

	return j.archiveLocked()
}

func (j *Journal) archiveLocked() error {
	if j.index.Count() == 0 {
		return nil
	}
	if j.cfg.ArchiveDir == "" {
		return fmt.Errorf("no archive directory configured")
	}

	first, last := j.index.First(), j.index.Last()
	archivePath := filepath.Join(j.cfg.ArchiveDir, fmt.Sprintf("events-%020d-%020d.journal.zst", first, last))

	if err := compressFile(j.path, archivePath); err != nil {
		return fmt.Errorf("failed to archive journal: %w", err)
	}

	// replace the active file atomically so a crash leaves either the old
	// file or the new empty one
	tmp := j.path + ".tmp"
	if err := writeFileSync(tmp, encodeHeader(last)); err != nil {
		return fmt.Errorf("failed to start new journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace journal: %w", err)
	}

	if err := j.file.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close archived journal file")
	}

	f, err := os.OpenFile(j.path, os.O_RDWR, 0o600)
	if err != nil {
		j.file = nil
		return fmt.Errorf("failed to reopen journal: %w", err)
	}

	j.file = f
	j.size = headerSize
	j.index.Reset(last)
	j.replay = nil

	log.Info().
		Uint64("first_sequence", first).
		Uint64("last_sequence", last).
		Str("archive_path", archivePath).
		Msg("Journal archived")

	if err := CleanupArchive(j.cfg.ArchiveDir, j.cfg.RetentionDays); err != nil {
		log.Warn().Err(err).Msg("Failed to clean up journal archive")
	}

	return nil
}

// Close closes the active file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}

	err := j.file.Close()
	j.file = nil
	if err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}

	log.Info().Uint64("last_sequence", j.index.Last()).Msg("Journal closed")

	return nil
}

// appended signals after each successful append.
func (j *Journal) appended() <-chan struct{} {
	return j.notify
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
