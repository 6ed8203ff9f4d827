package journal

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/encacl/internal/events"
	"github.com/wolfeidau/encacl/internal/models"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Dir:           t.TempDir(),
		ArchiveDir:    t.TempDir(),
		RetentionDays: 30,
	}
}

func testEvent(seq uint64) *events.Event {
	res := models.HashResourceLabel("doc-1")
	ev := &events.Event{
		Sequence:     seq,
		ID:           uuid.Must(uuid.NewV7()),
		Kind:         events.KindPermissionGranted,
		PermissionID: seq,
		Actor:        models.Address{0x01, byte(seq)},
		Time:         time.Date(2026, 5, 6, 7, 8, 9, int(seq), time.UTC),
	}
	if seq%2 == 1 {
		ev.ResourceID = &res
	}
	return ev
}

func appendN(t *testing.T, j *Journal, from, to uint64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		require.NoError(t, j.Append(context.Background(), testEvent(seq)))
	}
}

func assertSameEvent(t *testing.T, want *events.Event, got events.Event) {
	t.Helper()
	assert.Equal(t, want.Sequence, got.Sequence)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Kind, got.Kind)
	assert.Equal(t, want.PermissionID, got.PermissionID)
	assert.Equal(t, want.Actor, got.Actor)
	assert.Equal(t, want.ResourceID, got.ResourceID)
	assert.True(t, want.Time.Equal(got.Time), "time %s != %s", want.Time, got.Time)
}

func TestOpen(t *testing.T) {
	cfg := testConfig(t)

	j, err := Open(cfg)
	require.NoError(t, err)
	defer j.Close()

	info, err := os.Stat(filepath.Join(cfg.Dir, journalFile))
	require.NoError(t, err)
	assert.Equal(t, int64(headerSize), info.Size())
	assert.Zero(t, j.LastSequence())
	assert.Empty(t, j.Replay())
}

func TestJournal_AppendAndReplay(t *testing.T) {
	cfg := testConfig(t)

	j, err := Open(cfg)
	require.NoError(t, err)
	appendN(t, j, 1, 10)
	require.NoError(t, j.Close())

	j2, err := Open(cfg)
	require.NoError(t, err)
	defer j2.Close()

	replay := j2.Replay()
	require.Len(t, replay, 10)
	for i, ev := range replay {
		assertSameEvent(t, testEvent(uint64(i+1)), ev)
	}
	assert.Equal(t, uint64(10), j2.LastSequence())

	// appends continue after the replayed tail
	require.NoError(t, j2.Append(context.Background(), testEvent(11)))
	assert.Equal(t, uint64(11), j2.LastSequence())
}

func TestJournal_OutOfOrder(t *testing.T) {
	j, err := Open(testConfig(t))
	require.NoError(t, err)
	defer j.Close()

	appendN(t, j, 1, 3)

	err = j.Append(context.Background(), testEvent(3))
	require.ErrorIs(t, err, ErrOutOfOrder)
	err = j.Append(context.Background(), testEvent(2))
	require.ErrorIs(t, err, ErrOutOfOrder)

	// gaps are allowed, sequences only have to increase
	require.NoError(t, j.Append(context.Background(), testEvent(7)))
}

func TestJournal_AppendIgnoresCancellation(t *testing.T) {
	cfg := testConfig(t)
	j, err := Open(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, j.Append(ctx, testEvent(1)))
	assert.Equal(t, uint64(1), j.LastSequence())
	require.NoError(t, j.Close())

	j2, err := Open(cfg)
	require.NoError(t, err)
	defer j2.Close()
	require.Len(t, j2.Replay(), 1)
}

func TestJournal_Closed(t *testing.T) {
	j, err := Open(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	require.ErrorIs(t, j.Append(context.Background(), testEvent(1)), ErrClosed)
	_, err = j.Since(0, 0)
	require.ErrorIs(t, err, ErrClosed)
}

func TestJournal_Since(t *testing.T) {
	j, err := Open(testConfig(t))
	require.NoError(t, err)
	defer j.Close()

	appendN(t, j, 1, 6)

	got, err := j.Since(2, 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, uint64(3), got[0].Sequence)
	assert.Equal(t, uint64(6), got[3].Sequence)

	got, err = j.Since(2, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[1].Sequence)

	got, err = j.Since(6, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestJournal_TruncatesCorruptTail(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(data []byte) []byte
		want    int
	}{
		{
			name: "flipped payload byte in last record",
			corrupt: func(data []byte) []byte {
				data[len(data)-12] ^= 0xff
				return data
			},
			want: 2,
		},
		{
			name: "torn final write",
			corrupt: func(data []byte) []byte {
				return data[:len(data)-5]
			},
			want: 2,
		},
		{
			name: "garbage length after last record",
			corrupt: func(data []byte) []byte {
				tail := make([]byte, 4)
				binary.LittleEndian.PutUint32(tail, 3)
				return append(data, tail...)
			},
			want: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			j, err := Open(cfg)
			require.NoError(t, err)
			appendN(t, j, 1, 3)
			require.NoError(t, j.Close())

			path := filepath.Join(cfg.Dir, journalFile)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, tt.corrupt(data), 0o600))

			j2, err := Open(cfg)
			require.NoError(t, err)
			defer j2.Close()

			require.Len(t, j2.Replay(), tt.want)
			assert.Equal(t, uint64(tt.want), j2.LastSequence())

			// the journal stays writable after recovery
			require.NoError(t, j2.Append(context.Background(), testEvent(uint64(tt.want+1))))
			got, err := j2.Since(0, 0)
			require.NoError(t, err)
			assert.Len(t, got, tt.want+1)
		})
	}
}

func TestJournal_RejectsForeignFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, journalFile), []byte("definitely not a journal file"), 0o600))

	_, err := Open(cfg)
	require.ErrorContains(t, err, "invalid magic")
}

func TestJournal_Archive(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	j, err := Open(cfg)
	require.NoError(t, err)

	// nothing to archive yet
	require.NoError(t, j.Archive(ctx))
	entries, err := os.ReadDir(cfg.ArchiveDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	appendN(t, j, 1, 5)
	require.NoError(t, j.Archive(ctx))

	archivePath := filepath.Join(cfg.ArchiveDir, "events-00000000000000000001-00000000000000000005.journal.zst")
	archived, err := ReadArchive(archivePath)
	require.NoError(t, err)
	require.Len(t, archived, 5)
	for i, ev := range archived {
		assertSameEvent(t, testEvent(uint64(i+1)), ev)
	}

	// the active file restarts empty but keeps counting
	assert.Equal(t, uint64(5), j.LastSequence())
	assert.Empty(t, j.Replay())
	require.ErrorIs(t, j.Append(ctx, testEvent(5)), ErrOutOfOrder)
	appendN(t, j, 6, 7)
	require.NoError(t, j.Close())

	j2, err := Open(cfg)
	require.NoError(t, err)
	defer j2.Close()

	assert.Equal(t, uint64(7), j2.LastSequence())
	replay := j2.Replay()
	require.Len(t, replay, 2)
	assert.Equal(t, uint64(6), replay[0].Sequence)
}

func TestJournal_RotatesBySize(t *testing.T) {
	cfg := testConfig(t)
	cfg.RotateBytes = 400

	j, err := Open(cfg)
	require.NoError(t, err)
	defer j.Close()

	appendN(t, j, 1, 20)

	entries, err := os.ReadDir(cfg.ArchiveDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var total int
	for _, entry := range entries {
		archived, err := ReadArchive(filepath.Join(cfg.ArchiveDir, entry.Name()))
		require.NoError(t, err)
		total += len(archived)
	}
	current, err := j.Since(0, 0)
	require.NoError(t, err)

	assert.Equal(t, 20, total+len(current))
	assert.Equal(t, uint64(20), j.LastSequence())
}

func TestBuildRecord(t *testing.T) {
	payload := []byte("test event data")
	record := buildRecord(42, time.UnixMilli(1700000000000), payload)

	length := binary.LittleEndian.Uint32(record[0:4])
	//nolint:gosec // bounded in tests
	assert.Equal(t, uint32(recordOverhead+len(payload)), length)
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(record[4:12]))
	assert.Equal(t, uint64(1700000000000), binary.LittleEndian.Uint64(record[16:24]))

	crc := binary.LittleEndian.Uint64(record[len(record)-8:])
	assert.Equal(t, computeCRC64(record[4:len(record)-8]), crc)
}

func TestComputeCRC64(t *testing.T) {
	crc1 := computeCRC64([]byte("hello world"))
	crc2 := computeCRC64([]byte("hello world"))

	assert.Equal(t, crc1, crc2)
	assert.NotZero(t, crc1)
	assert.NotEqual(t, crc1, computeCRC64([]byte("hello world!")))
}

func TestEncodeEventIsDeterministic(t *testing.T) {
	ev := testEvent(1)

	a, err := encodeEvent(ev)
	require.NoError(t, err)
	b, err := encodeEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	got, err := decodeEvent(a)
	require.NoError(t, err)
	assertSameEvent(t, ev, got)
}

func TestCleanupArchive(t *testing.T) {
	archiveDir := t.TempDir()

	oldFile := filepath.Join(archiveDir, "events-1-5.journal.zst")
	recentFile := filepath.Join(archiveDir, "events-6-9.journal.zst")
	otherFile := filepath.Join(archiveDir, "other.txt")

	require.NoError(t, os.WriteFile(oldFile, []byte("old data"), 0o600))
	require.NoError(t, os.WriteFile(recentFile, []byte("recent data"), 0o600))
	require.NoError(t, os.WriteFile(otherFile, []byte("other"), 0o600))

	oldTime := time.Now().AddDate(0, 0, -31)
	require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))
	require.NoError(t, os.Chtimes(otherFile, oldTime, oldTime))

	require.NoError(t, CleanupArchive(archiveDir, 30))

	_, err := os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(recentFile)
	require.NoError(t, err)
	_, err = os.Stat(otherFile)
	require.NoError(t, err)

	t.Run("disabled", func(t *testing.T) {
		require.NoError(t, CleanupArchive(archiveDir, 0))
		require.NoError(t, CleanupArchive(filepath.Join(archiveDir, "missing"), 30))
	})
}

func TestJournalIndex(t *testing.T) {
	idx := newJournalIndex(10, nil)
	assert.Equal(t, uint64(10), idx.Last())
	assert.Zero(t, idx.First())

	for seq := uint64(11); seq <= 20; seq++ {
		idx.Add(recordRef{sequence: seq, offset: int64(seq * 100), length: 100})
	}

	assert.Equal(t, 10, idx.Count())
	assert.Equal(t, uint64(11), idx.First())
	assert.Equal(t, uint64(20), idx.Last())
	assert.Len(t, idx.Since(0, 0), 10)
	assert.Len(t, idx.Since(15, 0), 5)
	assert.Len(t, idx.Since(15, 3), 3)
	assert.Empty(t, idx.Since(20, 0))

	idx.Reset(20)
	assert.Equal(t, uint64(20), idx.Last())
	assert.Zero(t, idx.Count())
}
