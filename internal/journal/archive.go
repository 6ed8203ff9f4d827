package journal

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/encacl/internal/events"
)

// compressFile compresses src with zstd into dst, removing dst on failure
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer in.Close()

	srcInfo, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat journal: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to create encoder: %w", err)
	}

	if _, err := io.Copy(enc, in); err != nil {
		if closeErr := enc.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close encoder during error cleanup")
		}
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to compress: %w", err)
	}

	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to close encoder: %w", err)
	}

	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to fsync archive: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to close archive: %w", err)
	}

	dstInfo, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	ratio := 0.0
	if srcInfo.Size() > 0 {
		ratio = (1.0 - float64(dstInfo.Size())/float64(srcInfo.Size())) * 100
	}

	log.Debug().
		Int64("original_bytes", srcInfo.Size()).
		Int64("compressed_bytes", dstInfo.Size()).
		Float64("compression_ratio_pct", ratio).
		Str("archive_path", dst).
		Msg("Journal compressed with zstd")

	return nil
}

// ReadArchive decompresses an archived journal and returns its events.
func ReadArchive(path string) ([]events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}

	if _, err := decodeHeader(data); err != nil {
		return nil, err
	}

	r := bytes.NewReader(data[headerSize:])
	var out []events.Event
	for {
		_, payload, err := readRecord(r)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		ev, err := decodeEvent(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
}

// CleanupArchive removes archived journals older than the retention period
func CleanupArchive(archiveDir string, retentionDays int) error {
	if archiveDir == "" || retentionDays <= 0 {
		log.Debug().Msg("Archive cleanup disabled")
		return nil
	}

	if _, err := os.Stat(archiveDir); os.IsNotExist(err) {
		log.Debug().Str("archive_dir", archiveDir).Msg("Archive directory does not exist, nothing to clean")
		return nil
	}

	cutoffTime := time.Now().AddDate(0, 0, -retentionDays)

	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		return fmt.Errorf("failed to read archive directory: %w", err)
	}

	deletedCount := 0
	deletedBytes := int64(0)

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".zst" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Warn().
				Err(err).
				Str("file", entry.Name()).
				Msg("Failed to get file info, skipping")
			continue
		}

		if !info.ModTime().Before(cutoffTime) {
			continue
		}

		filePath := filepath.Join(archiveDir, entry.Name())
		if err := os.Remove(filePath); err != nil {
			log.Warn().
				Err(err).
				Str("file", filePath).
				Msg("Failed to delete old archive file")
			continue
		}

		deletedCount++
		deletedBytes += info.Size()
	}

	if deletedCount > 0 {
		log.Info().
			Str("archive_dir", archiveDir).
			Int("deleted_files", deletedCount).
			Int64("deleted_bytes", deletedBytes).
			Msg("Archive cleanup completed")
	}

	return nil
}
