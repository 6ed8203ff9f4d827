package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/encacl/internal/events"
)

const (
	// Journal file format constants
	journalMagic   = "ENCJRN01"
	journalVersion = uint32(1)
	headerSize     = 24 // 8 bytes magic + 4 bytes version + 4 bytes reserved + 8 bytes base sequence

	recordOverhead = 32
	maxRecordSize  = 1024 * 1024
)

var (
	// ErrCorruptRecord is returned when a record fails its length or CRC check.
	ErrCorruptRecord = errors.New("corrupt journal record")

	// ErrOutOfOrder is returned when an appended event does not follow the
	// last journaled sequence.
	ErrOutOfOrder = errors.New("event out of order")
)

// recordRef locates a record in the journal file
type recordRef struct {
	sequence  uint64
	offset    int64
	length    int64
	timestamp int64
}

// header is the fixed prefix of every journal file. base is the sequence of
// the last event archived before this file was started.
type header struct {
	version uint32
	base    uint64
}

func encodeHeader(base uint64) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], journalMagic)
	binary.LittleEndian.PutUint32(buf[8:12], journalVersion)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	binary.LittleEndian.PutUint64(buf[16:24], base)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, fmt.Errorf("short header: %d bytes", len(buf))
	}
	if magic := string(buf[0:8]); magic != journalMagic {
		return header{}, fmt.Errorf("invalid magic: %q", magic)
	}
	version := binary.LittleEndian.Uint32(buf[8:12])
	if version != journalVersion {
		return header{}, fmt.Errorf("unsupported version: %d", version)
	}
	return header{version: version, base: binary.LittleEndian.Uint64(buf[16:24])}, nil
}

// buildRecord constructs a binary record with CRC64
//
// Record format (total: 32 + payload_len bytes):
// - Length (4 bytes, uint32) - total record length including this field
// - Sequence (8 bytes, uint64) - event sequence number
// - Reserved (4 bytes)
// - Timestamp (8 bytes, int64) - Unix milliseconds at append
// - Payload (variable) - CBOR-encoded events.Event
// - CRC64 (8 bytes, uint64) - CRC64-NVME of everything between the length and the CRC
func buildRecord(sequence uint64, appendedAt time.Time, payload []byte) []byte {
	//nolint:gosec // payload size is bounded by maxRecordSize
	totalLength := uint32(recordOverhead + len(payload))
	buf := bytes.NewBuffer(make([]byte, 0, totalLength))

	// binary.Write to bytes.Buffer never errors
	_ = binary.Write(buf, binary.LittleEndian, totalLength)
	_ = binary.Write(buf, binary.LittleEndian, sequence)
	buf.Write([]byte{0, 0, 0, 0})
	_ = binary.Write(buf, binary.LittleEndian, appendedAt.UnixMilli())
	buf.Write(payload)

	crc := computeCRC64(buf.Bytes()[4:])
	_ = binary.Write(buf, binary.LittleEndian, crc)

	return buf.Bytes()
}

// computeCRC64 computes CRC64-NVME checksum
func computeCRC64(data []byte) uint64 {
	h := crc64nvme.New()
	h.Write(data)
	return h.Sum64()
}

func encodeEvent(ev *events.Event) ([]byte, error) {
	payload, err := encMode.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	if len(payload)+recordOverhead > maxRecordSize {
		return nil, fmt.Errorf("event %d encodes to %d bytes, limit %d", ev.Sequence, len(payload), maxRecordSize)
	}
	return payload, nil
}

// readRecord reads and validates the record starting at the reader's position.
// It returns io.EOF at a clean end of file.
func readRecord(r io.Reader) (recordRef, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		if err == io.EOF {
			return recordRef{}, nil, io.EOF
		}
		return recordRef{}, nil, fmt.Errorf("%w: failed to read length: %v", ErrCorruptRecord, err)
	}

	if length < recordOverhead || length > maxRecordSize {
		return recordRef{}, nil, fmt.Errorf("%w: invalid length %d", ErrCorruptRecord, length)
	}

	// length includes the 4 bytes already read
	data := make([]byte, length-4)
	if _, err := io.ReadFull(r, data); err != nil {
		return recordRef{}, nil, fmt.Errorf("%w: failed to read record: %v", ErrCorruptRecord, err)
	}

	storedCRC := binary.LittleEndian.Uint64(data[len(data)-8:])
	computedCRC := computeCRC64(data[:len(data)-8])
	if storedCRC != computedCRC {
		return recordRef{}, nil, fmt.Errorf("%w: CRC64 mismatch stored=%x computed=%x", ErrCorruptRecord, storedCRC, computedCRC)
	}

	ref := recordRef{
		sequence: binary.LittleEndian.Uint64(data[0:8]),
		length:   int64(length),
		//nolint:gosec // written from a positive UnixMilli
		timestamp: int64(binary.LittleEndian.Uint64(data[12:20])),
	}

	return ref, data[20 : len(data)-8], nil
}

func decodeEvent(payload []byte) (events.Event, error) {
	var ev events.Event
	if err := decMode.Unmarshal(payload, &ev); err != nil {
		return events.Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return ev, nil
}

// scan validates every record in f after the header, building the index and
// decoding events. A torn or corrupt tail is truncated so later appends start
// from the last good record.
func scan(f *os.File) (header, []recordRef, []events.Event, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return header{}, nil, nil, fmt.Errorf("failed to seek to start: %w", err)
	}

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return header{}, nil, nil, fmt.Errorf("failed to read header: %w", err)
	}
	hdr, err := decodeHeader(buf)
	if err != nil {
		return header{}, nil, nil, err
	}

	var (
		refs   []recordRef
		replay []events.Event
		offset = int64(headerSize)
		last   = hdr.base
	)

	for {
		ref, payload, err := readRecord(f)
		if err == io.EOF {
			break
		}
		if err == nil && ref.sequence <= last {
			err = fmt.Errorf("%w: sequence %d after %d", ErrCorruptRecord, ref.sequence, last)
		}
		var ev events.Event
		if err == nil {
			ev, err = decodeEvent(payload)
		}
		if err != nil {
			log.Warn().
				Err(err).
				Int64("offset", offset).
				Msg("Corrupt journal record, truncating")
			if truncErr := f.Truncate(offset); truncErr != nil {
				return header{}, nil, nil, fmt.Errorf("failed to truncate journal: %w", truncErr)
			}
			break
		}

		ref.offset = offset
		refs = append(refs, ref)
		replay = append(replay, ev)
		offset += ref.length
		last = ref.sequence
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return header{}, nil, nil, fmt.Errorf("failed to seek to end: %w", err)
	}

	return hdr, refs, replay, nil
}
