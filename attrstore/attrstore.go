package attrstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/fabricgo/blobstore"
	"github.com/hupe1980/fabricgo/model"
)

const (
	attributesFileName = "attributes.dat"

	// AttrMagic identifies the attribute store file (ASCII: "FCA1").
	AttrMagic = 0x46434131

	// FormatVersion is the current file format version.
	FormatVersion = 0x00010000

	fileHeaderSize  = 16
	frameHeaderSize = 9 // u32 len | u32 crc | u8 flags

	frameFlagLZ4 = 1 << 0

	// compressThreshold is the payload size above which lz4 is attempted.
	compressThreshold = 512
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported format version")
	ErrChecksum       = errors.New("attribute record checksum mismatch")
	ErrVersionGone    = errors.New("version not in retained history")
	ErrFieldTooLarge  = errors.New("attribute field exceeds encodable size")
)

// Stored is one versioned attribute record as laid out on disk: the record
// itself plus its version-chain envelope. Prev points at the previous
// version's offset (0 for the first version).
type Stored struct {
	ID        model.ContainerID
	Version   uint32
	Change    model.ChangeType
	Prev      uint64
	Timestamp time.Time
	Record    *model.AttributeRecord
}

// VersionRecord converts the envelope into a history entry.
func (s *Stored) VersionRecord() model.VersionRecord {
	return model.VersionRecord{
		Version:     s.Version,
		ContentHash: s.Record.ContentHash,
		Timestamp:   s.Timestamp,
		Change:      s.Change,
	}
}

// Store is the append-only attribute and version store.
//
// Records are framed with a length prefix and CRC32; payloads above the
// compression threshold are lz4 block compressed. Version history is a
// backward chain of prev offsets, so GetHistory is a simple walk.
type Store struct {
	f      *os.File
	end    atomic.Int64
	logger *slog.Logger

	garbage atomic.Int64
	writeMu sync.Mutex
}

type options struct {
	logger *slog.Logger
}

// Option configures the store.
type Option func(*options)

// WithLogger sets the structured logger used for store events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open opens (or creates) the attribute store under dir.
func Open(dir string, optFns ...Option) (*Store, error) {
	o := options{logger: slog.Default()}
	for _, fn := range optFns {
		fn(&o)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, attributesFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		var hdr [fileHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], AttrMagic)
		binary.LittleEndian.PutUint32(hdr[4:8], FormatVersion)
		if _, err := f.WriteAt(hdr[:], 0); err != nil {
			_ = f.Close()
			return nil, err
		}
		fi, err = f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, err
		}
	} else {
		var hdr [fileHeaderSize]byte
		if _, err := f.ReadAt(hdr[:], 0); err != nil {
			_ = f.Close()
			return nil, err
		}
		if got := binary.LittleEndian.Uint32(hdr[0:4]); got != AttrMagic {
			_ = f.Close()
			return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidMagic, got)
		}
		if got := binary.LittleEndian.Uint32(hdr[4:8]); got != FormatVersion {
			_ = f.Close()
			return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidVersion, got)
		}
	}

	s := &Store{f: f, logger: o.logger}
	s.end.Store(fi.Size())
	return s, nil
}

// Close closes the underlying file.
func (s *Store) Close() error {
	return s.f.Close()
}

// Sync flushes the file to stable storage.
func (s *Store) Sync() error {
	return s.f.Sync()
}

// GarbageBytes returns the bytes occupied by superseded or archived records.
func (s *Store) GarbageBytes() int64 {
	return s.garbage.Load()
}

func encodePayload(st *Stored) []byte {
	body := encodeBody(st.Record)
	buf := make([]byte, 0, 8+4+1+8+8+32+32+4+len(body))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(st.ID))
	buf = binary.LittleEndian.AppendUint32(buf, st.Version)
	buf = append(buf, uint8(st.Change))
	buf = binary.LittleEndian.AppendUint64(buf, st.Prev)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(st.Timestamp.UnixNano()))
	buf = append(buf, st.Record.ContentHash[:]...)
	buf = append(buf, st.Record.Fingerprint[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	return buf
}

func decodePayload(buf []byte) (*Stored, error) {
	const fixed = 8 + 4 + 1 + 8 + 8 + 32 + 32 + 4
	if len(buf) < fixed {
		return nil, fmt.Errorf("attrstore: truncated payload: %d bytes", len(buf))
	}
	st := &Stored{
		ID:      model.ContainerID(binary.LittleEndian.Uint64(buf[0:8])),
		Version: binary.LittleEndian.Uint32(buf[8:12]),
		Change:  model.ChangeType(buf[12]),
		Prev:    binary.LittleEndian.Uint64(buf[13:21]),
	}
	st.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(buf[21:29]))).UTC()
	var contentHash, fingerprint [32]byte
	copy(contentHash[:], buf[29:61])
	copy(fingerprint[:], buf[61:93])
	bodyLen := binary.LittleEndian.Uint32(buf[93:97])
	if int(bodyLen) != len(buf)-fixed {
		return nil, fmt.Errorf("attrstore: body length mismatch: header %d, actual %d", bodyLen, len(buf)-fixed)
	}
	rec, err := decodeBody(buf[fixed:])
	if err != nil {
		return nil, err
	}
	rec.ContentHash = contentHash
	rec.Fingerprint = fingerprint
	st.Record = rec
	return st, nil
}

// Put appends a new version of the attribute record and returns its offset.
// The record's content hash and fingerprint are computed here, at write
// time, over the canonical encoding. Records with fields too large for the
// wire format are rejected with ErrFieldTooLarge.
func (s *Store) Put(st *Stored) (uint64, error) {
	if err := validateRecord(st.Record); err != nil {
		return 0, err
	}
	st.Record.ContentHash = ContentHash(st.Record)
	st.Record.Fingerprint = Fingerprint(st.Record)
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now().UTC()
	}

	payload := encodePayload(st)
	var flags uint8
	if len(payload) > compressThreshold {
		compressed := make([]byte, 4+lz4.CompressBlockBound(len(payload)))
		binary.LittleEndian.PutUint32(compressed[0:4], uint32(len(payload)))
		n, err := lz4.CompressBlock(payload, compressed[4:], nil)
		if err == nil && n > 0 && n+4 < len(payload) {
			payload = compressed[:n+4]
			flags |= frameFlagLZ4
		}
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	frame[8] = flags
	copy(frame[frameHeaderSize:], payload)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	off := s.end.Load()
	if _, err := s.f.WriteAt(frame, off); err != nil {
		return 0, err
	}
	s.end.Store(off + int64(len(frame)))
	return uint64(off), nil
}

// Get reads the stored record at offset, verifying its checksum.
func (s *Store) Get(offset uint64) (*Stored, error) {
	var hdr [frameHeaderSize]byte
	if _, err := s.f.ReadAt(hdr[:], int64(offset)); err != nil {
		return nil, err
	}
	payloadLen := binary.LittleEndian.Uint32(hdr[0:4])
	wantCRC := binary.LittleEndian.Uint32(hdr[4:8])
	flags := hdr[8]

	payload := make([]byte, payloadLen)
	if _, err := s.f.ReadAt(payload, int64(offset)+frameHeaderSize); err != nil {
		return nil, err
	}
	if got := crc32.ChecksumIEEE(payload); got != wantCRC {
		return nil, fmt.Errorf("%w: offset %d: expected 0x%08x, got 0x%08x", ErrChecksum, offset, wantCRC, got)
	}

	if flags&frameFlagLZ4 != 0 {
		if len(payload) < 4 {
			return nil, fmt.Errorf("attrstore: truncated compressed payload at %d", offset)
		}
		rawLen := binary.LittleEndian.Uint32(payload[0:4])
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload[4:], raw)
		if err != nil {
			return nil, fmt.Errorf("attrstore: lz4 decompress at %d: %w", offset, err)
		}
		payload = raw[:n]
	}
	return decodePayload(payload)
}

// Scan walks every stored record in file order. Recovery uses it to find the
// newest attribute offset per container: the file is append-only, so the last
// frame seen for an id wins.
//
// A crash mid-append leaves a partial frame at the tail. Like the commit log,
// Scan treats a torn tail as the end of the stream; the partial frame is
// truncated away so the next append overwrites it. Corruption anywhere before
// the final frame still surfaces as an error.
func (s *Store) Scan(fn func(offset uint64, st *Stored) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	end := s.end.Load()
	off := int64(fileHeaderSize)
	for off < end {
		if off+frameHeaderSize > end {
			break // torn tail: short frame header
		}
		var hdr [frameHeaderSize]byte
		if _, err := s.f.ReadAt(hdr[:], off); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return err
		}
		payloadLen := int64(binary.LittleEndian.Uint32(hdr[0:4]))
		frameEnd := off + frameHeaderSize + payloadLen
		if frameEnd > end {
			break // torn tail: payload extends past the file
		}
		st, err := s.Get(uint64(off))
		if err != nil {
			if frameEnd == end && errors.Is(err, ErrChecksum) {
				break // torn tail: final frame half written
			}
			return err
		}
		if err := fn(uint64(off), st); err != nil {
			return err
		}
		off = frameEnd
	}
	if off < end {
		s.logger.Warn("discarding torn attribute tail",
			"offset", off,
			"bytes", end-off,
		)
		if err := s.f.Truncate(off); err != nil {
			return err
		}
		s.end.Store(off)
	}
	return nil
}

// History walks the version chain starting at the newest offset and returns
// version records in ascending version order. limit bounds the walk
// (0 = unlimited).
func (s *Store) History(offset uint64, limit int) ([]model.VersionRecord, error) {
	var out []model.VersionRecord
	for {
		st, err := s.Get(offset)
		if err != nil {
			return nil, err
		}
		out = append(out, st.VersionRecord())
		if limit > 0 && len(out) >= limit {
			break
		}
		if st.Prev == 0 {
			break
		}
		offset = st.Prev
	}
	// Reverse: the chain is walked newest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// FindVersion walks the chain from the newest offset down to the requested
// version.
func (s *Store) FindVersion(offset uint64, version uint32) (*Stored, error) {
	for {
		st, err := s.Get(offset)
		if err != nil {
			return nil, err
		}
		if st.Version == version {
			return st, nil
		}
		if st.Version < version || st.Prev == 0 {
			return nil, fmt.Errorf("%w: version %d", ErrVersionGone, version)
		}
		offset = st.Prev
	}
}

// ChainLen returns the number of retained versions reachable from offset.
func (s *Store) ChainLen(offset uint64) (int, error) {
	n := 0
	for {
		st, err := s.Get(offset)
		if err != nil {
			return n, err
		}
		n++
		if st.Prev == 0 {
			return n, nil
		}
		offset = st.Prev
	}
}

// Archive copies the version that just fell out of the retention window
// (the keep+1'th newest) to the archive sink under
// containers/<id>/v<version> and accounts its bytes as garbage. Called once
// per Put when the chain exceeds the retention limit, it keeps the archive
// complete; the on-disk chain is left intact until compaction, and History
// with limit=keep hides archived entries from callers.
func (s *Store) Archive(ctx context.Context, sink blobstore.Store, offset uint64, keep int) (int, error) {
	if sink == nil || keep <= 0 {
		return 0, nil
	}
	depth := 0
	for {
		st, err := s.Get(offset)
		if err != nil {
			return 0, err
		}
		depth++
		if depth == keep+1 {
			name := fmt.Sprintf("containers/%d/v%06d", uint64(st.ID), st.Version)
			payload := encodePayload(st)
			if err := sink.Put(ctx, name, payload); err != nil {
				return 0, err
			}
			s.garbage.Add(int64(frameHeaderSize + len(payload)))
			s.logger.Debug("archived attribute version", "id", uint64(st.ID), "version", st.Version)
			return 1, nil
		}
		if st.Prev == 0 {
			return 0, nil // chain shorter than the retention window
		}
		offset = st.Prev
	}
}
