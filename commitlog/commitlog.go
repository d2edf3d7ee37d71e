package commitlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/fabricgo/model"
)

const (
	logFileName = "commit.log"

	frameFlagZstd = 1 << 0
)

// ErrCorruptEntry marks a log entry whose checksum does not match. Replay
// stops at the first corrupt entry: everything after it belongs to a torn
// write.
var ErrCorruptEntry = errors.New("corrupt commit log entry")

// OpType identifies a logged mutation.
type OpType uint8

const (
	// OpCreate records a container creation.
	OpCreate OpType = iota
	// OpUpdate records an attribute or children mutation.
	OpUpdate
	// OpDelete records a container deletion.
	OpDelete
	// OpRollback records a rollback-produced version.
	OpRollback
	// OpCheckpoint marks a clean compaction checkpoint; entries before it
	// are durable in the stores.
	OpCheckpoint
)

// DurabilityMode controls fsync behavior for appends.
type DurabilityMode int

const (
	// DurabilitySync fsyncs after every append. Strongest guarantee.
	DurabilitySync DurabilityMode = iota
	// DurabilityAsync never fsyncs explicitly; fastest, risks recent
	// mutations on crash.
	DurabilityAsync
)

// Entry is one logged mutation: enough structural state to rebuild the
// in-place header rewrite that follows the append.
type Entry struct {
	Type       OpType
	ID         model.ContainerID
	ParentID   model.ContainerID
	Version    uint32
	AttrOffset uint64
	Children   []model.ContainerID
	SeqNum     uint64
}

// Options configures the commit log.
type Options struct {
	// DurabilityMode controls fsync behavior (Sync, Async). Default Sync.
	DurabilityMode DurabilityMode

	// Compress enables zstd compression of entry payloads.
	Compress bool
}

// Log is the append-only mutation log. Structural header rewrites happen in
// place in the binary store; the log entry written first makes the rewrite
// recoverable after a crash between append and header update.
type Log struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	opts    Options
	seq     uint64
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New opens (or creates) the commit log in dir.
func New(dir string, optFns ...func(*Options)) (*Log, error) {
	opts := Options{DurabilityMode: DurabilitySync}
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, logFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	l := &Log{f: f, path: path, opts: opts}
	if opts.Compress {
		l.encoder, err = zstd.NewWriter(nil)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	l.decoder, err = zstd.NewReader(nil)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	// Resume the sequence counter from the existing tail.
	if err := l.replayLocked(func(e Entry) error {
		if e.SeqNum > l.seq {
			l.seq = e.SeqNum
		}
		return nil
	}); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.encoder != nil {
		_ = l.encoder.Close()
	}
	if l.decoder != nil {
		l.decoder.Close()
	}
	return l.f.Close()
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, 0, 38+len(e.Children)*8)
	buf = append(buf, uint8(e.Type))
	buf = binary.LittleEndian.AppendUint64(buf, e.SeqNum)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.ID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.ParentID))
	buf = binary.LittleEndian.AppendUint32(buf, e.Version)
	buf = binary.LittleEndian.AppendUint64(buf, e.AttrOffset)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Children)))
	for _, c := range e.Children {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(c))
	}
	return buf
}

func decodeEntry(buf []byte) (Entry, error) {
	const fixed = 1 + 8 + 8 + 8 + 4 + 8 + 4
	if len(buf) < fixed {
		return Entry{}, fmt.Errorf("%w: short payload", ErrCorruptEntry)
	}
	e := Entry{
		Type:       OpType(buf[0]),
		SeqNum:     binary.LittleEndian.Uint64(buf[1:9]),
		ID:         model.ContainerID(binary.LittleEndian.Uint64(buf[9:17])),
		ParentID:   model.ContainerID(binary.LittleEndian.Uint64(buf[17:25])),
		Version:    binary.LittleEndian.Uint32(buf[25:29]),
		AttrOffset: binary.LittleEndian.Uint64(buf[29:37]),
	}
	n := binary.LittleEndian.Uint32(buf[37:41])
	if len(buf) != fixed+int(n)*8 {
		return Entry{}, fmt.Errorf("%w: children length mismatch", ErrCorruptEntry)
	}
	if n > 0 {
		e.Children = make([]model.ContainerID, n)
		for i := range e.Children {
			e.Children[i] = model.ContainerID(binary.LittleEndian.Uint64(buf[fixed+i*8:]))
		}
	}
	return e, nil
}

// Append logs an entry. The assigned sequence number is returned.
func (l *Log) Append(e Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.SeqNum = l.seq

	payload := encodeEntry(e)
	var flags uint8
	if l.encoder != nil {
		compressed := l.encoder.EncodeAll(payload, nil)
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= frameFlagZstd
		}
	}

	frame := make([]byte, 9+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	frame[8] = flags
	copy(frame[9:], payload)

	if _, err := l.f.Write(frame); err != nil {
		return 0, err
	}
	if l.opts.DurabilityMode == DurabilitySync {
		if err := l.f.Sync(); err != nil {
			return 0, err
		}
	}
	return e.SeqNum, nil
}

// Replay streams all committed entries in append order. A trailing corrupt
// entry (torn write) ends the stream without error; corruption in the
// middle surfaces as ErrCorruptEntry.
func (l *Log) Replay(fn func(Entry) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replayLocked(fn)
}

func (l *Log) replayLocked(fn func(Entry) error) error {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	defer func() {
		_, _ = l.f.Seek(0, io.SeekEnd)
	}()

	r := io.Reader(l.f)
	for {
		var hdr [9]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF {
				return nil // torn tail
			}
			return err
		}
		payloadLen := binary.LittleEndian.Uint32(hdr[0:4])
		wantCRC := binary.LittleEndian.Uint32(hdr[4:8])
		flags := hdr[8]

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil // torn tail
			}
			return err
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			return fmt.Errorf("%w: checksum mismatch", ErrCorruptEntry)
		}
		if flags&frameFlagZstd != 0 {
			raw, err := l.decoder.DecodeAll(payload, nil)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptEntry, err)
			}
			payload = raw
		}
		e, err := decodeEntry(payload)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Len returns the number of committed entries.
func (l *Log) Len() (int, error) {
	n := 0
	err := l.Replay(func(Entry) error {
		n++
		return nil
	})
	return n, err
}

// Truncate discards all entries. Called after a compaction checkpoint has
// made everything in the log durable in the stores.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Truncate(0); err != nil {
		return err
	}
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return l.f.Sync()
}
