package binstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/fabricgo/model"
)

const (
	structuralFileName = "structural.dat"
	childrenFileName   = "children.dat"

	// minChildrenCapacity is the smallest segment allocated for a child list.
	minChildrenCapacity = 4
)

// RetiredSegment is a children segment superseded by a doubled reallocation.
// It stays readable until every generation that could reference it is
// released, then Compact reclaims it.
type RetiredSegment struct {
	Offset    uint64
	Capacity  uint32
	RetiredAt model.Generation
}

// CompactStats reports the outcome of a children-file compaction.
type CompactStats struct {
	SegmentsCopied  int
	BytesReclaimed  int64
	GarbageSegments int
}

// Store persists structural records and children segments.
//
// structural.dat holds a 16-byte preamble followed by fixed 32-byte records;
// record slot n belongs to container id n+1. children.dat is append-only;
// segments are immutable once written, so readers holding an older
// generation's (offset, count) reference stay valid until Compact.
//
// All mutation goes through the single writer role; reads are safe from any
// goroutine.
type Store struct {
	dir    string
	logger *slog.Logger

	structF *os.File
	childF  *os.File

	slots    atomic.Uint64 // number of structural record slots
	childEnd atomic.Int64  // append offset in children.dat
	nextID   atomic.Uint64

	childMap atomic.Pointer[MappedFile]
	oldMaps  []*MappedFile
	mapMu    sync.Mutex

	tombMu     sync.RWMutex
	tombstones *roaring64.Bitmap

	garbageMu sync.Mutex
	garbage   []RetiredSegment

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

// Open opens (or creates) the binary store under dir.
func Open(dir string, optFns ...Option) (*Store, error) {
	o := options{logger: slog.Default()}
	for _, fn := range optFns {
		fn(&o)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	structF, err := openStoreFile(filepath.Join(dir, structuralFileName), StructuralMagic)
	if err != nil {
		return nil, fmt.Errorf("binstore: open structural: %w", err)
	}
	childF, err := openStoreFile(filepath.Join(dir, childrenFileName), ChildrenMagic)
	if err != nil {
		_ = structF.Close()
		return nil, fmt.Errorf("binstore: open children: %w", err)
	}

	s := &Store{
		dir:        dir,
		logger:     o.logger,
		structF:    structF,
		childF:     childF,
		tombstones: roaring64.New(),
	}

	si, err := structF.Stat()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if (si.Size()-FileHeaderSize)%RecordSize != 0 {
		_ = s.Close()
		return nil, fmt.Errorf("binstore: %w: structural size %d", ErrCorruptRecord, si.Size())
	}
	s.slots.Store(uint64((si.Size() - FileHeaderSize) / RecordSize))
	s.nextID.Store(s.slots.Load() + 1)

	ci, err := childF.Stat()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.childEnd.Store(ci.Size())

	// Rebuild the tombstone set from record flags.
	if err := s.scanTombstones(); err != nil {
		_ = s.Close()
		return nil, err
	}

	if err := s.remapChildren(); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.logger.Debug("binary store opened",
		"dir", dir,
		"slots", s.slots.Load(),
		"children_bytes", s.childEnd.Load(),
		"tombstones", s.tombstones.GetCardinality(),
	)
	return s, nil
}

func openStoreFile(path string, magic uint32) (*os.File, error) {
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
		var hdr [FileHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], magic)
		binary.LittleEndian.PutUint32(hdr[4:8], FormatVersion)
		if _, err := f.WriteAt(hdr[:], 0); err != nil {
			_ = f.Close()
			return nil, err
		}
		return f, nil
	}
	var hdr [FileHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if got := binary.LittleEndian.Uint32(hdr[0:4]); got != magic {
		_ = f.Close()
		return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidMagic, got)
	}
	if got := binary.LittleEndian.Uint32(hdr[4:8]); got != FormatVersion {
		_ = f.Close()
		return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidVersion, got)
	}
	return f, nil
}

func (s *Store) scanTombstones() error {
	n := s.slots.Load()
	for slot := uint64(0); slot < n; slot++ {
		var buf [RecordSize]byte
		if _, err := s.structF.ReadAt(buf[:], recordOffset(slot)); err != nil {
			return err
		}
		if binary.LittleEndian.Uint32(buf[28:32])&recFlagTombstone != 0 {
			s.tombstones.Add(slot + 1)
		}
	}
	return nil
}

// Close unmaps and closes the underlying files.
func (s *Store) Close() error {
	var first error
	s.mapMu.Lock()
	if m := s.childMap.Swap(nil); m != nil {
		if err := m.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, m := range s.oldMaps {
		if err := m.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.oldMaps = nil
	s.mapMu.Unlock()

	if s.structF != nil {
		if err := s.structF.Close(); err != nil && first == nil {
			first = err
		}
	}
	if s.childF != nil {
		if err := s.childF.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Sync flushes both files to stable storage.
func (s *Store) Sync() error {
	if err := s.structF.Sync(); err != nil {
		return err
	}
	return s.childF.Sync()
}

// AllocateID returns a fresh, strictly increasing container id.
func (s *Store) AllocateID() (model.ContainerID, error) {
	id := s.nextID.Add(1) - 1
	if id == 0 {
		return 0, ErrIDExhausted
	}
	return model.ContainerID(id), nil
}

// ReleaseID hands back the most recently allocated id when its record was
// never appended, so a failed create can retry with the same id instead of
// leaving a gap the contiguous-append check would reject forever. A no-op
// once the record exists or when a later allocation has happened.
func (s *Store) ReleaseID(id model.ContainerID) {
	if s.slots.Load() >= uint64(id) {
		return
	}
	s.nextID.CompareAndSwap(uint64(id)+1, uint64(id))
}

// Count returns the number of record slots (equal to the highest allocated
// id that has been appended).
func (s *Store) Count() uint64 {
	return s.slots.Load()
}

func recordOffset(slot uint64) int64 {
	return FileHeaderSize + int64(slot)*RecordSize
}

func encodeRecord(rec model.StructuralRecord, flags uint32) [RecordSize]byte {
	var buf [RecordSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(rec.ParentID))
	binary.LittleEndian.PutUint64(buf[8:16], rec.ChildrenOffset)
	binary.LittleEndian.PutUint32(buf[16:20], rec.Version)
	binary.LittleEndian.PutUint32(buf[20:24], rec.ChildCount)
	binary.LittleEndian.PutUint32(buf[24:28], rec.ChildrenCapacity)
	binary.LittleEndian.PutUint32(buf[28:32], flags)
	return buf
}

func decodeRecord(id model.ContainerID, buf []byte) (model.StructuralRecord, uint32) {
	rec := model.StructuralRecord{
		ID:               id,
		ParentID:         model.ContainerID(binary.LittleEndian.Uint64(buf[0:8])),
		ChildrenOffset:   binary.LittleEndian.Uint64(buf[8:16]),
		Version:          binary.LittleEndian.Uint32(buf[16:20]),
		ChildCount:       binary.LittleEndian.Uint32(buf[20:24]),
		ChildrenCapacity: binary.LittleEndian.Uint32(buf[24:28]),
	}
	return rec, binary.LittleEndian.Uint32(buf[28:32])
}

// AppendRecord appends the structural record for a freshly allocated id.
// The id must be the next unwritten slot.
func (s *Store) AppendRecord(rec model.StructuralRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	slot := s.slots.Load()
	if uint64(rec.ID) != slot+1 {
		return fmt.Errorf("binstore: non-contiguous append: id %d at slot %d", rec.ID, slot)
	}
	buf := encodeRecord(rec, 0)
	if _, err := s.structF.WriteAt(buf[:], recordOffset(slot)); err != nil {
		return err
	}
	s.slots.Store(slot + 1)
	return nil
}

// WriteRecord rewrites an existing record in place. The durable form may be
// momentarily torn with respect to concurrent preads; readers resolve
// structural state through generation tables, so only crash recovery ever
// rereads these bytes (guarded by the commit log).
func (s *Store) WriteRecord(rec model.StructuralRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if uint64(rec.ID) == 0 || uint64(rec.ID) > s.slots.Load() {
		return fmt.Errorf("%w: id %d", ErrNotFound, rec.ID)
	}
	var flags uint32
	if s.IsTombstoned(rec.ID) {
		flags |= recFlagTombstone
	}
	buf := encodeRecord(rec, flags)
	_, err := s.structF.WriteAt(buf[:], recordOffset(uint64(rec.ID)-1))
	return err
}

// ReadRecord reads the durable structural record for id.
func (s *Store) ReadRecord(id model.ContainerID) (model.StructuralRecord, error) {
	if uint64(id) == 0 || uint64(id) > s.slots.Load() {
		return model.StructuralRecord{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if s.IsTombstoned(id) {
		return model.StructuralRecord{}, fmt.Errorf("%w: id %d tombstoned", ErrNotFound, id)
	}
	var buf [RecordSize]byte
	if _, err := s.structF.ReadAt(buf[:], recordOffset(uint64(id)-1)); err != nil {
		return model.StructuralRecord{}, err
	}
	rec, _ := decodeRecord(id, buf[:])
	return rec, nil
}

// LoadAll streams every live record in slot order. Used at open to build the
// initial generation table.
func (s *Store) LoadAll(fn func(rec model.StructuralRecord) error) error {
	n := s.slots.Load()
	for slot := uint64(0); slot < n; slot++ {
		id := model.ContainerID(slot + 1)
		if s.IsTombstoned(id) {
			continue
		}
		var buf [RecordSize]byte
		if _, err := s.structF.ReadAt(buf[:], recordOffset(slot)); err != nil {
			return err
		}
		rec, _ := decodeRecord(id, buf[:])
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Tombstone marks id as deleted. The slot is never reused.
func (s *Store) Tombstone(id model.ContainerID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if uint64(id) == 0 || uint64(id) > s.slots.Load() {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	var buf [RecordSize]byte
	if _, err := s.structF.ReadAt(buf[:], recordOffset(uint64(id)-1)); err != nil {
		return err
	}
	flags := binary.LittleEndian.Uint32(buf[28:32]) | recFlagTombstone
	binary.LittleEndian.PutUint32(buf[28:32], flags)
	if _, err := s.structF.WriteAt(buf[:], recordOffset(uint64(id)-1)); err != nil {
		return err
	}

	s.tombMu.Lock()
	s.tombstones.Add(uint64(id))
	s.tombMu.Unlock()
	return nil
}

// IsTombstoned reports whether id has been deleted.
func (s *Store) IsTombstoned(id model.ContainerID) bool {
	s.tombMu.RLock()
	defer s.tombMu.RUnlock()
	return s.tombstones.Contains(uint64(id))
}

// LiveIDs returns a bitmap of all non-tombstoned allocated ids.
func (s *Store) LiveIDs() *roaring64.Bitmap {
	out := roaring64.New()
	out.AddRange(1, s.slots.Load()+1)
	s.tombMu.RLock()
	out.AndNot(s.tombstones)
	s.tombMu.RUnlock()
	return out
}

// AppendChildren appends a new children segment with the given capacity and
// returns its offset. capacity slots are reserved; unwritten tail slots are
// zero-filled.
func (s *Store) AppendChildren(ids []model.ContainerID, capacity uint32) (uint64, error) {
	if int(capacity) < len(ids) {
		return 0, fmt.Errorf("binstore: capacity %d below child count %d", capacity, len(ids))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	off := s.childEnd.Load()
	buf := make([]byte, int(capacity)*8)
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(id))
	}
	if _, err := s.childF.WriteAt(buf, off); err != nil {
		return 0, err
	}
	s.childEnd.Store(off + int64(len(buf)))
	return uint64(off), nil
}

// WriteChildAt writes a single child id into an existing segment slot.
// Only the writer appends past the live count, so pinned readers (whose
// count predates the write) never observe the slot.
func (s *Store) WriteChildAt(segOffset uint64, index uint32, id model.ContainerID) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	_, err := s.childF.WriteAt(buf[:], int64(segOffset)+int64(index)*8)
	return err
}

// ReadChildren reads count child ids from the segment at offset, preferring
// the zero-copy mapping and falling back to pread for bytes the mapping
// does not cover yet.
func (s *Store) ReadChildren(offset uint64, count uint32) ([]model.ContainerID, error) {
	if count == 0 {
		return nil, nil
	}
	n := int(count) * 8
	out := make([]model.ContainerID, count)

	if m := s.childMap.Load(); m != nil && int(offset)+n <= m.Len() {
		data := m.Bytes()[offset : int(offset)+n]
		for i := range out {
			out[i] = model.ContainerID(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return out, nil
	}

	buf := make([]byte, n)
	if _, err := s.childF.ReadAt(buf, int64(offset)); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("binstore: %w: children segment at %d", ErrCorruptRecord, offset)
		}
		return nil, err
	}
	for i := range out {
		out[i] = model.ContainerID(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out, nil
}

// remapChildren refreshes the read mapping. The superseded mapping is kept
// until Close: readers may still hold views into it, and mappings grow
// geometrically so the retained set stays small.
func (s *Store) remapChildren() error {
	m, err := mapReadOnly(s.childF)
	if err != nil {
		return err
	}
	s.mapMu.Lock()
	if old := s.childMap.Swap(m); old != nil {
		s.oldMaps = append(s.oldMaps, old)
	}
	s.mapMu.Unlock()
	return nil
}

// MaybeRemap remaps children.dat when the file has outgrown the current
// mapping by more than half.
func (s *Store) MaybeRemap() error {
	m := s.childMap.Load()
	if m != nil && s.childEnd.Load() <= int64(m.Len())*2 && m.Len() > 0 {
		return nil
	}
	return s.remapChildren()
}

// GrowCapacity returns the doubled capacity for a segment that must hold at
// least need children.
func GrowCapacity(current uint32, need int) uint32 {
	capacity := current
	if capacity < minChildrenCapacity {
		capacity = minChildrenCapacity
	}
	for int(capacity) < need {
		capacity *= 2
	}
	return capacity
}

// RetireSegment records a superseded children segment for later compaction.
func (s *Store) RetireSegment(offset uint64, capacity uint32, retiredAt model.Generation) {
	s.garbageMu.Lock()
	s.garbage = append(s.garbage, RetiredSegment{Offset: offset, Capacity: capacity, RetiredAt: retiredAt})
	s.garbageMu.Unlock()
}

// GarbageBytes returns the total size of retired segments awaiting
// compaction.
func (s *Store) GarbageBytes() int64 {
	s.garbageMu.Lock()
	defer s.garbageMu.Unlock()
	var total int64
	for _, g := range s.garbage {
		total += int64(g.Capacity) * 8
	}
	return total
}

// Compact rewrites children.dat keeping only the segments referenced by
// records, dropping retired garbage. The caller must guarantee that no
// generation older than the current one is still pinned; offsets change.
//
// records are the live structural records; the returned slice carries the
// rewritten children offsets (capacities shrink to the smallest doubling
// step that fits the live count).
func (s *Store) Compact(records []model.StructuralRecord) ([]model.StructuralRecord, CompactStats, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var stats CompactStats
	before := s.childEnd.Load()

	path := filepath.Join(s.dir, childrenFileName)
	tmpPath := path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, stats, err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	var hdr [FileHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], ChildrenMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], FormatVersion)
	if _, err := tmp.WriteAt(hdr[:], 0); err != nil {
		return nil, stats, err
	}

	out := make([]model.StructuralRecord, len(records))
	off := int64(FileHeaderSize)
	for i, rec := range records {
		out[i] = rec
		if rec.ChildCount == 0 {
			out[i].ChildrenOffset = 0
			out[i].ChildrenCapacity = 0
			continue
		}
		children, err := s.readChildrenLocked(rec.ChildrenOffset, rec.ChildCount)
		if err != nil {
			return nil, stats, err
		}
		capacity := GrowCapacity(0, len(children))
		buf := make([]byte, int(capacity)*8)
		for j, c := range children {
			binary.LittleEndian.PutUint64(buf[j*8:], uint64(c))
		}
		if _, err := tmp.WriteAt(buf, off); err != nil {
			return nil, stats, err
		}
		out[i].ChildrenOffset = uint64(off)
		out[i].ChildrenCapacity = capacity
		off += int64(len(buf))
		stats.SegmentsCopied++
	}

	if err := tmp.Sync(); err != nil {
		return nil, stats, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, stats, err
	}

	oldF := s.childF
	newF, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, stats, err
	}
	s.childF = newF
	s.childEnd.Store(off)
	_ = oldF.Close()

	// Rewrite structural records with the new offsets.
	for _, rec := range out {
		var flags uint32
		if s.IsTombstoned(rec.ID) {
			flags |= recFlagTombstone
		}
		buf := encodeRecord(rec, flags)
		if _, err := s.structF.WriteAt(buf[:], recordOffset(uint64(rec.ID)-1)); err != nil {
			return nil, stats, err
		}
	}
	if err := s.structF.Sync(); err != nil {
		return nil, stats, err
	}

	s.garbageMu.Lock()
	stats.GarbageSegments = len(s.garbage)
	s.garbage = s.garbage[:0]
	s.garbageMu.Unlock()

	if err := s.remapChildren(); err != nil {
		return nil, stats, err
	}

	stats.BytesReclaimed = before - off
	s.logger.Info("children compaction completed",
		"segments", stats.SegmentsCopied,
		"reclaimed_bytes", stats.BytesReclaimed,
	)
	return out, stats, nil
}

// readChildrenLocked is ReadChildren without the mapping fast path; used
// during compaction while the mapping may lag the file.
func (s *Store) readChildrenLocked(offset uint64, count uint32) ([]model.ContainerID, error) {
	if count == 0 {
		return nil, nil
	}
	buf := make([]byte, int(count)*8)
	if _, err := s.childF.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	out := make([]model.ContainerID, count)
	for i := range out {
		out[i] = model.ContainerID(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out, nil
}
