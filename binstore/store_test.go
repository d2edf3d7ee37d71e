package binstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/fabricgo/model"
)

func TestAllocateIDMonotonic(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	prev := model.ContainerID(0)
	for i := 0; i < 100; i++ {
		id, err := s.AllocateID()
		require.NoError(t, err)
		require.Greater(t, uint64(id), uint64(prev))
		prev = id
	}
}

func TestReleaseIDAfterFailedAppend(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	id, err := s.AllocateID()
	require.NoError(t, err)
	require.NoError(t, s.AppendRecord(model.StructuralRecord{ID: id, Version: 1}))

	// An allocation whose record never got appended hands the id back, so
	// the next create can retry with it.
	id2, err := s.AllocateID()
	require.NoError(t, err)
	s.ReleaseID(id2)
	id3, err := s.AllocateID()
	require.NoError(t, err)
	require.Equal(t, id2, id3)
	require.NoError(t, s.AppendRecord(model.StructuralRecord{ID: id3, Version: 1}))

	// Once the record exists the release is a no-op.
	s.ReleaseID(id3)
	id4, err := s.AllocateID()
	require.NoError(t, err)
	require.Equal(t, id3+1, id4)
}

func TestAppendAndReadRecord(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	id, err := s.AllocateID()
	require.NoError(t, err)
	require.Equal(t, model.ContainerID(1), id)

	children := []model.ContainerID{2, 3, 4}
	off, err := s.AppendChildren(children, GrowCapacity(0, len(children)))
	require.NoError(t, err)

	rec := model.StructuralRecord{
		ID:               id,
		ParentID:         model.RootParentID,
		Version:          1,
		ChildCount:       uint32(len(children)),
		ChildrenOffset:   off,
		ChildrenCapacity: GrowCapacity(0, len(children)),
	}
	require.NoError(t, s.AppendRecord(rec))

	got, err := s.ReadRecord(id)
	require.NoError(t, err)
	require.Equal(t, rec, got)

	kids, err := s.ReadChildren(got.ChildrenOffset, got.ChildCount)
	require.NoError(t, err)
	require.Equal(t, children, kids)
}

func TestReadUnknownID(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadRecord(42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTombstoneSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		id, err := s.AllocateID()
		require.NoError(t, err)
		require.NoError(t, s.AppendRecord(model.StructuralRecord{ID: id, Version: 1}))
	}
	require.NoError(t, s.Tombstone(2))
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.IsTombstoned(2))
	_, err = s.ReadRecord(2)
	require.ErrorIs(t, err, ErrNotFound)

	// Allocation resumes past the tombstoned slot; ids are never reused.
	id, err := s.AllocateID()
	require.NoError(t, err)
	require.Equal(t, model.ContainerID(4), id)
}

func TestGrowCapacityDoubling(t *testing.T) {
	require.Equal(t, uint32(4), GrowCapacity(0, 1))
	require.Equal(t, uint32(4), GrowCapacity(0, 4))
	require.Equal(t, uint32(8), GrowCapacity(4, 5))
	require.Equal(t, uint32(16), GrowCapacity(4, 9))
}

func TestSegmentGrowthRetiresOldSegment(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	id, err := s.AllocateID()
	require.NoError(t, err)

	children := []model.ContainerID{10, 11, 12, 13}
	off, err := s.AppendChildren(children, 4)
	require.NoError(t, err)
	rec := model.StructuralRecord{ID: id, Version: 1, ChildCount: 4, ChildrenOffset: off, ChildrenCapacity: 4}
	require.NoError(t, s.AppendRecord(rec))

	// Fifth child overflows the segment: double, copy, retire.
	children = append(children, 14)
	newCap := GrowCapacity(rec.ChildrenCapacity, len(children))
	newOff, err := s.AppendChildren(children, newCap)
	require.NoError(t, err)
	s.RetireSegment(rec.ChildrenOffset, rec.ChildrenCapacity, 1)

	rec.ChildrenOffset = newOff
	rec.ChildrenCapacity = newCap
	rec.ChildCount = 5
	rec.Version = 2
	require.NoError(t, s.WriteRecord(rec))

	require.Equal(t, int64(4*8), s.GarbageBytes())

	// Old segment is still readable until compaction (pinned readers).
	old, err := s.ReadChildren(off, 4)
	require.NoError(t, err)
	require.Equal(t, []model.ContainerID{10, 11, 12, 13}, old)

	kids, err := s.ReadChildren(newOff, 5)
	require.NoError(t, err)
	require.Equal(t, children, kids)
}

func TestCompactReclaimsGarbage(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	var records []model.StructuralRecord
	for i := 0; i < 5; i++ {
		id, err := s.AllocateID()
		require.NoError(t, err)
		children := []model.ContainerID{model.ContainerID(100 + i)}
		off, err := s.AppendChildren(children, 4)
		require.NoError(t, err)
		rec := model.StructuralRecord{ID: id, Version: 1, ChildCount: 1, ChildrenOffset: off, ChildrenCapacity: 4}
		require.NoError(t, s.AppendRecord(rec))
		records = append(records, rec)
	}

	// Manufacture garbage: grow the first record's segment twice.
	rec := records[0]
	for grow := 0; grow < 2; grow++ {
		children, err := s.ReadChildren(rec.ChildrenOffset, rec.ChildCount)
		require.NoError(t, err)
		children = append(children, model.ContainerID(200+grow))
		// Force a reallocation regardless of capacity to create garbage.
		newCap := GrowCapacity(rec.ChildrenCapacity, len(children)+int(rec.ChildrenCapacity))
		off, err := s.AppendChildren(children, newCap)
		require.NoError(t, err)
		s.RetireSegment(rec.ChildrenOffset, rec.ChildrenCapacity, model.Generation(grow+1))
		rec.ChildrenOffset = off
		rec.ChildrenCapacity = newCap
		rec.ChildCount = uint32(len(children))
		rec.Version++
		require.NoError(t, s.WriteRecord(rec))
	}
	records[0] = rec
	require.Positive(t, s.GarbageBytes())

	compacted, stats, err := s.Compact(records)
	require.NoError(t, err)
	require.Equal(t, 5, stats.SegmentsCopied)
	require.Positive(t, stats.BytesReclaimed)
	require.Zero(t, s.GarbageBytes())

	for _, rec := range compacted {
		children, err := s.ReadChildren(rec.ChildrenOffset, rec.ChildCount)
		require.NoError(t, err)
		require.Len(t, children, int(rec.ChildCount))
	}

	// Content survives: first record kept its three children.
	children, err := s.ReadChildren(compacted[0].ChildrenOffset, compacted[0].ChildCount)
	require.NoError(t, err)
	require.Equal(t, []model.ContainerID{100, 200, 201}, children)
}

func TestOpenRejectsForeignFile(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Corrupt the magic.
	f, err := openRaw(dir)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(dir)
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func openRaw(dir string) (*os.File, error) {
	return os.OpenFile(filepath.Join(dir, structuralFileName), os.O_RDWR, 0o644)
}
