package attrstore

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/fabricgo/blobstore"
	"github.com/hupe1980/fabricgo/model"
)

func testRecord() *model.AttributeRecord {
	return &model.AttributeRecord{
		Type:      model.TypeTextDocument,
		Modality:  "text",
		CreatedAt: time.Unix(1000, 0).UTC(),
		UpdatedAt: time.Unix(1000, 0).UTC(),
		Context: model.Context{
			Keywords: []string{"graph", "storage"},
			Topics:   []string{"persistence"},
			Relations: []model.Relation{
				{Target: 7, Type: model.RelationRelatedTo, Confidence: 0.8},
			},
			Embedding: []float32{0.1, 0.2, 0.3},
		},
		Hints: model.TraversalHints{AccessCount: 3, Hotness: 0.5},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	rec := testRecord()
	off, err := s.Put(&Stored{ID: 1, Version: 1, Change: model.ChangeCreated, Record: rec})
	require.NoError(t, err)

	got, err := s.Get(off)
	require.NoError(t, err)
	assert.Equal(t, model.ContainerID(1), got.ID)
	assert.Equal(t, uint32(1), got.Version)
	assert.Equal(t, model.ChangeCreated, got.Change)
	assert.Equal(t, rec.Context.Keywords, got.Record.Context.Keywords)
	assert.Equal(t, rec.Context.Embedding, got.Record.Context.Embedding)
	assert.Equal(t, rec.ContentHash, got.Record.ContentHash)
	assert.NotEqual(t, [32]byte{}, got.Record.ContentHash)
}

func TestContentHashCanonical(t *testing.T) {
	a := testRecord()
	b := testRecord()
	// Same sets in different order hash identically.
	b.Context.Keywords = []string{"storage", "graph"}
	require.Equal(t, ContentHash(a), ContentHash(b))

	b.Context.Keywords = append(b.Context.Keywords, "extra")
	require.NotEqual(t, ContentHash(a), ContentHash(b))
}

func TestFingerprintIgnoresHints(t *testing.T) {
	a := testRecord()
	b := testRecord()
	b.Hints.AccessCount = 999
	b.UpdatedAt = b.UpdatedAt.Add(time.Hour)
	require.Equal(t, Fingerprint(a), Fingerprint(b))
	require.NotEqual(t, ContentHash(a), ContentHash(b))
}

func TestHistoryChain(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	var prev uint64
	var last uint64
	for v := uint32(1); v <= 4; v++ {
		rec := testRecord()
		rec.Hints.AccessCount = uint64(v)
		change := model.ChangeAttributesUpdated
		if v == 1 {
			change = model.ChangeCreated
		}
		off, err := s.Put(&Stored{ID: 9, Version: v, Change: change, Prev: prev, Record: rec})
		require.NoError(t, err)
		prev = off
		last = off
	}

	history, err := s.History(last, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i, vr := range history {
		assert.Equal(t, uint32(i+1), vr.Version)
	}
	assert.Equal(t, model.ChangeCreated, history[0].Change)

	// Limited walk returns only the newest entries.
	history, err = s.History(last, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint32(3), history[0].Version)
	assert.Equal(t, uint32(4), history[1].Version)
}

func TestFindVersion(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	var prev uint64
	for v := uint32(1); v <= 3; v++ {
		rec := testRecord()
		rec.Hints.AccessCount = uint64(v * 10)
		off, err := s.Put(&Stored{ID: 2, Version: v, Change: model.ChangeAttributesUpdated, Prev: prev, Record: rec})
		require.NoError(t, err)
		prev = off
	}

	st, err := s.FindVersion(prev, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), st.Version)
	assert.Equal(t, uint64(20), st.Record.Hints.AccessCount)

	_, err = s.FindVersion(prev, 9)
	require.ErrorIs(t, err, ErrVersionGone)
}

func TestCompressionRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	rec := testRecord()
	// Big compressible keyword set pushes the payload over the threshold.
	for i := 0; i < 200; i++ {
		rec.Context.Keywords = append(rec.Context.Keywords, strings.Repeat("kw", 10))
	}
	off, err := s.Put(&Stored{ID: 3, Version: 1, Change: model.ChangeCreated, Record: rec})
	require.NoError(t, err)

	got, err := s.Get(off)
	require.NoError(t, err)
	require.Len(t, got.Record.Context.Keywords, 202)
}

func TestArchiveBeyondRetention(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	sink := blobstore.NewMemory()
	ctx := context.Background()

	var prev uint64
	for v := uint32(1); v <= 5; v++ {
		rec := testRecord()
		off, err := s.Put(&Stored{ID: 4, Version: v, Change: model.ChangeAttributesUpdated, Prev: prev, Record: rec})
		require.NoError(t, err)
		prev = off

		// Mirror the facade: archive after every put past the limit.
		_, err = s.Archive(ctx, sink, prev, 3)
		require.NoError(t, err)
	}

	// Versions 1 and 2 fell out of the retention window of 3.
	names, err := sink.List(ctx, "containers/4/")
	require.NoError(t, err)
	require.Equal(t, []string{"containers/4/v000001", "containers/4/v000002"}, names)
	require.Positive(t, s.GarbageBytes())
}

func TestScanStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	var offsets []uint64
	for v := uint32(1); v <= 2; v++ {
		off, err := s.Put(&Stored{ID: 1, Version: v, Change: model.ChangeAttributesUpdated, Record: testRecord()})
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	require.NoError(t, s.Close())

	// Simulate a crash mid-append: a frame header claiming 100 payload
	// bytes followed by only a fragment of them.
	f, err := os.OpenFile(filepath.Join(dir, attributesFileName), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	torn := make([]byte, frameHeaderSize+10)
	binary.LittleEndian.PutUint32(torn[0:4], 100)
	_, err = f.Write(torn)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	var seen []uint64
	require.NoError(t, s.Scan(func(off uint64, st *Stored) error {
		seen = append(seen, off)
		return nil
	}))
	require.Equal(t, offsets, seen)

	// The torn bytes were discarded; the next append lands cleanly.
	off, err := s.Put(&Stored{ID: 1, Version: 3, Change: model.ChangeAttributesUpdated, Record: testRecord()})
	require.NoError(t, err)
	got, err := s.Get(off)
	require.NoError(t, err)
	require.Equal(t, uint32(3), got.Version)
}

func TestPutRejectsOversizedField(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	rec := testRecord()
	rec.Context.Keywords = append(rec.Context.Keywords, strings.Repeat("k", maxStringLen+1))
	_, err = s.Put(&Stored{ID: 1, Version: 1, Change: model.ChangeCreated, Record: rec})
	require.ErrorIs(t, err, ErrFieldTooLarge)

	rec = testRecord()
	rec.Modality = strings.Repeat("m", maxStringLen+1)
	_, err = s.Put(&Stored{ID: 1, Version: 1, Change: model.ChangeCreated, Record: rec})
	require.ErrorIs(t, err, ErrFieldTooLarge)
}

func TestGetDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	off, err := s.Put(&Stored{ID: 1, Version: 1, Change: model.ChangeCreated, Record: testRecord()})
	require.NoError(t, err)

	// Flip a byte inside the payload.
	_, err = s.f.WriteAt([]byte{0xff}, int64(off)+frameHeaderSize+20)
	require.NoError(t, err)

	_, err = s.Get(off)
	require.ErrorIs(t, err, ErrChecksum)
}
