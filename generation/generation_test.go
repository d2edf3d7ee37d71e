package generation

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/fabricgo/model"
)

func entry(id model.ContainerID, version uint32) Entry {
	return Entry{Structural: model.StructuralRecord{ID: id, Version: version}}
}

func TestPinSeesCommittedStateOnly(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	txn := m.Begin()
	txn.Stage(1, entry(1, 1))
	txn.Commit()

	v, err := m.Pin()
	require.NoError(t, err)
	defer v.Release()

	_, ok := v.Lookup(1)
	require.True(t, ok)
	require.Equal(t, model.Generation(2), v.Number())
}

func TestReaderPinnedAcrossCommit(t *testing.T) {
	m := NewManager(map[model.ContainerID]Entry{1: entry(1, 1)}, nil)
	defer m.Close()

	v, err := m.Pin()
	require.NoError(t, err)

	// Writer deletes container 1 and publishes.
	txn := m.Begin()
	txn.Delete(1)
	txn.Commit()

	// The pinned view still resolves the old state.
	_, ok := v.Lookup(1)
	require.True(t, ok)

	// A fresh pin sees the deletion.
	v2, err := m.Pin()
	require.NoError(t, err)
	_, ok = v2.Lookup(1)
	require.False(t, ok)

	v.Release()
	v2.Release()
}

func TestTxnOverlayLookup(t *testing.T) {
	m := NewManager(map[model.ContainerID]Entry{1: entry(1, 1)}, nil)
	defer m.Close()

	txn := m.Begin()
	txn.Stage(2, entry(2, 1))
	txn.Delete(1)

	_, ok := txn.Lookup(1)
	require.False(t, ok)
	_, ok = txn.Lookup(2)
	require.True(t, ok)

	txn.Abort()

	// Abort leaves the published state untouched.
	v, err := m.Pin()
	require.NoError(t, err)
	defer v.Release()
	_, ok = v.Lookup(1)
	require.True(t, ok)
	_, ok = v.Lookup(2)
	require.False(t, ok)
}

func TestReclaimRunsAfterLastRelease(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	v, err := m.Pin()
	require.NoError(t, err)
	gen := v.Number()

	reclaimed := false
	m.OnReclaim(gen, func() { reclaimed = true })

	// Supersede the pinned generation.
	txn := m.Begin()
	txn.Stage(1, entry(1, 1))
	txn.Commit()

	require.False(t, reclaimed, "reclaim must wait for the pinned reader")
	v.Release()
	require.True(t, reclaimed)
}

func TestPinBackoutElectsReclaimer(t *testing.T) {
	m := NewManager(nil, nil)
	v := m.current.Load()

	reclaimed := false
	m.OnReclaim(v.Number(), func() { reclaimed = true })

	// Interleaving: the last releaser decrements to zero, a pinner
	// increments before the releaser's retirement CAS runs, so the CAS
	// fails and the pinner backs out holding the only reference.
	require.Equal(t, int64(0), v.refs.Add(-1))
	require.Equal(t, int64(1), v.refs.Add(1))
	require.False(t, v.refs.CompareAndSwap(0, math.MinInt64))

	// The back-out must win the election and run the callbacks, or they
	// would never fire.
	m.unpin(v)
	require.True(t, reclaimed)
}

func TestReadersCountsCurrentPins(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	require.Equal(t, int64(0), m.Readers())
	v, err := m.Pin()
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Readers())
	v.Release()
	require.Equal(t, int64(0), m.Readers())
}

func TestMinPinnedTracksOldestReader(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	v1, err := m.Pin()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		txn := m.Begin()
		txn.Stage(model.ContainerID(i+1), entry(model.ContainerID(i+1), 1))
		txn.Commit()
	}

	require.Equal(t, v1.Number(), m.MinPinned())
	v1.Release()
	require.Equal(t, m.Current(), m.MinPinned())
}

func TestConcurrentPinRelease(t *testing.T) {
	m := NewManager(map[model.ContainerID]Entry{1: entry(1, 1)}, nil)
	defer m.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				v, err := m.Pin()
				if err != nil {
					return
				}
				_, _ = v.Lookup(1)
				v.Release()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			txn := m.Begin()
			txn.Stage(1, entry(1, uint32(i+2)))
			txn.Commit()
		}
	}()
	wg.Wait()

	require.Equal(t, model.Generation(201), m.Current())
}
