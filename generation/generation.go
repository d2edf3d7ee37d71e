package generation

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/fabricgo/model"
)

// ErrClosed is returned when pinning after the manager shut down.
var ErrClosed = errors.New("generation manager closed")

// Entry is the per-container state captured by a generation: the structural
// record plus the offset of the attribute record current at publish time.
type Entry struct {
	Structural model.StructuralRecord
	AttrOffset uint64
}

// View is one committed generation. Readers pin a view for the duration of
// an operation; every lookup during that operation resolves through the
// pinned table, so a reader never observes a write in progress or a later
// commit mid-traversal.
type View struct {
	number model.Generation
	table  map[model.ContainerID]Entry

	// refs counts pinners plus one reference held by the manager while the
	// view is current. A view at zero is retired; the CAS to math.MinInt64
	// elects the single reclaimer.
	refs atomic.Int64
	mgr  *Manager
}

// Number returns the generation counter of this view.
func (v *View) Number() model.Generation { return v.number }

// Len returns the number of live containers in this view.
func (v *View) Len() int { return len(v.table) }

// Lookup resolves a container in this generation.
func (v *View) Lookup(id model.ContainerID) (Entry, bool) {
	e, ok := v.table[id]
	return e, ok
}

// Range calls fn for every live container in the view until fn returns
// false. Iteration order is unspecified.
func (v *View) Range(fn func(id model.ContainerID, e Entry) bool) {
	for id, e := range v.table {
		if !fn(id, e) {
			return
		}
	}
}

// Release unpins the view. Once the last pin of a superseded view drops,
// its retirement callbacks run and its resources are reclaimed.
func (v *View) Release() {
	if v == nil {
		return
	}
	v.mgr.unpin(v)
}

// Manager publishes generations and hands out pinned views.
//
// Exactly one writer transaction may be open at a time; Begin blocks until
// the previous transaction commits or aborts. Readers never block: Pin is a
// load-increment retry loop with no locks.
type Manager struct {
	current atomic.Pointer[View]
	writeMu sync.Mutex
	logger  *slog.Logger
	closed  atomic.Bool

	retiredMu sync.Mutex
	retired   map[model.Generation][]func()
	pinned    map[model.Generation]*View
}

// NewManager creates a manager whose first generation holds the given
// table (typically loaded from the binary store at open).
func NewManager(initial map[model.ContainerID]Entry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if initial == nil {
		initial = make(map[model.ContainerID]Entry)
	}
	m := &Manager{
		logger:  logger,
		retired: make(map[model.Generation][]func()),
		pinned:  make(map[model.Generation]*View),
	}
	v := &View{number: 1, table: initial, mgr: m}
	v.refs.Store(1) // manager's reference
	m.pinned[v.number] = v
	m.current.Store(v)
	return m
}

// Current returns the current generation number without pinning.
func (m *Manager) Current() model.Generation {
	return m.current.Load().number
}

// Pin captures the current generation for a read operation. The caller must
// Release it when done.
func (m *Manager) Pin() (*View, error) {
	for {
		if m.closed.Load() {
			return nil, ErrClosed
		}
		v := m.current.Load()
		if v.refs.Add(1) > 1 {
			return v, nil
		}
		// The view was concurrently retired to zero; back out and retry
		// against the new current pointer. The increment may have made the
		// releaser lose the retirement CAS, which leaves this pinner as the
		// last reference holder: unpin runs the election again.
		m.unpin(v)
	}
}

// unpin drops one reference and, at zero, elects the single reclaimer via
// the CAS to math.MinInt64. Shared by Release and Pin's back-out path so
// that whichever of the two observes zero runs the retirement callbacks.
func (m *Manager) unpin(v *View) {
	if v.refs.Add(-1) == 0 && v.refs.CompareAndSwap(0, math.MinInt64) {
		m.reclaim(v)
	}
}

// Readers returns the number of reader pins on the current generation. The
// manager's own reference is excluded.
func (m *Manager) Readers() int64 {
	n := m.current.Load().refs.Load() - 1
	if n < 0 {
		return 0
	}
	return n
}

// MinPinned returns the smallest generation number still pinned (including
// the current one). Segments retired at or after this number must not be
// reclaimed.
func (m *Manager) MinPinned() model.Generation {
	m.retiredMu.Lock()
	defer m.retiredMu.Unlock()
	minGen := m.current.Load().number
	for gen, v := range m.pinned {
		if v.refs.Load() > 0 && gen < minGen {
			minGen = gen
		}
	}
	return minGen
}

// OnReclaim registers fn to run once every reader of generation gen (and
// the generation itself) has been released.
func (m *Manager) OnReclaim(gen model.Generation, fn func()) {
	m.retiredMu.Lock()
	if _, stillPinned := m.pinned[gen]; !stillPinned {
		m.retiredMu.Unlock()
		fn()
		return
	}
	m.retired[gen] = append(m.retired[gen], fn)
	m.retiredMu.Unlock()
}

func (m *Manager) reclaim(v *View) {
	m.retiredMu.Lock()
	fns := m.retired[v.number]
	delete(m.retired, v.number)
	delete(m.pinned, v.number)
	m.retiredMu.Unlock()

	for _, fn := range fns {
		fn()
	}
	if len(fns) > 0 {
		m.logger.Debug("generation reclaimed", "generation", uint64(v.number), "callbacks", len(fns))
	}
}

// Close drops the manager's reference to the current generation. Pending
// reader pins stay valid until released.
func (m *Manager) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.current.Load().Release()
}

// Txn is a staged mutation set against a base generation. Lookups see the
// overlay first, then the base; nothing is visible to readers until Commit.
type Txn struct {
	m       *Manager
	base    *View
	overlay map[model.ContainerID]Entry
	deletes map[model.ContainerID]struct{}
	done    bool
}

// Begin opens the single writer transaction.
func (m *Manager) Begin() *Txn {
	m.writeMu.Lock()
	return &Txn{
		m:       m,
		base:    m.current.Load(),
		overlay: make(map[model.ContainerID]Entry),
		deletes: make(map[model.ContainerID]struct{}),
	}
}

// Base returns the generation this transaction was staged against.
func (t *Txn) Base() model.Generation { return t.base.number }

// Next returns the generation number Commit will publish.
func (t *Txn) Next() model.Generation { return t.base.number + 1 }

// Lookup resolves a container through the overlay, then the base view.
func (t *Txn) Lookup(id model.ContainerID) (Entry, bool) {
	if _, deleted := t.deletes[id]; deleted {
		return Entry{}, false
	}
	if e, ok := t.overlay[id]; ok {
		return e, true
	}
	return t.base.Lookup(id)
}

// Range visits every live entry as the transaction sees it: staged entries
// win over the base, staged deletes hide it. Iteration order is unspecified.
func (t *Txn) Range(fn func(id model.ContainerID, e Entry) bool) {
	for id, e := range t.overlay {
		if !fn(id, e) {
			return
		}
	}
	cont := true
	t.base.Range(func(id model.ContainerID, e Entry) bool {
		if _, deleted := t.deletes[id]; deleted {
			return true
		}
		if _, staged := t.overlay[id]; staged {
			return true
		}
		cont = fn(id, e)
		return cont
	})
}

// Stage records a new or updated entry.
func (t *Txn) Stage(id model.ContainerID, e Entry) {
	delete(t.deletes, id)
	t.overlay[id] = e
}

// Delete stages the removal of a container.
func (t *Txn) Delete(id model.ContainerID) {
	delete(t.overlay, id)
	t.deletes[id] = struct{}{}
}

// Commit builds the next generation table, publishes it with a single
// pointer swap, and releases the writer mutex.
func (t *Txn) Commit() *View {
	if t.done {
		panic("generation: commit on finished txn")
	}
	t.done = true

	table := make(map[model.ContainerID]Entry, len(t.base.table)+len(t.overlay))
	for id, e := range t.base.table {
		if _, deleted := t.deletes[id]; deleted {
			continue
		}
		table[id] = e
	}
	for id, e := range t.overlay {
		table[id] = e
	}

	next := &View{number: t.base.number + 1, table: table, mgr: t.m}
	next.refs.Store(1)

	t.m.retiredMu.Lock()
	t.m.pinned[next.number] = next
	t.m.retiredMu.Unlock()

	old := t.m.current.Swap(next)
	t.m.writeMu.Unlock()

	// Drop the manager's reference to the superseded view; reclamation
	// happens once the last pinned reader releases it.
	old.Release()
	return next
}

// Abort discards the staged mutations and releases the writer mutex.
func (t *Txn) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.m.writeMu.Unlock()
}
