package fabricgo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/fabricgo/attrstore"
	"github.com/hupe1980/fabricgo/binstore"
	"github.com/hupe1980/fabricgo/commitlog"
	"github.com/hupe1980/fabricgo/generation"
	"github.com/hupe1980/fabricgo/model"
	"github.com/hupe1980/fabricgo/traverse"
)

// Store is the knowledge-container fabric: a graph of typed containers with
// binary persistence, snapshot-isolated reads, and budgeted traversal.
//
// Writes are serialized through a single writer lock and become visible
// atomically as a new generation. Reads pin a generation and never block
// writers.
type Store struct {
	dir  string
	opts options

	binStore    *binstore.Store
	attrStore   *attrstore.Store
	log         *commitlog.Log
	generations *generation.Manager
	engine      *traverse.Engine

	writeMu sync.Mutex
	closed  atomic.Bool
}

// Open opens (or creates) a fabric store under dir. Any mutations the commit
// log holds beyond the durable structural state are reapplied before the
// first generation is published.
func Open(dir string, optFns ...Option) (*Store, error) {
	opts := applyOptions(optFns)

	binStore, err := binstore.Open(dir, binstore.WithLogger(opts.logger.Logger))
	if err != nil {
		return nil, err
	}
	attrStore, err := attrstore.Open(dir, attrstore.WithLogger(opts.logger.Logger))
	if err != nil {
		_ = binStore.Close()
		return nil, err
	}
	log, err := commitlog.New(dir, opts.commitlogOptions...)
	if err != nil {
		_ = attrStore.Close()
		_ = binStore.Close()
		return nil, err
	}

	s := &Store{
		dir:       dir,
		opts:      opts,
		binStore:  binStore,
		attrStore: attrStore,
		log:       log,
		engine: traverse.New(append(
			[]traverse.Option{traverse.WithLogger(opts.logger.Logger)},
			opts.traverseOptions...)...),
	}

	attrOffsets, err := s.recover()
	if err != nil {
		_ = log.Close()
		_ = attrStore.Close()
		_ = binStore.Close()
		return nil, err
	}

	table := make(map[model.ContainerID]generation.Entry)
	if err := binStore.LoadAll(func(rec model.StructuralRecord) error {
		table[rec.ID] = generation.Entry{
			Structural: rec,
			AttrOffset: attrOffsets[rec.ID],
		}
		return nil
	}); err != nil {
		_ = log.Close()
		_ = attrStore.Close()
		_ = binStore.Close()
		return nil, err
	}
	s.generations = generation.NewManager(table, opts.logger.Logger)

	return s, nil
}

// recover reconciles the structural files with the commit log and returns
// the newest attribute offset per container. A crash can lose the in-place
// header rewrite that follows a log append; replay reapplies it. Entries
// whose effects are already durable are skipped, so recovery is idempotent.
//
// The attribute append precedes the log append, but without an fsync in
// between a log entry can outlive its attribute frame on disk. Entries whose
// attribute offset lies past the last durable frame are skipped: the
// mutation never became visible, so there is nothing to reapply.
func (s *Store) recover() (map[model.ContainerID]uint64, error) {
	attrOffsets := make(map[model.ContainerID]uint64)
	var durableAttrEnd uint64
	if err := s.attrStore.Scan(func(offset uint64, st *attrstore.Stored) error {
		attrOffsets[st.ID] = offset
		durableAttrEnd = offset
		return nil
	}); err != nil {
		return nil, fmt.Errorf("attribute scan: %w", err)
	}

	replayed, reapplied := 0, 0
	err := s.log.Replay(func(e commitlog.Entry) error {
		replayed++
		if e.AttrOffset != 0 && e.AttrOffset > durableAttrEnd {
			return nil // attribute frame lost to a torn tail
		}
		switch e.Type {
		case commitlog.OpCreate:
			if uint64(e.ID) <= s.binStore.Count() {
				return nil
			}
			if _, err := s.binStore.AllocateID(); err != nil {
				return err
			}
			reapplied++
			return s.binStore.AppendRecord(model.StructuralRecord{
				ID:       e.ID,
				ParentID: e.ParentID,
				Version:  e.Version,
			})

		case commitlog.OpUpdate, commitlog.OpRollback:
			rec, err := s.binStore.ReadRecord(e.ID)
			if err != nil {
				return nil // deleted or never durable, nothing to reapply
			}
			if rec.Version >= e.Version {
				return nil
			}
			if e.Children != nil {
				capacity := binstore.GrowCapacity(0, len(e.Children))
				off, err := s.binStore.AppendChildren(e.Children, capacity)
				if err != nil {
					return err
				}
				rec.ChildrenOffset = off
				rec.ChildCount = uint32(len(e.Children))
				rec.ChildrenCapacity = capacity
			}
			rec.Version = e.Version
			reapplied++
			return s.binStore.WriteRecord(rec)

		case commitlog.OpDelete:
			if s.binStore.IsTombstoned(e.ID) {
				return nil
			}
			if uint64(e.ID) > s.binStore.Count() {
				return nil
			}
			reapplied++
			return s.binStore.Tombstone(e.ID)

		case commitlog.OpCheckpoint:
			return nil
		}
		return nil
	})
	s.opts.logger.LogRecovery(context.Background(), replayed, reapplied, err)
	if err != nil {
		return nil, err
	}
	if reapplied > 0 {
		if err := s.binStore.Sync(); err != nil {
			return nil, err
		}
	}
	return attrOffsets, nil
}

// Close drains pinned readers' reclaim callbacks and releases all files.
// Operations after Close return ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.generations.Close()
	errLog := s.log.Close()
	errAttr := s.attrStore.Close()
	errBin := s.binStore.Close()
	if errLog != nil {
		return errLog
	}
	if errAttr != nil {
		return errAttr
	}
	return errBin
}

// Generation returns the current committed generation number.
func (s *Store) Generation() model.Generation {
	return s.generations.Current()
}

// GarbageBytes reports the reclaimable bytes across the structural, children,
// and attribute files.
func (s *Store) GarbageBytes() int64 {
	return s.binStore.GarbageBytes() + s.attrStore.GarbageBytes()
}

// Compact rewrites the children file without retired segments, updates the
// structural records to the new offsets, and truncates the commit log behind
// a checkpoint entry. Children offsets change, so Compact refuses to run
// while any reader still pins a generation and returns ErrPinned; callers
// retry once in-flight reads and traversals have drained.
func (s *Store) Compact(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if min := s.generations.MinPinned(); min < s.generations.Current() {
		return fmt.Errorf("%w: generation %d, current %d", ErrPinned, min, s.generations.Current())
	}
	if n := s.generations.Readers(); n > 0 {
		return fmt.Errorf("%w: %d readers on generation %d", ErrPinned, n, s.generations.Current())
	}

	txn := s.generations.Begin()

	var records []model.StructuralRecord
	offsets := make(map[model.ContainerID]uint64)
	txn.Range(func(id model.ContainerID, e generation.Entry) bool {
		records = append(records, e.Structural)
		offsets[id] = e.AttrOffset
		return true
	})

	updated, stats, err := s.binStore.Compact(records)
	if err != nil {
		txn.Abort()
		s.opts.logger.LogCompact(ctx, 0, err)
		return err
	}
	for _, rec := range updated {
		txn.Stage(rec.ID, generation.Entry{
			Structural: rec,
			AttrOffset: offsets[rec.ID],
		})
	}

	if _, err := s.log.Append(commitlog.Entry{Type: commitlog.OpCheckpoint}); err != nil {
		txn.Abort()
		return err
	}
	if err := s.log.Truncate(); err != nil {
		txn.Abort()
		return err
	}

	txn.Commit()
	s.opts.logger.LogCompact(ctx, stats.BytesReclaimed, nil)
	return nil
}
