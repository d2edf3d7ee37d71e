package fabricgo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/fabricgo/binstore"
	"github.com/hupe1980/fabricgo/generation"
	"github.com/hupe1980/fabricgo/model"
	"github.com/hupe1980/fabricgo/traverse"
)

// Container is the read-side assembly of one container: structural state,
// children, and attributes as of a single generation.
type Container struct {
	ID         model.ContainerID
	Parent     model.ContainerID
	Version    uint32
	Generation model.Generation
	Children   []model.ContainerID
	Attributes *model.AttributeRecord
}

// view adapts a pinned generation to the traversal and integrity read
// surfaces. All lookups resolve through the immutable generation table, so
// in-place structural rewrites by the writer are never observed.
type view struct {
	v *generation.View
	s *Store
}

func (g *view) Structural(id model.ContainerID) (model.StructuralRecord, bool) {
	e, ok := g.v.Lookup(id)
	if !ok {
		return model.StructuralRecord{}, false
	}
	return e.Structural, true
}

func (g *view) Children(id model.ContainerID) ([]model.ContainerID, error) {
	e, ok := g.v.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", binstore.ErrNotFound, id)
	}
	if e.Structural.ChildCount == 0 {
		return nil, nil
	}
	return g.s.binStore.ReadChildren(e.Structural.ChildrenOffset, e.Structural.ChildCount)
}

func (g *view) Attributes(id model.ContainerID) (*model.AttributeRecord, error) {
	e, ok := g.v.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", binstore.ErrNotFound, id)
	}
	st, err := g.s.attrStore.Get(e.AttrOffset)
	if err != nil {
		return nil, err
	}
	return st.Record, nil
}

func (g *view) LiveIDs() *roaring64.Bitmap {
	out := roaring64.New()
	g.v.Range(func(id model.ContainerID, _ generation.Entry) bool {
		out.Add(uint64(id))
		return true
	})
	return out
}

// pin pins the current generation and wraps it as a read view. The caller
// must call release when done.
func (s *Store) pin() (*view, func(), error) {
	if s.closed.Load() {
		return nil, nil, ErrClosed
	}
	v, err := s.generations.Pin()
	if err != nil {
		return nil, nil, translateError(err)
	}
	return &view{v: v, s: s}, v.Release, nil
}

// GetContainer reads one container as of the current generation.
func (s *Store) GetContainer(ctx context.Context, id model.ContainerID) (*Container, error) {
	g, release, err := s.pin()
	if err != nil {
		return nil, err
	}
	defer release()

	rec, ok := g.Structural(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	children, err := g.Children(id)
	if err != nil {
		return nil, translateError(err)
	}
	attrs, err := g.Attributes(id)
	if err != nil {
		return nil, translateError(err)
	}
	return &Container{
		ID:         id,
		Parent:     rec.ParentID,
		Version:    rec.Version,
		Generation: g.v.Number(),
		Children:   children,
		Attributes: attrs,
	}, nil
}

// GetVersionHistory returns a container's retained version records in
// ascending version order. limit bounds the result from the newest end
// (0 = all retained versions).
func (s *Store) GetVersionHistory(ctx context.Context, id model.ContainerID, limit int) ([]model.VersionRecord, error) {
	g, release, err := s.pin()
	if err != nil {
		return nil, err
	}
	defer release()

	e, ok := g.v.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	history, err := s.attrStore.History(e.AttrOffset, limit)
	if err != nil {
		return nil, translateError(err)
	}
	return history, nil
}

// Traverse runs a budgeted traversal against a pinned snapshot. Concurrent
// commits never affect an in-flight traversal.
func (s *Store) Traverse(ctx context.Context, req traverse.Request) (res *traverse.Result, err error) {
	start := time.Now()
	defer func() {
		visited := 0
		if res != nil {
			visited = res.Stats.ContainersVisited
		}
		s.opts.metricsCollector.RecordTraverse(visited, time.Since(start), err)
		s.opts.logger.LogTraverse(ctx, uint64(req.Start), visited, resultCount(res), err)
	}()

	g, release, err := s.pin()
	if err != nil {
		return nil, err
	}
	defer release()

	res, err = s.engine.Traverse(ctx, g, req)
	if err != nil {
		if errors.Is(err, traverse.ErrStartNotFound) {
			return nil, fmt.Errorf("%w: start %d", ErrNotFound, req.Start)
		}
		return nil, translateError(err)
	}
	return res, nil
}

func resultCount(res *traverse.Result) int {
	if res == nil {
		return 0
	}
	return len(res.Containers)
}
