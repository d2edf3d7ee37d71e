package fabricgo

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/fabricgo/attrstore"
	"github.com/hupe1980/fabricgo/binstore"
	"github.com/hupe1980/fabricgo/commitlog"
	"github.com/hupe1980/fabricgo/generation"
	"github.com/hupe1980/fabricgo/model"
)

// CreateRequest describes a new container.
type CreateRequest struct {
	// Parent is the structural parent, or 0 for a root container.
	Parent   model.ContainerID
	Type     model.ContainerType
	Modality string
	Context  model.Context
	Hints    model.TraversalHints
}

// CreateContainer allocates an id, persists the container, and links it under
// its parent. The new container and the parent's bumped version become
// visible atomically in the next generation. Relations whose targets do not
// exist are stored flagged as dangling.
func (s *Store) CreateContainer(ctx context.Context, req CreateRequest) (id model.ContainerID, err error) {
	start := time.Now()
	defer func() {
		s.opts.metricsCollector.RecordCreate(time.Since(start), err)
		s.opts.logger.LogCreate(ctx, uint64(id), uint64(req.Parent), err)
	}()

	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	txn := s.generations.Begin()
	defer txn.Abort()

	var parentEntry generation.Entry
	if req.Parent != model.RootParentID {
		var ok bool
		parentEntry, ok = txn.Lookup(req.Parent)
		if !ok {
			return 0, fmt.Errorf("%w: parent %d", ErrNotFound, req.Parent)
		}
	}

	id, err = s.binStore.AllocateID()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			s.binStore.ReleaseID(id)
			id = 0
		}
	}()
	now := time.Now().UTC()

	rec := &model.AttributeRecord{
		Type:      req.Type,
		Modality:  req.Modality,
		CreatedAt: now,
		UpdatedAt: now,
		Context:   req.Context,
		Hints:     req.Hints,
	}
	s.flagDanglingRelations(txn, rec)

	attrOffset, err := s.attrStore.Put(&attrstore.Stored{
		ID:        id,
		Version:   1,
		Change:    model.ChangeCreated,
		Timestamp: now,
		Record:    rec,
	})
	if err != nil {
		return 0, err
	}

	structural := model.StructuralRecord{ID: id, ParentID: req.Parent, Version: 1}
	if _, err = s.log.Append(commitlog.Entry{
		Type:       commitlog.OpCreate,
		ID:         id,
		ParentID:   req.Parent,
		Version:    1,
		AttrOffset: attrOffset,
	}); err != nil {
		return 0, err
	}
	if err = s.binStore.AppendRecord(structural); err != nil {
		return 0, err
	}
	txn.Stage(id, generation.Entry{Structural: structural, AttrOffset: attrOffset})

	if req.Parent != model.RootParentID {
		if err = s.linkChild(txn, parentEntry, id, now); err != nil {
			return 0, err
		}
	}

	txn.Commit()

	if remapErr := s.binStore.MaybeRemap(); remapErr != nil {
		s.opts.logger.Warn("children remap failed", "error", remapErr)
	}
	return id, nil
}

// linkChild appends id to the parent's child list, bumps the parent version,
// and records a children_changed entry in the parent's history. Appends past
// the live count are invisible to pinned readers; a full segment is
// reallocated with doubled capacity.
func (s *Store) linkChild(txn *generation.Txn, parent generation.Entry, id model.ContainerID, now time.Time) error {
	ps := parent.Structural

	if ps.ChildCount < ps.ChildrenCapacity {
		if err := s.binStore.WriteChildAt(ps.ChildrenOffset, ps.ChildCount, id); err != nil {
			return err
		}
	} else {
		existing, err := s.binStore.ReadChildren(ps.ChildrenOffset, ps.ChildCount)
		if err != nil {
			return err
		}
		capacity := binstore.GrowCapacity(ps.ChildrenCapacity, int(ps.ChildCount)+1)
		off, err := s.binStore.AppendChildren(append(existing, id), capacity)
		if err != nil {
			return err
		}
		if ps.ChildrenCapacity > 0 {
			s.binStore.RetireSegment(ps.ChildrenOffset, ps.ChildrenCapacity, txn.Next())
		}
		ps.ChildrenOffset = off
		ps.ChildrenCapacity = capacity
	}
	ps.ChildCount++
	ps.Version++

	parentAttr, err := s.attrStore.Get(parent.AttrOffset)
	if err != nil {
		return err
	}
	newOffset, err := s.attrStore.Put(&attrstore.Stored{
		ID:        ps.ID,
		Version:   ps.Version,
		Change:    model.ChangeChildrenChanged,
		Prev:      parent.AttrOffset,
		Timestamp: now,
		Record:    parentAttr.Record,
	})
	if err != nil {
		return err
	}

	children, err := s.binStore.ReadChildren(ps.ChildrenOffset, ps.ChildCount)
	if err != nil {
		return err
	}
	if _, err := s.log.Append(commitlog.Entry{
		Type:       commitlog.OpUpdate,
		ID:         ps.ID,
		ParentID:   ps.ParentID,
		Version:    ps.Version,
		AttrOffset: newOffset,
		Children:   children,
	}); err != nil {
		return err
	}
	if err := s.binStore.WriteRecord(ps); err != nil {
		return err
	}
	txn.Stage(ps.ID, generation.Entry{Structural: ps, AttrOffset: newOffset})
	return s.archiveTail(newOffset)
}

// flagDanglingRelations marks relations whose targets do not resolve in the
// transaction's view. They are stored flagged, never dropped.
func (s *Store) flagDanglingRelations(txn *generation.Txn, rec *model.AttributeRecord) {
	for i := range rec.Context.Relations {
		rel := &rec.Context.Relations[i]
		if rel.Dangling {
			continue
		}
		if _, ok := txn.Lookup(rel.Target); !ok {
			rel.Dangling = true
		}
	}
}

// archiveTail pushes the version that fell out of the retention window to
// the archive sink, when one is configured.
func (s *Store) archiveTail(offset uint64) error {
	if s.opts.archive == nil {
		return nil
	}
	_, err := s.attrStore.Archive(context.Background(), s.opts.archive, offset, s.opts.retainVersions)
	return err
}

// UpdateRequest describes an attribute mutation. Nil fields are left
// unchanged.
type UpdateRequest struct {
	ID       model.ContainerID
	Modality *string
	Context  *model.Context
	Hints    *model.TraversalHints

	// ExpectedVersion, when non-zero, makes the update conditional: the
	// write fails with ErrConflict if the container has moved past it.
	ExpectedVersion uint32
}

// UpdateContainer writes a new version of the container's attributes and
// returns the new version number.
func (s *Store) UpdateContainer(ctx context.Context, req UpdateRequest) (version uint32, err error) {
	start := time.Now()
	defer func() {
		s.opts.metricsCollector.RecordUpdate(time.Since(start), err)
		s.opts.logger.LogUpdate(ctx, uint64(req.ID), version, err)
	}()

	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	txn := s.generations.Begin()
	defer txn.Abort()

	entry, ok := txn.Lookup(req.ID)
	if !ok {
		return 0, fmt.Errorf("%w: id %d", ErrNotFound, req.ID)
	}
	if req.ExpectedVersion != 0 && entry.Structural.Version != req.ExpectedVersion {
		return 0, fmt.Errorf("%w: container %d is at version %d, expected %d",
			ErrConflict, req.ID, entry.Structural.Version, req.ExpectedVersion)
	}

	cur, err := s.attrStore.Get(entry.AttrOffset)
	if err != nil {
		return 0, err
	}
	rec := cur.Record.Clone()
	if req.Modality != nil {
		rec.Modality = *req.Modality
	}
	if req.Context != nil {
		rec.Context = *req.Context
	}
	if req.Hints != nil {
		rec.Hints = *req.Hints
	}
	now := time.Now().UTC()
	rec.UpdatedAt = now
	s.flagDanglingRelations(txn, rec)

	structural := entry.Structural
	structural.Version++

	newOffset, err := s.attrStore.Put(&attrstore.Stored{
		ID:        req.ID,
		Version:   structural.Version,
		Change:    model.ChangeAttributesUpdated,
		Prev:      entry.AttrOffset,
		Timestamp: now,
		Record:    rec,
	})
	if err != nil {
		return 0, err
	}

	if _, err = s.log.Append(commitlog.Entry{
		Type:       commitlog.OpUpdate,
		ID:         req.ID,
		ParentID:   structural.ParentID,
		Version:    structural.Version,
		AttrOffset: newOffset,
	}); err != nil {
		return 0, err
	}
	if err = s.binStore.WriteRecord(structural); err != nil {
		return 0, err
	}
	txn.Stage(req.ID, generation.Entry{Structural: structural, AttrOffset: newOffset})
	if err = s.archiveTail(newOffset); err != nil {
		return 0, err
	}

	txn.Commit()
	return structural.Version, nil
}

// DeleteContainer tombstones a container. Deleting a container with live
// children fails; inbound relations are left in place and flagged as
// dangling by integrity verification, never silently removed.
func (s *Store) DeleteContainer(ctx context.Context, id model.ContainerID) (err error) {
	start := time.Now()
	defer func() {
		s.opts.metricsCollector.RecordDelete(time.Since(start), err)
		s.opts.logger.LogDelete(ctx, uint64(id), err)
	}()

	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	txn := s.generations.Begin()
	defer txn.Abort()

	entry, ok := txn.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if entry.Structural.ChildCount > 0 {
		return &ErrHasChildren{ID: id, ChildCount: entry.Structural.ChildCount, cause: ErrConflict}
	}

	if _, err = s.log.Append(commitlog.Entry{
		Type:    commitlog.OpDelete,
		ID:      id,
		Version: entry.Structural.Version,
	}); err != nil {
		return err
	}
	if err = s.binStore.Tombstone(id); err != nil {
		return err
	}
	txn.Delete(id)

	// The parent's child list keeps the tombstoned id on disk until
	// compaction; the staged parent entry drops it from the visible count.
	if entry.Structural.ParentID != model.RootParentID {
		if err = s.unlinkChild(txn, entry.Structural.ParentID, id); err != nil {
			return err
		}
	}

	txn.Commit()
	return nil
}

// unlinkChild rewrites the parent's child list without id and bumps the
// parent version.
func (s *Store) unlinkChild(txn *generation.Txn, parentID, id model.ContainerID) error {
	parent, ok := txn.Lookup(parentID)
	if !ok {
		return nil // parent vanished, the integrity scanner will flag it
	}
	ps := parent.Structural

	children, err := s.binStore.ReadChildren(ps.ChildrenOffset, ps.ChildCount)
	if err != nil {
		return err
	}
	kept := children[:0]
	for _, child := range children {
		if child != id {
			kept = append(kept, child)
		}
	}

	capacity := binstore.GrowCapacity(0, len(kept))
	off, err := s.binStore.AppendChildren(kept, capacity)
	if err != nil {
		return err
	}
	if ps.ChildrenCapacity > 0 {
		s.binStore.RetireSegment(ps.ChildrenOffset, ps.ChildrenCapacity, txn.Next())
	}
	ps.ChildrenOffset = off
	ps.ChildrenCapacity = capacity
	ps.ChildCount = uint32(len(kept))
	ps.Version++

	now := time.Now().UTC()
	parentAttr, err := s.attrStore.Get(parent.AttrOffset)
	if err != nil {
		return err
	}
	newOffset, err := s.attrStore.Put(&attrstore.Stored{
		ID:        ps.ID,
		Version:   ps.Version,
		Change:    model.ChangeChildrenChanged,
		Prev:      parent.AttrOffset,
		Timestamp: now,
		Record:    parentAttr.Record,
	})
	if err != nil {
		return err
	}

	if _, err := s.log.Append(commitlog.Entry{
		Type:       commitlog.OpUpdate,
		ID:         ps.ID,
		ParentID:   ps.ParentID,
		Version:    ps.Version,
		AttrOffset: newOffset,
		Children:   kept,
	}); err != nil {
		return err
	}
	if err := s.binStore.WriteRecord(ps); err != nil {
		return err
	}
	txn.Stage(ps.ID, generation.Entry{Structural: ps, AttrOffset: newOffset})
	return s.archiveTail(newOffset)
}
