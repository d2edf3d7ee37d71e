package fabricgo

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/fabricgo/attrstore"
	"github.com/hupe1980/fabricgo/blobstore"
	"github.com/hupe1980/fabricgo/integrity"
	"github.com/hupe1980/fabricgo/model"
	"github.com/hupe1980/fabricgo/traverse"
)

func openTestStore(t *testing.T, optFns ...Option) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetContainer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeRoot})
	require.NoError(t, err)
	require.Equal(t, model.ContainerID(1), root)

	doc, err := s.CreateContainer(ctx, CreateRequest{
		Parent:   root,
		Type:     model.TypeTextDocument,
		Modality: "text",
		Context:  model.Context{Keywords: []string{"storage", "graph"}},
	})
	require.NoError(t, err)

	got, err := s.GetContainer(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, root, got.Parent)
	require.Equal(t, uint32(1), got.Version)
	require.Equal(t, model.TypeTextDocument, got.Attributes.Type)
	require.Equal(t, []string{"storage", "graph"}, got.Attributes.Context.Keywords)

	// The parent's child list and version reflect the link.
	parent, err := s.GetContainer(ctx, root)
	require.NoError(t, err)
	require.Equal(t, []model.ContainerID{doc}, parent.Children)
	require.Equal(t, uint32(2), parent.Version)
}

func TestGetUnknownContainer(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetContainer(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestChildCountMatchesChildren(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeRoot})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := s.CreateContainer(ctx, CreateRequest{Parent: root, Type: model.TypeTask})
		require.NoError(t, err)
	}

	got, err := s.GetContainer(ctx, root)
	require.NoError(t, err)
	require.Len(t, got.Children, 10)
	for i, child := range got.Children {
		require.Equal(t, model.ContainerID(i+2), child)
	}
}

func TestUpdateContainerVersionPrecondition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeProject})
	require.NoError(t, err)

	v, err := s.UpdateContainer(ctx, UpdateRequest{
		ID:      id,
		Context: &model.Context{Topics: []string{"infra"}},
	})
	require.NoError(t, err)
	require.Equal(t, uint32(2), v)

	_, err = s.UpdateContainer(ctx, UpdateRequest{
		ID:              id,
		Context:         &model.Context{Topics: []string{"stale"}},
		ExpectedVersion: 1,
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestDeleteContainerWithChildrenFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeRoot})
	require.NoError(t, err)
	child, err := s.CreateContainer(ctx, CreateRequest{Parent: root, Type: model.TypeTask})
	require.NoError(t, err)

	err = s.DeleteContainer(ctx, root)
	var hasChildren *ErrHasChildren
	require.ErrorAs(t, err, &hasChildren)
	require.Equal(t, uint32(1), hasChildren.ChildCount)

	// Deleting the leaf first unblocks the parent.
	require.NoError(t, s.DeleteContainer(ctx, child))
	require.NoError(t, s.DeleteContainer(ctx, root))

	_, err = s.GetContainer(ctx, child)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeletedIDsAreNeverReused(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeProject})
	require.NoError(t, err)
	require.NoError(t, s.DeleteContainer(ctx, id))

	next, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeProject})
	require.NoError(t, err)
	require.Greater(t, next, id)
}

func TestVersionHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeBlueprint})
	require.NoError(t, err)
	_, err = s.UpdateContainer(ctx, UpdateRequest{ID: id, Context: &model.Context{Keywords: []string{"a"}}})
	require.NoError(t, err)
	_, err = s.UpdateContainer(ctx, UpdateRequest{ID: id, Context: &model.Context{Keywords: []string{"b"}}})
	require.NoError(t, err)

	history, err := s.GetVersionHistory(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, model.ChangeCreated, history[0].Change)
	require.Equal(t, model.ChangeAttributesUpdated, history[1].Change)
	require.Equal(t, uint32(3), history[2].Version)
}

func TestRollbackRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateContainer(ctx, CreateRequest{
		Type:    model.TypeTextDocument,
		Context: model.Context{Keywords: []string{"original"}},
	})
	require.NoError(t, err)
	_, err = s.UpdateContainer(ctx, UpdateRequest{ID: id, Context: &model.Context{Keywords: []string{"second"}}})
	require.NoError(t, err)
	_, err = s.UpdateContainer(ctx, UpdateRequest{ID: id, Context: &model.Context{Keywords: []string{"third"}}})
	require.NoError(t, err)

	history, err := s.GetVersionHistory(ctx, id, 0)
	require.NoError(t, err)
	v1Hash := history[0].ContentHash

	res, err := s.Rollback(ctx, integrity.RollbackRequest{Target: id, ToVersion: 1})
	require.NoError(t, err)
	require.Equal(t, uint32(4), res.NewVersion)

	got, err := s.GetContainer(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint32(4), got.Version)
	require.Equal(t, []string{"original"}, got.Attributes.Context.Keywords)
	require.Equal(t, v1Hash, got.Attributes.ContentHash)

	history, err = s.GetVersionHistory(ctx, id, 0)
	require.NoError(t, err)
	require.Equal(t, model.ChangeRolledBack, history[len(history)-1].Change)
}

func TestRollbackDryRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeTask})
	require.NoError(t, err)
	_, err = s.UpdateContainer(ctx, UpdateRequest{ID: id, Hints: &model.TraversalHints{Hotness: 0.5}})
	require.NoError(t, err)

	res, err := s.Rollback(ctx, integrity.RollbackRequest{Target: id, ToVersion: 1, DryRun: true})
	require.NoError(t, err)
	require.Zero(t, res.NewVersion)
	require.Equal(t, integrity.RiskLow, res.Analysis.Risk)

	// Nothing changed.
	got, err := s.GetContainer(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint32(2), got.Version)
}

func TestRollbackVersionConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeTask})
	require.NoError(t, err)
	_, err = s.UpdateContainer(ctx, UpdateRequest{ID: id, Hints: &model.TraversalHints{Hotness: 1}})
	require.NoError(t, err)

	_, err = s.Rollback(ctx, integrity.RollbackRequest{
		Target: id, ToVersion: 1, ExpectedVersion: 1,
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestReopenRecoversState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	root, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeRoot})
	require.NoError(t, err)
	doc, err := s.CreateContainer(ctx, CreateRequest{
		Parent:  root,
		Type:    model.TypeTextDocument,
		Context: model.Context{Keywords: []string{"durable"}},
	})
	require.NoError(t, err)
	_, err = s.UpdateContainer(ctx, UpdateRequest{ID: doc, Context: &model.Context{Keywords: []string{"durable", "v2"}}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetContainer(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, uint32(2), got.Version)
	require.Equal(t, []string{"durable", "v2"}, got.Attributes.Context.Keywords)

	parent, err := s.GetContainer(ctx, root)
	require.NoError(t, err)
	require.Equal(t, []model.ContainerID{doc}, parent.Children)

	history, err := s.GetVersionHistory(ctx, doc, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestReopenAfterTornAttributeTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	root, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeRoot})
	require.NoError(t, err)
	doc, err := s.CreateContainer(ctx, CreateRequest{Parent: root, Type: model.TypeTextDocument})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// A crash mid-append leaves a partial attribute frame at the tail.
	f, err := os.OpenFile(filepath.Join(dir, "attributes.dat"), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	torn := make([]byte, 19)
	binary.LittleEndian.PutUint32(torn[0:4], 100)
	_, err = f.Write(torn)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetContainer(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, root, got.Parent)
	require.Equal(t, uint32(1), got.Version)
}

func TestCreateFailureDoesNotLeakIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeRoot})
	require.NoError(t, err)

	// The attribute write fails after the id was allocated.
	_, err = s.CreateContainer(ctx, CreateRequest{
		Parent:  root,
		Type:    model.TypeTextDocument,
		Context: model.Context{Keywords: []string{strings.Repeat("k", 1<<17)}},
	})
	require.ErrorIs(t, err, attrstore.ErrFieldTooLarge)

	// The failed allocation was handed back: the next create gets the
	// contiguous id instead of tripping the append check.
	id, err := s.CreateContainer(ctx, CreateRequest{Parent: root, Type: model.TypeTextDocument})
	require.NoError(t, err)
	require.Equal(t, model.ContainerID(2), id)
}

func TestCompactRefusesWhilePinned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeRoot})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.CreateContainer(ctx, CreateRequest{Parent: root, Type: model.TypeTextDocument})
		require.NoError(t, err)
	}

	// A reader on the current generation blocks compaction.
	_, release, err := s.pin()
	require.NoError(t, err)
	require.ErrorIs(t, s.Compact(ctx), ErrPinned)
	release()

	// So does a reader pinned to a superseded generation.
	_, release, err = s.pin()
	require.NoError(t, err)
	_, err = s.CreateContainer(ctx, CreateRequest{Parent: root, Type: model.TypeTextDocument})
	require.NoError(t, err)
	require.ErrorIs(t, s.Compact(ctx), ErrPinned)
	release()

	require.NoError(t, s.Compact(ctx))
}

func TestOperationsAfterClose(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.CreateContainer(context.Background(), CreateRequest{Type: model.TypeRoot})
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.GetContainer(context.Background(), 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestTraverseStructuralScenario(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeRoot})
	require.NoError(t, err)
	c1, err := s.CreateContainer(ctx, CreateRequest{Parent: root, Type: model.TypeTask})
	require.NoError(t, err)
	c2, err := s.CreateContainer(ctx, CreateRequest{Parent: root, Type: model.TypeTask})
	require.NoError(t, err)

	res, err := s.Traverse(ctx, traverse.Request{
		Start:    root,
		Mode:     traverse.ModeStructural,
		MaxDepth: 1,
		Budget:   traverse.Budget{MaxContainers: -1},
	})
	require.NoError(t, err)
	require.Equal(t, []model.ContainerID{c1, c2}, res.Containers)
	require.Equal(t, []float32{1.0, 1.0}, res.Distances)
}

func TestTraverseZeroBudget(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeRoot})
	require.NoError(t, err)

	res, err := s.Traverse(ctx, traverse.Request{
		Start: root,
		Mode:  traverse.ModeStructural,
	})
	require.NoError(t, err)
	require.Empty(t, res.Containers)
	require.Zero(t, res.Stats.ContainersVisited)
}

func TestTraverseRelationEdges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rootA, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeRoot})
	require.NoError(t, err)
	rootB, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeRoot})
	require.NoError(t, err)
	other, err := s.CreateContainer(ctx, CreateRequest{Parent: rootB, Type: model.TypeTask})
	require.NoError(t, err)

	// A relation crosses the two subtrees.
	doc, err := s.CreateContainer(ctx, CreateRequest{
		Parent: rootA,
		Type:   model.TypeTextDocument,
		Context: model.Context{
			Relations: []model.Relation{{Target: other, Type: model.RelationReferences}},
		},
	})
	require.NoError(t, err)

	res, err := s.Traverse(ctx, traverse.Request{
		Start:  rootA,
		Mode:   traverse.ModeStructural,
		Budget: traverse.Budget{MaxContainers: -1},
	})
	require.NoError(t, err)
	require.Contains(t, res.Containers, doc)
	require.Contains(t, res.Containers, other)
}

func TestVerifyIntegrityHealthy(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeRoot})
	require.NoError(t, err)
	_, err = s.CreateContainer(ctx, CreateRequest{Parent: root, Type: model.TypeTask})
	require.NoError(t, err)

	res, err := s.VerifyIntegrity(ctx, root)
	require.NoError(t, err)
	require.True(t, res.Healthy())
}

func TestVerifyFlagsRelationAfterTargetDeleted(t *testing.T) {
	s := openTestStore(t, WithAutoRepair(true))
	ctx := context.Background()

	target, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeProject})
	require.NoError(t, err)
	holder, err := s.CreateContainer(ctx, CreateRequest{
		Type: model.TypeTask,
		Context: model.Context{
			Relations: []model.Relation{{Target: target, Type: model.RelationDependsOn}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.DeleteContainer(ctx, target))

	res, err := s.VerifyIntegrity(ctx, holder)
	require.NoError(t, err)
	require.False(t, res.Healthy())
	require.Equal(t, 1, res.Repaired)

	// The relation is flagged, not removed, and the repair is versioned.
	got, err := s.GetContainer(ctx, holder)
	require.NoError(t, err)
	require.Len(t, got.Attributes.Context.Relations, 1)
	require.True(t, got.Attributes.Context.Relations[0].Dangling)
	require.Equal(t, uint32(2), got.Version)

	// A second verification finds nothing left to repair.
	res, err = s.VerifyIntegrity(ctx, holder)
	require.NoError(t, err)
	require.True(t, res.Healthy())
}

func TestScanIntegrity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeRoot})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.CreateContainer(ctx, CreateRequest{Parent: root, Type: model.TypeTask})
		require.NoError(t, err)
	}

	report, err := s.ScanIntegrity(ctx)
	require.NoError(t, err)
	require.Equal(t, 6, report.Scanned)
	require.Empty(t, report.Unhealthy)
}

func TestArchiveBeyondRetention(t *testing.T) {
	archive := blobstore.NewMemory()
	s := openTestStore(t, WithArchive(archive), WithRetainVersions(2))
	ctx := context.Background()

	id, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeTextDocument})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := s.UpdateContainer(ctx, UpdateRequest{
			ID:    id,
			Hints: &model.TraversalHints{AccessCount: uint64(i + 1)},
		})
		require.NoError(t, err)
	}

	// Versions 1..3 fell out of the 2-deep retention window.
	require.Equal(t, 3, archive.Len())
}

func TestCompactPreservesState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeRoot})
	require.NoError(t, err)
	var last model.ContainerID
	for i := 0; i < 6; i++ {
		last, err = s.CreateContainer(ctx, CreateRequest{Parent: root, Type: model.TypeTask})
		require.NoError(t, err)
	}
	require.NoError(t, s.DeleteContainer(ctx, last))

	require.NoError(t, s.Compact(ctx))

	got, err := s.GetContainer(ctx, root)
	require.NoError(t, err)
	require.Len(t, got.Children, 5)

	// The store stays fully usable after compaction.
	_, err = s.CreateContainer(ctx, CreateRequest{Parent: root, Type: model.TypeTask})
	require.NoError(t, err)
}

func TestMetricsCollection(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	s := openTestStore(t, WithMetricsCollector(metrics))
	ctx := context.Background()

	root, err := s.CreateContainer(ctx, CreateRequest{Type: model.TypeRoot})
	require.NoError(t, err)
	_, err = s.Traverse(ctx, traverse.Request{
		Start:  root,
		Mode:   traverse.ModeStructural,
		Budget: traverse.Budget{MaxContainers: -1},
	})
	require.NoError(t, err)

	stats := metrics.GetStats()
	require.Equal(t, int64(1), stats.CreateCount)
	require.Equal(t, int64(1), stats.TraverseCount)
}
