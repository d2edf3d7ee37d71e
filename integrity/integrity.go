package integrity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/fabricgo/attrstore"
	"github.com/hupe1980/fabricgo/model"
)

// ErrUnknownContainer is returned when a check targets an id that does not
// exist in the source view.
var ErrUnknownContainer = errors.New("integrity: unknown container")

// Source is the read surface the checker verifies. It is a pinned view plus
// the live-id set, so a full scan never races a writer.
type Source interface {
	LiveIDs() *roaring64.Bitmap
	Structural(id model.ContainerID) (model.StructuralRecord, bool)
	Children(id model.ContainerID) ([]model.ContainerID, error)
	Attributes(id model.ContainerID) (*model.AttributeRecord, error)
}

// Repairer applies the repairs the checker is allowed to make on its own:
// recomputable structural fields and dangling-relation flags. Each repair is
// recorded as a new version of the container, never an in-place mutation of
// history.
type Repairer interface {
	// SetChildCount corrects a drifted child count.
	SetChildCount(ctx context.Context, id model.ContainerID, count uint32) error

	// MarkRelationsDangling flags the relations of id pointing at the given
	// targets. Flagged relations stay in place for the owner to resolve.
	MarkRelationsDangling(ctx context.Context, id model.ContainerID, targets []model.ContainerID) error
}

// CheckType identifies one of the verification checks.
type CheckType uint8

const (
	CheckContentHash CheckType = iota
	CheckOrphanedReference
	CheckDanglingRelation
	CheckReconstruction
)

var checkNames = map[CheckType]string{
	CheckContentHash:       "content_hash",
	CheckOrphanedReference: "orphaned_reference",
	CheckDanglingRelation:  "dangling_relation",
	CheckReconstruction:    "reconstruction",
}

func (c CheckType) String() string {
	if s, ok := checkNames[c]; ok {
		return s
	}
	return fmt.Sprintf("check(%d)", uint8(c))
}

// Severity grades an issue.
type Severity uint8

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityWarning:  "warning",
	SeverityError:    "error",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("severity(%d)", uint8(s))
}

// Issue is one finding of a verification check.
type Issue struct {
	Check          CheckType
	Severity       Severity
	AutoRepairable bool
	Detail         string
}

// CheckResult collects the findings for one container.
type CheckResult struct {
	ID       model.ContainerID
	Issues   []Issue
	Repaired int
}

// Healthy reports whether verification found nothing.
func (r *CheckResult) Healthy() bool { return len(r.Issues) == 0 }

// Checker runs verification checks against a source view.
type Checker struct {
	src        Source
	repairer   Repairer
	autoRepair bool
	logger     *slog.Logger
}

// Option configures a checker.
type Option func(*Checker)

// WithRepairer enables auto-repair of recomputable issues through r.
func WithRepairer(r Repairer) Option {
	return func(c *Checker) {
		c.repairer = r
		c.autoRepair = true
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

// NewChecker creates a checker over src.
func NewChecker(src Source, optFns ...Option) *Checker {
	c := &Checker{
		src:    src,
		logger: slog.Default(),
	}
	for _, fn := range optFns {
		fn(c)
	}
	return c
}

// Verify runs all checks against one container. Recomputable issues are
// repaired in place when a repairer is configured; everything else is logged
// and reported. Running Verify twice without intervening writes yields the
// same result, minus whatever the first run repaired.
func (c *Checker) Verify(ctx context.Context, id model.ContainerID) (*CheckResult, error) {
	structural, ok := c.src.Structural(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownContainer, id)
	}
	attrs, err := c.src.Attributes(id)
	if err != nil {
		return nil, err
	}

	res := &CheckResult{ID: id}
	c.checkContentHash(res, attrs)
	c.checkReconstruction(res, attrs)
	danglingTargets := c.checkRelations(res, attrs)
	childDrift, drifted, err := c.checkStructure(res, structural)
	if err != nil {
		return nil, err
	}

	if c.autoRepair && c.repairer != nil {
		if drifted {
			if err := c.repairer.SetChildCount(ctx, id, childDrift); err != nil {
				return nil, fmt.Errorf("repair child count: %w", err)
			}
			res.Repaired++
		}
		if len(danglingTargets) > 0 {
			if err := c.repairer.MarkRelationsDangling(ctx, id, danglingTargets); err != nil {
				return nil, fmt.Errorf("repair dangling relations: %w", err)
			}
			res.Repaired++
		}
	}

	for _, issue := range res.Issues {
		c.logger.Warn("integrity issue",
			"id", uint64(id),
			"check", issue.Check.String(),
			"severity", issue.Severity.String(),
			"auto_repairable", issue.AutoRepairable,
			"detail", issue.Detail,
		)
	}
	return res, nil
}

func (c *Checker) checkContentHash(res *CheckResult, attrs *model.AttributeRecord) {
	if attrs == nil {
		return
	}
	want := attrstore.ContentHash(attrs)
	if !bytes.Equal(want[:], attrs.ContentHash[:]) {
		res.Issues = append(res.Issues, Issue{
			Check:    CheckContentHash,
			Severity: SeverityCritical,
			Detail:   "stored content hash does not match recomputed hash",
		})
	}
}

func (c *Checker) checkReconstruction(res *CheckResult, attrs *model.AttributeRecord) {
	if attrs == nil {
		return
	}
	back, err := attrstore.Reconstruct(attrs)
	if err != nil {
		res.Issues = append(res.Issues, Issue{
			Check:    CheckReconstruction,
			Severity: SeverityCritical,
			Detail:   fmt.Sprintf("codec round trip failed: %v", err),
		})
		return
	}
	got := attrstore.ContentHash(back)
	want := attrstore.ContentHash(attrs)
	if !bytes.Equal(got[:], want[:]) {
		res.Issues = append(res.Issues, Issue{
			Check:    CheckReconstruction,
			Severity: SeverityCritical,
			Detail:   "codec round trip altered the record",
		})
	}
}

// checkRelations flags relations whose targets no longer resolve. It returns
// the unflagged dangling targets so the repairer can mark them.
func (c *Checker) checkRelations(res *CheckResult, attrs *model.AttributeRecord) []model.ContainerID {
	if attrs == nil {
		return nil
	}
	var targets []model.ContainerID
	for _, rel := range attrs.Context.Relations {
		if rel.Dangling {
			continue
		}
		if _, ok := c.src.Structural(rel.Target); !ok {
			res.Issues = append(res.Issues, Issue{
				Check:          CheckDanglingRelation,
				Severity:       SeverityWarning,
				AutoRepairable: true,
				Detail:         fmt.Sprintf("relation %s targets missing container %d", rel.Type, rel.Target),
			})
			targets = append(targets, rel.Target)
		}
	}
	return targets
}

// checkStructure verifies the parent link and the child list. It returns the
// true child count when the stored count has drifted.
func (c *Checker) checkStructure(res *CheckResult, structural model.StructuralRecord) (uint32, bool, error) {
	if structural.ParentID != model.RootParentID {
		if _, ok := c.src.Structural(structural.ParentID); !ok {
			res.Issues = append(res.Issues, Issue{
				Check:    CheckOrphanedReference,
				Severity: SeverityError,
				Detail:   fmt.Sprintf("parent %d does not exist", structural.ParentID),
			})
		}
	}

	children, err := c.src.Children(structural.ID)
	if err != nil {
		return 0, false, err
	}
	live := 0
	for _, child := range children {
		rec, ok := c.src.Structural(child)
		if !ok {
			res.Issues = append(res.Issues, Issue{
				Check:    CheckOrphanedReference,
				Severity: SeverityError,
				Detail:   fmt.Sprintf("child %d does not exist", child),
			})
			continue
		}
		live++
		if rec.ParentID != structural.ID {
			res.Issues = append(res.Issues, Issue{
				Check:    CheckOrphanedReference,
				Severity: SeverityError,
				Detail:   fmt.Sprintf("child %d points at parent %d", child, rec.ParentID),
			})
		}
	}

	if uint32(live) != structural.ChildCount {
		res.Issues = append(res.Issues, Issue{
			Check:          CheckOrphanedReference,
			Severity:       SeverityWarning,
			AutoRepairable: true,
			Detail:         fmt.Sprintf("child count %d drifted from actual %d", structural.ChildCount, live),
		})
		return uint32(live), true, nil
	}
	return 0, false, nil
}
