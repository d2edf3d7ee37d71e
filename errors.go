package fabricgo

import (
	"errors"
	"fmt"

	"github.com/hupe1980/fabricgo/attrstore"
	"github.com/hupe1980/fabricgo/binstore"
	"github.com/hupe1980/fabricgo/generation"
	"github.com/hupe1980/fabricgo/integrity"
	"github.com/hupe1980/fabricgo/model"
)

var (
	// ErrNotFound is returned when a container or version does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write precondition fails, e.g. the
	// container moved past the expected version.
	ErrConflict = errors.New("version conflict")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrPinned is returned by Compact while readers still pin a
	// generation: rewriting the children file would invalidate the
	// offsets those readers hold.
	ErrPinned = errors.New("readers pin an in-flight generation")

	// ErrExternalService is returned when a required external service call
	// failed and no fallback could answer the request.
	ErrExternalService = errors.New("external service unavailable")
)

// ErrHasChildren indicates a delete of a container that still has live
// children.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrHasChildren struct {
	ID         model.ContainerID
	ChildCount uint32
	cause      error
}

func (e *ErrHasChildren) Error() string {
	return fmt.Sprintf("container %d has %d live children", e.ID, e.ChildCount)
}

func (e *ErrHasChildren) Unwrap() error { return e.cause }

// ErrIntegrityViolation indicates verification found unrepairable issues.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrIntegrityViolation struct {
	ID     model.ContainerID
	Issues []integrity.Issue
	cause  error
}

func (e *ErrIntegrityViolation) Error() string {
	return fmt.Sprintf("container %d failed %d integrity checks", e.ID, len(e.Issues))
}

func (e *ErrIntegrityViolation) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, binstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, attrstore.ErrVersionGone) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, integrity.ErrUnknownContainer) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	if errors.Is(err, generation.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return err
}
