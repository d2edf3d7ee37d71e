package integrity

import (
	"fmt"

	"github.com/hupe1980/fabricgo/model"
)

// RollbackRequest asks for a container to be restored to an earlier version.
type RollbackRequest struct {
	Target    model.ContainerID
	ToVersion uint32

	// DryRun analyzes the impact without applying anything.
	DryRun bool

	// ExpectedVersion, when non-zero, is the version the caller last saw.
	// The apply fails with a conflict when the container has moved past it.
	ExpectedVersion uint32
}

// Risk grades the blast radius of a rollback.
type Risk uint8

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
)

var riskNames = map[Risk]string{
	RiskLow:    "low",
	RiskMedium: "medium",
	RiskHigh:   "high",
}

func (r Risk) String() string {
	if s, ok := riskNames[r]; ok {
		return s
	}
	return fmt.Sprintf("risk(%d)", uint8(r))
}

// ImpactAnalysis is what a rollback would touch. AffectedContainers are the
// live containers holding a relation to the target; their relations keep
// resolving after the rollback, but the content they point at changes.
type ImpactAnalysis struct {
	Target             model.ContainerID
	FromVersion        uint32
	ToVersion          uint32
	VersionsDiscarded  int
	AffectedContainers []model.ContainerID
	Risk               Risk
}

// AnalyzeRollback computes the impact of req against the checker's view. The
// apply itself happens at the store layer under the writer lock; this only
// answers "what would change".
func (c *Checker) AnalyzeRollback(req RollbackRequest) (*ImpactAnalysis, error) {
	structural, ok := c.src.Structural(req.Target)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownContainer, req.Target)
	}
	if req.ToVersion == 0 || req.ToVersion >= structural.Version {
		return nil, fmt.Errorf("version %d is not an earlier version of container %d (current %d)",
			req.ToVersion, req.Target, structural.Version)
	}

	analysis := &ImpactAnalysis{
		Target:            req.Target,
		FromVersion:       structural.Version,
		ToVersion:         req.ToVersion,
		VersionsDiscarded: int(structural.Version - req.ToVersion),
	}

	// Inbound relations require a scan; the live-id set keeps it bounded to
	// one pass over the snapshot.
	it := c.src.LiveIDs().Iterator()
	for it.HasNext() {
		id := model.ContainerID(it.Next())
		if id == req.Target {
			continue
		}
		attrs, err := c.src.Attributes(id)
		if err != nil {
			return nil, err
		}
		if attrs == nil {
			continue
		}
		for _, rel := range attrs.Context.Relations {
			if rel.Target == req.Target {
				analysis.AffectedContainers = append(analysis.AffectedContainers, id)
				break
			}
		}
	}

	switch {
	case len(analysis.AffectedContainers) == 0 && analysis.VersionsDiscarded <= 2:
		analysis.Risk = RiskLow
	case len(analysis.AffectedContainers) <= 5:
		analysis.Risk = RiskMedium
	default:
		analysis.Risk = RiskHigh
	}
	return analysis, nil
}
