package fabricgo

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/fabricgo/attrstore"
	"github.com/hupe1980/fabricgo/commitlog"
	"github.com/hupe1980/fabricgo/generation"
	"github.com/hupe1980/fabricgo/integrity"
	"github.com/hupe1980/fabricgo/model"
)

// VerifyIntegrity runs all integrity checks against one container. With
// WithAutoRepair enabled, recomputable findings are fixed as new repaired
// versions.
func (s *Store) VerifyIntegrity(ctx context.Context, id model.ContainerID) (res *integrity.CheckResult, err error) {
	start := time.Now()
	defer func() {
		issues := 0
		if res != nil {
			issues = len(res.Issues)
		}
		s.opts.metricsCollector.RecordVerify(issues, time.Since(start), err)
	}()

	g, release, err := s.pin()
	if err != nil {
		return nil, err
	}
	defer release()

	res, err = s.checker(g).Verify(ctx, id)
	if err != nil {
		return nil, translateError(err)
	}
	return res, nil
}

// ScanIntegrity sweeps every live container with the background scanner.
func (s *Store) ScanIntegrity(ctx context.Context) (*integrity.ScanReport, error) {
	g, release, err := s.pin()
	if err != nil {
		return nil, err
	}
	defer release()

	scannerOpts := []integrity.ScannerOption{
		integrity.WithScanLogger(s.opts.logger.Logger),
	}
	if s.opts.scanWorkers > 0 {
		scannerOpts = append(scannerOpts, integrity.WithWorkers(s.opts.scanWorkers))
	}
	if s.opts.scanRatePerSecond > 0 {
		scannerOpts = append(scannerOpts, integrity.WithRateLimit(s.opts.scanRatePerSecond))
	}

	report, err := integrity.NewScanner(s.checker(g), scannerOpts...).Scan(ctx)
	if err != nil {
		return report, translateError(err)
	}
	return report, nil
}

func (s *Store) checker(g *view) *integrity.Checker {
	opts := []integrity.Option{integrity.WithLogger(s.opts.logger.Logger)}
	if s.opts.autoRepair {
		opts = append(opts, integrity.WithRepairer(&repairer{s: s}))
	}
	return integrity.NewChecker(g, opts...)
}

// repairer applies the checker's auto-repairs through the normal write path,
// so every repair is a logged, versioned mutation.
type repairer struct {
	s *Store
}

func (r *repairer) SetChildCount(ctx context.Context, id model.ContainerID, count uint32) error {
	s := r.s
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	txn := s.generations.Begin()
	defer txn.Abort()

	entry, ok := txn.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	structural := entry.Structural
	structural.ChildCount = count
	structural.Version++

	if _, err := s.log.Append(commitlog.Entry{
		Type:     commitlog.OpUpdate,
		ID:       id,
		ParentID: structural.ParentID,
		Version:  structural.Version,
	}); err != nil {
		return err
	}
	if err := s.binStore.WriteRecord(structural); err != nil {
		return err
	}
	txn.Stage(id, generation.Entry{Structural: structural, AttrOffset: entry.AttrOffset})
	txn.Commit()
	return nil
}

func (r *repairer) MarkRelationsDangling(ctx context.Context, id model.ContainerID, targets []model.ContainerID) error {
	s := r.s
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	txn := s.generations.Begin()
	defer txn.Abort()

	entry, ok := txn.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	cur, err := s.attrStore.Get(entry.AttrOffset)
	if err != nil {
		return err
	}

	dangling := make(map[model.ContainerID]struct{}, len(targets))
	for _, t := range targets {
		dangling[t] = struct{}{}
	}
	rec := cur.Record.Clone()
	for i := range rec.Context.Relations {
		rel := &rec.Context.Relations[i]
		if _, ok := dangling[rel.Target]; ok {
			rel.Dangling = true
		}
	}
	now := time.Now().UTC()
	rec.UpdatedAt = now

	structural := entry.Structural
	structural.Version++

	newOffset, err := s.attrStore.Put(&attrstore.Stored{
		ID:        id,
		Version:   structural.Version,
		Change:    model.ChangeRepaired,
		Prev:      entry.AttrOffset,
		Timestamp: now,
		Record:    rec,
	})
	if err != nil {
		return err
	}
	if _, err := s.log.Append(commitlog.Entry{
		Type:       commitlog.OpUpdate,
		ID:         id,
		ParentID:   structural.ParentID,
		Version:    structural.Version,
		AttrOffset: newOffset,
	}); err != nil {
		return err
	}
	if err := s.binStore.WriteRecord(structural); err != nil {
		return err
	}
	txn.Stage(id, generation.Entry{Structural: structural, AttrOffset: newOffset})
	if err := s.archiveTail(newOffset); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// RollbackResult reports what a rollback did (or, for a dry run, would do).
type RollbackResult struct {
	Analysis *integrity.ImpactAnalysis

	// NewVersion is the version created by the restore, 0 for a dry run.
	NewVersion uint32
}

// Rollback restores a container's attributes to an earlier retained version.
// The restore is itself a new version, so rollbacks never rewrite history
// and the rollback is auditable in the version chain. Children are not
// touched; structural state stays as it is.
func (s *Store) Rollback(ctx context.Context, req integrity.RollbackRequest) (result *RollbackResult, err error) {
	start := time.Now()
	var newVersion uint32
	defer func() {
		s.opts.metricsCollector.RecordRollback(time.Since(start), err)
		s.opts.logger.LogRollback(ctx, uint64(req.Target), req.ToVersion, newVersion, err)
	}()

	g, release, err := s.pin()
	if err != nil {
		return nil, err
	}
	analysis, err := s.checker(g).AnalyzeRollback(req)
	release()
	if err != nil {
		return nil, translateError(err)
	}
	if req.DryRun {
		return &RollbackResult{Analysis: analysis}, nil
	}

	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	txn := s.generations.Begin()
	defer txn.Abort()

	// The analysis ran without the writer lock; recheck preconditions
	// against the transaction's view.
	entry, ok := txn.Lookup(req.Target)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, req.Target)
	}
	if req.ExpectedVersion != 0 && entry.Structural.Version != req.ExpectedVersion {
		return nil, fmt.Errorf("%w: container %d is at version %d, expected %d",
			ErrConflict, req.Target, entry.Structural.Version, req.ExpectedVersion)
	}
	if req.ToVersion >= entry.Structural.Version {
		return nil, fmt.Errorf("%w: container %d moved to version %d during analysis",
			ErrConflict, req.Target, entry.Structural.Version)
	}

	old, err := s.attrStore.FindVersion(entry.AttrOffset, req.ToVersion)
	if err != nil {
		return nil, translateError(err)
	}

	structural := entry.Structural
	structural.Version++
	newVersion = structural.Version
	now := time.Now().UTC()

	// The restored record is byte-identical to the rolled-back version, so
	// its content hash matches version V exactly. The envelope timestamp
	// records when the rollback happened.
	rec := old.Record.Clone()

	newOffset, err := s.attrStore.Put(&attrstore.Stored{
		ID:        req.Target,
		Version:   newVersion,
		Change:    model.ChangeRolledBack,
		Prev:      entry.AttrOffset,
		Timestamp: now,
		Record:    rec,
	})
	if err != nil {
		return nil, err
	}
	if _, err = s.log.Append(commitlog.Entry{
		Type:       commitlog.OpRollback,
		ID:         req.Target,
		ParentID:   structural.ParentID,
		Version:    newVersion,
		AttrOffset: newOffset,
	}); err != nil {
		return nil, err
	}
	if err = s.binStore.WriteRecord(structural); err != nil {
		return nil, err
	}
	txn.Stage(req.Target, generation.Entry{Structural: structural, AttrOffset: newOffset})
	if err = s.archiveTail(newOffset); err != nil {
		return nil, err
	}

	txn.Commit()
	return &RollbackResult{Analysis: analysis, NewVersion: newVersion}, nil
}
