package fabricgo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordCreate is called after each container creation.
	RecordCreate(duration time.Duration, err error)

	// RecordUpdate is called after each container update.
	RecordUpdate(duration time.Duration, err error)

	// RecordDelete is called after each container deletion.
	RecordDelete(duration time.Duration, err error)

	// RecordTraverse is called after each traversal. visited is the number
	// of containers the engine expanded.
	RecordTraverse(visited int, duration time.Duration, err error)

	// RecordRollback is called after each rollback.
	RecordRollback(duration time.Duration, err error)

	// RecordVerify is called after each integrity verification. issues is
	// the number of findings.
	RecordVerify(issues int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordCreate(time.Duration, error)        {}
func (NoopMetricsCollector) RecordUpdate(time.Duration, error)        {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)        {}
func (NoopMetricsCollector) RecordTraverse(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordRollback(time.Duration, error)      {}
func (NoopMetricsCollector) RecordVerify(int, time.Duration, error)   {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	CreateCount        atomic.Int64
	CreateErrors       atomic.Int64
	UpdateCount        atomic.Int64
	UpdateErrors       atomic.Int64
	DeleteCount        atomic.Int64
	DeleteErrors       atomic.Int64
	TraverseCount      atomic.Int64
	TraverseErrors     atomic.Int64
	TraverseVisited    atomic.Int64
	TraverseTotalNanos atomic.Int64
	RollbackCount      atomic.Int64
	RollbackErrors     atomic.Int64
	VerifyCount        atomic.Int64
	VerifyIssues       atomic.Int64
}

// RecordCreate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCreate(duration time.Duration, err error) {
	b.CreateCount.Add(1)
	if err != nil {
		b.CreateErrors.Add(1)
	}
}

// RecordUpdate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUpdate(duration time.Duration, err error) {
	b.UpdateCount.Add(1)
	if err != nil {
		b.UpdateErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordTraverse implements MetricsCollector.
func (b *BasicMetricsCollector) RecordTraverse(visited int, duration time.Duration, err error) {
	b.TraverseCount.Add(1)
	b.TraverseVisited.Add(int64(visited))
	b.TraverseTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.TraverseErrors.Add(1)
	}
}

// RecordRollback implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRollback(duration time.Duration, err error) {
	b.RollbackCount.Add(1)
	if err != nil {
		b.RollbackErrors.Add(1)
	}
}

// RecordVerify implements MetricsCollector.
func (b *BasicMetricsCollector) RecordVerify(issues int, duration time.Duration, err error) {
	b.VerifyCount.Add(1)
	b.VerifyIssues.Add(int64(issues))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		CreateCount:      b.CreateCount.Load(),
		CreateErrors:     b.CreateErrors.Load(),
		UpdateCount:      b.UpdateCount.Load(),
		UpdateErrors:     b.UpdateErrors.Load(),
		DeleteCount:      b.DeleteCount.Load(),
		DeleteErrors:     b.DeleteErrors.Load(),
		TraverseCount:    b.TraverseCount.Load(),
		TraverseErrors:   b.TraverseErrors.Load(),
		TraverseVisited:  b.TraverseVisited.Load(),
		TraverseAvgNanos: b.getAvgTraverseNanos(),
		RollbackCount:    b.RollbackCount.Load(),
		RollbackErrors:   b.RollbackErrors.Load(),
		VerifyCount:      b.VerifyCount.Load(),
		VerifyIssues:     b.VerifyIssues.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgTraverseNanos() int64 {
	count := b.TraverseCount.Load()
	if count == 0 {
		return 0
	}
	return b.TraverseTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	CreateCount      int64
	CreateErrors     int64
	UpdateCount      int64
	UpdateErrors     int64
	DeleteCount      int64
	DeleteErrors     int64
	TraverseCount    int64
	TraverseErrors   int64
	TraverseVisited  int64
	TraverseAvgNanos int64
	RollbackCount    int64
	RollbackErrors   int64
	VerifyCount      int64
	VerifyIssues     int64
}
