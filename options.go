package fabricgo

import (
	"log/slog"

	"github.com/hupe1980/fabricgo/blobstore"
	"github.com/hupe1980/fabricgo/commitlog"
	"github.com/hupe1980/fabricgo/traverse"
)

const defaultRetainVersions = 16

type options struct {
	logger            *Logger
	metricsCollector  MetricsCollector
	commitlogOptions  []func(*commitlog.Options)
	retainVersions    int
	archive           blobstore.Store
	autoRepair        bool
	scanWorkers       int
	scanRatePerSecond float64
	traverseOptions   []traverse.Option
}

// Option configures store open behavior.
type Option func(*options)

// WithCommitLog passes options through to the commit log, e.g. durability
// mode or entry compression.
//
// Example:
//
//	fabricgo.Open(dir, fabricgo.WithCommitLog(func(o *commitlog.Options) {
//	    o.DurabilityMode = commitlog.DurabilityAsync
//	    o.Compress = true
//	}))
func WithCommitLog(optFns ...func(*commitlog.Options)) Option {
	return func(o *options) {
		o.commitlogOptions = optFns
	}
}

// WithRetainVersions sets how many versions per container stay in the hot
// version chain. Older versions are copied to the archive sink (when one is
// configured) as they fall out of the window. Default 16.
func WithRetainVersions(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.retainVersions = n
		}
	}
}

// WithArchive configures the cold-storage sink for versions beyond the
// retention window. Pass a blobstore.Local, blobstore.Memory, or the MinIO
// backend.
func WithArchive(sink blobstore.Store) Option {
	return func(o *options) {
		o.archive = sink
	}
}

// WithAutoRepair enables automatic repair of recomputable integrity issues
// (child-count drift, unflagged dangling relations) during verification.
func WithAutoRepair(enabled bool) Option {
	return func(o *options) {
		o.autoRepair = enabled
	}
}

// WithScanWorkers sets the background integrity scan concurrency.
func WithScanWorkers(n int) Option {
	return func(o *options) {
		o.scanWorkers = n
	}
}

// WithScanRateLimit caps background integrity verifications per second.
func WithScanRateLimit(perSecond float64) Option {
	return func(o *options) {
		o.scanRatePerSecond = perSecond
	}
}

// WithAnnIndex wires the external ANN service for semantic traversal.
func WithAnnIndex(a traverse.AnnIndex) Option {
	return func(o *options) {
		o.traverseOptions = append(o.traverseOptions, traverse.WithAnnIndex(a))
	}
}

// WithKeywordIndex wires the external keyword index for contextual traversal.
func WithKeywordIndex(k traverse.KeywordIndex) Option {
	return func(o *options) {
		o.traverseOptions = append(o.traverseOptions, traverse.WithKeywordIndex(k))
	}
}

// WithRelevanceModel wires the external relevance model for ML-guided
// traversal.
func WithRelevanceModel(r traverse.RelevanceModel) Option {
	return func(o *options) {
		o.traverseOptions = append(o.traverseOptions, traverse.WithRelevanceModel(r))
	}
}

// WithOracle wires the zero-shot confirmation oracle for brute-force
// traversal.
func WithOracle(z traverse.ZeroShotOracle) Option {
	return func(o *options) {
		o.traverseOptions = append(o.traverseOptions, traverse.WithOracle(z))
	}
}

// WithHybridWeights overrides the default equal blend of the structural,
// semantic, and contextual axes.
func WithHybridWeights(w traverse.HybridWeights) Option {
	return func(o *options) {
		o.traverseOptions = append(o.traverseOptions, traverse.WithHybridWeights(w))
	}
}

// WithConfidenceThreshold overrides the minimum relevance-model accuracy
// required to trust predictions.
func WithConfidenceThreshold(t float64) Option {
	return func(o *options) {
		o.traverseOptions = append(o.traverseOptions, traverse.WithConfidenceThreshold(t))
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &fabricgo.BasicMetricsCollector{}
//	store, _ := fabricgo.Open(dir, fabricgo.WithMetricsCollector(metrics))
//	// ... use store ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		retainVersions:   defaultRetainVersions,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}
