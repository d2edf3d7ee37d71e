package integrity

import (
	"context"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hupe1980/fabricgo/model"
)

// ScanReport summarizes one background scan.
type ScanReport struct {
	Scanned   int
	Unhealthy []CheckResult
	Repaired  int
}

// Scanner drives the checker over the full live-id set with a worker pool
// and a rate limit, so background verification never starves foreground
// traffic.
type Scanner struct {
	checker *Checker
	workers int
	limiter *rate.Limiter
	logger  *slog.Logger
}

// ScannerOption configures a scanner.
type ScannerOption func(*Scanner)

// WithWorkers sets the verification concurrency. Defaults to GOMAXPROCS.
func WithWorkers(n int) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithRateLimit caps verifications per second. Zero disables the limit.
func WithRateLimit(perSecond float64) ScannerOption {
	return func(s *Scanner) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		} else {
			s.limiter = nil
		}
	}
}

// WithScanLogger sets the structured logger.
func WithScanLogger(l *slog.Logger) ScannerOption {
	return func(s *Scanner) { s.logger = l }
}

// NewScanner creates a scanner over c.
func NewScanner(c *Checker, optFns ...ScannerOption) *Scanner {
	s := &Scanner{
		checker: c,
		workers: runtime.GOMAXPROCS(0),
		limiter: rate.NewLimiter(rate.Limit(1000), 1),
		logger:  slog.Default(),
	}
	for _, fn := range optFns {
		fn(s)
	}
	return s
}

// Scan verifies every live container in the snapshot the checker was built
// over. It stops early when ctx is canceled. With no intervening writes a
// second scan after a clean first one finds nothing.
func (s *Scanner) Scan(ctx context.Context) (*ScanReport, error) {
	ids := s.checker.src.LiveIDs()
	report := &ScanReport{}

	work := make(chan model.ContainerID)
	results := make(chan CheckResult, s.workers)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(work)
		it := ids.Iterator()
		for it.HasNext() {
			select {
			case work <- model.ContainerID(it.Next()):
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			for id := range work {
				if s.limiter != nil {
					if err := s.limiter.Wait(gctx); err != nil {
						return err
					}
				}
				res, err := s.checker.Verify(gctx, id)
				if err != nil {
					return err
				}
				select {
				case results <- *res:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	collectDone := make(chan struct{})
	go func() {
		defer close(collectDone)
		for res := range results {
			report.Scanned++
			report.Repaired += res.Repaired
			if !res.Healthy() {
				report.Unhealthy = append(report.Unhealthy, res)
			}
		}
	}()

	err := g.Wait()
	close(results)
	<-collectDone
	if err != nil {
		return report, err
	}

	s.logger.Info("integrity scan complete",
		"scanned", report.Scanned,
		"unhealthy", len(report.Unhealthy),
		"repaired", report.Repaired,
	)
	return report, nil
}
