package ledger

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper marks stale pending executions as errored. It is safe to run
// from a background scheduler and on demand before listings; repeated
// sweeps over the same records are no-ops.
type Sweeper struct {
	store     Store
	threshold time.Duration
	logger    *slog.Logger
}

// NewSweeper creates a Sweeper. A non-positive threshold falls back to
// DefaultTimeout.
func NewSweeper(store Store, threshold time.Duration, logger *slog.Logger) *Sweeper {
	if threshold <= 0 {
		threshold = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, threshold: threshold, logger: logger}
}

// Sweep flips pending executions older than the threshold to error and
// returns how many records were affected.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	count, err := s.store.MarkTimedOut(ctx, s.threshold)
	if err != nil {
		s.logger.Error("execution sweep failed", "error", err)
		return 0, err
	}
	if count > 0 {
		s.logger.Info("swept stale executions", "count", count, "threshold", s.threshold.String())
	}
	return count, nil
}
