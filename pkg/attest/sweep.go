package attest

import (
	"context"
	"log/slog"
	"time"

	"github.com/milepool/milepool/pkg/stake"
)

// DefaultSweepInterval is how often the background sweep refreshes
// mileage for every open challenge.
const DefaultSweepInterval = time.Hour

// Sweeper periodically refreshes mileage snapshots for all tracked,
// still-open challenges. It runs concurrently with interactive
// confirmation and finalization calls; snapshot races resolve
// last-write-wins, which is fine because only the most recent snapshot
// before a decision matters.
type Sweeper struct {
	oracle   *Oracle
	interval time.Duration
	logger   *slog.Logger
	observe  func(took time.Duration, refreshed int)
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepObserver registers a callback invoked after every sweep
// with its duration and the number of challenges refreshed.
func WithSweepObserver(fn func(took time.Duration, refreshed int)) SweeperOption {
	return func(s *Sweeper) { s.observe = fn }
}

// NewSweeper creates a sweeper over the oracle's tracked challenges.
func NewSweeper(oracle *Oracle, interval time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s := &Sweeper{
		oracle:   oracle,
		interval: interval,
		logger:   slog.Default().With("component", "attest-sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps until ctx is cancelled. An initial sweep happens
// immediately.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	started := time.Now()
	refreshed, skipped := 0, 0
	for _, id := range s.oracle.TrackedIDs() {
		if ctx.Err() != nil {
			return
		}
		state, err := s.oracle.ledger.EffectiveState(id)
		if err != nil {
			s.logger.Warn("sweep state read failed", "challenge_id", id, "err", err)
			continue
		}
		// Pending challenges have no window to measure yet; terminal
		// ones never will again.
		if state != stake.StateActive && state != stake.StateGracePeriod {
			skipped++
			continue
		}
		if err := s.oracle.RefreshMileage(ctx, id); err != nil {
			s.logger.Warn("sweep refresh failed", "challenge_id", id, "err", err)
			continue
		}
		refreshed++
	}
	if s.observe != nil {
		s.observe(time.Since(started), refreshed)
	}
	s.logger.Info("sweep complete", "refreshed", refreshed, "skipped", skipped, "took", time.Since(started))
}
