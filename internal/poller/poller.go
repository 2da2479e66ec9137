// Package poller promotes due jobs from the retry and scheduled sets back to
// their queues. Every process runs one; the randomized interval spreads the
// load so a fleet does not stampede Redis in lockstep.
package poller

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/theabhaychauhan/sidekiq/internal/metrics"
	"github.com/theabhaychauhan/sidekiq/internal/store"
)

var pollSets = []string{store.RetrySet, store.ScheduleSet}

const maxInitialWait = 10 * time.Second

// Poller drains due entries on a randomized schedule.
type Poller struct {
	store   *store.Store
	logger  *zap.Logger
	average time.Duration
	metrics *metrics.Metrics

	// seams for tests
	now  func() time.Time
	rand func(n int64) int64
}

func New(s *store.Store, logger *zap.Logger, average time.Duration, m *metrics.Metrics) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if average <= 0 {
		average = 15 * time.Second
	}
	return &Poller{
		store:   s,
		logger:  logger.Named("poller"),
		average: average,
		metrics: m,
		now:     time.Now,
		rand:    rand.Int63n,
	}
}

// Run polls until ctx is cancelled. The first wait is short and random so a
// rolling restart does not synchronize the fleet.
func (p *Poller) Run(ctx context.Context) {
	initial := p.average
	if initial > maxInitialWait {
		initial = maxInitialWait
	}
	if !p.sleep(ctx, time.Duration(p.rand(int64(initial)))) {
		return
	}
	for {
		if err := p.Drain(ctx); err != nil {
			p.logger.Warn("poll cycle failed", zap.Error(err))
		}
		if !p.sleep(ctx, p.interval(ctx)) {
			return
		}
	}
}

// Drain promotes everything currently due in both sets.
func (p *Poller) Drain(ctx context.Context) error {
	now := p.now()
	var firstErr error
	for _, set := range pollSets {
		n, err := p.store.PromoteDue(ctx, set, now)
		if err != nil {
			p.logger.Warn("promotion failed", zap.String("set", set), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if n > 0 {
			p.logger.Info("promoted due jobs", zap.String("set", set), zap.Int("count", n))
			if p.metrics != nil {
				p.metrics.Promoted.Add(float64(n))
			}
		}
	}
	return firstErr
}

// interval scales the average by the registered process count, then spreads
// the result over [scaled/2, scaled*1.5). More processes each poll less
// often, keeping the aggregate poll rate roughly constant.
func (p *Poller) interval(ctx context.Context) time.Duration {
	count := int64(1)
	if n, err := p.store.ProcessCount(ctx); err == nil && n >= 1 {
		count = n
	}
	scaled := time.Duration(int64(p.average) * count)
	return scaled/2 + time.Duration(p.rand(int64(scaled)))
}

// sleep waits d or until cancellation; false means Run should exit.
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
