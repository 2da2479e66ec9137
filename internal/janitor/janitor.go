// Package janitor runs the periodic maintenance nobody should have to
// remember: reaping dead process registrations, recovering their orphaned
// in-flight jobs, and trimming the dead set.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/theabhaychauhan/sidekiq/internal/store"
)

const jobTimeout = 30 * time.Second

// Schedules holds the cron expressions for each chore; robfig descriptors
// like "@every 1m" are accepted.
type Schedules struct {
	OrphanSweep string
	DeadTrim    string
}

// Janitor owns the cron runner.
type Janitor struct {
	store    *store.Store
	logger   *zap.Logger
	deadOpts store.DeadOptions
	cron     *cron.Cron
}

func New(s *store.Store, logger *zap.Logger, deadOpts store.DeadOptions, schedules Schedules) (*Janitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schedules.OrphanSweep == "" {
		schedules.OrphanSweep = "@every 1m"
	}
	if schedules.DeadTrim == "" {
		schedules.DeadTrim = "@every 5m"
	}

	j := &Janitor{
		store:    s,
		logger:   logger.Named("janitor"),
		deadOpts: deadOpts,
		cron:     cron.New(),
	}
	if _, err := j.cron.AddFunc(schedules.OrphanSweep, j.sweepJob); err != nil {
		return nil, fmt.Errorf("janitor: orphan sweep schedule %q: %w", schedules.OrphanSweep, err)
	}
	if _, err := j.cron.AddFunc(schedules.DeadTrim, j.trimJob); err != nil {
		return nil, fmt.Errorf("janitor: dead trim schedule %q: %w", schedules.DeadTrim, err)
	}
	return j, nil
}

// Start begins the schedule; chores run until Stop.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running chore to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweepJob() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := j.Sweep(ctx); err != nil {
		j.logger.Warn("orphan sweep failed", zap.Error(err))
	}
}

func (j *Janitor) trimJob() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := j.Trim(ctx); err != nil {
		j.logger.Warn("dead trim failed", zap.Error(err))
	}
}

// Sweep reaps expired process registrations, then returns any in-flight jobs
// they stranded. The reap has to come first so the sweep sees those
// identities as dead.
func (j *Janitor) Sweep(ctx context.Context) error {
	reaped, err := j.store.ReapDeadProcesses(ctx)
	if err != nil {
		return err
	}
	if len(reaped) > 0 {
		j.logger.Info("reaped dead processes", zap.Strings("identities", reaped))
	}
	recovered, err := j.store.SweepOrphanedInflight(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		j.logger.Info("requeued orphaned jobs", zap.Int64("count", recovered))
	}
	return nil
}

// Trim prunes the dead set by age and size.
func (j *Janitor) Trim(ctx context.Context) error {
	return j.store.TrimDead(ctx, time.Now(), j.deadOpts)
}

// Entries reports how many chores are scheduled.
func (j *Janitor) Entries() int {
	return len(j.cron.Entries())
}
