// Package retry decides what happens to failed jobs: exponential backoff
// into the retry set, or burial in the dead set once attempts run out.
package retry

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/theabhaychauhan/sidekiq/internal/job"
	"github.com/theabhaychauhan/sidekiq/internal/store"
)

// DefaultMaxRetries matches the canonical schedule: 25 attempts spread over
// roughly 20 days.
const DefaultMaxRetries = 25

// DeathHandler observes jobs at the moment they are buried.
type DeathHandler func(ctx context.Context, j *job.Job, err error)

// Options configures an Engine.
type Options struct {
	MaxRetries    int
	Dead          store.DeadOptions
	DeathHandlers []DeathHandler

	// OnRetry observes every scheduled retry, for metrics and events.
	OnRetry func(j *job.Job, delay time.Duration)
}

// Engine implements the retry policy around job execution.
type Engine struct {
	store         *store.Store
	logger        *zap.Logger
	maxRetries    int
	deadOpts      store.DeadOptions
	deathHandlers []DeathHandler
	onRetry       func(*job.Job, time.Duration)

	// seams for tests
	now    func() time.Time
	jitter func(n int) int
}

func NewEngine(s *store.Store, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	dead := opts.Dead
	if dead.MaxJobs <= 0 {
		dead.MaxJobs = 10000
	}
	if dead.MaxAge <= 0 {
		dead.MaxAge = 180 * 24 * time.Hour
	}
	return &Engine{
		store:         s,
		logger:        logger.Named("retry"),
		maxRetries:    maxRetries,
		deadOpts:      dead,
		deathHandlers: opts.DeathHandlers,
		onRetry:       opts.OnRetry,
		now:           time.Now,
		jitter:        rand.Intn,
	}
}

// Global guards everything outside the worker itself: parsing, middleware,
// class lookup. Failures are recorded without per-class options.
func (e *Engine) Global(ctx context.Context, j *job.Job, queue string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if IsHandled(err) || IsSkip(err) {
		return err
	}
	if CausedByShutdown(err) {
		return err
	}
	e.process(ctx, nil, j, queue, err)
	return NewHandled(err)
}

// Local guards the worker execution with its registration in scope, so
// per-class retry options and hooks apply.
func (e *Engine) Local(ctx context.Context, reg *job.Registration, j *job.Job, queue string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if IsHandled(err) || IsSkip(err) {
		return err
	}
	if CausedByShutdown(err) {
		return err
	}
	e.process(ctx, reg, j, queue, err)
	return NewSkip(err)
}

func (e *Engine) process(ctx context.Context, reg *job.Registration, j *job.Job, queue string, cause error) {
	allowed, max := e.policy(reg, j)
	if !allowed {
		// retry disabled: straight to the death path, envelope untouched
		e.death(ctx, reg, j, queue, cause)
		return
	}
	e.mutate(reg, j, queue, cause)
	if j.Retries() < max {
		e.scheduleRetry(ctx, reg, j, cause)
	} else {
		e.death(ctx, reg, j, queue, cause)
	}
}

// policy resolves the effective retry setting: the job's own field wins,
// then the registration's, then the engine default. false and non-positive
// numbers disable retrying entirely.
func (e *Engine) policy(reg *job.Registration, j *job.Job) (allowed bool, max int) {
	raw := j.Retry
	if raw == nil && reg != nil {
		raw = reg.Options.Retry
	}
	switch v := raw.(type) {
	case nil:
		return true, e.maxRetries
	case bool:
		if v {
			return true, e.maxRetries
		}
		return false, 0
	case float64:
		if v <= 0 {
			return false, 0
		}
		return true, int(v)
	case int:
		if v <= 0 {
			return false, 0
		}
		return true, v
	default:
		return true, e.maxRetries
	}
}

// mutate records the failure on the envelope. The first failure pins
// retry_count to zero with failed_at; later failures increment and stamp
// retried_at. Counting from zero means a job allowed n retries is buried
// when the count reaches n.
func (e *Engine) mutate(reg *job.Registration, j *job.Job, queue string, cause error) {
	if j.RetryQueue != "" {
		j.Queue = j.RetryQueue
	} else {
		j.Queue = queue
	}

	j.ErrorClass = job.ErrorClassOf(cause)
	j.ErrorMessage = job.ScrubMessage(job.SafeMessage(cause))

	now := job.Epoch(e.now())
	if j.RetryCount != nil {
		n := *j.RetryCount + 1
		j.RetryCount = &n
		j.RetriedAt = now
	} else {
		zero := 0
		j.RetryCount = &zero
		j.FailedAt = now
	}

	if frames := e.backtraceFor(reg, j, cause); len(frames) > 0 {
		encoded, err := job.CompressBacktrace(frames)
		if err != nil {
			e.logger.Warn("failed to compress backtrace", zap.String("jid", j.JID), zap.Error(err))
		} else {
			j.ErrorBacktrace = encoded
		}
	}
}

func (e *Engine) backtraceFor(reg *job.Registration, j *job.Job, cause error) []string {
	policy := j.Backtrace
	if policy == nil && reg != nil {
		policy = reg.Options.Backtrace
	}
	limit := 0
	switch v := policy.(type) {
	case nil:
		return nil
	case bool:
		if !v {
			return nil
		}
	case float64:
		if v <= 0 {
			return nil
		}
		limit = int(v)
	case int:
		if v <= 0 {
			return nil
		}
		limit = v
	default:
		return nil
	}
	frames := StackFrames(cause)
	if limit > 0 && len(frames) > limit {
		frames = frames[:limit]
	}
	return frames
}

func (e *Engine) scheduleRetry(ctx context.Context, reg *job.Registration, j *job.Job, cause error) {
	delay := e.delayFor(reg, j.Retries(), cause)
	fireAt := job.Epoch(e.now()) + float64(delay)

	payload, err := json.Marshal(j)
	if err != nil {
		e.logger.Error("failed to serialize retry", zap.String("jid", j.JID), zap.Error(err))
		return
	}
	if err := e.store.Schedule(ctx, store.RetrySet, fireAt, payload); err != nil {
		e.logger.Error("failed to schedule retry",
			zap.String("jid", j.JID),
			zap.String("class", j.Class),
			zap.Error(err))
		return
	}
	e.logger.Info("job scheduled for retry",
		zap.String("jid", j.JID),
		zap.String("class", j.Class),
		zap.String("queue", j.Queue),
		zap.Int("retry_count", j.Retries()),
		zap.Int64("delay_seconds", delay),
		zap.String("error", j.ErrorMessage))
	if e.onRetry != nil {
		e.onRetry(j, time.Duration(delay)*time.Second)
	}
}

// delayFor computes the backoff in seconds for the given completed attempt
// count. Jitter scales with the count so stragglers spread out more each
// round.
func (e *Engine) delayFor(reg *job.Registration, count int, cause error) int64 {
	jitter := int64(e.jitter(10) * (count + 1))
	if reg != nil && reg.Options.RetryIn != nil {
		if custom := e.customDelay(reg, count, cause); custom > 0 {
			return custom + jitter
		}
	}
	c := int64(count)
	return c*c*c*c + 15 + jitter
}

func (e *Engine) customDelay(reg *job.Registration, count int, cause error) (delay int64) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("custom retry delay panicked, using default",
				zap.String("class", reg.Class),
				zap.Any("panic", r))
			delay = 0
		}
	}()
	return reg.Options.RetryIn(count, cause)
}

// death runs the exhaustion hook, buries the payload unless the job opted
// out, and notifies the death handlers. Hook and handler failures are
// contained; burial must not depend on them.
func (e *Engine) death(ctx context.Context, reg *job.Registration, j *job.Job, queue string, cause error) {
	if reg != nil && reg.Options.RetriesExhausted != nil {
		e.isolated("retries_exhausted", j, func() {
			reg.Options.RetriesExhausted(ctx, j, cause)
		})
	}

	if j.Dead == nil || *j.Dead {
		payload, err := json.Marshal(j)
		if err != nil {
			e.logger.Error("failed to serialize dead job", zap.String("jid", j.JID), zap.Error(err))
		} else if err := e.store.AddDead(ctx, payload, e.now(), e.deadOpts); err != nil {
			e.logger.Error("failed to bury job",
				zap.String("jid", j.JID),
				zap.String("class", j.Class),
				zap.Error(err))
		} else {
			e.logger.Info("job dead",
				zap.String("jid", j.JID),
				zap.String("class", j.Class),
				zap.String("queue", queue),
				zap.Int("retry_count", j.Retries()),
				zap.String("error", j.ErrorMessage))
		}
	}

	for _, h := range e.deathHandlers {
		h := h
		e.isolated("death handler", j, func() { h(ctx, j, cause) })
	}
}

func (e *Engine) isolated(what string, j *job.Job, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("hook panicked",
				zap.String("hook", what),
				zap.String("jid", j.JID),
				zap.Any("panic", r))
		}
	}()
	fn()
}
