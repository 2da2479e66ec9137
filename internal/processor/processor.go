// Package processor runs the fetch-execute-acknowledge loop. One Processor
// is one worker goroutine; the manager owns a fixed set of them.
package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/theabhaychauhan/sidekiq/internal/fetch"
	"github.com/theabhaychauhan/sidekiq/internal/job"
	"github.com/theabhaychauhan/sidekiq/internal/metrics"
	"github.com/theabhaychauhan/sidekiq/internal/middleware"
	"github.com/theabhaychauhan/sidekiq/internal/retry"
	"github.com/theabhaychauhan/sidekiq/internal/store"
)

// State tracks a processor's lifecycle.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
	StateDied
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateDied:
		return "died"
	default:
		return "unknown"
	}
}

// ErrorHandler observes failures: fetch errors, parse errors, and job
// failures after the retry engine has recorded them. The job is nil when the
// failure has no parsed envelope.
type ErrorHandler func(err error, j *job.Job)

// Reloader wraps class lookup and execution, the seam where embedding
// applications hook code reloading or per-job setup.
type Reloader func(ctx context.Context, fn func() error) error

// Callback lets the owner react to processor exits.
type Callback interface {
	ProcessorStopped(p *Processor)
	ProcessorDied(p *Processor, err error)
}

const (
	// fetchBackoff spaces out fetch attempts after an infrastructure
	// error so a Redis outage does not spin the loop.
	fetchBackoff = time.Second

	// idlePause yields between empty fetches once the fetcher stops
	// blocking, such as after Close.
	idlePause = 50 * time.Millisecond
)

// Config wires a Processor. Fetcher, Engine, Registry, and Chain are
// required; the rest default to no-ops.
type Config struct {
	Logger        *zap.Logger
	Fetcher       fetch.Fetcher
	Engine        *retry.Engine
	Registry      *job.Registry
	Chain         *middleware.Chain
	Reloader      Reloader
	ErrorHandlers []ErrorHandler
	Store         *store.Store
	Metrics       *metrics.Metrics
	Busy          *atomic.Int64
	Callback      Callback
}

type Processor struct {
	logger        *zap.Logger
	fetcher       fetch.Fetcher
	engine        *retry.Engine
	registry      *job.Registry
	chain         *middleware.Chain
	reloader      Reloader
	errorHandlers []ErrorHandler
	store         *store.Store
	metrics       *metrics.Metrics
	busy          *atomic.Int64
	callback      Callback

	state  atomic.Int32
	killed atomic.Bool

	jobMu     sync.Mutex
	jobCancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reloader := cfg.Reloader
	if reloader == nil {
		reloader = func(ctx context.Context, fn func() error) error { return fn() }
	}
	registry := cfg.Registry
	if registry == nil {
		registry = job.NewRegistry()
	}
	chain := cfg.Chain
	if chain == nil {
		chain = middleware.NewChain()
	}
	return &Processor{
		logger:        logger,
		fetcher:       cfg.Fetcher,
		engine:        cfg.Engine,
		registry:      registry,
		chain:         chain,
		reloader:      reloader,
		errorHandlers: cfg.ErrorHandlers,
		store:         cfg.Store,
		metrics:       cfg.Metrics,
		busy:          cfg.Busy,
		callback:      cfg.Callback,
		done:          make(chan struct{}),
	}
}

// Start launches the loop. Starting twice is a no-op.
func (p *Processor) Start(ctx context.Context) {
	if !p.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return
	}
	go p.run(ctx)
}

func (p *Processor) run(ctx context.Context) {
	defer p.finish()
	defer func() {
		if r := recover(); r != nil {
			err := &retry.PanicError{Value: r, Stack: retry.CurrentStack(2)}
			p.state.Store(int32(StateDied))
			p.logger.Error("processor died", zap.Any("panic", r))
			if p.callback != nil {
				p.callback.ProcessorDied(p, err)
			}
			return
		}
		p.state.Store(int32(StateStopped))
		if p.callback != nil {
			p.callback.ProcessorStopped(p)
		}
	}()

	for {
		if p.State() == StateStopping || ctx.Err() != nil {
			return
		}
		unit, err := p.fetcher.Fetch(ctx)
		if err != nil {
			if p.State() == StateStopping || ctx.Err() != nil {
				return
			}
			p.logger.Warn("fetch failed", zap.Error(err))
			p.report(err, nil)
			p.sleep(ctx, fetchBackoff)
			continue
		}
		if unit == nil {
			p.sleep(ctx, idlePause)
			continue
		}
		p.handle(ctx, unit)
	}
}

func (p *Processor) handle(ctx context.Context, unit *fetch.UnitOfWork) {
	if p.busy != nil {
		p.busy.Add(1)
		defer p.busy.Add(-1)
	}
	if p.metrics != nil {
		p.metrics.Fetched.Inc()
		p.metrics.BusyWorkers.Inc()
		defer p.metrics.BusyWorkers.Dec()
	}

	j, err := unit.Job()
	if err != nil {
		// never runnable; drop it rather than bounce it forever
		p.logger.Error("discarding unparsable job",
			zap.String("queue", unit.Queue),
			zap.Error(err))
		p.report(err, nil)
		p.ack(unit)
		return
	}

	logger := p.logger.With(
		zap.String("jid", j.JID),
		zap.String("class", j.Class),
		zap.String("queue", unit.Queue))
	logger.Info("job started")
	start := time.Now()

	execErr := p.execute(ctx, j, unit.Queue)
	elapsed := time.Since(start)
	if p.metrics != nil {
		p.metrics.ObserveDuration(unit.Queue, j.Class, elapsed)
	}

	switch {
	case execErr == nil:
		p.ack(unit)
		p.recordStats(false)
		logger.Info("job done", zap.Duration("elapsed", elapsed))
	case retry.CausedByShutdown(execErr):
		// leave the payload in flight; Requeue returns it to the queue
		logger.Info("job interrupted by shutdown", zap.Duration("elapsed", elapsed))
	case retry.IsHandled(execErr) || retry.IsSkip(execErr):
		cause := retry.Cause(execErr)
		p.report(cause, j)
		p.ack(unit)
		p.recordStats(true)
		logger.Warn("job failed", zap.Duration("elapsed", elapsed), zap.Error(cause))
	default:
		p.report(execErr, j)
		p.ack(unit)
		p.recordStats(true)
		logger.Error("job failed outside retry handling",
			zap.Duration("elapsed", elapsed),
			zap.Error(execErr))
	}
}

func (p *Processor) execute(ctx context.Context, j *job.Job, queue string) error {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.jobMu.Lock()
	p.jobCancel = cancel
	p.jobMu.Unlock()
	defer func() {
		p.jobMu.Lock()
		p.jobCancel = nil
		p.jobMu.Unlock()
	}()

	return p.engine.Global(jobCtx, j, queue, func() error {
		return p.reloader(jobCtx, func() error {
			reg, err := p.registry.Lookup(j.Class)
			if err != nil {
				return err
			}
			worker := reg.New()
			wctx := job.NewContext(jobCtx, job.Current{
				JID:    j.JID,
				Class:  j.Class,
				Queue:  queue,
				Worker: reg.Class,
			})
			return p.engine.Local(wctx, reg, j, queue, func() error {
				inv := &middleware.Invocation{Job: j, Queue: queue, Worker: worker}
				return p.chain.Invoke(wctx, inv, func(ctx context.Context) error {
					return p.perform(ctx, worker, j)
				})
			})
		})
	})
}

func (p *Processor) perform(ctx context.Context, worker job.Worker, j *job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &retry.PanicError{Value: r, Stack: retry.CurrentStack(2)}
		}
		if err != nil && p.killed.Load() {
			err = fmt.Errorf("%w: %v", retry.ErrShutdown, err)
		}
	}()
	return worker.Perform(ctx, j.Args)
}

// ack uses a fresh context: a finished job must be acknowledged even while
// the run context is being torn down.
func (p *Processor) ack(unit *fetch.UnitOfWork) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.fetcher.Ack(ctx, unit); err != nil {
		p.logger.Error("failed to acknowledge job",
			zap.String("queue", unit.Queue),
			zap.Error(err))
	}
}

func (p *Processor) recordStats(failed bool) {
	if p.metrics != nil {
		p.metrics.Processed.Inc()
		if failed {
			p.metrics.Failed.Inc()
		}
	}
	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now()
	if err := p.store.IncrProcessed(ctx, now); err != nil {
		p.logger.Warn("failed to record processed stat", zap.Error(err))
	}
	if failed {
		if err := p.store.IncrFailed(ctx, now); err != nil {
			p.logger.Warn("failed to record failed stat", zap.Error(err))
		}
	}
}

func (p *Processor) report(err error, j *job.Job) {
	for _, h := range p.errorHandlers {
		h := h
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("error handler panicked", zap.Any("panic", r))
				}
			}()
			h(err, j)
		}()
	}
}

// Terminate asks the loop to exit at the next fetch boundary; the job in
// progress finishes normally.
func (p *Processor) Terminate(wait bool) {
	if p.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
		p.finish()
	}
	p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	if wait {
		<-p.done
	}
}

// Kill is Terminate plus cancelling the in-progress job's context. Workers
// that honor their context stop promptly; the interrupted payload stays in
// flight for requeueing.
func (p *Processor) Kill(wait bool) {
	p.killed.Store(true)
	p.Terminate(false)
	p.jobMu.Lock()
	if p.jobCancel != nil {
		p.jobCancel()
	}
	p.jobMu.Unlock()
	if wait {
		<-p.done
	}
}

// Done is closed when the loop has exited.
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

func (p *Processor) State() State {
	return State(p.state.Load())
}

func (p *Processor) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
