// Package manager owns the processor pool and the process heartbeat. It is
// the unit of graceful shutdown: quiet first, then terminate, then kill.
package manager

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/theabhaychauhan/sidekiq/internal/fetch"
	"github.com/theabhaychauhan/sidekiq/internal/job"
	"github.com/theabhaychauhan/sidekiq/internal/metrics"
	"github.com/theabhaychauhan/sidekiq/internal/middleware"
	"github.com/theabhaychauhan/sidekiq/internal/processor"
	"github.com/theabhaychauhan/sidekiq/internal/retry"
	"github.com/theabhaychauhan/sidekiq/internal/store"
)

const (
	beatInterval = 5 * time.Second

	// killGrace is how long killed processors get to notice their
	// cancelled context before shutdown proceeds without them.
	killGrace = 2 * time.Second

	defaultHardTimeout = 25 * time.Second
)

// NewIdentity builds the hostname:pid:nonce string that names this process in
// Redis. The nonce keeps a restarted process from claiming a predecessor's
// in-flight lists as its own.
func NewIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	nonce := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), nonce)
}

// Config wires a Manager. Store, Fetcher, Engine, Registry, and Chain are
// required.
type Config struct {
	Logger        *zap.Logger
	Store         *store.Store
	Fetcher       fetch.Fetcher
	Engine        *retry.Engine
	Registry      *job.Registry
	Chain         *middleware.Chain
	Reloader      processor.Reloader
	ErrorHandlers []processor.ErrorHandler
	Metrics       *metrics.Metrics

	Concurrency int

	// HardTimeout bounds Stop. Jobs still running when it expires are
	// killed and their payloads requeued for another process.
	HardTimeout time.Duration

	Identity string
	Hostname string
	PID      int
	Queues   []string
}

// Manager runs a fixed-size pool of processors against one fetcher and keeps
// this process's registry entry fresh. Processors that die are replaced.
type Manager struct {
	logger        *zap.Logger
	procLogger    *zap.Logger
	store         *store.Store
	fetcher       fetch.Fetcher
	engine        *retry.Engine
	registry      *job.Registry
	chain         *middleware.Chain
	reloader      processor.Reloader
	errorHandlers []processor.ErrorHandler
	metrics       *metrics.Metrics

	concurrency int
	hardTimeout time.Duration

	identity  string
	hostname  string
	pid       int
	queues    []string
	startedAt time.Time

	busy     atomic.Int64
	quieted  atomic.Bool
	stopping atomic.Bool

	mu    sync.Mutex
	procs map[*processor.Processor]struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	hbDone    chan struct{}
}

func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	identity := cfg.Identity
	if identity == "" {
		identity = NewIdentity()
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	pid := cfg.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	hardTimeout := cfg.HardTimeout
	if hardTimeout <= 0 {
		hardTimeout = defaultHardTimeout
	}
	return &Manager{
		logger:        logger.Named("manager"),
		procLogger:    logger.Named("processor"),
		store:         cfg.Store,
		fetcher:       cfg.Fetcher,
		engine:        cfg.Engine,
		registry:      cfg.Registry,
		chain:         cfg.Chain,
		reloader:      cfg.Reloader,
		errorHandlers: cfg.ErrorHandlers,
		metrics:       cfg.Metrics,
		concurrency:   cfg.Concurrency,
		hardTimeout:   hardTimeout,
		identity:      identity,
		hostname:      hostname,
		pid:           pid,
		queues:        cfg.Queues,
		procs:         make(map[*processor.Processor]struct{}),
		hbDone:        make(chan struct{}),
	}
}

// Start registers the process, spawns the pool, and begins heartbeating. It
// does not block.
func (m *Manager) Start(ctx context.Context) {
	m.startedAt = time.Now()
	m.runCtx, m.runCancel = context.WithCancel(ctx)

	// The first beat is best effort; a Redis hiccup must not keep the
	// pool from starting when the next beat will register us anyway.
	if err := m.beat(m.runCtx); err != nil {
		m.logger.Warn("initial heartbeat failed", zap.Error(err))
	}
	go m.heartbeatLoop()

	m.mu.Lock()
	for i := 0; i < m.concurrency; i++ {
		m.spawnLocked()
	}
	m.mu.Unlock()

	m.logger.Info("manager started",
		zap.String("identity", m.identity),
		zap.Int("concurrency", m.concurrency),
		zap.Strings("queues", m.queues))
}

func (m *Manager) spawnLocked() {
	p := processor.New(processor.Config{
		Logger:        m.procLogger,
		Fetcher:       m.fetcher,
		Engine:        m.engine,
		Registry:      m.registry,
		Chain:         m.chain,
		Reloader:      m.reloader,
		ErrorHandlers: m.errorHandlers,
		Store:         m.store,
		Metrics:       m.metrics,
		Busy:          &m.busy,
		Callback:      m,
	})
	m.procs[p] = struct{}{}
	p.Start(m.runCtx)
}

// ProcessorStopped implements processor.Callback.
func (m *Manager) ProcessorStopped(p *processor.Processor) {
	m.replace(p)
}

// ProcessorDied implements processor.Callback. Dying means a panic outside
// job execution, so it is reported to the error handlers with no job.
func (m *Manager) ProcessorDied(p *processor.Processor, err error) {
	m.logger.Error("processor died", zap.Error(err))
	for _, h := range m.errorHandlers {
		h := h
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("error handler panicked", zap.Any("panic", r))
				}
			}()
			h(err, nil)
		}()
	}
	m.replace(p)
}

func (m *Manager) replace(p *processor.Processor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procs, p)
	if m.stopping.Load() || m.runCtx.Err() != nil {
		return
	}
	if len(m.procs) < m.concurrency {
		m.spawnLocked()
	}
}

func (m *Manager) heartbeatLoop() {
	defer close(m.hbDone)
	ticker := time.NewTicker(beatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			if err := m.beat(m.runCtx); err != nil {
				m.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) beat(ctx context.Context) error {
	return m.store.Heartbeat(ctx, store.ProcessInfo{
		Identity:    m.identity,
		Hostname:    m.hostname,
		PID:         m.pid,
		Concurrency: m.concurrency,
		Queues:      m.queues,
		StartedAt:   m.startedAt,
		Busy:        m.busy.Load(),
		Quiet:       m.quieted.Load(),
	})
}

// Quiet stops fetching new work. Jobs already running finish normally and the
// process keeps heartbeating, so operators can watch it drain.
func (m *Manager) Quiet() {
	if m.quieted.Swap(true) {
		return
	}
	m.logger.Info("quieting, no longer fetching jobs")
	if err := m.fetcher.Close(); err != nil {
		m.logger.Warn("failed to close fetcher", zap.Error(err))
	}
}

// Stop shuts the pool down. Processors get hardTimeout to finish the job in
// hand; stragglers are killed and their payloads drained back to the queues
// so another process can run them.
func (m *Manager) Stop(ctx context.Context) error {
	if m.stopping.Swap(true) {
		return nil
	}
	m.Quiet()

	m.mu.Lock()
	procs := make([]*processor.Processor, 0, len(m.procs))
	for p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	for _, p := range procs {
		p.Terminate(false)
	}
	if !joinAll(procs, m.hardTimeout) {
		m.logger.Warn("hard timeout reached, killing busy processors",
			zap.Int64("busy", m.busy.Load()))
		for _, p := range procs {
			p.Kill(false)
		}
		if !joinAll(procs, killGrace) {
			m.logger.Error("processors still running after kill grace")
		}
	}

	if m.runCancel != nil {
		m.runCancel()
		<-m.hbDone
	}

	var firstErr error
	if n, err := m.fetcher.Requeue(ctx); err != nil {
		m.logger.Error("failed to requeue in-flight jobs", zap.Error(err))
		firstErr = err
	} else if n > 0 {
		m.logger.Info("pushed unfinished jobs back to their queues", zap.Int64("count", n))
	}
	if err := m.store.DeregisterProcess(ctx, m.identity); err != nil {
		m.logger.Error("failed to deregister process", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	m.logger.Info("manager stopped")
	return firstErr
}

// joinAll waits for every processor's loop to exit, sharing one deadline.
func joinAll(procs []*processor.Processor, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, p := range procs {
		select {
		case <-p.Done():
		case <-deadline.C:
			return false
		}
	}
	return true
}

func (m *Manager) Identity() string { return m.identity }

// Busy reports how many processors are mid-job right now.
func (m *Manager) Busy() int64 { return m.busy.Load() }

func (m *Manager) ProcessorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}
