package sidekiq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/theabhaychauhan/sidekiq/internal/api"
	"github.com/theabhaychauhan/sidekiq/internal/client"
	"github.com/theabhaychauhan/sidekiq/internal/config"
	"github.com/theabhaychauhan/sidekiq/internal/events"
	"github.com/theabhaychauhan/sidekiq/internal/fetch"
	"github.com/theabhaychauhan/sidekiq/internal/janitor"
	"github.com/theabhaychauhan/sidekiq/internal/job"
	"github.com/theabhaychauhan/sidekiq/internal/logging"
	"github.com/theabhaychauhan/sidekiq/internal/manager"
	"github.com/theabhaychauhan/sidekiq/internal/metrics"
	"github.com/theabhaychauhan/sidekiq/internal/middleware"
	"github.com/theabhaychauhan/sidekiq/internal/poller"
	"github.com/theabhaychauhan/sidekiq/internal/retry"
	"github.com/theabhaychauhan/sidekiq/internal/store"
	"github.com/theabhaychauhan/sidekiq/internal/tracing"
)

// Server is one engine instance: the processor pool, scheduled poller, and
// the optional janitor, admin API, event publisher, and tracer, composed from
// the configuration. Register workers and middleware before Start.
type Server struct {
	cfg  *config.Config
	opts Options

	logger    *zap.Logger
	ownLogger bool

	registry *job.Registry
	chain    *middleware.Chain

	mu      sync.Mutex
	started bool

	store      *store.Store
	metrics    *metrics.Metrics
	events     *events.Publisher
	mgr        *manager.Manager
	jan        *janitor.Janitor
	admin      *api.Server
	pushClient *Client

	runCancel       context.CancelFunc
	pollDone        chan struct{}
	tracingShutdown func(context.Context) error
}

// NewServer builds a Server from configuration. A nil cfg uses the defaults.
func NewServer(cfg *Config, opts Options) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	ownLogger := false
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		ownLogger = true
	}
	return &Server{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		ownLogger: ownLogger,
		registry:  job.NewRegistry(),
		chain:     middleware.NewChain(),
	}, nil
}

// Register binds a worker factory to a job class.
func (s *Server) Register(class string, f Factory) {
	s.registry.Register(class, f)
}

// RegisterWithOptions binds a worker factory with per-class policy.
func (s *Server) RegisterWithOptions(class string, f Factory, opts WorkerOptions) {
	s.registry.RegisterWithOptions(class, f, opts)
}

// Use appends a named middleware to the execution chain.
func (s *Server) Use(name string, m Middleware) {
	s.chain.Add(name, m)
}

// Chain exposes the execution chain for ordering-sensitive setups.
func (s *Server) Chain() *Chain {
	return s.chain
}

// Start brings every component up. ctx bounds startup work only; a running
// server is stopped by Stop, not by cancelling this context.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("sidekiq: server already started")
	}
	if s.cfg.Concurrency > 0 && len(s.registry.Classes()) == 0 {
		s.logger.Warn("no worker classes registered; fetched jobs will fail with unknown class")
	}

	st, err := store.Open(ctx, s.cfg.Redis, s.logger)
	if err != nil {
		return err
	}

	var tracingShutdown func(context.Context) error
	if s.cfg.Tracing.Enabled {
		tracingShutdown, err = tracing.Init(ctx, s.cfg.Tracing.Endpoint, s.cfg.Tracing.ServiceName)
		if err != nil {
			_ = st.Close()
			return err
		}
		s.chain.Prepend(middleware.TracingName, middleware.Tracing("sidekiq"))
	}

	var pub *events.Publisher
	if s.cfg.Events.Enabled {
		pub, err = events.Connect(s.cfg.Events.URL, s.cfg.Events.SubjectPrefix, s.logger)
		if err != nil {
			if tracingShutdown != nil {
				_ = tracingShutdown(ctx)
			}
			_ = st.Close()
			return fmt.Errorf("sidekiq: connect events: %w", err)
		}
	}

	deadOpts := store.DeadOptions{MaxJobs: s.cfg.Dead.MaxJobs, MaxAge: s.cfg.Dead.MaxAge}
	var jan *janitor.Janitor
	if s.cfg.Janitor.Enabled {
		jan, err = janitor.New(st, s.logger, deadOpts, janitor.Schedules{
			OrphanSweep: s.cfg.Janitor.OrphanSweep,
			DeadTrim:    s.cfg.Janitor.DeadTrim,
		})
		if err != nil {
			_ = pub.Close()
			if tracingShutdown != nil {
				_ = tracingShutdown(ctx)
			}
			_ = st.Close()
			return err
		}
	}

	reg := s.opts.PromRegistry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)

	deathHandlers := append([]DeathHandler{}, s.opts.DeathHandlers...)
	deathHandlers = append(deathHandlers,
		func(ctx context.Context, j *job.Job, err error) { m.Dead.Inc() },
		pub.DeathHandler(),
	)

	engine := retry.NewEngine(st, s.logger, retry.Options{
		MaxRetries:    s.cfg.MaxRetries,
		Dead:          deadOpts,
		DeathHandlers: deathHandlers,
		OnRetry: func(j *job.Job, delay time.Duration) {
			m.Retried.Inc()
			pub.JobRetried(j, delay)
		},
	})

	identity := manager.NewIdentity()
	fetcher := s.opts.Fetcher
	if fetcher == nil {
		fetcher = fetch.NewRedis(st, fetch.RedisOptions{
			Identity: identity,
			Queues:   s.cfg.Queues,
			Strict:   s.cfg.Strict,
			Timeout:  s.cfg.FetchTimeout,
		})
	}

	mgr := manager.New(manager.Config{
		Logger:        s.logger,
		Store:         st,
		Fetcher:       fetcher,
		Engine:        engine,
		Registry:      s.registry,
		Chain:         s.chain,
		Reloader:      s.opts.Reloader,
		ErrorHandlers: s.opts.ErrorHandlers,
		Metrics:       m,
		Concurrency:   s.cfg.Concurrency,
		HardTimeout:   s.cfg.Timeout,
		Identity:      identity,
		Queues:        s.cfg.Queues,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	mgr.Start(runCtx)

	pol := poller.New(st, s.logger, s.cfg.AverageScheduledPollInterval, m)
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		pol.Run(runCtx)
	}()

	if jan != nil {
		// recover whatever a crashed predecessor left in flight
		if err := jan.Sweep(ctx); err != nil {
			s.logger.Warn("startup sweep failed", zap.Error(err))
		}
		jan.Start()
	}

	var admin *api.Server
	if s.cfg.Admin.Enabled {
		admin = api.New(s.cfg.Admin.Addr, st, reg, s.logger)
		admin.Start()
	}

	s.store = st
	s.metrics = m
	s.events = pub
	s.mgr = mgr
	s.jan = jan
	s.admin = admin
	s.pushClient = &Client{
		store:    st,
		logger:   s.logger,
		registry: s.registry,
		inner: client.New(st, s.logger, client.Options{
			RatePerSec: s.cfg.Client.RatePerSec,
			Burst:      s.cfg.Client.Burst,
			Strict:     s.cfg.Client.Strict,
		}),
	}
	s.runCancel = runCancel
	s.pollDone = pollDone
	s.tracingShutdown = tracingShutdown
	s.started = true

	s.logger.Info("sidekiq server started", zap.String("identity", identity))
	return nil
}

// Stop shuts every component down in dependency order. ctx bounds the whole
// shutdown, including the manager's hard timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.logger.Info("sidekiq server stopping")

	var firstErr error
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			s.logger.Warn("admin api shutdown failed", zap.Error(err))
			firstErr = err
		}
	}
	if s.jan != nil {
		s.jan.Stop()
	}
	if err := s.mgr.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	s.runCancel()
	<-s.pollDone

	if err := s.events.Close(); err != nil {
		s.logger.Warn("event publisher close failed", zap.Error(err))
	}
	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.logger.Info("sidekiq server stopped")
	if s.ownLogger {
		_ = s.logger.Sync()
	}
	return firstErr
}

// Quiet stops fetching new jobs while letting running ones finish. The
// process keeps heartbeating, polling, and serving the admin API until Stop.
func (s *Server) Quiet() {
	s.mu.Lock()
	mgr := s.mgr
	s.mu.Unlock()
	if mgr != nil {
		mgr.Quiet()
	}
}

// Run is Start, wait for ctx cancellation, then Stop with a deadline padded
// beyond the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout+10*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

// Client returns an enqueue client sharing this server's Redis connection,
// for workers that push follow-up jobs. Nil before Start; Close on it is a
// no-op.
func (s *Server) Client() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushClient
}

// Identity reports this process's registry identity. Empty before Start.
func (s *Server) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr == nil {
		return ""
	}
	return s.mgr.Identity()
}

// Stats snapshots queue depths, set sizes, and counters.
func (s *Server) Stats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	st := s.store
	s.mu.Unlock()
	if st == nil {
		return nil, errors.New("sidekiq: server not started")
	}
	return st.Snapshot(ctx)
}
