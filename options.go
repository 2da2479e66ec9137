package sidekiq

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/theabhaychauhan/sidekiq/internal/config"
	"github.com/theabhaychauhan/sidekiq/internal/fetch"
	"github.com/theabhaychauhan/sidekiq/internal/job"
	"github.com/theabhaychauhan/sidekiq/internal/middleware"
	"github.com/theabhaychauhan/sidekiq/internal/processor"
	"github.com/theabhaychauhan/sidekiq/internal/retry"
	"github.com/theabhaychauhan/sidekiq/internal/store"
)

// Aliases for the internal types that cross the public surface, so embedding
// applications import this package and nothing else.
type (
	// Job is one unit of work in the Sidekiq wire format.
	Job = job.Job

	// Worker executes jobs of one registered class.
	Worker = job.Worker

	// WorkerFunc adapts a function to the Worker interface.
	WorkerFunc = job.WorkerFunc

	// Factory builds a fresh Worker per execution.
	Factory = job.Factory

	// WorkerOptions declares per-class queue, retry, and backtrace policy.
	WorkerOptions = job.Options

	// Current describes the job a worker context belongs to.
	Current = job.Current

	// Middleware wraps job execution; call next to continue the chain.
	Middleware = middleware.Func

	// Invocation is what a Middleware sees: envelope, queue, worker.
	Invocation = middleware.Invocation

	// Next continues a middleware chain.
	Next = middleware.Next

	// Chain is an ordered set of named middleware entries.
	Chain = middleware.Chain

	// Fetcher pulls units of work for the processor pool. Supplying a
	// custom one replaces Redis fetching entirely.
	Fetcher = fetch.Fetcher

	// UnitOfWork is one fetched payload and its source queue.
	UnitOfWork = fetch.UnitOfWork

	// ErrorHandler observes fetch, parse, and job failures. The job is
	// nil when no envelope was parsed.
	ErrorHandler = processor.ErrorHandler

	// DeathHandler observes jobs that exhausted their retries.
	DeathHandler = retry.DeathHandler

	// Reloader wraps lookup and execution of every job, the seam for
	// per-job setup such as code reloading.
	Reloader = processor.Reloader

	// Stats is a point-in-time snapshot of queue depths and counters.
	Stats = store.Stats

	// Config carries every tunable; see LoadConfig and DefaultConfig.
	Config = config.Config

	RedisConfig   = config.RedisConfig
	DeadConfig    = config.DeadConfig
	LoggingConfig = config.LoggingConfig
	AdminConfig   = config.AdminConfig
	TracingConfig = config.TracingConfig
	EventsConfig  = config.EventsConfig
	ClientConfig  = config.ClientConfig
	JanitorConfig = config.JanitorConfig
)

// ErrShutdown marks errors caused by the process shutting down. Jobs failing
// with it in their cause chain are not retried or acknowledged; they return
// to their queue for another process.
var ErrShutdown = retry.ErrShutdown

// CausedByShutdown reports whether err's cause chain contains ErrShutdown.
func CausedByShutdown(err error) bool {
	return retry.CausedByShutdown(err)
}

// CurrentJob returns the jid, class, and queue of the job a worker context
// belongs to.
func CurrentJob(ctx context.Context) (Current, bool) {
	return job.FromContext(ctx)
}

// NewJID generates a fresh 24-character job id.
func NewJID() string {
	return job.NewJID()
}

// LoadConfig reads configuration from defaults, an optional YAML file, and
// SIDEKIQ_-prefixed environment variables.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return config.Default()
}

// Options are the runtime hooks that cannot come from a config file.
type Options struct {
	// Logger overrides the config-built logger.
	Logger *zap.Logger

	// Fetcher overrides the Redis fetcher.
	Fetcher Fetcher

	// Reloader wraps every job execution.
	Reloader Reloader

	ErrorHandlers []ErrorHandler
	DeathHandlers []DeathHandler

	// PromRegistry receives the engine's collectors. When nil the server
	// uses a private registry, exposed on the admin API when enabled.
	PromRegistry *prometheus.Registry
}
