package sidekiq

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/theabhaychauhan/sidekiq/internal/client"
	"github.com/theabhaychauhan/sidekiq/internal/config"
	"github.com/theabhaychauhan/sidekiq/internal/job"
	"github.com/theabhaychauhan/sidekiq/internal/logging"
	"github.com/theabhaychauhan/sidekiq/internal/store"
)

// Client enqueues jobs. Producers that never run a Server use NewClient;
// workers that push follow-up jobs borrow one from Server.Client.
type Client struct {
	store     *store.Store
	inner     *client.Client
	logger    *zap.Logger
	registry  *job.Registry
	ownStore  bool
	ownLogger bool
}

// NewClient opens its own Redis connection for enqueue-only use. A nil cfg
// uses the defaults.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Redis, logger)
	if err != nil {
		return nil, err
	}
	return &Client{
		store:     st,
		logger:    logger,
		ownStore:  true,
		ownLogger: true,
		inner: client.New(st, logger, client.Options{
			RatePerSec: cfg.Client.RatePerSec,
			Burst:      cfg.Client.Burst,
			Strict:     cfg.Client.Strict,
		}),
	}, nil
}

// Push enqueues one job and returns its jid. The jid is empty when a push
// middleware dropped the job.
func (c *Client) Push(ctx context.Context, j *Job) (string, error) {
	c.applyClassQueue(j)
	return c.inner.Push(ctx, j)
}

// PushBulk enqueues many jobs in one round trip per queue and returns their
// jids in input order.
func (c *Client) PushBulk(ctx context.Context, jobs []*Job) ([]string, error) {
	for _, j := range jobs {
		c.applyClassQueue(j)
	}
	return c.inner.PushBulk(ctx, jobs)
}

// Schedule enqueues a job to fire at a future time. A time in the past
// enqueues immediately.
func (c *Client) Schedule(ctx context.Context, j *Job, at time.Time) (string, error) {
	c.applyClassQueue(j)
	return c.inner.Schedule(ctx, j, at)
}

// PushIn is Schedule relative to now.
func (c *Client) PushIn(ctx context.Context, j *Job, d time.Duration) (string, error) {
	c.applyClassQueue(j)
	return c.inner.PushIn(ctx, j, d)
}

// applyClassQueue routes a job naming no queue to its class's registered
// default queue. Clients built by NewClient have no registry; their jobs
// fall back to the default queue as usual.
func (c *Client) applyClassQueue(j *Job) {
	if j == nil || j.Queue != "" || c.registry == nil {
		return
	}
	if reg, err := c.registry.Lookup(j.Class); err == nil && reg.Options.Queue != "" {
		j.Queue = reg.Options.Queue
	}
}

// Use appends a named middleware to the push chain.
func (c *Client) Use(name string, m Middleware) {
	c.inner.Chain().Add(name, m)
}

// Close releases the client's own Redis connection. Clients borrowed from a
// Server share its connection, so Close is a no-op for them.
func (c *Client) Close() error {
	if c.ownLogger {
		_ = c.logger.Sync()
	}
	if !c.ownStore {
		return nil
	}
	return c.store.Close()
}
