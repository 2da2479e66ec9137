// Package client enqueues jobs: immediate pushes, scheduled pushes, and
// batches, with the client middleware chain and optional rate limiting in
// front of every write.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/theabhaychauhan/sidekiq/internal/job"
	"github.com/theabhaychauhan/sidekiq/internal/middleware"
	"github.com/theabhaychauhan/sidekiq/internal/store"
)

// Options tunes a Client.
type Options struct {
	// RatePerSec throttles pushes across this client; zero disables.
	RatePerSec float64
	Burst      int

	// Strict validates payloads against the envelope schema before they
	// touch Redis.
	Strict bool

	// Chain is the client middleware chain; nil gets a fresh empty one.
	Chain *middleware.Chain
}

// Client pushes jobs. Safe for concurrent use.
type Client struct {
	store   *store.Store
	logger  *zap.Logger
	chain   *middleware.Chain
	limiter *rate.Limiter
	strict  bool

	now func() time.Time
}

func New(s *store.Store, logger *zap.Logger, opts Options) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	chain := opts.Chain
	if chain == nil {
		chain = middleware.NewChain()
	}
	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return &Client{
		store:   s,
		logger:  logger.Named("client"),
		chain:   chain,
		limiter: limiter,
		strict:  opts.Strict,
		now:     time.Now,
	}
}

// Chain exposes the client middleware chain for registration.
func (c *Client) Chain() *middleware.Chain {
	return c.chain
}

// Push enqueues one job and returns its jid. Middleware may halt the push by
// not calling next; the returned jid is empty in that case.
func (c *Client) Push(ctx context.Context, j *job.Job) (string, error) {
	if err := c.normalize(j); err != nil {
		return "", err
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	pushed := false
	inv := &middleware.Invocation{Job: j, Queue: j.Queue}
	err := c.chain.Invoke(ctx, inv, func(ctx context.Context) error {
		if err := c.enqueue(ctx, j); err != nil {
			return err
		}
		pushed = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if !pushed {
		return "", nil
	}
	c.logger.Debug("job pushed",
		zap.String("jid", j.JID),
		zap.String("class", j.Class),
		zap.String("queue", j.Queue))
	return j.JID, nil
}

// PushBulk enqueues many jobs of mixed queues, one Redis round trip per
// queue. Scheduling is not supported in bulk; jobs with at set are rejected.
// Returns the jids actually pushed, in input order, skipping any a
// middleware dropped.
func (c *Client) PushBulk(ctx context.Context, jobs []*job.Job) ([]string, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	type entry struct {
		jid     string
		payload []byte
	}
	byQueue := make(map[string][]entry)
	var jids []string

	for i, j := range jobs {
		if err := c.normalize(j); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		if j.At != 0 {
			return nil, fmt.Errorf("job %d: bulk push cannot schedule; use Schedule per job", i)
		}

		accepted := false
		inv := &middleware.Invocation{Job: j, Queue: j.Queue}
		err := c.chain.Invoke(ctx, inv, func(ctx context.Context) error {
			accepted = true
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		if !accepted {
			continue
		}

		j.EnqueuedAt = job.Epoch(c.now())
		payload, err := json.Marshal(j)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		if c.strict {
			if err := job.ValidatePayload(payload); err != nil {
				return nil, fmt.Errorf("job %d: %w", i, err)
			}
		}
		byQueue[j.Queue] = append(byQueue[j.Queue], entry{jid: j.JID, payload: payload})
		jids = append(jids, j.JID)
	}

	if len(jids) == 0 {
		return nil, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	for queue, entries := range byQueue {
		payloads := make([][]byte, len(entries))
		for i, e := range entries {
			payloads[i] = e.payload
		}
		if err := c.store.PushJobs(ctx, queue, payloads); err != nil {
			return nil, err
		}
	}
	c.logger.Debug("jobs pushed in bulk", zap.Int("count", len(jids)))
	return jids, nil
}

// Schedule enqueues j to run at the given time. Times at or before now push
// immediately.
func (c *Client) Schedule(ctx context.Context, j *job.Job, at time.Time) (string, error) {
	j.At = job.Epoch(at)
	return c.Push(ctx, j)
}

// PushIn is Schedule relative to now.
func (c *Client) PushIn(ctx context.Context, j *job.Job, d time.Duration) (string, error) {
	return c.Schedule(ctx, j, c.now().Add(d))
}

// normalize fills the envelope defaults a bare push may omit.
func (c *Client) normalize(j *job.Job) error {
	if j.Class == "" {
		return fmt.Errorf("client: job class is required")
	}
	if j.Queue == "" {
		j.Queue = job.DefaultQueue
	}
	if j.Args == nil {
		j.Args = []any{}
	}
	if j.JID == "" {
		j.JID = job.NewJID()
	}
	if j.Retry == nil {
		j.Retry = true
	}
	if j.CreatedAt == 0 {
		j.CreatedAt = job.Epoch(c.now())
	}
	return nil
}

// enqueue is the terminal step of the push chain: scheduled jobs go to the
// scheduled set, everything else straight to its queue.
func (c *Client) enqueue(ctx context.Context, j *job.Job) error {
	fireAt := j.At
	j.At = 0
	scheduled := fireAt > job.Epoch(c.now())

	if !scheduled {
		j.EnqueuedAt = job.Epoch(c.now())
	}
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("client: serialize job: %w", err)
	}
	if c.strict {
		if err := job.ValidatePayload(payload); err != nil {
			return err
		}
	}
	if scheduled {
		return c.store.Schedule(ctx, store.ScheduleSet, fireAt, payload)
	}
	return c.store.PushJob(ctx, j.Queue, payload)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}
