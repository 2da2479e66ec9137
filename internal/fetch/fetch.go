// Package fetch pulls jobs out of Redis queues and into per-process
// in-flight lists, so a crash between fetch and acknowledgement loses
// nothing.
package fetch

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/theabhaychauhan/sidekiq/internal/job"
	"github.com/theabhaychauhan/sidekiq/internal/store"
)

// UnitOfWork is one fetched payload plus where it came from. The raw bytes
// are kept verbatim: acknowledgement removes the in-flight entry by exact
// value, so nothing may reserialize them.
type UnitOfWork struct {
	Queue   string
	Payload []byte
}

// Job parses the payload.
func (u *UnitOfWork) Job() (*job.Job, error) {
	return job.Parse(u.Payload)
}

// Fetcher hands units of work to processors.
type Fetcher interface {
	// Fetch blocks up to the fetcher's timeout. Both return values are
	// nil when nothing was available or the fetcher is closed.
	Fetch(ctx context.Context) (*UnitOfWork, error)

	// Ack marks a unit done, removing it from the in-flight list.
	Ack(ctx context.Context, u *UnitOfWork) error

	// Requeue drains this fetcher's in-flight lists back to their
	// queues, for shutdown. It reports how many payloads moved.
	Requeue(ctx context.Context) (int64, error)

	// Close makes subsequent Fetch calls return immediately with no work.
	Close() error
}

// RedisOptions configures a Redis-backed fetcher.
type RedisOptions struct {
	// Identity distinguishes this process's in-flight lists from every
	// other process draining the same queues.
	Identity string
	Queues   []string

	// Strict drains queues in declared priority order. Otherwise each
	// fetch shuffles candidates so every queue gets a share.
	Strict bool

	// Timeout bounds the blocking wait of one Fetch call.
	Timeout time.Duration
}

// Redis is the production Fetcher.
type Redis struct {
	store    *store.Store
	identity string
	queues   []string
	strict   bool
	timeout  time.Duration
	closed   atomic.Bool
}

func NewRedis(s *store.Store, opts RedisOptions) *Redis {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	queues := make([]string, len(opts.Queues))
	copy(queues, opts.Queues)
	return &Redis{
		store:    s,
		identity: opts.Identity,
		queues:   queues,
		strict:   opts.Strict,
		timeout:  timeout,
	}
}

// candidates returns the queue order for one fetch attempt.
func (f *Redis) candidates() []string {
	if f.strict {
		return uniq(f.queues)
	}
	shuffled := make([]string, len(f.queues))
	copy(shuffled, f.queues)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return uniq(shuffled)
}

func uniq(queues []string) []string {
	seen := make(map[string]struct{}, len(queues))
	out := make([]string, 0, len(queues))
	for _, q := range queues {
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}

// Fetch probes every candidate queue without blocking, then parks in a
// blocking pop on the first candidate. Blocking on a single key keeps the
// fetch-to-in-flight move atomic; the probe pass keeps lower-priority queues
// from starving while the first is busy elsewhere.
func (f *Redis) Fetch(ctx context.Context) (*UnitOfWork, error) {
	if f.closed.Load() {
		return nil, nil
	}
	cands := f.candidates()
	if len(cands) == 0 {
		return nil, sleepCtx(ctx, f.timeout)
	}

	for _, q := range cands {
		payload, err := f.store.PopToInflight(ctx, q, f.identity)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			return &UnitOfWork{Queue: q, Payload: payload}, nil
		}
	}

	payload, err := f.store.BlockPopToInflight(ctx, cands[0], f.identity, f.timeout)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	return &UnitOfWork{Queue: cands[0], Payload: payload}, nil
}

func (f *Redis) Ack(ctx context.Context, u *UnitOfWork) error {
	return f.store.AckInflight(ctx, u.Queue, f.identity, u.Payload)
}

// Requeue returns everything this process fetched but never acknowledged.
func (f *Redis) Requeue(ctx context.Context) (int64, error) {
	var total int64
	for _, q := range uniq(f.queues) {
		n, err := f.store.DrainInflight(ctx, q, f.identity)
		if err != nil {
			return total, fmt.Errorf("fetch: requeue %s: %w", q, err)
		}
		total += n
	}
	return total, nil
}

// Close is idempotent and never blocks; in-flight units stay fetchable for
// Ack and Requeue.
func (f *Redis) Close() error {
	f.closed.Store(true)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
