// Package store wraps Redis with the key layout and operations the engine is
// built on: queue lists, in-flight backup lists, the retry/schedule/dead
// sorted sets, process registry hashes, and stat counters.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/theabhaychauhan/sidekiq/internal/config"
)

// Sorted sets and registry keys. Every key is optionally prefixed with a
// namespace so several deployments can share one Redis.
const (
	RetrySet    = "retry"
	ScheduleSet = "schedule"
	DeadSet     = "dead"

	QueuesSet  = "queues"
	ProcessSet = "processes"

	queuePrefix = "queue:"

	// processTTL is the heartbeat hash lifetime; a process that misses
	// enough beats disappears from the registry on its own.
	processTTL = 60 * time.Second
)

// Store is safe for concurrent use by every component of one instance.
type Store struct {
	rdb    redis.UniversalClient
	ns     string
	logger *zap.Logger
}

// Open connects to Redis from configuration and verifies the connection.
func Open(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Store, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	s := New(redis.NewClient(opt), cfg.Namespace, logger)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return s, nil
}

// New wraps an existing client; tests hand it a client pointed at miniredis.
func New(rdb redis.UniversalClient, namespace string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rdb: rdb, ns: namespace, logger: logger.Named("store")}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Client exposes the underlying connection for components with needs beyond
// this package, such as health endpoints.
func (s *Store) Client() redis.UniversalClient {
	return s.rdb
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Key applies the namespace prefix.
func (s *Store) Key(name string) string {
	if s.ns == "" {
		return name
	}
	return s.ns + ":" + name
}

// QueueKey names the list holding ready jobs for a queue.
func (s *Store) QueueKey(queue string) string {
	return s.Key(queuePrefix + queue)
}

// InflightKey names the backup list that holds jobs a process has fetched
// but not yet acknowledged.
func (s *Store) InflightKey(queue, identity string) string {
	return s.Key(queuePrefix + queue + ":" + identity)
}

// PushJob makes a payload runnable: the queue joins the known-queues set and
// the payload lands at the head of its list.
func (s *Store) PushJob(ctx context.Context, queue string, payload []byte) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.Key(QueuesSet), queue)
		pipe.LPush(ctx, s.QueueKey(queue), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: push to %s: %w", queue, err)
	}
	return nil
}

// PushJobs pushes a batch to one queue in a single round trip.
func (s *Store) PushJobs(ctx context.Context, queue string, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	vals := make([]any, len(payloads))
	for i, p := range payloads {
		vals[i] = p
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.Key(QueuesSet), queue)
		pipe.LPush(ctx, s.QueueKey(queue), vals...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: push %d to %s: %w", len(payloads), queue, err)
	}
	return nil
}

// Schedule files a payload in a sorted set (retry or schedule) keyed by the
// epoch second it becomes due.
func (s *Store) Schedule(ctx context.Context, set string, fireAt float64, payload []byte) error {
	err := s.rdb.ZAdd(ctx, s.Key(set), redis.Z{Score: fireAt, Member: payload}).Err()
	if err != nil {
		return fmt.Errorf("store: schedule in %s: %w", set, err)
	}
	return nil
}

// PopToInflight moves one payload from a queue to the in-flight list without
// blocking. A nil payload with nil error means the queue was empty.
func (s *Store) PopToInflight(ctx context.Context, queue, identity string) ([]byte, error) {
	val, err := s.rdb.RPopLPush(ctx, s.QueueKey(queue), s.InflightKey(queue, identity)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: pop %s: %w", queue, err)
	}
	return []byte(val), nil
}

// BlockPopToInflight is PopToInflight with a server-side block of up to
// timeout. The move to the in-flight list and the pop are one atomic step,
// so a crash after this call leaves the payload recoverable.
func (s *Store) BlockPopToInflight(ctx context.Context, queue, identity string, timeout time.Duration) ([]byte, error) {
	val, err := s.rdb.BRPopLPush(ctx, s.QueueKey(queue), s.InflightKey(queue, identity), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: blocking pop %s: %w", queue, err)
	}
	return []byte(val), nil
}

// AckInflight removes one occurrence of the exact payload from the in-flight
// list. Acknowledgement is what marks a job done, so transient Redis errors
// are retried with exponential backoff before giving up.
func (s *Store) AckInflight(ctx context.Context, queue, identity string, payload []byte) error {
	op := func() error {
		return s.rdb.LRem(ctx, s.InflightKey(queue, identity), 1, payload).Err()
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("store: ack on %s: %w", queue, err)
	}
	return nil
}

// DeadOptions bounds the dead set.
type DeadOptions struct {
	MaxJobs int64
	MaxAge  time.Duration
}

// AddDead buries a payload and prunes the set by age and size in the same
// transaction. The newest MaxJobs entries survive.
func (s *Store) AddDead(ctx context.Context, payload []byte, diedAt time.Time, opts DeadOptions) error {
	key := s.Key(DeadSet)
	cutoff := formatScore(epoch(diedAt.Add(-opts.MaxAge)))
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: epoch(diedAt), Member: payload})
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		pipe.ZRemRangeByRank(ctx, key, 0, -(opts.MaxJobs + 1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: bury job: %w", err)
	}
	return nil
}

// TrimDead prunes the dead set without adding to it.
func (s *Store) TrimDead(ctx context.Context, now time.Time, opts DeadOptions) error {
	key := s.Key(DeadSet)
	cutoff := formatScore(epoch(now.Add(-opts.MaxAge)))
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		pipe.ZRemRangeByRank(ctx, key, 0, -(opts.MaxJobs + 1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: trim dead set: %w", err)
	}
	return nil
}

// ProcessInfo is the heartbeat record one process publishes about itself.
type ProcessInfo struct {
	Identity    string
	Hostname    string
	PID         int
	Concurrency int
	Queues      []string
	StartedAt   time.Time
	Busy        int64
	Quiet       bool
}

// Heartbeat registers the process and refreshes its hash. The hash expires
// after processTTL, so liveness is implied by the beat itself.
func (s *Store) Heartbeat(ctx context.Context, info ProcessInfo) error {
	key := s.Key(ProcessSet + ":" + info.Identity)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.Key(ProcessSet), info.Identity)
		pipe.HSet(ctx, key,
			"hostname", info.Hostname,
			"pid", info.PID,
			"concurrency", info.Concurrency,
			"queues", strings.Join(info.Queues, ","),
			"started_at", formatScore(epoch(info.StartedAt)),
			"beat", formatScore(epoch(time.Now())),
			"busy", info.Busy,
			"quiet", strconv.FormatBool(info.Quiet),
		)
		pipe.Expire(ctx, key, processTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: heartbeat %s: %w", info.Identity, err)
	}
	return nil
}

// DeregisterProcess removes the process from the registry during a clean
// shutdown.
func (s *Store) DeregisterProcess(ctx context.Context, identity string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.Key(ProcessSet), identity)
		pipe.Del(ctx, s.Key(ProcessSet+":"+identity))
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: deregister %s: %w", identity, err)
	}
	return nil
}

// ProcessCount reports how many processes are registered, dead or alive.
// Callers that need liveness should ReapDeadProcesses first.
func (s *Store) ProcessCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, s.Key(ProcessSet)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: process count: %w", err)
	}
	return n, nil
}

// IncrProcessed bumps the lifetime and per-day processed counters.
func (s *Store) IncrProcessed(ctx context.Context, day time.Time) error {
	return s.incrStat(ctx, "processed", day)
}

// IncrFailed bumps the lifetime and per-day failure counters.
func (s *Store) IncrFailed(ctx context.Context, day time.Time) error {
	return s.incrStat(ctx, "failed", day)
}

func (s *Store) incrStat(ctx context.Context, name string, day time.Time) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, s.Key("stat:"+name))
		pipe.Incr(ctx, s.Key("stat:"+name+":"+day.UTC().Format("2006-01-02")))
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: incr stat %s: %w", name, err)
	}
	return nil
}

// Stats is a point-in-time snapshot served by the admin API.
type Stats struct {
	Queues    map[string]int64 `json:"queues"`
	Retry     int64            `json:"retry"`
	Scheduled int64            `json:"scheduled"`
	Dead      int64            `json:"dead"`
	Processes int64            `json:"processes"`
	Processed int64            `json:"processed"`
	Failed    int64            `json:"failed"`
}

// Snapshot gathers queue depths, set sizes, and counters.
func (s *Store) Snapshot(ctx context.Context) (*Stats, error) {
	stats := &Stats{Queues: make(map[string]int64)}

	queues, err := s.rdb.SMembers(ctx, s.Key(QueuesSet)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: snapshot queues: %w", err)
	}
	for _, q := range queues {
		n, err := s.rdb.LLen(ctx, s.QueueKey(q)).Result()
		if err != nil {
			return nil, fmt.Errorf("store: snapshot queue %s: %w", q, err)
		}
		stats.Queues[q] = n
	}

	if stats.Retry, err = s.rdb.ZCard(ctx, s.Key(RetrySet)).Result(); err != nil {
		return nil, fmt.Errorf("store: snapshot retry: %w", err)
	}
	if stats.Scheduled, err = s.rdb.ZCard(ctx, s.Key(ScheduleSet)).Result(); err != nil {
		return nil, fmt.Errorf("store: snapshot schedule: %w", err)
	}
	if stats.Dead, err = s.rdb.ZCard(ctx, s.Key(DeadSet)).Result(); err != nil {
		return nil, fmt.Errorf("store: snapshot dead: %w", err)
	}
	if stats.Processes, err = s.rdb.SCard(ctx, s.Key(ProcessSet)).Result(); err != nil {
		return nil, fmt.Errorf("store: snapshot processes: %w", err)
	}

	stats.Processed, err = s.counter(ctx, "stat:processed")
	if err != nil {
		return nil, err
	}
	stats.Failed, err = s.counter(ctx, "stat:failed")
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) counter(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, s.Key(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read %s: %w", key, err)
	}
	return n, nil
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
