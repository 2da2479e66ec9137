package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/theabhaychauhan/sidekiq/internal/store"
)

func newTestFetcher(t *testing.T, opts RedisOptions) (*Redis, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := store.New(rdb, "", zaptest.NewLogger(t))
	if opts.Identity == "" {
		opts.Identity = "test:1:abcd"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 50 * time.Millisecond
	}
	return NewRedis(s, opts), s
}

func TestFetchStrictHonorsPriority(t *testing.T) {
	f, s := newTestFetcher(t, RedisOptions{Queues: []string{"high", "low"}, Strict: true})
	ctx := context.Background()

	require.NoError(t, s.PushJob(ctx, "low", []byte("low-job")))
	require.NoError(t, s.PushJob(ctx, "high", []byte("high-job")))

	u, err := f.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "high", u.Queue)
	assert.Equal(t, "high-job", string(u.Payload))

	u, err = f.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "low", u.Queue)
}

func TestFetchWeightedDrainsEveryQueue(t *testing.T) {
	f, s := newTestFetcher(t, RedisOptions{Queues: []string{"a", "b"}})
	ctx := context.Background()

	require.NoError(t, s.PushJob(ctx, "a", []byte("ja")))
	require.NoError(t, s.PushJob(ctx, "b", []byte("jb")))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		u, err := f.Fetch(ctx)
		require.NoError(t, err)
		require.NotNil(t, u)
		seen[u.Queue] = true
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
}

func TestFetchMovesToInflight(t *testing.T) {
	f, s := newTestFetcher(t, RedisOptions{Queues: []string{"q"}, Identity: "me:1:xy"})
	ctx := context.Background()

	require.NoError(t, s.PushJob(ctx, "q", []byte("p")))
	u, err := f.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, u)

	n, err := s.Client().LLen(ctx, s.InflightKey("q", "me:1:xy")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFetchEmptyBlocksUpToTimeout(t *testing.T) {
	f, _ := newTestFetcher(t, RedisOptions{Queues: []string{"idle"}, Timeout: 60 * time.Millisecond})

	start := time.Now()
	u, err := f.Fetch(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Nil(t, u)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestFetchNoQueuesSleeps(t *testing.T) {
	f, _ := newTestFetcher(t, RedisOptions{Queues: nil, Timeout: 50 * time.Millisecond})

	start := time.Now()
	u, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Nil(t, u)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestFetchClosedReturnsImmediately(t *testing.T) {
	f, s := newTestFetcher(t, RedisOptions{Queues: []string{"q"}, Timeout: time.Second})
	require.NoError(t, s.PushJob(context.Background(), "q", []byte("p")))
	require.NoError(t, f.Close())

	start := time.Now()
	u, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Nil(t, u)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAckRemovesInflight(t *testing.T) {
	f, s := newTestFetcher(t, RedisOptions{Queues: []string{"q"}, Identity: "me:1:xy"})
	ctx := context.Background()

	require.NoError(t, s.PushJob(ctx, "q", []byte("p")))
	u, err := f.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, u)

	require.NoError(t, f.Ack(ctx, u))
	n, err := s.Client().LLen(ctx, s.InflightKey("q", "me:1:xy")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRequeueReturnsUnacked(t *testing.T) {
	f, s := newTestFetcher(t, RedisOptions{Queues: []string{"q", "q"}}) // dup queue collapses
	ctx := context.Background()

	require.NoError(t, s.PushJob(ctx, "q", []byte("p1")))
	require.NoError(t, s.PushJob(ctx, "q", []byte("p2")))
	for i := 0; i < 2; i++ {
		u, err := f.Fetch(ctx)
		require.NoError(t, err)
		require.NotNil(t, u)
	}

	moved, err := f.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved)
	n, err := s.Client().LLen(ctx, s.QueueKey("q")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUnitOfWorkJob(t *testing.T) {
	u := &UnitOfWork{Queue: "q", Payload: []byte(`{"class":"A","args":[],"jid":"0123456789abcdef01234567","queue":"q"}`)}
	j, err := u.Job()
	require.NoError(t, err)
	assert.Equal(t, "A", j.Class)

	bad := &UnitOfWork{Queue: "q", Payload: []byte("nope")}
	_, err = bad.Job()
	assert.Error(t, err)
}
