package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/theabhaychauhan/sidekiq/internal/config"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "", zaptest.NewLogger(t)), mr
}

func payloadFor(t *testing.T, class, queue string) []byte {
	t.Helper()
	out, err := json.Marshal(map[string]any{
		"class": class, "args": []any{}, "jid": "0123456789abcdef01234567", "queue": queue,
	})
	require.NoError(t, err)
	return out
}

func TestPushJobRegistersQueue(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PushJob(ctx, "mail", []byte("p1")))

	members, err := mr.SMembers("queues")
	require.NoError(t, err)
	assert.Equal(t, []string{"mail"}, members)

	vals, err := mr.List("queue:mail")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, vals)
}

func TestPushJobsBatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PushJobs(ctx, "bulk", [][]byte{[]byte("a"), []byte("b"), []byte("c")}))
	n, err := s.Client().LLen(ctx, "queue:bulk").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, s.PushJobs(ctx, "bulk", nil))
}

func TestPopToInflight(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PushJob(ctx, "q", []byte("first")))
	require.NoError(t, s.PushJob(ctx, "q", []byte("second")))

	got, err := s.PopToInflight(ctx, "q", "me")
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	inflight, err := s.Client().LRange(ctx, s.InflightKey("q", "me"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, inflight)
}

func TestPopToInflightEmptyQueue(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.PopToInflight(context.Background(), "empty", "me")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBlockPopToInflightReady(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PushJob(ctx, "q", []byte("ready")))
	got, err := s.BlockPopToInflight(ctx, "q", "me", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "ready", string(got))
}

func TestAckInflightRemovesExactlyOne(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// identical payloads fetched twice leave two copies in flight
	require.NoError(t, s.PushJob(ctx, "q", []byte("dup")))
	require.NoError(t, s.PushJob(ctx, "q", []byte("dup")))
	_, err := s.PopToInflight(ctx, "q", "me")
	require.NoError(t, err)
	_, err = s.PopToInflight(ctx, "q", "me")
	require.NoError(t, err)

	require.NoError(t, s.AckInflight(ctx, "q", "me", []byte("dup")))
	n, err := s.Client().LLen(ctx, s.InflightKey("q", "me")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDrainInflightRestoresOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, s.PushJob(ctx, "q", []byte(p)))
	}
	// fetch the two oldest
	for i := 0; i < 2; i++ {
		_, err := s.PopToInflight(ctx, "q", "me")
		require.NoError(t, err)
	}

	n, err := s.DrainInflight(ctx, "q", "me")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// original fifo order is intact
	var order []string
	for i := 0; i < 3; i++ {
		p, err := s.PopToInflight(ctx, "q", "me2")
		require.NoError(t, err)
		order = append(order, string(p))
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestDrainInflightEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	n, err := s.DrainInflight(context.Background(), "q", "nobody")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPromoteDueMovesOnlyDue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	due := payloadFor(t, "DueJob", "critical")
	future := payloadFor(t, "FutureJob", "critical")
	require.NoError(t, s.Schedule(ctx, ScheduleSet, epoch(now.Add(-time.Minute)), due))
	require.NoError(t, s.Schedule(ctx, ScheduleSet, epoch(now.Add(time.Hour)), future))

	promoted, err := s.PromoteDue(ctx, ScheduleSet, now)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	queued, err := s.Client().LRange(ctx, "queue:critical", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{string(due)}, queued)

	isMember, err := s.Client().SIsMember(ctx, "queues", "critical").Result()
	require.NoError(t, err)
	assert.True(t, isMember)

	left, err := s.Client().ZCard(ctx, ScheduleSet).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)
}

func TestPromoteDueDrainsAll(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, class := range []string{"A", "B", "C"} {
		p := payloadFor(t, class, "default")
		require.NoError(t, s.Schedule(ctx, RetrySet, epoch(now.Add(-time.Duration(i+1)*time.Second)), p))
	}

	promoted, err := s.PromoteDue(ctx, RetrySet, now)
	require.NoError(t, err)
	assert.Equal(t, 3, promoted)

	n, err := s.Client().LLen(ctx, "queue:default").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestPromoteDueUndecodablePayloadUsesDefaultQueue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Schedule(ctx, ScheduleSet, epoch(now.Add(-time.Second)), []byte("not json")))

	promoted, err := s.PromoteDue(ctx, ScheduleSet, now)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	queued, err := s.Client().LRange(ctx, "queue:default", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"not json"}, queued)
}

func TestAddDeadCapsBySize(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	opts := DeadOptions{MaxJobs: 3, MaxAge: 24 * time.Hour}
	base := time.Now()

	for i := 0; i < 5; i++ {
		p := []byte(fmt.Sprintf(`{"class":"DeadJob","n":%d}`, i))
		require.NoError(t, s.AddDead(ctx, p, base.Add(time.Duration(i)*time.Second), opts))
	}

	members, err := s.Client().ZRange(ctx, DeadSet, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 3)
	// newest three survive
	assert.Contains(t, members[0], `"n":2`)
	assert.Contains(t, members[2], `"n":4`)
}

func TestAddDeadPrunesByAge(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	opts := DeadOptions{MaxJobs: 100, MaxAge: time.Hour}
	base := time.Now()

	require.NoError(t, s.AddDead(ctx, []byte("ancient"), base, opts))
	require.NoError(t, s.AddDead(ctx, []byte("fresh"), base.Add(2*time.Hour), opts))

	members, err := s.Client().ZRange(ctx, DeadSet, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, members)
}

func TestTrimDead(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Schedule(ctx, DeadSet, epoch(base.Add(time.Duration(i)*time.Minute)), []byte{byte('a' + i)}))
	}

	require.NoError(t, s.TrimDead(ctx, base.Add(3*time.Minute), DeadOptions{MaxJobs: 2, MaxAge: 150 * time.Minute}))
	members, err := s.Client().ZRange(ctx, DeadSet, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, members)
}

func TestHeartbeatRegistersWithTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	info := ProcessInfo{
		Identity: "host1:42:abcd", Hostname: "host1", PID: 42,
		Concurrency: 5, Queues: []string{"a", "b"},
		StartedAt: time.Now(), Busy: 2, Quiet: false,
	}
	require.NoError(t, s.Heartbeat(ctx, info))

	isMember, err := s.Client().SIsMember(ctx, ProcessSet, info.Identity).Result()
	require.NoError(t, err)
	assert.True(t, isMember)

	key := ProcessSet + ":" + info.Identity
	assert.Equal(t, "host1", mr.HGet(key, "hostname"))
	assert.Equal(t, "a,b", mr.HGet(key, "queues"))
	assert.Equal(t, "false", mr.HGet(key, "quiet"))
	assert.Equal(t, 60*time.Second, mr.TTL(key))
}

func TestDeregisterProcess(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	info := ProcessInfo{Identity: "gone:1:x", StartedAt: time.Now()}
	require.NoError(t, s.Heartbeat(ctx, info))
	require.NoError(t, s.DeregisterProcess(ctx, info.Identity))

	n, err := s.ProcessCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	exists, err := s.Client().Exists(ctx, ProcessSet+":gone:1:x").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestReapDeadProcesses(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Heartbeat(ctx, ProcessInfo{Identity: "alive:1:a", StartedAt: time.Now()}))
	// ghost: registered but its hash is gone
	require.NoError(t, s.Client().SAdd(ctx, ProcessSet, "ghost:2:b").Err())

	reaped, err := s.ReapDeadProcesses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost:2:b"}, reaped)

	n, err := s.ProcessCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSweepOrphanedInflight(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Heartbeat(ctx, ProcessInfo{Identity: "live:1:aa", StartedAt: time.Now()}))

	require.NoError(t, s.PushJob(ctx, "q", []byte("mine")))
	require.NoError(t, s.PushJob(ctx, "q", []byte("orphan1")))
	require.NoError(t, s.PushJob(ctx, "q", []byte("orphan2")))

	_, err := s.PopToInflight(ctx, "q", "live:1:aa")
	require.NoError(t, err)
	_, err = s.PopToInflight(ctx, "q", "dead:9:zz")
	require.NoError(t, err)
	_, err = s.PopToInflight(ctx, "q", "dead:9:zz")
	require.NoError(t, err)

	recovered, err := s.SweepOrphanedInflight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), recovered)

	// live worker keeps its in-flight entry
	n, err := s.Client().LLen(ctx, s.InflightKey("q", "live:1:aa")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	queued, err := s.Client().LLen(ctx, "queue:q").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), queued)
}

func TestStatCounters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.IncrProcessed(ctx, day))
	require.NoError(t, s.IncrProcessed(ctx, day))
	require.NoError(t, s.IncrFailed(ctx, day))

	total, err := s.Client().Get(ctx, "stat:processed").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	daily, err := s.Client().Get(ctx, "stat:failed:2026-03-14").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), daily)
}

func TestSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.PushJob(ctx, "default", []byte("a")))
	require.NoError(t, s.PushJob(ctx, "default", []byte("b")))
	require.NoError(t, s.PushJob(ctx, "mail", []byte("c")))
	require.NoError(t, s.Schedule(ctx, RetrySet, epoch(now), []byte("r")))
	require.NoError(t, s.Schedule(ctx, ScheduleSet, epoch(now), []byte("s1")))
	require.NoError(t, s.Schedule(ctx, ScheduleSet, epoch(now), []byte("s2")))
	require.NoError(t, s.AddDead(ctx, []byte("d"), now, DeadOptions{MaxJobs: 10, MaxAge: time.Hour}))
	require.NoError(t, s.Heartbeat(ctx, ProcessInfo{Identity: "p:1:x", StartedAt: now}))
	require.NoError(t, s.IncrProcessed(ctx, now))

	stats, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"default": 2, "mail": 1}, stats.Queues)
	assert.Equal(t, int64(1), stats.Retry)
	assert.Equal(t, int64(2), stats.Scheduled)
	assert.Equal(t, int64(1), stats.Dead)
	assert.Equal(t, int64(1), stats.Processes)
	assert.Equal(t, int64(1), stats.Processed)
	assert.Zero(t, stats.Failed)
}

func TestNamespacePrefixesEverything(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := New(rdb, "app", zaptest.NewLogger(t))
	ctx := context.Background()

	assert.Equal(t, "app:retry", s.Key(RetrySet))
	assert.Equal(t, "app:queue:q", s.QueueKey("q"))
	assert.Equal(t, "app:queue:q:me", s.InflightKey("q", "me"))

	require.NoError(t, s.PushJob(ctx, "q", []byte("x")))
	assert.True(t, mr.Exists("app:queue:q"))
	assert.False(t, mr.Exists("queue:q"))

	require.NoError(t, s.Schedule(ctx, ScheduleSet, epoch(time.Now().Add(-time.Second)), payloadFor(t, "A", "q")))
	promoted, err := s.PromoteDue(ctx, ScheduleSet, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
	n, err := s.Client().LLen(ctx, "app:queue:q").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestOpenBadURL(t *testing.T) {
	_, err := Open(context.Background(), config.RedisConfig{URL: "://bad"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
