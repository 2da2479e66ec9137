package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// promoteScript moves the single oldest due entry from a sorted set to its
// queue. Removing from the set only after reading it and pushing inside the
// same script means a promoted job is never in two places and never in none.
// The job's own payload names the destination queue; undecodable payloads
// fall back to the default so nothing is silently lost.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
  return false
end
local payload = due[1]
redis.call('ZREM', KEYS[1], payload)
local queue = ARGV[3]
local ok, decoded = pcall(cjson.decode, payload)
if ok and type(decoded) == 'table' and type(decoded['queue']) == 'string' and decoded['queue'] ~= '' then
  queue = decoded['queue']
end
redis.call('SADD', KEYS[2], queue)
redis.call('LPUSH', ARGV[2] .. queue, payload)
return payload
`)

// drainScript empties a list into a queue in one step. Entries are re-pushed
// head-first so that after the drain the queue pops them oldest-first, same
// as if they had never left.
var drainScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
if #items == 0 then
  return 0
end
for i = 1, #items do
  redis.call('RPUSH', KEYS[2], items[i])
end
redis.call('DEL', KEYS[1])
return #items
`)

// PromoteDue drains every entry of a sorted set that is due at now, one
// entry per script call. Returns how many were promoted.
func (s *Store) PromoteDue(ctx context.Context, set string, now time.Time) (int, error) {
	keys := []string{s.Key(set), s.Key(QueuesSet)}
	argv := []any{formatScore(epoch(now)), s.Key(queuePrefix), "default"}

	promoted := 0
	for {
		res, err := promoteScript.Run(ctx, s.rdb, keys, argv...).Result()
		if err == redis.Nil {
			return promoted, nil
		}
		if err != nil {
			return promoted, fmt.Errorf("store: promote from %s: %w", set, err)
		}
		if res == nil {
			return promoted, nil
		}
		promoted++
	}
}

// DrainInflight returns every unacknowledged payload of one in-flight list
// to its queue, preserving order. Returns how many moved.
func (s *Store) DrainInflight(ctx context.Context, queue, identity string) (int64, error) {
	keys := []string{s.InflightKey(queue, identity), s.QueueKey(queue)}
	n, err := drainScript.Run(ctx, s.rdb, keys).Int64()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("store: drain in-flight %s/%s: %w", queue, identity, err)
	}
	return n, nil
}

// SweepOrphanedInflight finds in-flight lists whose owning process is no
// longer registered and drains them back to their queues. Live identities
// are skipped; their owners are still working.
func (s *Store) SweepOrphanedInflight(ctx context.Context) (int64, error) {
	queues, err := s.rdb.SMembers(ctx, s.Key(QueuesSet)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: sweep: list queues: %w", err)
	}
	liveList, err := s.rdb.SMembers(ctx, s.Key(ProcessSet)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: sweep: list processes: %w", err)
	}
	live := make(map[string]struct{}, len(liveList))
	for _, id := range liveList {
		live[id] = struct{}{}
	}

	var recovered int64
	for _, q := range queues {
		prefix := s.InflightKey(q, "")
		var cursor uint64
		for {
			keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
			if err != nil {
				return recovered, fmt.Errorf("store: sweep: scan %s: %w", q, err)
			}
			for _, key := range keys {
				identity := strings.TrimPrefix(key, prefix)
				if _, alive := live[identity]; alive {
					continue
				}
				n, err := s.DrainInflight(ctx, q, identity)
				if err != nil {
					return recovered, err
				}
				if n > 0 {
					s.logger.Info("recovered orphaned jobs",
						zap.String("queue", q),
						zap.String("identity", identity),
						zap.Int64("count", n))
				}
				recovered += n
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return recovered, nil
}

// ReapDeadProcesses drops registry entries whose heartbeat hash has expired.
// Returns the identities removed.
func (s *Store) ReapDeadProcesses(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.Key(ProcessSet)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: reap: list processes: %w", err)
	}
	var reaped []string
	for _, id := range ids {
		exists, err := s.rdb.Exists(ctx, s.Key(ProcessSet+":"+id)).Result()
		if err != nil {
			return reaped, fmt.Errorf("store: reap: check %s: %w", id, err)
		}
		if exists > 0 {
			continue
		}
		if err := s.rdb.SRem(ctx, s.Key(ProcessSet), id).Err(); err != nil {
			return reaped, fmt.Errorf("store: reap: remove %s: %w", id, err)
		}
		reaped = append(reaped, id)
	}
	return reaped, nil
}
