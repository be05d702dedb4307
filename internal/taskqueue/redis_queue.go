package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using Redis.
//
// Keys, under a common prefix:
//
//	<prefix>tasks    hash id -> gob-encoded Task
//	<prefix>visible  sorted set of ids scored by visibility time (µs)
//	<prefix>owners   hash id -> lease owner, for leased tasks only
//
// Tasks with the same visibility time are dequeued in id order.
type RedisQueue struct {
	client     *redis.Client
	keyTasks   string
	keyVisible string
	keyOwners  string
	now        func() time.Time
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "flowgraph:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "flowgraph:"
	}
	return &RedisQueue{
		client:     client,
		keyTasks:   prefix + "tasks",
		keyVisible: prefix + "visible",
		keyOwners:  prefix + "owners",
		now:        time.Now,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

var redisDequeue = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZADD', KEYS[1], ARGV[2], id)
redis.call('HSET', KEYS[2], id, ARGV[3])
return redis.call('HGET', KEYS[3], id)
`)

var redisAck = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

var redisNack = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

var redisRenew = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
return 1
`)

func (q *RedisQueue) keys() []string {
	return []string{q.keyVisible, q.keyOwners, q.keyTasks}
}

func score(t time.Time) float64 { return float64(t.UnixMicro()) }

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, q.now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.keyTasks, t.ID, data)
		p.ZAdd(ctx, q.keyVisible, redis.Z{Score: score(t.NotBefore), Member: t.ID})
		return nil
	})
	return err
}

func (q *RedisQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		now := q.now()
		data, err := redisDequeue.Run(ctx, q.client, q.keys(),
			score(now), score(now.Add(leaseTTL)), owner,
		).Text()
		if err == nil {
			return DecodeTask([]byte(data))
		}
		if !errors.Is(err, redis.Nil) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if err := sleepCtx(ctx, tmr, defaultPollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *RedisQueue) runOwned(ctx context.Context, script *redis.Script, args ...any) error {
	n, err := script.Run(ctx, q.client, q.keys(), args...).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotLeased
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, taskID, owner string) error {
	return q.runOwned(ctx, redisAck, taskID, owner)
}

func (q *RedisQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	data, err := q.client.HGet(ctx, q.keyTasks, taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrTaskNotLeased
	}
	if err != nil {
		return err
	}
	t, err := DecodeTask(data)
	if err != nil {
		return err
	}
	t.NotBefore = notBefore
	t.Attempts = attempts
	if data, err = EncodeTask(*t); err != nil {
		return err
	}
	return q.runOwned(ctx, redisNack, taskID, owner, score(notBefore), data)
}

func (q *RedisQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	return q.runOwned(ctx, redisRenew, taskID, owner, score(q.now().Add(leaseTTL)))
}

// Len returns the approximate number of tasks queued (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.keyVisible).Result()
	if err != nil {
		slog.Warn("redis queue: len failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
