package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable list queue. Dequeue moves an id from the pending
// list to a processing list and leases it; Ack deletes it; expired leases are
// moved back to pending by the next Dequeue.
type RedisQueue struct {
	redis      *redis.Client
	name       string
	visibility time.Duration
	payloadTTL time.Duration
	now        func() time.Time
}

func NewRedisQueue(redisURL, name string, visibility time.Duration) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisQueueFromClient(client, name, visibility), nil
}

func NewRedisQueueFromClient(client *redis.Client, name string, visibility time.Duration) *RedisQueue {
	if name == "" {
		name = DefaultName
	}
	if visibility <= 0 {
		visibility = 30 * time.Minute
	}
	return &RedisQueue{
		redis:      client,
		name:       name,
		visibility: visibility,
		payloadTTL: 7 * 24 * time.Hour,
		now:        time.Now,
	}
}

func (q *RedisQueue) pendingKey() string    { return fmt.Sprintf("queue:%s", q.name) }
func (q *RedisQueue) processingKey() string { return fmt.Sprintf("queue:%s:processing", q.name) }
func (q *RedisQueue) leasesKey() string     { return fmt.Sprintf("queue:%s:leases", q.name) }
func (q *RedisQueue) taskKey(id string) string {
	return fmt.Sprintf("task:%s:%s", q.name, id)
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	body, err := Encode(task)
	if err != nil {
		return err
	}
	id := uuid.NewString()

	_, err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.taskKey(id), body, q.payloadTTL)
		pipe.LPush(ctx, q.pendingKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Operation(), err)
	}
	return nil
}

// dequeueScript moves the oldest pending id to the processing list and
// leases it in one step, so no id sits in processing without a lease.
var dequeueScript = redis.NewScript(`
local id = redis.call('LMOVE', KEYS[1], KEYS[2], 'RIGHT', 'LEFT')
if not id then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[1], id)
return id
`)

// reclaimScript requeues ids whose lease expired and ids left in the
// processing list without any lease.
var reclaimScript = redis.NewScript(`
local moved = 0
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  if redis.call('LREM', KEYS[2], 1, id) > 0 then
    redis.call('RPUSH', KEYS[1], id)
    moved = moved + 1
  end
  redis.call('ZREM', KEYS[3], id)
end
local inflight = redis.call('LRANGE', KEYS[2], 0, -1)
for _, id in ipairs(inflight) do
  if not redis.call('ZSCORE', KEYS[3], id) then
    redis.call('LREM', KEYS[2], 1, id)
    redis.call('RPUSH', KEYS[1], id)
    moved = moved + 1
  end
end
return moved
`)

// nackScript returns a processing id to the pending list.
var nackScript = redis.NewScript(`
if redis.call('LREM', KEYS[2], 1, ARGV[1]) > 0 then
  redis.call('RPUSH', KEYS[1], ARGV[1])
end
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`)

func (q *RedisQueue) keys() []string {
	return []string{q.pendingKey(), q.processingKey(), q.leasesKey()}
}

func (q *RedisQueue) deadline() int64 {
	return q.now().Add(q.visibility).UnixMilli()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := q.Reclaim(ctx); err != nil {
		return nil, err
	}

	id, err := dequeueScript.Run(ctx, q.redis, q.keys(), q.deadline()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	body, err := q.redis.Get(ctx, q.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Payload expired or was acknowledged by a slower consumer.
		_ = q.forget(ctx, id)
		return nil, nil
	}
	if err != nil {
		// The lease stays; the id is redelivered once it lapses.
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}

	d := newDelivery(id, body,
		func(ctx context.Context) error { return q.ack(ctx, id) },
		func(ctx context.Context) error { return q.nack(ctx, id) },
	)
	d.extend = func(ctx context.Context) error { return q.extend(ctx, id) }
	d.LeaseInterval = q.visibility / 3
	return d, nil
}

// Reclaim returns messages whose lease expired, or that were never leased,
// to the pending list.
func (q *RedisQueue) Reclaim(ctx context.Context) error {
	if err := reclaimScript.Run(ctx, q.redis, q.keys(), q.now().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("reclaim leases: %w", err)
	}
	return nil
}

// extend pushes the lease deadline of an id still being processed.
func (q *RedisQueue) extend(ctx context.Context, id string) error {
	err := q.redis.ZAddArgs(ctx, q.leasesKey(), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: float64(q.deadline()), Member: id}},
	}).Err()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) ack(ctx context.Context, id string) error {
	_, err := q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, id)
		pipe.ZRem(ctx, q.leasesKey(), id)
		pipe.Del(ctx, q.taskKey(id))
		return nil
	})
	return err
}

func (q *RedisQueue) nack(ctx context.Context, id string) error {
	return nackScript.Run(ctx, q.redis, q.keys(), id).Err()
}

func (q *RedisQueue) forget(ctx context.Context, id string) error {
	_, err := q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, id)
		pipe.ZRem(ctx, q.leasesKey(), id)
		return nil
	})
	return err
}

// Len reports the number of pending and in-flight messages.
func (q *RedisQueue) Len(ctx context.Context) (pending, inflight int64, err error) {
	pending, err = q.redis.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, 0, err
	}
	inflight, err = q.redis.LLen(ctx, q.processingKey()).Result()
	return pending, inflight, err
}

func (q *RedisQueue) Close() error {
	return q.redis.Close()
}
