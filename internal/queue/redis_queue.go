package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"podcast-pipeline/internal/config"
)

// RedisQueue hands job ids from the API process to worker processes. A dequeued id is
// leased in the in-flight set until it is acked or its visibility deadline passes.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	jobMetaPrefix string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewClient builds the shared Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue named cfg.QueueName on client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "podcasts"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:" + name + ":dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "queue:" + name + ":ready",
		inflightKey:   "queue:" + name + ":inflight",
		jobMetaPrefix: "queue:" + name + ":jobmeta:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

// VisibilityTimeout is the lease length granted by DequeueWithLease.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Enqueue appends a job id to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "enqueued_ms", time.Now().UnixMilli())
	pipe.RPush(ctx, q.readyKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Dispatch satisfies the pipeline dispatcher contract.
func (q *RedisQueue) Dispatch(ctx context.Context, jobID string) error {
	if err := q.Enqueue(ctx, jobID); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

// DequeueWithLease pops the oldest ready id and places it into in-flight with a visibility
// timeout. It returns "" when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// QueuedFor reports how long the job waited in the ready list. Zero when unknown.
func (q *RedisQueue) QueuedFor(ctx context.Context, jobID string) time.Duration {
	raw, err := q.client.HGet(ctx, q.metaKey(jobID), "enqueued_ms").Result()
	if err != nil {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return time.Since(time.UnixMilli(ms))
}

// ExtendLease pushes the visibility deadline forward for an in-flight job. It returns false
// when the lease is no longer held, e.g. because it was reaped.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, q.client, []string{q.inflightKey}, time.Now().Add(extension).UnixMilli(), jobID).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// ReapExpired claims leases whose deadline passed and removes them from in-flight. Each
// expired id is returned to exactly one caller; it is not re-enqueued.
func (q *RedisQueue) ReapExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := reapScript.Run(ctx, q.client, []string{q.inflightKey}, now.UnixMilli(), limit).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range res {
		pipe.Del(ctx, q.metaKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// DLQPush appends to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	if count <= 0 {
		count = 50
	}
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InflightDepth returns how many jobs are currently leased.
func (q *RedisQueue) InflightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var extendScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[2]) then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
  return 1
end
return 0
`)

var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
end
return ids
`)
