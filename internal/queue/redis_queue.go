package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"vodnotes/internal/config"
)

// Task is one stage invocation on the queue. Attempt is zero-based.
type Task struct {
	JobID   uuid.UUID
	Stage   string
	Attempt int
}

// Member renders the queue member string. Stage names never contain '|'.
func (t Task) Member() string {
	return fmt.Sprintf("%s|%s|%d", t.JobID, t.Stage, t.Attempt)
}

// ParseTask decodes a queue member produced by Member.
func ParseTask(member string) (Task, error) {
	parts := strings.SplitN(member, "|", 3)
	if len(parts) != 3 {
		return Task{}, fmt.Errorf("malformed task member %q", member)
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return Task{}, fmt.Errorf("malformed job id in task %q: %w", member, err)
	}
	attempt, err := strconv.Atoi(parts[2])
	if err != nil {
		return Task{}, fmt.Errorf("malformed attempt in task %q: %w", member, err)
	}
	return Task{JobID: id, Stage: parts[1], Attempt: attempt}, nil
}

// RedisQueue coordinates the ready list, the scheduled set, and the in-flight
// lease set for stage tasks.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "stages:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "stages:ready",
		inflightKey:   "stages:inflight",
		scheduledKey:  "stages:scheduled",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

// Dispatch enqueues a stage invocation, deferred when runAt is in the future.
// Implements the dispatcher consumed by admission and the stage runner.
func (q *RedisQueue) Dispatch(ctx context.Context, jobID uuid.UUID, stage string, attempt int, runAt time.Time) error {
	member := Task{JobID: jobID, Stage: stage, Attempt: attempt}.Member()
	if runAt.After(time.Now()) {
		return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: member,
		}).Err()
	}
	return q.client.RPush(ctx, q.readyKey, member).Err()
}

// PromoteScheduled moves due deferred tasks into the ready list. Returns how
// many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, q.scheduledKey, m)
		pipe.RPush(ctx, q.readyKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// Dequeue pops the next ready task and places it in-flight with a visibility
// deadline. Returns a zero Task and ok=false when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (Task, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	member, ok := res.(string)
	if !ok {
		return Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	task, err := ParseTask(member)
	if err != nil {
		return Task{}, false, err
	}
	return task, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, task Task, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: task.Member(),
	}).Err()
}

// Ack removes a task from in-flight tracking once its outcome is durable.
func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	return q.client.ZRem(ctx, q.inflightKey, task.Member()).Err()
}

// RequeueExpired reclaims tasks whose lease timed out, typically because a
// worker died mid-stage, and makes them ready again.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]Task, error) {
	members, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	tasks := make([]Task, 0, len(members))
	for _, m := range members {
		task, err := ParseTask(m)
		if err != nil {
			// Drop garbage members rather than poisoning the sweep.
			pipe.ZRem(ctx, q.inflightKey, m)
			continue
		}
		tasks = append(tasks, task)
		pipe.ZRem(ctx, q.inflightKey, m)
		pipe.RPush(ctx, q.readyKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return tasks, nil
}

// DLQPush appends a task to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, task Task) error {
	return q.client.RPush(ctx, q.dlqKey, task.Member()).Err()
}

// DLQPeek reads up to count dead-lettered task members.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the ready list length.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// ScheduledDepth returns the deferred set size.
func (q *RedisQueue) ScheduledDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey).Result()
}

// InflightDepth returns the number of leased tasks.
func (q *RedisQueue) InflightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// Ping verifies redis connectivity, for health checks.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var dequeueScript = redis.NewScript(`
local task = redis.call('LPOP', KEYS[1])
if task then
  redis.call('ZADD', KEYS[2], ARGV[1], task)
  return task
end
return nil
`)
