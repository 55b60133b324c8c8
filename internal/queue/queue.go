package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/podushkina/hrchat/internal/task"
)

const queuePrefix = "hrchat:queue:"

// Queue maps task types to Redis lists. Each type may be isolated on its own
// Redis database.
type Queue struct {
	addr     string
	password string

	client *redis.Client

	mu        sync.RWMutex
	dedicated map[task.Type]*redis.Client
}

func New(addr, password string, db int) (*Queue, error) {
	client, err := connect(addr, password, db)
	if err != nil {
		return nil, err
	}
	return &Queue{
		addr:      addr,
		password:  password,
		client:    client,
		dedicated: make(map[task.Type]*redis.Client),
	}, nil
}

func connect(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// Client returns the shared Redis client, also used for usage buckets and
// stream fan-out.
func (q *Queue) Client() *redis.Client {
	return q.client
}

// Dedicate moves the queue for t onto its own Redis database.
func (q *Queue) Dedicate(t task.Type, db int) error {
	client, err := connect(q.addr, q.password, db)
	if err != nil {
		return fmt.Errorf("dedicate %s queue: %w", t.QueueName(), err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if old, ok := q.dedicated[t]; ok {
		old.Close()
	}
	q.dedicated[t] = client
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	for t, c := range q.dedicated {
		errs = append(errs, c.Close())
		delete(q.dedicated, t)
	}
	errs = append(errs, q.client.Close())
	return errors.Join(errs...)
}

func (q *Queue) clientFor(t task.Type) *redis.Client {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if c, ok := q.dedicated[t]; ok {
		return c
	}
	return q.client
}

// Key returns the Redis list key of the queue serving t.
func Key(t task.Type) string {
	return queuePrefix + t.QueueName()
}

// Enqueue appends a {taskId, taskType} job to the queue for t.
func (q *Queue) Enqueue(ctx context.Context, t task.Type, taskID string) error {
	if !t.Valid() {
		return fmt.Errorf("unknown task type: %s", t)
	}
	data, err := json.Marshal(task.Job{TaskID: taskID, TaskType: t})
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.clientFor(t).RPush(ctx, Key(t), data).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Pop blocks up to timeout for the next job of type t. It returns (nil, nil)
// when the queue stayed empty.
func (q *Queue) Pop(ctx context.Context, t task.Type, timeout time.Duration) (*task.Job, error) {
	result, err := q.clientFor(t).BLPop(ctx, timeout, Key(t)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("pop job: %w", err)
	}

	job, err := task.DecodeJob([]byte(result[1]))
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Depth returns the number of jobs waiting in the queue for t.
func (q *Queue) Depth(ctx context.Context, t task.Type) (int64, error) {
	n, err := q.clientFor(t).LLen(ctx, Key(t)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Position returns the zero-based position of taskID in the queue for t, or
// -1 when it is not waiting.
func (q *Queue) Position(ctx context.Context, t task.Type, taskID string) (int64, error) {
	items, err := q.clientFor(t).LRange(ctx, Key(t), 0, -1).Result()
	if err != nil {
		return -1, fmt.Errorf("queue position: %w", err)
	}
	for i, raw := range items {
		var j task.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			continue
		}
		if j.TaskID == taskID {
			return int64(i), nil
		}
	}
	return -1, nil
}
