package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// MailJob is one outbound email waiting for delivery.
type MailJob struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Queue decouples mail producers from delivery. Requests enqueue and move on;
// the worker drains on its own schedule.
type Queue interface {
	Enqueue(ctx context.Context, job MailJob) error
	Dequeue(ctx context.Context, timeout time.Duration) (*MailJob, error)
}

type redisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a Redis list backed mail queue.
func NewRedisQueue(client *redis.Client, key string) Queue {
	return &redisQueue{client: client, key: key}
}

func (q *redisQueue) Enqueue(ctx context.Context, job MailJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

// Dequeue blocks up to timeout for the next job. A timeout returns (nil, nil)
// so the worker loop can check for cancellation.
func (q *redisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*MailJob, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res) != 2 {
		return nil, nil
	}

	var job MailJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, err
	}
	return &job, nil
}
