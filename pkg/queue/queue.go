package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueNotifications is the Redis list key for promotion notice jobs.
	QueueNotifications = "roster:notifications"
	// QueueDLQ is the dead-letter queue for jobs that exhausted their retries.
	QueueDLQ = "roster:notifications:dlq"
	// MaxRetries is the number of attempts before a job moves to the DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const JobTypePromotionNotice JobType = "promotion_notice"

// PromotionNoticePayload is the payload for promotion notice jobs.
type PromotionNoticePayload struct {
	ActorID  int64  `json:"actor_id"`
	EventID  int64  `json:"event_id"`
	Title    string `json:"title"`
	Schedule string `json:"schedule"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis lists.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// NewJob wraps a payload in an envelope.
func NewJob(t JobType, payload any) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{ID: uuid.New().String(), Type: t, Payload: body, CreatedAt: time.Now()}, nil
}

// EnqueuePromotionNotice enqueues a promotion notice job.
func (q *Queue) EnqueuePromotionNotice(ctx context.Context, payload PromotionNoticePayload) error {
	job, err := NewJob(JobTypePromotionNotice, payload)
	if err != nil {
		return err
	}
	if err := q.push(ctx, QueueNotifications, job); err != nil {
		return err
	}
	q.logger.Debug("enqueued promotion notice", zap.String("job_id", job.ID),
		zap.Int64("event_id", payload.EventID), zap.Int64("actor_id", payload.ActorID))
	return nil
}

func (q *Queue) push(ctx context.Context, key string, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

// Dequeue blocks up to wait for a job. It returns (nil, nil) on timeout or
// when the popped entry is not a valid job.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, wait, QueueNotifications).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. Once attempt reaches MaxRetries it goes to the DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	if job.Attempt >= MaxRetries {
		if err := q.push(ctx, QueueDLQ, job); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.push(ctx, QueueNotifications, job); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
