// Package worker delivers queued promotion notices.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kinovino/rosterbot/internal/notify"
	"github.com/kinovino/rosterbot/pkg/queue"
)

// dequeueWait is how long one blocking pop waits before the loop rechecks ctx.
const dequeueWait = 5 * time.Second

// Jobs is the subset of pkg/queue.Queue the processor consumes.
type Jobs interface {
	Dequeue(ctx context.Context, wait time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// PromotionProcessor sends promotion notices from the job queue.
type PromotionProcessor struct {
	jobs    Jobs
	sender  notify.Sender
	timeout time.Duration
	backoff time.Duration
	logger  *zap.Logger
}

// NewPromotionProcessor creates a processor; each send is bounded by timeout.
func NewPromotionProcessor(jobs Jobs, sender notify.Sender, timeout time.Duration, logger *zap.Logger) *PromotionProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PromotionProcessor{jobs: jobs, sender: sender, timeout: timeout, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one promotion notice job.
func (p *PromotionProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypePromotionNotice {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.PromotionNoticePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.ActorID == 0 {
		return fmt.Errorf("job %s: missing actor id", job.ID)
	}
	promo := notify.Promotion{
		ActorID:  payload.ActorID,
		EventID:  payload.EventID,
		Title:    payload.Title,
		Schedule: payload.Schedule,
	}
	return notify.Deliver(ctx, p.sender, promo, p.timeout, p.logger.With(zap.String("job_id", job.ID)))
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *PromotionProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("promotion worker stopping")
			return
		default:
		}

		job, err := p.jobs.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.jobs.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *PromotionProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
