// Package notify delivers promotion notices to actors moved off a waitlist.
// Delivery is best-effort: failures are logged and never reach the roster.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kinovino/rosterbot/internal/models"
	"github.com/kinovino/rosterbot/pkg/queue"
)

// Promotion is the snapshot a notice is built from, taken when the promotion happened.
type Promotion struct {
	ActorID  int64  `json:"actor_id"`
	EventID  int64  `json:"event_id"`
	Title    string `json:"title"`
	Schedule string `json:"schedule"`
}

// PromotionsFor builds notices for promoted participants of ev, in promotion order.
func PromotionsFor(ev *models.Event, promoted []models.Participant) []Promotion {
	out := make([]Promotion, 0, len(promoted))
	for _, p := range promoted {
		out = append(out, Promotion{ActorID: p.ActorID, EventID: ev.ID, Title: ev.Title, Schedule: ev.Schedule})
	}
	return out
}

// Text is the message sent to the promoted actor.
func (p Promotion) Text() string {
	return fmt.Sprintf("Good news, a spot opened up!\n\nYou were moved from the waitlist to confirmed: %s — %s", p.Title, p.Schedule)
}

// Notifier accepts promotion notices. It must not block on delivery.
type Notifier interface {
	NotifyPromotion(ctx context.Context, p Promotion)
}

// Sender delivers a direct message to an actor.
type Sender interface {
	SendDirect(ctx context.Context, actorID int64, text string) error
}

// Nop discards notices.
type Nop struct{}

// NotifyPromotion implements Notifier.
func (Nop) NotifyPromotion(context.Context, Promotion) {}

// Dispatcher sends notices from an in-process buffer. With one worker,
// notices go out strictly in the order they were submitted.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	logger  *zap.Logger
	jobs    chan Promotion
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts workers goroutines that deliver through sender, each send bounded by timeout.
func NewDispatcher(sender Sender, workers, buffer int, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{sender: sender, timeout: timeout, logger: logger, jobs: make(chan Promotion, buffer)}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// NotifyPromotion queues p. When the buffer is full the notice is dropped and logged.
func (d *Dispatcher) NotifyPromotion(_ context.Context, p Promotion) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("promotion notice dropped, dispatcher closed",
			zap.Int64("actor_id", p.ActorID), zap.Int64("event_id", p.EventID))
		return
	}
	select {
	case d.jobs <- p:
	default:
		d.logger.Warn("promotion notice dropped, buffer full",
			zap.Int64("actor_id", p.ActorID), zap.Int64("event_id", p.EventID))
	}
}

// Close stops accepting notices and waits for queued ones to be attempted.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for p := range d.jobs {
		Deliver(context.Background(), d.sender, p, d.timeout, d.logger)
	}
}

// Deliver sends one notice with a timeout and logs the outcome.
func Deliver(ctx context.Context, sender Sender, p Promotion, timeout time.Duration, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sender.SendDirect(ctx, p.ActorID, p.Text()); err != nil {
		logger.Warn("promotion notice failed",
			zap.Int64("actor_id", p.ActorID), zap.Int64("event_id", p.EventID), zap.Error(err))
		return err
	}
	logger.Debug("promotion notice sent", zap.Int64("actor_id", p.ActorID), zap.Int64("event_id", p.EventID))
	return nil
}

// Enqueuer is the subset of pkg/queue.Queue used by QueueNotifier.
type Enqueuer interface {
	EnqueuePromotionNotice(ctx context.Context, payload queue.PromotionNoticePayload) error
}

// QueueNotifier hands notices to the Redis job queue; cmd/worker delivers them.
type QueueNotifier struct {
	q       Enqueuer
	timeout time.Duration
	logger  *zap.Logger
}

// NewQueueNotifier creates a queue-backed notifier.
func NewQueueNotifier(q Enqueuer, timeout time.Duration, logger *zap.Logger) *QueueNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &QueueNotifier{q: q, timeout: timeout, logger: logger}
}

// NotifyPromotion implements Notifier. Enqueue failures are logged only.
func (n *QueueNotifier) NotifyPromotion(ctx context.Context, p Promotion) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	err := n.q.EnqueuePromotionNotice(ctx, queue.PromotionNoticePayload{
		ActorID: p.ActorID, EventID: p.EventID, Title: p.Title, Schedule: p.Schedule,
	})
	if err != nil {
		n.logger.Error("enqueue promotion notice failed",
			zap.Int64("actor_id", p.ActorID), zap.Int64("event_id", p.EventID), zap.Error(err))
	}
}
