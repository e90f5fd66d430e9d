package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kinovino/rosterbot/internal/models"
	"github.com/kinovino/rosterbot/pkg/queue"
)

type recordingSender struct {
	mu    sync.Mutex
	order []int64
	fail  map[int64]bool
}

func (s *recordingSender) SendDirect(_ context.Context, actorID int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, actorID)
	if s.fail[actorID] {
		return errors.New("bot blocked")
	}
	return nil
}

func TestPromotionsFor(t *testing.T) {
	ev := &models.Event{ID: 4, Title: "Film", Schedule: "Fri"}
	got := PromotionsFor(ev, []models.Participant{{ActorID: 2}, {ActorID: 1}})
	if len(got) != 2 || got[0].ActorID != 2 || got[1].ActorID != 1 || got[0].EventID != 4 {
		t.Fatalf("promotions = %+v", got)
	}
	if text := got[0].Text(); !strings.Contains(text, "Film — Fri") {
		t.Errorf("text = %q", text)
	}
}

func TestDispatcherFIFOWithOneWorker(t *testing.T) {
	sender := &recordingSender{fail: map[int64]bool{2: true}}
	d := NewDispatcher(sender, 1, 16, time.Second, nil)
	for id := int64(1); id <= 5; id++ {
		d.NotifyPromotion(context.Background(), Promotion{ActorID: id, EventID: 1})
	}
	d.Close()

	want := []int64{1, 2, 3, 4, 5}
	if len(sender.order) != len(want) {
		t.Fatalf("order = %v", sender.order)
	}
	for i := range want {
		if sender.order[i] != want[i] {
			t.Fatalf("order = %v, want %v", sender.order, want)
		}
	}
}

func TestDispatcherDropsAfterClose(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, 2, 4, time.Second, nil)
	d.Close()
	d.Close()
	d.NotifyPromotion(context.Background(), Promotion{ActorID: 1})
	if len(sender.order) != 0 {
		t.Errorf("sent after close: %v", sender.order)
	}
}

type blockingSender struct{}

func (blockingSender) SendDirect(ctx context.Context, _ int64, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDeliverTimeout(t *testing.T) {
	err := Deliver(context.Background(), blockingSender{}, Promotion{ActorID: 1}, 10*time.Millisecond, zap.NewNop())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

type fakeEnqueuer struct {
	got []queue.PromotionNoticePayload
	err error
}

func (f *fakeEnqueuer) EnqueuePromotionNotice(_ context.Context, p queue.PromotionNoticePayload) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, p)
	return nil
}

func TestQueueNotifier(t *testing.T) {
	q := &fakeEnqueuer{}
	n := NewQueueNotifier(q, time.Second, nil)
	n.NotifyPromotion(context.Background(), Promotion{ActorID: 3, EventID: 8, Title: "T", Schedule: "S"})
	if len(q.got) != 1 || q.got[0].ActorID != 3 || q.got[0].EventID != 8 || q.got[0].Title != "T" {
		t.Errorf("enqueued = %+v", q.got)
	}

	// Enqueue failures stay inside the notifier.
	q.err = errors.New("redis down")
	n.NotifyPromotion(context.Background(), Promotion{ActorID: 4})
}
