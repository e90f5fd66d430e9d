package roster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kinovino/rosterbot/internal/announce"
	"github.com/kinovino/rosterbot/internal/lock"
	"github.com/kinovino/rosterbot/internal/models"
)

// announcer keeps announcement messages in step with committed snapshots.
// Every commit takes a sequence number while the event lock is held; a
// refresh carrying a number at or below the last one applied for its event
// is stale and dropped, so a slow observer cannot overwrite newer state.
type announcer struct {
	pub     Publisher
	timeout time.Duration
	logger  *zap.Logger

	seq   atomic.Uint64
	order *lock.Local

	mu    sync.Mutex
	state map[int64]applied
}

type applied struct {
	seq         uint64
	fingerprint string
}

func newAnnouncer(pub Publisher, timeout time.Duration, logger *zap.Logger) *announcer {
	return &announcer{
		pub:     pub,
		timeout: timeout,
		logger:  logger,
		order:   lock.NewLocal(),
		state:   make(map[int64]applied),
	}
}

// stamp must be called while the event lock is held.
func (a *announcer) stamp() uint64 { return a.seq.Add(1) }

func (a *announcer) publish(ctx context.Context, ev *models.Event) (models.AnnouncementRef, bool) {
	if a.pub == nil {
		return models.AnnouncementRef{}, false
	}
	msg := announce.Render(ev)
	tctx, cancel := a.transportCtx(ctx)
	defer cancel()
	ref, err := a.pub.Publish(tctx, msg)
	if err != nil {
		a.logger.Warn("publish announcement failed", zap.Int64("event_id", ev.ID),
			zap.Error(&TransportError{Op: "publish", Err: err}))
		return models.AnnouncementRef{}, false
	}
	a.record(ev.ID, 0, msg.Fingerprint())
	return ref, true
}

// refresh edits the existing message in place. Unchanged output is not sent.
func (a *announcer) refresh(ctx context.Context, snap *models.Event, seq uint64) {
	if a.pub == nil || snap.Announcement == nil {
		return
	}
	release, ok := a.enter(ctx, snap.ID, seq)
	if !ok {
		return
	}
	defer release()

	msg := announce.Render(snap)
	fp := msg.Fingerprint()
	if a.fingerprint(snap.ID) == fp {
		a.record(snap.ID, seq, fp)
		return
	}
	tctx, cancel := a.transportCtx(ctx)
	defer cancel()
	if err := a.pub.Update(tctx, *snap.Announcement, msg); err != nil {
		a.logger.Warn("update announcement failed", zap.Int64("event_id", snap.ID),
			zap.Error(&TransportError{Op: "update", Err: err}))
		a.record(snap.ID, seq, "")
		return
	}
	a.record(snap.ID, seq, fp)
}

// republish sends a fresh message for snap; the caller swaps the reference
// and retracts the old message.
func (a *announcer) republish(ctx context.Context, snap *models.Event, seq uint64) (models.AnnouncementRef, bool) {
	if a.pub == nil {
		return models.AnnouncementRef{}, false
	}
	release, ok := a.enter(ctx, snap.ID, seq)
	if !ok {
		return models.AnnouncementRef{}, false
	}
	defer release()

	msg := announce.Render(snap)
	tctx, cancel := a.transportCtx(ctx)
	defer cancel()
	ref, err := a.pub.Publish(tctx, msg)
	if err != nil {
		a.logger.Warn("republish announcement failed", zap.Int64("event_id", snap.ID),
			zap.Error(&TransportError{Op: "publish", Err: err}))
		a.record(snap.ID, seq, "")
		return models.AnnouncementRef{}, false
	}
	a.record(snap.ID, seq, msg.Fingerprint())
	return ref, true
}

// retract deletes a message, best-effort.
func (a *announcer) retract(ctx context.Context, eventID int64, ref models.AnnouncementRef) {
	if a.pub == nil {
		return
	}
	tctx, cancel := a.transportCtx(ctx)
	defer cancel()
	if err := a.pub.Retract(tctx, ref); err != nil {
		a.logger.Warn("retract announcement failed", zap.Int64("event_id", eventID),
			zap.Int64("chat_id", ref.ChatID), zap.Int("message_id", ref.MessageID),
			zap.Error(&TransportError{Op: "retract", Err: err}))
	}
}

func (a *announcer) forget(eventID int64) {
	a.mu.Lock()
	delete(a.state, eventID)
	a.mu.Unlock()
}

// enter serializes transport calls of one event and rejects stale sequence numbers.
func (a *announcer) enter(ctx context.Context, eventID int64, seq uint64) (func(), bool) {
	release, err := a.order.Lock(context.WithoutCancel(ctx), eventID)
	if err != nil {
		return nil, false
	}
	a.mu.Lock()
	last := a.state[eventID].seq
	a.mu.Unlock()
	if seq <= last {
		release()
		a.logger.Debug("stale announcement refresh skipped", zap.Int64("event_id", eventID),
			zap.Uint64("seq", seq), zap.Uint64("applied", last))
		return nil, false
	}
	return release, true
}

func (a *announcer) fingerprint(eventID int64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state[eventID].fingerprint
}

// record notes the last applied state. An empty fingerprint forces the next
// refresh to send.
func (a *announcer) record(eventID int64, seq uint64, fp string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.state[eventID]
	if seq > st.seq {
		st.seq = seq
	}
	st.fingerprint = fp
	a.state[eventID] = st
}

// transportCtx bounds a transport call. It survives cancellation of the
// inbound request, since the roster change is already committed.
func (a *announcer) transportCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
}
