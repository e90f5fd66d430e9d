package roster

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kinovino/rosterbot/internal/announce"
	"github.com/kinovino/rosterbot/internal/auth"
	"github.com/kinovino/rosterbot/internal/export"
	"github.com/kinovino/rosterbot/internal/identity"
	"github.com/kinovino/rosterbot/internal/lock"
	"github.com/kinovino/rosterbot/internal/models"
	"github.com/kinovino/rosterbot/internal/notify"
	"github.com/kinovino/rosterbot/internal/store"
)

// Publisher owns the public announcement message of each event.
type Publisher interface {
	Publish(ctx context.Context, a announce.Announcement) (models.AnnouncementRef, error)
	Update(ctx context.Context, ref models.AnnouncementRef, a announce.Announcement) error
	Retract(ctx context.Context, ref models.AnnouncementRef) error
}

// Deps are the collaborators of a Service. Resolver, Publisher and Notifier are optional.
type Deps struct {
	Store            store.Store
	Locker           lock.Locker
	Resolver         identity.Resolver
	Publisher        Publisher
	Notifier         notify.Notifier
	Policy           *auth.Policy
	TransportTimeout time.Duration
}

// Service applies inbound actions to events: it serializes mutations per
// event, commits them durably, then refreshes the announcement and sends
// promotion notices from the committed snapshot.
type Service struct {
	store    store.Store
	locker   lock.Locker
	resolver identity.Resolver
	notifier notify.Notifier
	policy   *auth.Policy
	ann      *announcer
	logger   *zap.Logger
}

// NewService creates a roster service.
func NewService(d Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Locker == nil {
		d.Locker = lock.NewLocal()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Policy == nil {
		d.Policy = auth.NewPolicy(nil, auth.CreateOpen)
	}
	if d.TransportTimeout <= 0 {
		d.TransportTimeout = 10 * time.Second
	}
	return &Service{
		store:    d.Store,
		locker:   d.Locker,
		resolver: d.Resolver,
		notifier: d.Notifier,
		policy:   d.Policy,
		ann:      newAnnouncer(d.Publisher, d.TransportTimeout, logger),
		logger:   logger,
	}
}

// Policy returns the authorization policy in use.
func (s *Service) Policy() *auth.Policy { return s.policy }

// CreateEvent stores a new event and publishes its announcement. A failed
// publication, or a failure to record it, leaves the event without an
// announcement reference.
func (s *Service) CreateEvent(ctx context.Context, actorID int64, d models.Draft) (*models.Event, error) {
	if !s.policy.CanCreate(actorID) {
		return nil, &AuthorizationError{ActorID: actorID, Action: "create events"}
	}
	d.Title = strings.TrimSpace(d.Title)
	d.Schedule = strings.TrimSpace(d.Schedule)
	d.Location = clearMarker(strings.TrimSpace(d.Location))
	d.Description = clearMarker(strings.TrimSpace(d.Description))
	d.CreatorID = actorID
	if d.Title == "" {
		return nil, invalid("title", "must not be empty")
	}
	if d.Schedule == "" {
		return nil, invalid("schedule", "must not be empty")
	}
	if d.Capacity <= 0 {
		return nil, invalid("capacity", "must be a positive integer")
	}

	ev, err := s.store.Create(ctx, d)
	if err != nil {
		return nil, &PersistenceError{Op: "create", Err: err}
	}
	s.logger.Info("event created", zap.Int64("event_id", ev.ID), zap.Int64("actor_id", actorID))

	ref, ok := s.ann.publish(ctx, ev)
	if !ok {
		return ev, nil
	}
	committed, seq, err := s.attach(ctx, ev.ID, nil, ref)
	if err != nil {
		// The event stays stored without an announcement, as after a failed
		// publication; the unreferenced message is taken down.
		s.logger.Error("store announcement reference failed", zap.Int64("event_id", ev.ID), zap.Error(err))
		s.ann.retract(ctx, ev.ID, ref)
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return ev, nil
	}
	// A join may have committed while the message was being sent.
	s.ann.refresh(ctx, committed, seq)
	return committed.Clone(), nil
}

// Participant resolves actorID through the identity resolver, falling back
// to the id label.
func (s *Service) Participant(ctx context.Context, actorID int64) models.Participant {
	return identity.Participant(ctx, s.resolver, actorID, s.logger)
}

// Join adds p to the event, confirmed or waitlisted.
func (s *Service) Join(ctx context.Context, eventID int64, p models.Participant) (*models.Event, JoinResult, error) {
	var res JoinResult
	ev, err := s.mutate(ctx, eventID, func(ev *models.Event) (Outcome, error) {
		out, r := Join(ev, p)
		res = r
		return out, nil
	})
	if err != nil {
		return nil, "", err
	}
	s.logger.Debug("join", zap.Int64("event_id", eventID), zap.Int64("actor_id", p.ActorID), zap.String("result", string(res)))
	return ev, res, nil
}

// Leave removes the actor and promotes from the waitlist.
func (s *Service) Leave(ctx context.Context, eventID, actorID int64) (*models.Event, LeaveResult, error) {
	var res LeaveResult
	ev, err := s.mutate(ctx, eventID, func(ev *models.Event) (Outcome, error) {
		out, r := Leave(ev, actorID)
		res = r
		return out, nil
	})
	if err != nil {
		return nil, "", err
	}
	return ev, res, nil
}

// SetCapacity changes the capacity of an event the actor manages.
func (s *Service) SetCapacity(ctx context.Context, actorID, eventID int64, capacity int) (*models.Event, error) {
	if capacity <= 0 {
		return nil, invalid("capacity", "must be a positive integer")
	}
	return s.mutate(ctx, eventID, func(ev *models.Event) (Outcome, error) {
		if err := s.authorize(actorID, ev, "change capacity"); err != nil {
			return Outcome{}, err
		}
		return SetCapacity(ev, capacity)
	})
}

// Edit changes one field of an event the actor manages.
func (s *Service) Edit(ctx context.Context, actorID, eventID int64, field models.Field, value string) (*models.Event, error) {
	return s.mutate(ctx, eventID, func(ev *models.Event) (Outcome, error) {
		if err := s.authorize(actorID, ev, "edit"); err != nil {
			return Outcome{}, err
		}
		return Edit(ev, field, value)
	})
}

// AddResult reports a manual add.
type AddResult struct {
	Event      *models.Event
	Added      []models.Participant
	Duplicates []int64
}

// ManualAdd puts actors straight into joined, past capacity if need be.
// Identities are resolved before the lock is taken.
func (s *Service) ManualAdd(ctx context.Context, actorID, eventID int64, actorIDs []int64) (*AddResult, error) {
	if len(actorIDs) == 0 {
		return nil, invalid("actor_ids", "at least one id is required")
	}
	current, err := s.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(actorID, current, "add participants"); err != nil {
		return nil, err
	}
	participants := make([]models.Participant, 0, len(actorIDs))
	for _, id := range actorIDs {
		if id <= 0 {
			return nil, invalid("actor_id", "must be a positive integer")
		}
		participants = append(participants, identity.Participant(ctx, s.resolver, id, s.logger))
	}

	res := &AddResult{}
	ev, err := s.mutate(ctx, eventID, func(ev *models.Event) (Outcome, error) {
		if err := s.authorize(actorID, ev, "add participants"); err != nil {
			return Outcome{}, err
		}
		out, added, dups := ManualAdd(ev, participants)
		res.Added, res.Duplicates = added, dups
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	res.Event = ev
	if ev.Overbooked() {
		s.logger.Info("event overbooked by manual add", zap.Int64("event_id", eventID),
			zap.Int("joined", len(ev.Joined)), zap.Int("capacity", ev.Capacity))
	}
	return res, nil
}

// ManualRemove drops a participant from an event the actor manages.
func (s *Service) ManualRemove(ctx context.Context, actorID, eventID, targetID int64) (*models.Event, LeaveResult, error) {
	var res LeaveResult
	ev, err := s.mutate(ctx, eventID, func(ev *models.Event) (Outcome, error) {
		if err := s.authorize(actorID, ev, "remove participants"); err != nil {
			return Outcome{}, err
		}
		out, r := ManualRemove(ev, targetID)
		res = r
		return out, nil
	})
	if err != nil {
		return nil, "", err
	}
	return ev, res, nil
}

// Delete removes an event the actor manages and retracts its announcement.
func (s *Service) Delete(ctx context.Context, actorID, eventID int64) error {
	unlock, err := s.locker.Lock(ctx, eventID)
	if err != nil {
		return &PersistenceError{Op: "lock", Err: err}
	}
	ev, err := s.load(ctx, eventID)
	if err != nil {
		unlock()
		return err
	}
	if err := s.authorize(actorID, ev, "delete"); err != nil {
		unlock()
		return err
	}
	if err := s.store.Delete(ctx, eventID); err != nil {
		unlock()
		if errors.Is(err, store.ErrNotFound) {
			return &NotFoundError{EventID: eventID}
		}
		return &PersistenceError{Op: "delete", Err: err}
	}
	unlock()

	s.logger.Info("event deleted", zap.Int64("event_id", eventID), zap.Int64("actor_id", actorID))
	if ev.Announcement != nil {
		s.ann.retract(ctx, eventID, *ev.Announcement)
	}
	s.ann.forget(eventID)
	return nil
}

// Export returns the participant rows of an event the actor manages.
func (s *Service) Export(ctx context.Context, actorID, eventID int64) (*models.Event, []export.Row, error) {
	ev, err := s.Get(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.authorize(actorID, ev, "export"); err != nil {
		return nil, nil, err
	}
	return ev, export.Rows(ev), nil
}

// Membership is one event the actor is on, with their list.
type Membership struct {
	Event  *models.Event
	Status models.ParticipantStatus
}

// MyEvents lists the events where the actor is joined or waitlisted, by id.
func (s *Service) MyEvents(ctx context.Context, actorID int64) ([]Membership, error) {
	events, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Membership
	for _, ev := range events {
		if st := ev.Status(actorID); st != models.StatusNone {
			out = append(out, Membership{Event: ev, Status: st})
		}
	}
	return out, nil
}

// Get loads one event.
func (s *Service) Get(ctx context.Context, eventID int64) (*models.Event, error) {
	return s.load(ctx, eventID)
}

// List loads every event ordered by id.
func (s *Service) List(ctx context.Context) ([]*models.Event, error) {
	events, err := s.store.List(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	return events, nil
}

// Refresh re-renders the announcement of an event from its stored state.
func (s *Service) Refresh(ctx context.Context, eventID int64) error {
	unlock, err := s.locker.Lock(ctx, eventID)
	if err != nil {
		return &PersistenceError{Op: "lock", Err: err}
	}
	ev, err := s.load(ctx, eventID)
	if err != nil {
		unlock()
		return err
	}
	seq := s.ann.stamp()
	unlock()
	s.sync(ctx, ev, seq)
	return nil
}

// mutate runs fn on the current state of the event under its lock. Nothing
// is visible to observers until the store write succeeds.
func (s *Service) mutate(ctx context.Context, eventID int64, fn func(*models.Event) (Outcome, error)) (*models.Event, error) {
	unlock, err := s.locker.Lock(ctx, eventID)
	if err != nil {
		return nil, &PersistenceError{Op: "lock", Err: err}
	}
	ev, err := s.load(ctx, eventID)
	if err != nil {
		unlock()
		return nil, err
	}
	out, err := fn(ev)
	if err != nil {
		unlock()
		return nil, err
	}
	if err := out.Event.Validate(); err != nil {
		unlock()
		s.logger.Error("roster invariant violated", zap.Int64("event_id", eventID), zap.Error(err))
		return nil, &InternalError{Op: "mutate", Err: err}
	}
	if err := s.store.Put(ctx, out.Event); err != nil {
		unlock()
		return nil, &PersistenceError{Op: "put", Err: err}
	}
	snapshot := out.Event.Clone()
	seq := s.ann.stamp()
	unlock()

	for _, p := range notify.PromotionsFor(snapshot, out.Promoted) {
		s.logger.Info("participant promoted", zap.Int64("event_id", p.EventID), zap.Int64("actor_id", p.ActorID))
		s.notifier.NotifyPromotion(ctx, p)
	}
	for _, p := range out.Demoted {
		s.logger.Info("participant moved to waitlist", zap.Int64("event_id", eventID), zap.Int64("actor_id", p.ActorID))
	}
	s.sync(ctx, snapshot, seq)
	return snapshot.Clone(), nil
}

// sync mirrors snapshot into its announcement. When the attached photo
// changed the message is replaced, since a text message cannot gain a photo.
func (s *Service) sync(ctx context.Context, snapshot *models.Event, seq uint64) {
	old := snapshot.Announcement
	if old == nil || old.Media == snapshot.MediaRef {
		s.ann.refresh(ctx, snapshot, seq)
		return
	}
	ref, ok := s.ann.republish(ctx, snapshot, seq)
	if !ok {
		return
	}
	if _, _, err := s.attach(ctx, snapshot.ID, old, ref); err != nil {
		s.logger.Error("store replacement announcement failed", zap.Int64("event_id", snapshot.ID), zap.Error(err))
		s.ann.retract(ctx, snapshot.ID, ref)
		return
	}
	s.ann.retract(ctx, snapshot.ID, *old)
}

// attach records ref as the announcement of an event, provided the event
// still points at expected.
func (s *Service) attach(ctx context.Context, eventID int64, expected *models.AnnouncementRef, ref models.AnnouncementRef) (*models.Event, uint64, error) {
	unlock, err := s.locker.Lock(ctx, eventID)
	if err != nil {
		return nil, 0, &PersistenceError{Op: "lock", Err: err}
	}
	defer unlock()
	ev, err := s.load(ctx, eventID)
	if err != nil {
		return nil, 0, err
	}
	if !sameRef(ev.Announcement, expected) {
		return nil, 0, &PersistenceError{Op: "attach announcement", Err: errors.New("announcement changed concurrently")}
	}
	ev.Announcement = &ref
	if err := s.store.Put(ctx, ev); err != nil {
		return nil, 0, &PersistenceError{Op: "put", Err: err}
	}
	return ev.Clone(), s.ann.stamp(), nil
}

func (s *Service) load(ctx context.Context, eventID int64) (*models.Event, error) {
	if eventID <= 0 {
		return nil, invalid("event_id", "must be a positive integer")
	}
	ev, err := s.store.Get(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{EventID: eventID}
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get", Err: err}
	}
	return ev, nil
}

func (s *Service) authorize(actorID int64, ev *models.Event, action string) error {
	if s.policy.CanManage(actorID, ev) {
		return nil
	}
	return &AuthorizationError{ActorID: actorID, Action: action}
}

func sameRef(a, b *models.AnnouncementRef) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ChatID == b.ChatID && a.MessageID == b.MessageID
}
