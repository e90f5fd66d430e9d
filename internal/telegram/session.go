package telegram

import (
	"sync"
	"time"

	"github.com/kinovino/rosterbot/internal/models"
)

type step int

const (
	stepNone step = iota
	stepTitle
	stepSchedule
	stepCapacity
	stepLocation
	stepDescription
	stepPhoto
	stepEditField
	stepEditValue
)

// Conversation lengths before an idle dialog is forgotten.
const (
	createTimeout = 10 * time.Minute
	editTimeout   = 5 * time.Minute
)

// session is one user's open dialog.
type session struct {
	step    step
	draft   models.Draft
	eventID int64
	field   models.Field
	expires time.Time
}

func (s *session) editing() bool { return s.step == stepEditField || s.step == stepEditValue }

// sessions holds dialogs keyed by user id.
type sessions struct {
	mu  sync.Mutex
	m   map[int64]*session
	now func() time.Time
}

func newSessions() *sessions {
	return &sessions{m: make(map[int64]*session), now: time.Now}
}

// get returns a copy of the live session, dropping an expired one.
func (s *sessions) get(userID int64) (session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[userID]
	if !ok {
		return session{}, false
	}
	if s.now().After(cur.expires) {
		delete(s.m, userID)
		return session{}, false
	}
	return *cur, true
}

// put stores sess and extends its deadline.
func (s *sessions) put(userID int64, sess session) {
	ttl := createTimeout
	if sess.editing() {
		ttl = editTimeout
	}
	sess.expires = s.now().Add(ttl)
	s.mu.Lock()
	s.m[userID] = &sess
	s.mu.Unlock()
}

func (s *sessions) drop(userID int64) (session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[userID]
	delete(s.m, userID)
	if !ok {
		return session{}, false
	}
	return *cur, true
}

// sweep forgets expired dialogs.
func (s *sessions) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, sess := range s.m {
		if now.After(sess.expires) {
			delete(s.m, id)
		}
	}
}
