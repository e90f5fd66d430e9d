// Package lock provides per-event mutual exclusion for roster mutations.
package lock

import (
	"context"
	"strconv"
	"sync"
)

// Locker grants exclusive access to one event at a time. Lock blocks until
// the lock is held or ctx ends; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context, eventID int64) (unlock func(), err error)
}

// Local serializes callers within one process. Waiters are served in the
// order they reached the lock's channel.
type Local struct {
	mu    sync.Mutex
	slots map[int64]*slot
}

type slot struct {
	ch   chan struct{} // capacity 1; a held lock is a full channel
	refs int
}

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{slots: make(map[int64]*slot)}
}

// Lock implements Locker.
func (l *Local) Lock(ctx context.Context, eventID int64) (func(), error) {
	l.mu.Lock()
	s := l.slots[eventID]
	if s == nil {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[eventID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(eventID, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(eventID, s)
		})
	}, nil
}

// release drops a reference and forgets idle slots so the map does not grow with every event ever touched.
func (l *Local) release(eventID int64, s *slot) {
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, eventID)
	}
	l.mu.Unlock()
}

// Key is the shared lock name for an event.
func Key(eventID int64) string {
	return "roster:lock:" + strconv.FormatInt(eventID, 10)
}
