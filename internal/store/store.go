// Package store defines durable storage for event rosters.
package store

import (
	"context"
	"errors"

	"github.com/kinovino/rosterbot/internal/models"
)

// ErrNotFound is returned when an event id has no record.
var ErrNotFound = errors.New("event not found")

// Store persists events keyed by id plus a monotonically increasing id counter.
// Put is last-writer-wins; callers serialize mutations of one event themselves.
type Store interface {
	// NextID issues an id strictly greater than any id issued before, across restarts.
	NextID(ctx context.Context) (int64, error)
	// Create assigns a fresh id to draft and stores the new, empty-roster event.
	Create(ctx context.Context, draft models.Draft) (*models.Event, error)
	Get(ctx context.Context, id int64) (*models.Event, error)
	Put(ctx context.Context, ev *models.Event) error
	Delete(ctx context.Context, id int64) error
	// List returns all events ordered by id.
	List(ctx context.Context) ([]*models.Event, error)
	Close() error
}

// NewEvent builds the initial record for a draft.
func NewEvent(id int64, d models.Draft) *models.Event {
	return &models.Event{
		ID:          id,
		Title:       d.Title,
		Schedule:    d.Schedule,
		Location:    d.Location,
		Description: d.Description,
		Capacity:    d.Capacity,
		CreatorID:   d.CreatorID,
		MediaRef:    d.MediaRef,
		Joined:      []models.Participant{},
		Waitlist:    []models.Participant{},
	}
}

// Normalize replaces nil roster slices with empty ones so records serialize as [].
func Normalize(ev *models.Event) {
	if ev.Joined == nil {
		ev.Joined = []models.Participant{}
	}
	if ev.Waitlist == nil {
		ev.Waitlist = []models.Participant{}
	}
}
