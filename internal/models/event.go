package models

import (
	"fmt"
	"strconv"
	"time"
)

// AnnouncementRef points at the single published announcement message of an event.
type AnnouncementRef struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
	Media     string `json:"media,omitempty"` // photo the message was published with, "" for a text message
}

// HasMedia reports whether the message is a photo with caption.
func (r AnnouncementRef) HasMedia() bool { return r.Media != "" }

// Event is a scheduled activity with a capacity-bounded roster.
type Event struct {
	ID           int64            `json:"id"`
	Title        string           `json:"title"`
	Schedule     string           `json:"schedule"`
	Location     string           `json:"location,omitempty"`
	Description  string           `json:"description,omitempty"`
	Capacity     int              `json:"capacity"`
	CreatorID    int64            `json:"creator_id"`
	Announcement *AnnouncementRef `json:"announcement,omitempty"`
	Joined       []Participant    `json:"joined"`
	Waitlist     []Participant    `json:"waitlist"`
	MediaRef     string           `json:"media_ref,omitempty"` // Telegram file id of the attached photo
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Draft is the input for creating an event.
type Draft struct {
	Title       string `json:"title"`
	Schedule    string `json:"schedule"`
	Capacity    int    `json:"capacity"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	MediaRef    string `json:"media_ref,omitempty"`
	CreatorID   int64  `json:"creator_id"`
}

// IDString renders the event id as it appears in commands and callback data.
func (e *Event) IDString() string {
	return strconv.FormatInt(e.ID, 10)
}

// Clone returns a deep copy; roster slices are never shared with the receiver
// and are never nil, so empty rosters encode as [].
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Joined = cloneParticipants(e.Joined)
	out.Waitlist = cloneParticipants(e.Waitlist)
	if e.Announcement != nil {
		ref := *e.Announcement
		out.Announcement = &ref
	}
	return &out
}

// Status reports where the actor sits on the roster.
func (e *Event) Status(actorID int64) ParticipantStatus {
	if indexOf(e.Joined, actorID) >= 0 {
		return StatusJoined
	}
	if indexOf(e.Waitlist, actorID) >= 0 {
		return StatusWaitlist
	}
	return StatusNone
}

// Overbooked reports whether joined exceeds capacity. Only a manual admin add can cause this.
func (e *Event) Overbooked() bool {
	return len(e.Joined) > e.Capacity
}

// Validate checks the roster invariants that hold unconditionally:
// positive capacity, no duplicate actor within a list, joined and waitlist disjoint.
func (e *Event) Validate() error {
	if e.Capacity < 1 {
		return fmt.Errorf("event %d: capacity %d must be at least 1", e.ID, e.Capacity)
	}
	seen := make(map[int64]ParticipantStatus, len(e.Joined)+len(e.Waitlist))
	for _, p := range e.Joined {
		if _, dup := seen[p.ActorID]; dup {
			return fmt.Errorf("event %d: actor %d listed twice in joined", e.ID, p.ActorID)
		}
		seen[p.ActorID] = StatusJoined
	}
	for _, p := range e.Waitlist {
		if st, dup := seen[p.ActorID]; dup {
			if st == StatusJoined {
				return fmt.Errorf("event %d: actor %d both joined and waitlisted", e.ID, p.ActorID)
			}
			return fmt.Errorf("event %d: actor %d listed twice in waitlist", e.ID, p.ActorID)
		}
		seen[p.ActorID] = StatusWaitlist
	}
	return nil
}

func cloneParticipants(list []Participant) []Participant {
	out := make([]Participant, len(list))
	copy(out, list)
	return out
}

func indexOf(list []Participant, actorID int64) int {
	for i, p := range list {
		if p.ActorID == actorID {
			return i
		}
	}
	return -1
}
