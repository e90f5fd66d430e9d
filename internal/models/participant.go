package models

import "strconv"

// ParticipantStatus is the roster list an actor belongs to.
type ParticipantStatus string

const (
	StatusJoined   ParticipantStatus = "joined"
	StatusWaitlist ParticipantStatus = "waitlist"
	StatusNone     ParticipantStatus = ""
)

// Participant is an actor's membership record. DisplayName and Handle are a
// snapshot taken when the actor joined.
type Participant struct {
	ActorID     int64  `json:"id"`
	DisplayName string `json:"name"`
	Handle      string `json:"username,omitempty"` // without the leading @
}

// Label is the human-readable form: "Name @handle", or just the name.
func (p Participant) Label() string {
	name := p.DisplayName
	if name == "" {
		name = strconv.FormatInt(p.ActorID, 10)
	}
	if p.Handle != "" {
		return name + " @" + p.Handle
	}
	return name
}

// HandleWithAt returns "@handle" or "" when there is no handle.
func (p Participant) HandleWithAt() string {
	if p.Handle == "" {
		return ""
	}
	return "@" + p.Handle
}
