package roster

import (
	"strconv"
	"strings"

	"github.com/kinovino/rosterbot/internal/models"
)

// JoinResult is the outcome of a join request.
type JoinResult string

const (
	Confirmed     JoinResult = "confirmed"
	Waitlisted    JoinResult = "waitlisted"
	AlreadyJoined JoinResult = "already_joined"
)

// LeaveResult is the outcome of a leave or manual remove.
type LeaveResult string

const (
	Left       LeaveResult = "left"
	NotPresent LeaveResult = "not_present"
)

// Outcome is the state produced by one engine transition. Event is always a
// fresh copy; Promoted lists actors moved waitlist -> joined in promotion order.
type Outcome struct {
	Event    *models.Event
	Promoted []models.Participant
	Demoted  []models.Participant
}

// Join adds the actor to the roster. An actor already joined keeps their
// position. A waitlisted actor is removed and re-added, so the current
// vacancy decides the result rather than the old queue position.
func Join(ev *models.Event, p models.Participant) (Outcome, JoinResult) {
	next := ev.Clone()
	if indexOf(next.Joined, p.ActorID) >= 0 {
		return Outcome{Event: next}, AlreadyJoined
	}
	next.Waitlist, _ = without(next.Waitlist, p.ActorID)
	if len(next.Joined) < next.Capacity {
		next.Joined = append(next.Joined, p)
		return Outcome{Event: next}, Confirmed
	}
	next.Waitlist = append(next.Waitlist, p)
	return Outcome{Event: next}, Waitlisted
}

// Leave drops the actor from whichever list holds them, then fills vacancies.
func Leave(ev *models.Event, actorID int64) (Outcome, LeaveResult) {
	next := ev.Clone()
	var inJoined, inWaitlist bool
	next.Joined, inJoined = without(next.Joined, actorID)
	next.Waitlist, inWaitlist = without(next.Waitlist, actorID)
	res := NotPresent
	if inJoined || inWaitlist {
		res = Left
	}
	return Outcome{Event: next, Promoted: promote(next)}, res
}

// ManualRemove is the admin form of Leave. It fills every opened slot, same as Leave.
func ManualRemove(ev *models.Event, actorID int64) (Outcome, LeaveResult) {
	return Leave(ev, actorID)
}

// SetCapacity changes the capacity. Shrinking moves the joined tail to the
// front of the waitlist in its prior order; growing promotes from the waitlist.
func SetCapacity(ev *models.Event, capacity int) (Outcome, error) {
	if capacity <= 0 {
		return Outcome{}, invalid("capacity", "must be a positive integer")
	}
	next := ev.Clone()
	next.Capacity = capacity
	var out Outcome
	if len(next.Joined) > capacity {
		overflow := append([]models.Participant(nil), next.Joined[capacity:]...)
		next.Joined = next.Joined[:capacity:capacity]
		next.Waitlist = append(overflow, next.Waitlist...)
		out.Demoted = append([]models.Participant(nil), overflow...)
	} else {
		out.Promoted = promote(next)
	}
	out.Event = next
	return out, nil
}

// ManualAdd appends each participant straight to joined, ignoring capacity.
// This is the one transition allowed to overbook: it neither evicts nor
// promotes. Actors already on either list, or repeated within the request,
// are skipped and reported in duplicates.
func ManualAdd(ev *models.Event, participants []models.Participant) (out Outcome, added []models.Participant, duplicates []int64) {
	next := ev.Clone()
	for _, p := range participants {
		if next.Status(p.ActorID) != models.StatusNone {
			duplicates = append(duplicates, p.ActorID)
			continue
		}
		next.Joined = append(next.Joined, p)
		added = append(added, p)
	}
	return Outcome{Event: next}, added, duplicates
}

// Edit applies a descriptive field change. Capacity is delegated to
// SetCapacity; media accepts a file reference, or "" / "remove" to clear.
func Edit(ev *models.Event, field models.Field, value string) (Outcome, error) {
	value = strings.TrimSpace(value)
	next := ev.Clone()
	switch field {
	case models.FieldTitle:
		if value == "" {
			return Outcome{}, invalid("title", "must not be empty")
		}
		next.Title = value
	case models.FieldSchedule:
		if value == "" {
			return Outcome{}, invalid("schedule", "must not be empty")
		}
		next.Schedule = value
	case models.FieldLocation:
		next.Location = clearMarker(value)
	case models.FieldDescription:
		next.Description = clearMarker(value)
	case models.FieldMedia:
		if strings.EqualFold(value, "remove") {
			value = ""
		}
		next.MediaRef = value
	case models.FieldCapacity:
		n, err := ParseCapacity(value)
		if err != nil {
			return Outcome{}, err
		}
		return SetCapacity(ev, n)
	default:
		return Outcome{}, invalid("field", "unknown field "+strconv.Quote(string(field)))
	}
	return Outcome{Event: next}, nil
}

// ParseCapacity parses a capacity argument, rejecting non-positive values.
func ParseCapacity(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, invalid("capacity", "must be a positive integer")
	}
	return n, nil
}

// promote moves waitlist heads into joined while there is room.
func promote(ev *models.Event) []models.Participant {
	var promoted []models.Participant
	for len(ev.Joined) < ev.Capacity && len(ev.Waitlist) > 0 {
		head := ev.Waitlist[0]
		ev.Waitlist = ev.Waitlist[1:]
		ev.Joined = append(ev.Joined, head)
		promoted = append(promoted, head)
	}
	return promoted
}

// without returns list minus actorID, preserving order, and whether it was present.
func without(list []models.Participant, actorID int64) ([]models.Participant, bool) {
	i := indexOf(list, actorID)
	if i < 0 {
		return list, false
	}
	out := make([]models.Participant, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...), true
}

func indexOf(list []models.Participant, actorID int64) int {
	for i, p := range list {
		if p.ActorID == actorID {
			return i
		}
	}
	return -1
}

// clearMarker maps the chat "skip" marker "-" to an empty value.
func clearMarker(s string) string {
	if s == "-" {
		return ""
	}
	return s
}
