package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kinovino/rosterbot/internal/models"
	"github.com/kinovino/rosterbot/internal/roster"
)

const helpText = `Hi! I create events and keep their sign-up lists.

Commands:
/create - create an event step by step
/create_event Title | Date | Capacity | Location | Description - quick create
Send a photo captioned "Title | Date | Capacity | ..." to create an event with a photo.
/my_events - events you signed up for
/export_event &lt;id&gt; - export participants (admins/creator)
/delete_event &lt;id&gt; - delete an event (admins/creator)
/edit_event &lt;id&gt; - edit an event (admins/creator)
/capacity &lt;id&gt; &lt;n&gt; - change capacity (admins/creator)
/add &lt;id&gt; &lt;user id&gt;... - add participants past capacity (admins/creator)
/remove &lt;id&gt; &lt;user id&gt; - remove a participant (admins/creator)
/cancel - abort the current dialog`

const quickCreateUsage = "Usage:\n/create_event Title | Date | Capacity | Location (optional) | Description (optional)"

const editMenu = `What do you want to edit? Send the number:
1 - Title
2 - Date
3 - Capacity
4 - Location
5 - Description
6 - Photo (send a new photo)`

var errTooFewParts = errors.New("need at least: Title | Date | Capacity")

// parseQuickCreate reads "Title | Date | Capacity [| Location [| Description]]".
func parseQuickCreate(s string) (models.Draft, error) {
	parts := strings.Split(s, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) < 3 {
		return models.Draft{}, errTooFewParts
	}
	capacity, err := roster.ParseCapacity(parts[2])
	if err != nil {
		return models.Draft{}, err
	}
	d := models.Draft{Title: parts[0], Schedule: parts[1], Capacity: capacity}
	if len(parts) > 3 {
		d.Location = parts[3]
	}
	if len(parts) > 4 {
		d.Description = strings.Join(parts[4:], " | ")
	}
	return d, nil
}

// parseEventID reads the first argument as an event id.
func parseEventID(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, &roster.ValidationError{Field: "event_id", Reason: "missing"}
	}
	return parseID("event_id", args[0])
}

func parseID(field, s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, &roster.ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a valid id", s)}
	}
	return id, nil
}

// parseIDs reads every argument as an actor id.
func parseIDs(args []string) ([]int64, error) {
	out := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := parseID("actor_id", a)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// joinReply is what the pressing user is told after a join.
func joinReply(res roster.JoinResult) string {
	switch res {
	case roster.Confirmed:
		return "You're signed up ✅"
	case roster.Waitlisted:
		return "The event is full, you're on the waitlist 🕒"
	default:
		return "You're already signed up ✅"
	}
}

func leaveReply(res roster.LeaveResult) string {
	if res == roster.NotPresent {
		return "You weren't signed up for this event."
	}
	return "Marked as not coming ❌"
}

// errorText maps the roster error taxonomy to user-facing text.
func errorText(err error) string {
	var (
		verr *roster.ValidationError
		nf   *roster.NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		if verr.Field == "capacity" {
			return "Capacity must be a positive whole number."
		}
		return "Invalid input: " + escape(verr.Error())
	case errors.As(err, &nf):
		return "Event not found."
	case errors.Is(err, roster.ErrForbidden):
		return "Only an admin or the event creator can do that."
	case errors.Is(err, errTooFewParts):
		return "Need at least: Title | Date | Capacity"
	default:
		return "Something went wrong, nothing was changed. Please try again."
	}
}

func statusLine(m roster.Membership) string {
	icon, label := "✅", "Joined"
	if m.Status == models.StatusWaitlist {
		icon, label = "🕒", "Waitlist"
	}
	return fmt.Sprintf("%s %s: %s — %s (ID %d)", icon, label, escape(m.Event.Title), escape(m.Event.Schedule), m.Event.ID)
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string { return htmlEscaper.Replace(s) }
