// Package announce renders an event into the text and buttons of its public
// announcement message. Rendering is pure: equal events give equal output.
package announce

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/kinovino/rosterbot/internal/models"
)

// Action identifies what a control does when pressed.
type Action string

const (
	ActionJoin  Action = "join"
	ActionLeave Action = "leave"
)

// Control is one inline button under the announcement.
type Control struct {
	Action   Action
	Label    string
	Data     string // callback payload, "<action>|<event id>"
	Disabled bool
}

// Announcement is the rendered message. Text is Telegram HTML.
type Announcement struct {
	Text     string
	Controls []Control
	MediaRef string
}

const empty = "(empty)"

// Render produces the announcement for ev.
func Render(ev *models.Event) Announcement {
	var b strings.Builder
	fmt.Fprintf(&b, "🎬 <b>%s</b>\n", esc(ev.Title))
	fmt.Fprintf(&b, "📅 %s\n", esc(ev.Schedule))
	fmt.Fprintf(&b, "📍 %s\n\n", esc(orDefault(ev.Location, "(location not set)")))
	fmt.Fprintf(&b, "%s\n\n", esc(orDefault(ev.Description, "(no description)")))
	fmt.Fprintf(&b, "👥 <b>%d/%d</b> participants\n", len(ev.Joined), ev.Capacity)
	b.WriteString(list(ev.Joined))
	fmt.Fprintf(&b, "\n\n🕒 Waitlist: %d\n", len(ev.Waitlist))
	b.WriteString(list(ev.Waitlist))

	return Announcement{
		Text:     b.String(),
		Controls: Controls(ev),
		MediaRef: ev.MediaRef,
	}
}

// Controls returns the join-or-waitlist and leave buttons reflecting the fill level.
func Controls(ev *models.Event) []Control {
	join := Control{Action: ActionJoin, Data: CallbackData(ActionJoin, ev.ID)}
	switch {
	case ev.Capacity <= 0:
		join.Label = "🚫 Registration closed"
		join.Disabled = true
	case len(ev.Joined) >= ev.Capacity:
		join.Label = fmt.Sprintf("🕒 Join waitlist (%d)", len(ev.Waitlist))
	default:
		join.Label = fmt.Sprintf("✅ Join (%d/%d)", len(ev.Joined), ev.Capacity)
	}
	return []Control{
		join,
		{Action: ActionLeave, Label: "❌ Can't make it", Data: CallbackData(ActionLeave, ev.ID)},
	}
}

// CallbackData encodes a button payload.
func CallbackData(a Action, eventID int64) string {
	return string(a) + "|" + strconv.FormatInt(eventID, 10)
}

// ParseCallbackData decodes a button payload produced by CallbackData.
func ParseCallbackData(data string) (Action, int64, bool) {
	action, idPart, ok := strings.Cut(data, "|")
	if !ok {
		return "", 0, false
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}
	switch Action(action) {
	case ActionJoin, ActionLeave:
		return Action(action), id, true
	}
	return "", 0, false
}

// Fingerprint is a stable digest of everything that reaches the remote message.
func (a Announcement) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(a.Text))
	for _, c := range a.Controls {
		fmt.Fprintf(h, "\x00%s\x00%s\x00%s\x00%t", c.Action, c.Label, c.Data, c.Disabled)
	}
	fmt.Fprintf(h, "\x00media=%s", a.MediaRef)
	return hex.EncodeToString(h.Sum(nil))
}

func list(ps []models.Participant) string {
	if len(ps) == 0 {
		return empty
	}
	lines := make([]string, 0, len(ps))
	for _, p := range ps {
		lines = append(lines, fmt.Sprintf("• <a href=\"tg://user?id=%d\">%s</a>", p.ActorID, esc(p.Label())))
	}
	return strings.Join(lines, "\n")
}

func esc(s string) string { return html.EscapeString(s) }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
