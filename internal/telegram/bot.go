package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/kinovino/rosterbot/internal/announce"
	"github.com/kinovino/rosterbot/internal/auth"
	"github.com/kinovino/rosterbot/internal/export"
	"github.com/kinovino/rosterbot/internal/models"
	"github.com/kinovino/rosterbot/internal/roster"
)

// Roster is the command surface the bot drives; *roster.Service implements it.
type Roster interface {
	CreateEvent(ctx context.Context, actorID int64, d models.Draft) (*models.Event, error)
	Join(ctx context.Context, eventID int64, p models.Participant) (*models.Event, roster.JoinResult, error)
	Leave(ctx context.Context, eventID, actorID int64) (*models.Event, roster.LeaveResult, error)
	SetCapacity(ctx context.Context, actorID, eventID int64, capacity int) (*models.Event, error)
	Edit(ctx context.Context, actorID, eventID int64, field models.Field, value string) (*models.Event, error)
	ManualAdd(ctx context.Context, actorID, eventID int64, actorIDs []int64) (*roster.AddResult, error)
	ManualRemove(ctx context.Context, actorID, eventID, targetID int64) (*models.Event, roster.LeaveResult, error)
	Delete(ctx context.Context, actorID, eventID int64) error
	Export(ctx context.Context, actorID, eventID int64) (*models.Event, []export.Row, error)
	MyEvents(ctx context.Context, actorID int64) ([]roster.Membership, error)
	Get(ctx context.Context, eventID int64) (*models.Event, error)
	Policy() *auth.Policy
}

// updateTimeout bounds the handling of one inbound update.
const updateTimeout = 30 * time.Second

// Bot turns Telegram updates into roster operations.
type Bot struct {
	client   *Client
	roster   Roster
	sessions *sessions
	workers  int
	logger   *zap.Logger
}

// NewBot creates a bot. workers bounds how many updates are handled at once;
// one sender's updates never run concurrently.
func NewBot(client *Client, r Roster, workers int, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 8
	}
	return &Bot{client: client, roster: r, sessions: newSessions(), workers: workers, logger: logger}
}

// shardBuffer is how many updates may queue for one worker. A full queue
// holds up dispatch to every worker until it drains.
const shardBuffer = 256

// Run handles updates until ctx is cancelled or the channel closes, then
// waits for queued and in-flight handlers. Updates from one sender always
// land on the same worker, so a user's dialog steps are handled in order.
func (b *Bot) Run(ctx context.Context, updates <-chan tgbotapi.Update) {
	shards := make([]chan tgbotapi.Update, b.workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan tgbotapi.Update, shardBuffer)
		wg.Add(1)
		go func(in <-chan tgbotapi.Update) {
			defer wg.Done()
			for u := range in {
				b.handle(ctx, u)
			}
		}(shards[i])
	}
	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wg.Wait()
	}()

	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	b.logger.Info("telegram bot started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("telegram bot stopping")
			return
		case <-sweep.C:
			b.sessions.sweep()
		case u, ok := <-updates:
			if !ok {
				return
			}
			if !b.dispatch(ctx, shards, u) {
				return
			}
		}
	}
}

// dispatch queues u on its sender's worker. It reports false when ctx ended
// before the update could be queued.
func (b *Bot) dispatch(ctx context.Context, shards []chan tgbotapi.Update, u tgbotapi.Update) bool {
	sender := senderID(u)
	i := shardOf(sender, len(shards))
	select {
	case shards[i] <- u:
		return true
	default:
	}
	b.logger.Warn("worker queue full, dispatch blocked",
		zap.Int("worker", i), zap.Int64("sender_id", sender), zap.Int("queued", len(shards[i])))
	select {
	case shards[i] <- u:
		return true
	case <-ctx.Done():
		b.logger.Warn("update dropped on shutdown", zap.Int("update_id", u.UpdateID))
		return false
	}
}

// handle runs one update, surviving a panicking handler.
func (b *Bot) handle(ctx context.Context, u tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("update handler panic", zap.Int("update_id", u.UpdateID), zap.Any("panic", r))
		}
	}()
	// Queued updates finish even when shutdown begins.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), updateTimeout)
	defer cancel()
	b.HandleUpdate(hctx, u)
}

// senderID is the user behind an update, or 0 when there is none.
func senderID(u tgbotapi.Update) int64 {
	switch {
	case u.CallbackQuery != nil && u.CallbackQuery.From != nil:
		return u.CallbackQuery.From.ID
	case u.Message != nil && u.Message.From != nil:
		return u.Message.From.ID
	}
	return 0
}

func shardOf(id int64, n int) int {
	return int(uint64(id) % uint64(n))
}

// HandleUpdate dispatches one update.
func (b *Bot) HandleUpdate(ctx context.Context, u tgbotapi.Update) {
	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		b.handleMessage(ctx, u.Message)
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.From == nil {
		return
	}
	if q.Data == noopData {
		b.client.Answer(q.ID, "Registration is closed.", true)
		return
	}
	action, eventID, ok := announce.ParseCallbackData(q.Data)
	if !ok {
		b.client.Answer(q.ID, "Invalid button data.", true)
		return
	}

	var reply string
	switch action {
	case announce.ActionJoin:
		_, res, err := b.roster.Join(ctx, eventID, Participant(q.From))
		if err != nil {
			b.fail(err, eventID, q.From.ID)
			b.client.Answer(q.ID, errorText(err), true)
			return
		}
		reply = joinReply(res)
	case announce.ActionLeave:
		_, res, err := b.roster.Leave(ctx, eventID, q.From.ID)
		if err != nil {
			b.fail(err, eventID, q.From.ID)
			b.client.Answer(q.ID, errorText(err), true)
			return
		}
		reply = leaveReply(res)
	}

	// Prefer a private message; users who never started the bot get an alert.
	if err := b.client.SendDirect(ctx, q.From.ID, reply); err != nil {
		b.client.Answer(q.ID, reply, true)
		return
	}
	b.client.Answer(q.ID, "", false)
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	if msg.IsCommand() {
		b.handleCommand(ctx, msg, msg.Command(), strings.Fields(msg.CommandArguments()))
		return
	}
	if sess, ok := b.sessions.get(msg.From.ID); ok {
		b.continueDialog(ctx, msg, sess)
		return
	}
	if len(msg.Photo) > 0 && strings.TrimSpace(msg.Caption) != "" {
		b.createFromPhoto(ctx, msg)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message, cmd string, args []string) {
	chatID, actorID := msg.Chat.ID, msg.From.ID
	switch cmd {
	case "start", "help":
		b.client.Reply(chatID, helpText)
	case "cancel":
		b.cancel(chatID, actorID)
	case "create":
		b.sessions.put(actorID, session{step: stepTitle})
		b.client.Reply(chatID, "Creating a new event, step 1/6.\nSend the event title:")
	case "create_event":
		b.quickCreate(ctx, chatID, actorID, msg.CommandArguments())
	case "my_events":
		b.myEvents(ctx, chatID, actorID)
	case "export_event":
		b.export(ctx, chatID, actorID, args)
	case "delete_event":
		b.delete(ctx, chatID, actorID, args)
	case "edit_event":
		b.startEdit(ctx, chatID, actorID, args)
	case "capacity":
		b.capacity(ctx, chatID, actorID, args)
	case "add":
		b.add(ctx, chatID, actorID, args)
	case "remove":
		b.remove(ctx, chatID, actorID, args)
	}
}

func (b *Bot) cancel(chatID, actorID int64) {
	sess, ok := b.sessions.drop(actorID)
	switch {
	case !ok:
		b.client.Reply(chatID, "Nothing to cancel.")
	case sess.editing():
		b.client.Reply(chatID, "Editing cancelled.")
	default:
		b.client.Reply(chatID, "Event creation cancelled.")
	}
}

func (b *Bot) quickCreate(ctx context.Context, chatID, actorID int64, raw string) {
	if strings.TrimSpace(raw) == "" {
		b.client.Reply(chatID, quickCreateUsage)
		return
	}
	d, err := parseQuickCreate(raw)
	if err != nil {
		b.client.Reply(chatID, errorText(err))
		return
	}
	b.create(ctx, chatID, actorID, d)
}

func (b *Bot) createFromPhoto(ctx context.Context, msg *tgbotapi.Message) {
	d, err := parseQuickCreate(msg.Caption)
	if err != nil {
		if errors.Is(err, errTooFewParts) {
			b.client.Reply(msg.Chat.ID, "To create an event with a photo, send a photo captioned:\nTitle | Date | Capacity | Location (optional) | Description (optional)")
			return
		}
		b.client.Reply(msg.Chat.ID, errorText(err))
		return
	}
	d.MediaRef = largestPhoto(msg.Photo)
	b.create(ctx, msg.Chat.ID, msg.From.ID, d)
}

func (b *Bot) create(ctx context.Context, chatID, actorID int64, d models.Draft) {
	ev, err := b.roster.CreateEvent(ctx, actorID, d)
	if err != nil {
		b.fail(err, 0, actorID)
		b.client.Reply(chatID, errorText(err))
		return
	}
	switch {
	case ev.Announcement == nil:
		b.client.Reply(chatID, fmt.Sprintf("Event created (ID %d), but the announcement could not be published. Any change to the event will not show in the channel.", ev.ID))
	case ev.MediaRef != "":
		b.client.Reply(chatID, fmt.Sprintf("Event with photo created (ID %d).", ev.ID))
	default:
		b.client.Reply(chatID, fmt.Sprintf("Event created and published (ID %d).", ev.ID))
	}
}

func (b *Bot) continueDialog(ctx context.Context, msg *tgbotapi.Message, sess session) {
	chatID, actorID := msg.Chat.ID, msg.From.ID
	text := strings.TrimSpace(msg.Text)

	switch sess.step {
	case stepTitle:
		if text == "" {
			b.client.Reply(chatID, "Send the event title as text:")
			return
		}
		sess.draft.Title = text
		sess.step = stepSchedule
		b.client.Reply(chatID, "Step 2/6. Date and time (for example: 2025-11-02 20:00):")
	case stepSchedule:
		if text == "" {
			b.client.Reply(chatID, "Send the date and time as text:")
			return
		}
		sess.draft.Schedule = text
		sess.step = stepCapacity
		b.client.Reply(chatID, "Step 3/6. Capacity (a whole number):")
	case stepCapacity:
		n, err := roster.ParseCapacity(text)
		if err != nil {
			b.client.Reply(chatID, "Capacity must be a positive whole number. Try again:")
			return
		}
		sess.draft.Capacity = n
		sess.step = stepLocation
		b.client.Reply(chatID, "Step 4/6. Location (or '-' to skip):")
	case stepLocation:
		sess.draft.Location = text
		sess.step = stepDescription
		b.client.Reply(chatID, "Step 5/6. Description (or '-' to skip):")
	case stepDescription:
		sess.draft.Description = text
		sess.step = stepPhoto
		b.client.Reply(chatID, "Step 6/6 (optional). Send a photo now, or 'skip' to finish without one.")
	case stepPhoto:
		switch {
		case strings.EqualFold(text, "skip"):
		case len(msg.Photo) > 0:
			sess.draft.MediaRef = largestPhoto(msg.Photo)
		default:
			b.client.Reply(chatID, "Waiting for a photo or 'skip'.")
			return
		}
		b.sessions.drop(actorID)
		b.create(ctx, chatID, actorID, sess.draft)
		return
	case stepEditField:
		field, ok := models.ParseField(text)
		if !ok {
			b.client.Reply(chatID, "Invalid choice. Send a number (1-6).")
			return
		}
		sess.field = field
		sess.step = stepEditValue
		if field == models.FieldMedia {
			b.client.Reply(chatID, "Send a new photo (or 'remove' to drop the photo).")
		} else {
			b.client.Reply(chatID, "Send the new value:")
		}
	case stepEditValue:
		b.applyEdit(ctx, msg, sess)
		return
	default:
		b.sessions.drop(actorID)
		return
	}
	b.sessions.put(actorID, sess)
}

func (b *Bot) startEdit(ctx context.Context, chatID, actorID int64, args []string) {
	eventID, err := parseEventID(args)
	if err != nil {
		b.client.Reply(chatID, "Usage: /edit_event &lt;event_id&gt;")
		return
	}
	ev, err := b.roster.Get(ctx, eventID)
	if err != nil {
		b.client.Reply(chatID, errorText(err))
		return
	}
	if !b.roster.Policy().CanManage(actorID, ev) {
		b.client.Reply(chatID, "Only an admin or the event creator can edit this event.")
		return
	}
	b.sessions.put(actorID, session{step: stepEditField, eventID: eventID})
	b.client.Reply(chatID, editMenu)
}

func (b *Bot) applyEdit(ctx context.Context, msg *tgbotapi.Message, sess session) {
	chatID, actorID := msg.Chat.ID, msg.From.ID
	value := strings.TrimSpace(msg.Text)
	if sess.field == models.FieldMedia {
		switch {
		case strings.EqualFold(value, "remove"):
			value = "remove"
		case len(msg.Photo) > 0:
			value = largestPhoto(msg.Photo)
		default:
			b.client.Reply(chatID, "Waiting for a photo or 'remove'.")
			b.sessions.put(actorID, sess)
			return
		}
	} else if value == "" {
		b.client.Reply(chatID, "Send the new value as text:")
		b.sessions.put(actorID, sess)
		return
	}

	_, err := b.roster.Edit(ctx, actorID, sess.eventID, sess.field, value)
	var verr *roster.ValidationError
	if errors.As(err, &verr) {
		b.client.Reply(chatID, errorText(err)+" Try again.")
		b.sessions.put(actorID, sess)
		return
	}
	b.sessions.drop(actorID)
	var nf *roster.NotFoundError
	switch {
	case errors.As(err, &nf):
		b.client.Reply(chatID, "The event no longer exists.")
	case err != nil:
		b.fail(err, sess.eventID, actorID)
		b.client.Reply(chatID, errorText(err))
	default:
		b.client.Reply(chatID, "Event updated.")
	}
}

func (b *Bot) myEvents(ctx context.Context, chatID, actorID int64) {
	list, err := b.roster.MyEvents(ctx, actorID)
	if err != nil {
		b.fail(err, 0, actorID)
		b.client.Reply(chatID, errorText(err))
		return
	}
	if len(list) == 0 {
		b.client.Reply(chatID, "You have no sign-ups.")
		return
	}
	lines := make([]string, 0, len(list))
	for _, m := range list {
		lines = append(lines, statusLine(m))
	}
	b.client.Reply(chatID, "<b>Your sign-ups:</b>\n\n"+strings.Join(lines, "\n"))
}

func (b *Bot) export(ctx context.Context, chatID, actorID int64, args []string) {
	eventID, err := parseEventID(args)
	if err != nil {
		b.client.Reply(chatID, "Usage: /export_event &lt;event_id&gt;")
		return
	}
	_, rows, err := b.roster.Export(ctx, actorID, eventID)
	if err != nil {
		b.fail(err, eventID, actorID)
		b.client.Reply(chatID, errorText(err))
		return
	}
	body, err := export.CSV(rows)
	if err != nil {
		b.logger.Error("encode export failed", zap.Int64("event_id", eventID), zap.Error(err))
		b.client.Reply(chatID, errorText(err))
		return
	}
	// The file goes to the requester's private chat, never to a group.
	if err := b.client.SendDocument(ctx, actorID, export.Filename(eventID), body, ""); err != nil {
		b.logger.Warn("send export failed", zap.Int64("event_id", eventID), zap.Int64("actor_id", actorID), zap.Error(err))
		b.client.Reply(chatID, "Couldn't send the file. Start a private chat with the bot and try again.")
	}
}

func (b *Bot) delete(ctx context.Context, chatID, actorID int64, args []string) {
	eventID, err := parseEventID(args)
	if err != nil {
		b.client.Reply(chatID, "Usage: /delete_event &lt;event_id&gt;")
		return
	}
	if err := b.roster.Delete(ctx, actorID, eventID); err != nil {
		b.fail(err, eventID, actorID)
		b.client.Reply(chatID, errorText(err))
		return
	}
	b.client.Reply(chatID, fmt.Sprintf("Event %d deleted.", eventID))
}

func (b *Bot) capacity(ctx context.Context, chatID, actorID int64, args []string) {
	if len(args) != 2 {
		b.client.Reply(chatID, "Usage: /capacity &lt;event_id&gt; &lt;n&gt;")
		return
	}
	eventID, err := parseEventID(args)
	if err != nil {
		b.client.Reply(chatID, errorText(err))
		return
	}
	n, err := roster.ParseCapacity(args[1])
	if err != nil {
		b.client.Reply(chatID, errorText(err))
		return
	}
	ev, err := b.roster.SetCapacity(ctx, actorID, eventID, n)
	if err != nil {
		b.fail(err, eventID, actorID)
		b.client.Reply(chatID, errorText(err))
		return
	}
	b.client.Reply(chatID, fmt.Sprintf("Capacity of event %d is now %d: %d joined, %d waiting.",
		ev.ID, ev.Capacity, len(ev.Joined), len(ev.Waitlist)))
}

func (b *Bot) add(ctx context.Context, chatID, actorID int64, args []string) {
	if len(args) < 2 {
		b.client.Reply(chatID, "Usage: /add &lt;event_id&gt; &lt;user_id&gt; [user_id...]")
		return
	}
	eventID, err := parseEventID(args)
	if err != nil {
		b.client.Reply(chatID, errorText(err))
		return
	}
	ids, err := parseIDs(args[1:])
	if err != nil {
		b.client.Reply(chatID, errorText(err))
		return
	}
	res, err := b.roster.ManualAdd(ctx, actorID, eventID, ids)
	if err != nil {
		b.fail(err, eventID, actorID)
		b.client.Reply(chatID, errorText(err))
		return
	}
	var parts []string
	if len(res.Added) > 0 {
		names := make([]string, 0, len(res.Added))
		for _, p := range res.Added {
			names = append(names, escape(p.Label()))
		}
		parts = append(parts, "Added: "+strings.Join(names, ", ")+".")
	}
	if len(res.Duplicates) > 0 {
		dups := make([]string, 0, len(res.Duplicates))
		for _, id := range res.Duplicates {
			dups = append(dups, strconv.FormatInt(id, 10))
		}
		parts = append(parts, "Already on the list: "+strings.Join(dups, ", ")+".")
	}
	if res.Event.Overbooked() {
		parts = append(parts, fmt.Sprintf("The event is now over capacity (%d/%d).", len(res.Event.Joined), res.Event.Capacity))
	}
	b.client.Reply(chatID, strings.Join(parts, "\n"))
}

func (b *Bot) remove(ctx context.Context, chatID, actorID int64, args []string) {
	if len(args) != 2 {
		b.client.Reply(chatID, "Usage: /remove &lt;event_id&gt; &lt;user_id&gt;")
		return
	}
	eventID, err := parseEventID(args)
	if err != nil {
		b.client.Reply(chatID, errorText(err))
		return
	}
	target, err := parseID("actor_id", args[1])
	if err != nil {
		b.client.Reply(chatID, errorText(err))
		return
	}
	_, res, err := b.roster.ManualRemove(ctx, actorID, eventID, target)
	if err != nil {
		b.fail(err, eventID, actorID)
		b.client.Reply(chatID, errorText(err))
		return
	}
	if res == roster.NotPresent {
		b.client.Reply(chatID, fmt.Sprintf("%d is not on event %d.", target, eventID))
		return
	}
	b.client.Reply(chatID, fmt.Sprintf("Removed %d from event %d.", target, eventID))
}

// fail logs errors the user cannot fix themselves.
func (b *Bot) fail(err error, eventID, actorID int64) {
	if errors.Is(err, roster.ErrPersistence) || errors.Is(err, roster.ErrInternal) {
		b.logger.Error("roster operation failed", zap.Int64("event_id", eventID), zap.Int64("actor_id", actorID), zap.Error(err))
	}
}

func largestPhoto(sizes []tgbotapi.PhotoSize) string {
	if len(sizes) == 0 {
		return ""
	}
	return sizes[len(sizes)-1].FileID
}
