package telegram

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kinovino/rosterbot/internal/announce"
	"github.com/kinovino/rosterbot/internal/auth"
	"github.com/kinovino/rosterbot/internal/models"
	"github.com/kinovino/rosterbot/internal/roster"
	"github.com/kinovino/rosterbot/internal/store/filestore"
)

// fakeAPI records every request and answers with increasing message ids.
type fakeAPI struct {
	mu         sync.Mutex
	sent       []tgbotapi.Chattable
	requests   []tgbotapi.Chattable
	next       int
	requestErr error
	sendErr    func(c tgbotapi.Chattable) error
	chats      map[int64]tgbotapi.Chat
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(c); err != nil {
			return tgbotapi.Message{}, err
		}
	}
	f.sent = append(f.sent, c)
	f.next++
	return tgbotapi.Message{MessageID: f.next, Chat: &tgbotapi.Chat{ID: -1001}}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetChat(cfg tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[cfg.ChatID]
	if !ok {
		return tgbotapi.Chat{}, errors.New("Bad Request: chat not found")
	}
	return chat, nil
}

// texts returns the text of every plain message sent to chatID.
func (f *fakeAPI) texts(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok && m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakeAPI) last(chatID int64) string {
	t := f.texts(chatID)
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

func TestPublishTextAndPhoto(t *testing.T) {
	api := &fakeAPI{}
	c := NewClient(api, "@kinovinomoz", nil)
	ev := &models.Event{ID: 3, Title: "Film", Schedule: "Fri", Capacity: 2}

	ref, err := c.Publish(context.Background(), announce.Render(ev))
	if err != nil {
		t.Fatal(err)
	}
	if ref.ChatID != -1001 || ref.MessageID != 1 || ref.HasMedia() {
		t.Errorf("ref = %+v", ref)
	}
	msg, ok := api.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("sent %T, want MessageConfig", api.sent[0])
	}
	if msg.ChannelUsername != "@kinovinomoz" || msg.ParseMode != tgbotapi.ModeHTML {
		t.Errorf("message = %+v", msg)
	}
	markup, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || len(markup.InlineKeyboard) != 1 || len(markup.InlineKeyboard[0]) != 2 {
		t.Fatalf("markup = %+v", msg.ReplyMarkup)
	}
	if data := markup.InlineKeyboard[0][0].CallbackData; data == nil || *data != "join|3" {
		t.Errorf("join data = %v", data)
	}

	ev.MediaRef = "file-1"
	ref, err = c.Publish(context.Background(), announce.Render(ev))
	if err != nil {
		t.Fatal(err)
	}
	if !ref.HasMedia() || ref.Media != "file-1" {
		t.Errorf("photo ref = %+v", ref)
	}
	if _, ok := api.sent[1].(tgbotapi.PhotoConfig); !ok {
		t.Errorf("sent %T, want PhotoConfig", api.sent[1])
	}
}

func TestPublishNumericChannel(t *testing.T) {
	api := &fakeAPI{}
	c := NewClient(api, "-1001234", nil)
	if _, err := c.Publish(context.Background(), announce.Announcement{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if msg := api.sent[0].(tgbotapi.MessageConfig); msg.ChatID != -1001234 {
		t.Errorf("chat id = %d", msg.ChatID)
	}
}

func TestUpdateEditsCaptionOrText(t *testing.T) {
	api := &fakeAPI{}
	c := NewClient(api, "@ch", nil)
	a := announce.Announcement{Text: "hello"}

	if err := c.Update(context.Background(), models.AnnouncementRef{ChatID: 1, MessageID: 2}, a); err != nil {
		t.Fatal(err)
	}
	if err := c.Update(context.Background(), models.AnnouncementRef{ChatID: 1, MessageID: 3, Media: "f"}, a); err != nil {
		t.Fatal(err)
	}
	if _, ok := api.requests[0].(tgbotapi.EditMessageTextConfig); !ok {
		t.Errorf("first request %T", api.requests[0])
	}
	if _, ok := api.requests[1].(tgbotapi.EditMessageCaptionConfig); !ok {
		t.Errorf("second request %T", api.requests[1])
	}
}

func TestUpdateNotModifiedIsSuccess(t *testing.T) {
	api := &fakeAPI{requestErr: errors.New("Bad Request: message is not modified: specified new message content is the same")}
	c := NewClient(api, "@ch", nil)
	if err := c.Update(context.Background(), models.AnnouncementRef{ChatID: 1, MessageID: 2}, announce.Announcement{}); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
	api.requestErr = errors.New("Forbidden: bot was kicked")
	if err := c.Update(context.Background(), models.AnnouncementRef{ChatID: 1, MessageID: 2}, announce.Announcement{}); err == nil {
		t.Error("want error")
	}
}

func TestKeyboardDisabledControl(t *testing.T) {
	m := keyboard([]announce.Control{{Label: "closed", Data: "join|1", Disabled: true}})
	if d := m.InlineKeyboard[0][0].CallbackData; d == nil || *d != noopData {
		t.Errorf("data = %v, want %q", d, noopData)
	}
}

func TestResolve(t *testing.T) {
	api := &fakeAPI{chats: map[int64]tgbotapi.Chat{5: {ID: 5, FirstName: "Ann", LastName: "Lee", UserName: "ann"}}}
	c := NewClient(api, "@ch", nil)
	id, err := c.Resolve(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if id.DisplayName != "Ann Lee" || id.Handle != "ann" {
		t.Errorf("identity = %+v", id)
	}
	if _, err := c.Resolve(context.Background(), 6); err == nil {
		t.Error("want error for unknown chat")
	}
}

func TestParseQuickCreate(t *testing.T) {
	tests := []struct {
		in      string
		want    models.Draft
		wantErr bool
	}{
		{"Film | Fri 20:00 | 10", models.Draft{Title: "Film", Schedule: "Fri 20:00", Capacity: 10}, false},
		{"Film|Fri|3|Hall|Bring snacks", models.Draft{Title: "Film", Schedule: "Fri", Capacity: 3, Location: "Hall", Description: "Bring snacks"}, false},
		{"Film|Fri|3|Hall|a | b", models.Draft{Title: "Film", Schedule: "Fri", Capacity: 3, Location: "Hall", Description: "a | b"}, false},
		{"Film | Fri", models.Draft{}, true},
		{"Film | Fri | many", models.Draft{}, true},
		{"Film | Fri | 0", models.Draft{}, true},
	}
	for _, tt := range tests {
		got, err := parseQuickCreate(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseQuickCreate(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseQuickCreate(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseIDs(t *testing.T) {
	got, err := parseIDs([]string{"1", "22", "333"})
	if err != nil || len(got) != 3 || got[2] != 333 {
		t.Errorf("parseIDs = %v, %v", got, err)
	}
	if _, err := parseIDs([]string{"1", "x"}); !errors.Is(err, roster.ErrValidation) {
		t.Errorf("err = %v", err)
	}
	if _, err := parseEventID(nil); !errors.Is(err, roster.ErrValidation) {
		t.Errorf("err = %v", err)
	}
}

func TestErrorText(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&roster.NotFoundError{EventID: 1}, "Event not found."},
		{&roster.AuthorizationError{ActorID: 1, Action: "edit"}, "Only an admin or the event creator can do that."},
		{&roster.ValidationError{Field: "capacity", Reason: "bad"}, "Capacity must be a positive whole number."},
		{&roster.PersistenceError{Op: "put", Err: errors.New("disk")}, "Something went wrong, nothing was changed. Please try again."},
	}
	for _, tt := range tests {
		if got := errorText(tt.err); got != tt.want {
			t.Errorf("errorText(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
	if got := errorText(&roster.ValidationError{Field: "title", Reason: "<b>"}); strings.Contains(got, "<b>") {
		t.Errorf("unescaped: %q", got)
	}
}

func TestSessionsExpire(t *testing.T) {
	s := newSessions()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.put(1, session{step: stepTitle})
	s.put(2, session{step: stepEditField})
	now = now.Add(6 * time.Minute)
	if _, ok := s.get(2); ok {
		t.Error("edit session should expire after 5 minutes")
	}
	if _, ok := s.get(1); !ok {
		t.Error("create session expired early")
	}
	now = now.Add(5 * time.Minute)
	s.sweep()
	if _, ok := s.get(1); ok {
		t.Error("create session should expire after 10 minutes")
	}
}

const (
	adminID int64 = 10
	userID  int64 = 20
)

type botFixture struct {
	api *fakeAPI
	bot *Bot
	svc *roster.Service
}

func newBotFixture(t *testing.T) *botFixture {
	t.Helper()
	st, err := filestore.Open(filepath.Join(t.TempDir(), "roster.json"), filestore.Options{CreateIfMissing: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	api := &fakeAPI{}
	client := NewClient(api, "@ch", nil)
	svc := roster.NewService(roster.Deps{
		Store:     st,
		Publisher: client,
		Resolver:  client,
		Policy:    auth.NewPolicy([]int64{adminID}, auth.CreateOpen),
	}, nil)
	return &botFixture{api: api, bot: NewBot(client, svc, 1, nil), svc: svc}
}

func (f *botFixture) text(from int64, text string) {
	f.bot.HandleUpdate(context.Background(), textUpdate(from, text))
}

func textUpdate(from int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: from, FirstName: "U"},
		Chat:      &tgbotapi.Chat{ID: from, Type: "private"},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		cmd := strings.SplitN(text, " ", 2)[0]
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return tgbotapi.Update{Message: msg}
}

func (f *botFixture) press(from int64, data string) {
	f.bot.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb",
		From: &tgbotapi.User{ID: from, FirstName: "P"},
		Data: data,
	}})
}

func TestCreateDialog(t *testing.T) {
	f := newBotFixture(t)
	for _, step := range []string{"/create", "Film night", "2025-11-02 20:00", "zero", "2", "-", "Bring snacks", "skip"} {
		f.text(userID, step)
	}
	if got := f.api.last(userID); got != "Event created and published (ID 1)." {
		t.Fatalf("last reply = %q", got)
	}
	ev, err := f.svc.Get(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Title != "Film night" || ev.Capacity != 2 || ev.Location != "" || ev.Description != "Bring snacks" || ev.CreatorID != userID {
		t.Errorf("event = %+v", ev)
	}
	if ev.Announcement == nil {
		t.Error("announcement not stored")
	}
}

func TestRunKeepsEachSendersDialogInOrder(t *testing.T) {
	f := newBotFixture(t)
	f.bot = NewBot(f.bot.client, f.svc, 8, nil)

	users := []int64{101, 102, 103, 104, 105, 106, 107, 108, 109, 110}
	steps := func(id int64) []string {
		return []string{"/create", fmt.Sprintf("Night %d", id), "2025-11-02 20:00", "2", "-", "Bring snacks", "skip"}
	}
	updates := make(chan tgbotapi.Update, len(users)*7)
	for i := 0; i < 7; i++ {
		for _, id := range users {
			updates <- textUpdate(id, steps(id)[i])
		}
	}
	close(updates)

	done := make(chan struct{})
	go func() {
		f.bot.Run(context.Background(), updates)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not drain the updates")
	}

	for _, id := range users {
		if got := f.api.last(id); !strings.HasPrefix(got, "Event created and published") {
			t.Errorf("user %d last reply = %q, replies %q", id, got, f.api.texts(id))
		}
	}
	list, err := f.svc.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != len(users) {
		t.Fatalf("events = %d, want %d", len(list), len(users))
	}
	for _, ev := range list {
		if ev.Title != fmt.Sprintf("Night %d", ev.CreatorID) || ev.Capacity != 2 || ev.Schedule != "2025-11-02 20:00" {
			t.Errorf("event = %+v", ev)
		}
	}
}

func TestDispatchLogsFullWorkerQueue(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	b := NewBot(nil, nil, 1, zap.New(core))
	shards := []chan tgbotapi.Update{make(chan tgbotapi.Update, 1)}

	if !b.dispatch(context.Background(), shards, textUpdate(7, "first")) {
		t.Fatal("dispatch into an empty queue failed")
	}
	if logs.Len() != 0 {
		t.Fatalf("logged %d entries for a free queue", logs.Len())
	}

	done := make(chan bool, 1)
	go func() { done <- b.dispatch(context.Background(), shards, textUpdate(7, "second")) }()
	deadline := time.Now().Add(2 * time.Second)
	for logs.FilterMessage("worker queue full, dispatch blocked").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("full queue was not logged")
		}
		time.Sleep(5 * time.Millisecond)
	}
	entry := logs.FilterMessage("worker queue full, dispatch blocked").All()[0]
	if entry.ContextMap()["sender_id"] != int64(7) {
		t.Errorf("fields = %v", entry.ContextMap())
	}

	if u := <-shards[0]; u.Message.Text != "first" {
		t.Errorf("first queued = %q", u.Message.Text)
	}
	if !<-done {
		t.Fatal("dispatch gave up on a draining queue")
	}
	if u := <-shards[0]; u.Message.Text != "second" {
		t.Errorf("second queued = %q", u.Message.Text)
	}
}

func TestDispatchGivesUpOnShutdown(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	b := NewBot(nil, nil, 1, zap.New(core))
	shards := []chan tgbotapi.Update{make(chan tgbotapi.Update, 1)}
	shards[0] <- textUpdate(7, "queued")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if b.dispatch(ctx, shards, textUpdate(7, "late")) {
		t.Fatal("dispatch queued after shutdown")
	}
	if logs.FilterMessage("update dropped on shutdown").Len() != 1 {
		t.Errorf("logs = %v", logs.All())
	}
}

func TestShardOfIsStablePerSender(t *testing.T) {
	for _, id := range []int64{0, 7, 123456789, -1001} {
		got := shardOf(id, 8)
		if got < 0 || got >= 8 || got != shardOf(id, 8) {
			t.Errorf("shardOf(%d) = %d", id, got)
		}
	}
	u := tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{From: &tgbotapi.User{ID: 42}}}
	if senderID(u) != 42 || senderID(textUpdate(43, "hi")) != 43 || senderID(tgbotapi.Update{}) != 0 {
		t.Error("senderID does not pick the update's user")
	}
}

func TestCancelDialog(t *testing.T) {
	f := newBotFixture(t)
	f.text(userID, "/create")
	f.text(userID, "/cancel")
	if got := f.api.last(userID); got != "Event creation cancelled." {
		t.Errorf("reply = %q", got)
	}
	f.text(userID, "Film")
	if evs, _ := f.svc.List(context.Background()); len(evs) != 0 {
		t.Errorf("events = %d after cancel", len(evs))
	}
}

func TestJoinButtonAndPromotion(t *testing.T) {
	f := newBotFixture(t)
	f.text(userID, "/create_event Film | Fri | 1")

	f.press(31, "join|1")
	f.press(32, "join|1")
	if got := f.api.last(32); got != joinReply(roster.Waitlisted) {
		t.Errorf("reply to 32 = %q", got)
	}
	f.press(31, "leave|1")

	ev, _ := f.svc.Get(context.Background(), 1)
	if len(ev.Joined) != 1 || ev.Joined[0].ActorID != 32 {
		t.Fatalf("joined = %+v", ev.Joined)
	}
	if f.api.last(31) != leaveReply(roster.Left) {
		t.Errorf("reply to 31 = %q", f.api.last(31))
	}
}

func TestEditDialogRequiresManager(t *testing.T) {
	f := newBotFixture(t)
	f.text(userID, "/create_event Film | Fri | 1")

	f.text(99, "/edit_event 1")
	if got := f.api.last(99); !strings.Contains(got, "Only an admin or the event creator") {
		t.Errorf("reply = %q", got)
	}

	f.text(adminID, "/edit_event 1")
	f.text(adminID, "9")
	if got := f.api.last(adminID); got != "Invalid choice. Send a number (1-6)." {
		t.Errorf("reply = %q", got)
	}
	f.text(adminID, "1")
	f.text(adminID, "Concert")
	if got := f.api.last(adminID); got != "Event updated." {
		t.Errorf("reply = %q", got)
	}
	ev, _ := f.svc.Get(context.Background(), 1)
	if ev.Title != "Concert" {
		t.Errorf("title = %q", ev.Title)
	}
}

func TestExportSendsDocument(t *testing.T) {
	f := newBotFixture(t)
	f.text(userID, "/create_event Film | Fri | 1")
	f.press(31, "join|1")
	f.text(userID, "/export_event 1")

	f.api.mu.Lock()
	defer f.api.mu.Unlock()
	var doc *tgbotapi.DocumentConfig
	for _, c := range f.api.sent {
		if d, ok := c.(tgbotapi.DocumentConfig); ok {
			doc = &d
		}
	}
	if doc == nil {
		t.Fatal("no document sent")
	}
	if doc.ChatID != userID {
		t.Errorf("document chat = %d, want %d", doc.ChatID, userID)
	}
	file, ok := doc.File.(tgbotapi.FileBytes)
	if !ok || file.Name != "event_1_participants.csv" {
		t.Fatalf("file = %+v", doc.File)
	}
	if !strings.HasPrefix(string(file.Bytes), "status,id,name,username\njoined,31,P,") {
		t.Errorf("csv = %q", file.Bytes)
	}
}

func TestManualAddCommand(t *testing.T) {
	f := newBotFixture(t)
	f.text(userID, "/create_event Film | Fri | 1")
	f.press(31, "join|1")
	f.text(userID, "/add 1 31 40")

	got := f.api.last(userID)
	if !strings.Contains(got, "Added: 40.") || !strings.Contains(got, "Already on the list: 31.") || !strings.Contains(got, "over capacity (2/1)") {
		t.Errorf("reply = %q", got)
	}
}

func TestMyEventsCommand(t *testing.T) {
	f := newBotFixture(t)
	f.text(userID, "/my_events")
	if got := f.api.last(userID); got != "You have no sign-ups." {
		t.Errorf("reply = %q", got)
	}
	f.text(userID, "/create_event Film | Fri | 1")
	f.press(userID, "join|1")
	f.text(userID, "/my_events")
	if got := f.api.last(userID); !strings.Contains(got, "Joined: Film — Fri (ID 1)") {
		t.Errorf("reply = %q", got)
	}
}
