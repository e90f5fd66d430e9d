package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kinovino/rosterbot/internal/models"
	"github.com/kinovino/rosterbot/internal/store"
)

func open(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, Options{CreateIfMissing: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func draft(title string) models.Draft {
	return models.Draft{Title: title, Schedule: "Fri", Capacity: 2, CreatorID: 5}
}

func TestCreateGetPutSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "roster.json")
	s := open(t, path)

	ev, err := s.Create(ctx, draft("A"))
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID != 1 || ev.Joined == nil || ev.Waitlist == nil {
		t.Fatalf("created = %+v", ev)
	}
	ev.Joined = append(ev.Joined, models.Participant{ActorID: 10, DisplayName: "Ten"})
	ev.Announcement = &models.AnnouncementRef{ChatID: -100, MessageID: 3}
	if err := s.Put(ctx, ev); err != nil {
		t.Fatal(err)
	}

	s2 := open(t, path)
	got, err := s2.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Joined) != 1 || got.Joined[0].ActorID != 10 || got.Announcement == nil || got.Announcement.MessageID != 3 {
		t.Errorf("reloaded = %+v", got)
	}
	next, err := s2.Create(ctx, draft("B"))
	if err != nil {
		t.Fatal(err)
	}
	if next.ID != 2 {
		t.Errorf("id after reopen = %d, want 2", next.ID)
	}
}

func TestIDsNeverReused(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "roster.json")
	s := open(t, path)
	for i := 0; i < 3; i++ {
		if _, err := s.Create(ctx, draft("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Delete(ctx, 3); err != nil {
		t.Fatal(err)
	}
	s = open(t, path)
	ev, err := s.Create(ctx, draft("y"))
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID != 4 {
		t.Errorf("id = %d, want 4", ev.ID)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := open(t, filepath.Join(t.TempDir(), "roster.json"))
	if _, err := s.Create(ctx, draft("A")); err != nil {
		t.Fatal(err)
	}
	a, _ := s.Get(ctx, 1)
	a.Joined = append(a.Joined, models.Participant{ActorID: 1})
	b, _ := s.Get(ctx, 1)
	if len(b.Joined) != 0 {
		t.Error("mutating a loaded event changed the store")
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s := open(t, filepath.Join(t.TempDir(), "roster.json"))
	if _, err := s.Get(ctx, 9); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("get: %v", err)
	}
	if err := s.Delete(ctx, 9); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("delete: %v", err)
	}
	if err := s.Put(ctx, &models.Event{ID: 9, Capacity: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("put: %v", err)
	}
}

func TestPutRejectsBrokenInvariants(t *testing.T) {
	ctx := context.Background()
	s := open(t, filepath.Join(t.TempDir(), "roster.json"))
	ev, err := s.Create(ctx, draft("A"))
	if err != nil {
		t.Fatal(err)
	}
	p := models.Participant{ActorID: 1}
	ev.Joined = []models.Participant{p}
	ev.Waitlist = []models.Participant{p}
	if err := s.Put(ctx, ev); err == nil {
		t.Fatal("duplicate actor accepted")
	}
	got, _ := s.Get(ctx, 1)
	if len(got.Joined) != 0 {
		t.Error("rejected put changed state")
	}
}

func TestOpenFailsClosed(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.json")
	if _, err := Open(missing, Options{}, nil); err == nil || !strings.Contains(err.Error(), "ROSTER_STORE_CREATE") {
		t.Errorf("missing file: %v", err)
	}

	cases := map[string]string{
		"corrupt":      `{"version":1,`,
		"version":      `{"version":2,"next_id":0,"events":{}}`,
		"counter lag":  `{"version":1,"next_id":1,"events":{"2":{"id":2,"title":"x","schedule":"y","capacity":1,"joined":[],"waitlist":[]}}}`,
		"key mismatch": `{"version":1,"next_id":5,"events":{"2":{"id":3,"title":"x","schedule":"y","capacity":1,"joined":[],"waitlist":[]}}}`,
		"invariant": `{"version":1,"next_id":5,"events":{"2":{"id":2,"title":"x","schedule":"y","capacity":1,` +
			`"joined":[{"id":1,"name":"a"}],"waitlist":[{"id":1,"name":"a"}]}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".json")
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := Open(path, Options{CreateIfMissing: true}, nil); err == nil {
				t.Error("expected open to fail")
			}
		})
	}
}

func TestListOrderedByID(t *testing.T) {
	ctx := context.Background()
	s := open(t, filepath.Join(t.TempDir(), "roster.json"))
	for _, title := range []string{"a", "b", "c"} {
		if _, err := s.Create(ctx, draft(title)); err != nil {
			t.Fatal(err)
		}
	}
	events, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i, ev := range events {
		if ev.ID != int64(i+1) {
			t.Fatalf("order = %v", []int64{events[0].ID, events[1].ID, events[2].ID})
		}
	}
}
