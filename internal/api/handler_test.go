package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kinovino/rosterbot/internal/auth"
	"github.com/kinovino/rosterbot/internal/export"
	"github.com/kinovino/rosterbot/internal/identity"
	"github.com/kinovino/rosterbot/internal/middleware"
	"github.com/kinovino/rosterbot/internal/roster"
	"github.com/kinovino/rosterbot/internal/store/filestore"
)

const (
	adminID   = 1
	creatorID = 2
	otherID   = 3
)

type fakeArchiver struct {
	eventID int64
	rows    []export.Row
	err     error
}

func (f *fakeArchiver) Archive(_ context.Context, eventID int64, rows []export.Row) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	f.eventID, f.rows = eventID, rows
	return "https://example.test/signed", "exports/1/participants.csv", nil
}

type fixture struct {
	router   *gin.Engine
	jwt      *auth.JWTService
	svc      *roster.Service
	archiver *fakeArchiver
}

func newFixture(t *testing.T, withArchiver bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st, err := filestore.Open(filepath.Join(t.TempDir(), "roster.json"), filestore.Options{CreateIfMissing: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	policy := auth.NewPolicy([]int64{adminID}, auth.CreateOpen)
	svc := roster.NewService(roster.Deps{
		Store:    st,
		Policy:   policy,
		Resolver: identity.Static{9: {DisplayName: "Nina", Handle: "@nina"}},
	}, nil)
	f := &fixture{jwt: auth.NewJWTService("test-secret", 1), svc: svc}
	var archiver Archiver
	if withArchiver {
		f.archiver = &fakeArchiver{}
		archiver = f.archiver
	}
	f.router = NewRouter(NewHandler(svc, archiver, nil), f.jwt, policy, nil)
	return f
}

func (f *fixture) do(t *testing.T, actorID int64, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if actorID != 0 {
		token, err := f.jwt.Generate(actorID)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) create(t *testing.T, capacity string) {
	t.Helper()
	w := f.do(t, creatorID, http.MethodPost, "/events",
		`{"title":"Film night","schedule":"Fri 20:00","capacity":`+capacity+`}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", w.Code, w.Body)
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return env
}

func TestHealthNeedsNoToken(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, 0, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get(middleware.HeaderRequestID) == "" {
		t.Error("missing request id header")
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, false)
	if w := f.do(t, 0, http.MethodGet, "/events/1", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", w.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/events/1", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d", w.Code)
	}
}

func TestCreateAndGet(t *testing.T) {
	f := newFixture(t, false)
	f.create(t, "2")
	w := f.do(t, otherID, http.MethodGet, "/events/1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var ev struct {
		ID        int64  `json:"id"`
		Title     string `json:"title"`
		Capacity  int    `json:"capacity"`
		CreatorID int64  `json:"creator_id"`
	}
	if err := json.Unmarshal(decode(t, w).Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID != 1 || ev.Title != "Film night" || ev.Capacity != 2 || ev.CreatorID != creatorID {
		t.Errorf("event = %+v", ev)
	}
}

func TestEmptyRosterEncodesAsArrays(t *testing.T) {
	f := newFixture(t, false)
	f.create(t, "2")
	w := f.do(t, otherID, http.MethodGet, "/events/1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	data := string(decode(t, w).Data)
	if !strings.Contains(data, `"joined":[]`) || !strings.Contains(data, `"waitlist":[]`) {
		t.Errorf("data = %s", data)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, false)
	cases := []string{
		`{"title":"x"}`,
		`{"title":"x","schedule":"y","capacity":-1}`,
		`{"title":"  ","schedule":"y","capacity":1}`,
		`not json`,
	}
	for _, body := range cases {
		if w := f.do(t, creatorID, http.MethodPost, "/events", body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", body, w.Code)
		}
	}
}

func TestNotFoundAndBadID(t *testing.T) {
	f := newFixture(t, false)
	if w := f.do(t, otherID, http.MethodGet, "/events/42", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d", w.Code)
	}
	if w := f.do(t, otherID, http.MethodGet, "/events/abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d", w.Code)
	}
}

func TestJoinLeaveSelf(t *testing.T) {
	f := newFixture(t, false)
	f.create(t, "1")
	w := f.do(t, otherID, http.MethodPost, "/events/1/join", `{"display_name":"Other"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"result":"confirmed"`) {
		t.Fatalf("join: %d %s", w.Code, w.Body)
	}
	w = f.do(t, 4, http.MethodPost, "/events/1/join", "")
	if !strings.Contains(w.Body.String(), `"result":"waitlisted"`) {
		t.Fatalf("second join: %s", w.Body)
	}
	w = f.do(t, otherID, http.MethodPost, "/events/1/leave", "")
	if !strings.Contains(w.Body.String(), `"result":"left"`) {
		t.Fatalf("leave: %s", w.Body)
	}
	ev, err := f.svc.Get(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ev.Joined) != 1 || ev.Joined[0].ActorID != 4 || ev.Joined[0].DisplayName != "4" {
		t.Errorf("joined = %+v", ev.Joined)
	}
}

func TestJoinForAnotherNeedsManage(t *testing.T) {
	f := newFixture(t, false)
	f.create(t, "3")
	if w := f.do(t, otherID, http.MethodPost, "/events/1/join", `{"actor_id":9}`); w.Code != http.StatusForbidden {
		t.Errorf("other: status = %d", w.Code)
	}
	if w := f.do(t, creatorID, http.MethodPost, "/events/1/join", `{"actor_id":9,"display_name":"Nine"}`); w.Code != http.StatusOK {
		t.Errorf("creator: status = %d", w.Code)
	}
}

func TestJoinForAnotherResolvesIdentity(t *testing.T) {
	f := newFixture(t, false)
	f.create(t, "3")
	for _, body := range []string{`{"actor_id":9}`, `{"actor_id":11}`} {
		if w := f.do(t, creatorID, http.MethodPost, "/events/1/join", body); w.Code != http.StatusOK {
			t.Fatalf("join %s: %d %s", body, w.Code, w.Body)
		}
	}
	ev, err := f.svc.Get(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ev.Joined) != 2 {
		t.Fatalf("joined = %+v", ev.Joined)
	}
	if p := ev.Joined[0]; p.ActorID != 9 || p.DisplayName != "Nina" || p.Handle != "nina" {
		t.Errorf("resolved participant = %+v", p)
	}
	if p := ev.Joined[1]; p.ActorID != 11 || p.DisplayName != "11" || p.Handle != "" {
		t.Errorf("unresolved participant = %+v", p)
	}
}

func TestManageEndpointsAuthorization(t *testing.T) {
	f := newFixture(t, false)
	f.create(t, "2")
	requests := []struct {
		method, path, body string
	}{
		{http.MethodPut, "/events/1/capacity", `{"capacity":5}`},
		{http.MethodPatch, "/events/1", `{"field":"title","value":"New"}`},
		{http.MethodPost, "/events/1/participants", `{"actor_ids":[7]}`},
		{http.MethodDelete, "/events/1/participants/7", ""},
		{http.MethodGet, "/events/1/export", ""},
		{http.MethodDelete, "/events/1", ""},
	}
	for _, r := range requests {
		if w := f.do(t, otherID, r.method, r.path, r.body); w.Code != http.StatusForbidden {
			t.Errorf("%s %s: status = %d", r.method, r.path, w.Code)
		}
	}
	for _, r := range requests {
		w := f.do(t, adminID, r.method, r.path, r.body)
		if w.Code != http.StatusOK && w.Code != http.StatusNoContent {
			t.Errorf("admin %s %s: status = %d body=%s", r.method, r.path, w.Code, w.Body)
		}
	}
}

func TestListAdminOnly(t *testing.T) {
	f := newFixture(t, false)
	f.create(t, "2")
	if w := f.do(t, creatorID, http.MethodGet, "/events", ""); w.Code != http.StatusForbidden {
		t.Errorf("creator: status = %d", w.Code)
	}
	w := f.do(t, adminID, http.MethodGet, "/events", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Film night") {
		t.Errorf("admin: %d %s", w.Code, w.Body)
	}
}

func TestUpdateUnknownField(t *testing.T) {
	f := newFixture(t, false)
	f.create(t, "2")
	if w := f.do(t, creatorID, http.MethodPatch, "/events/1", `{"field":"colour","value":"red"}`); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestAddParticipantsReportsDuplicatesAndOverbooking(t *testing.T) {
	f := newFixture(t, false)
	f.create(t, "1")
	w := f.do(t, creatorID, http.MethodPost, "/events/1/participants", `{"actor_ids":[7,8,7]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %s", w.Code, w.Body)
	}
	var data struct {
		Duplicates []int64 `json:"duplicates"`
		Overbooked bool    `json:"overbooked"`
	}
	if err := json.Unmarshal(decode(t, w).Data, &data); err != nil {
		t.Fatal(err)
	}
	if len(data.Duplicates) != 1 || data.Duplicates[0] != 7 || !data.Overbooked {
		t.Errorf("data = %+v", data)
	}
}

func TestExportFormats(t *testing.T) {
	f := newFixture(t, true)
	f.create(t, "1")
	f.do(t, 31, http.MethodPost, "/events/1/join", `{"display_name":"P","handle":"pp"}`)
	f.do(t, 32, http.MethodPost, "/events/1/join", `{"display_name":"Q"}`)

	w := f.do(t, creatorID, http.MethodGet, "/events/1/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("csv status = %d", w.Code)
	}
	want := "status,id,name,username\njoined,31,P,@pp\nwaitlist,32,Q,\n"
	if w.Body.String() != want {
		t.Errorf("csv = %q, want %q", w.Body.String(), want)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, export.Filename(1)) {
		t.Errorf("content-disposition = %q", cd)
	}

	w = f.do(t, creatorID, http.MethodGet, "/events/1/export?format=json", "")
	var rows []export.Row
	if err := json.Unmarshal(decode(t, w).Data, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1].Status != "waitlist" {
		t.Errorf("rows = %+v", rows)
	}

	w = f.do(t, creatorID, http.MethodGet, "/events/1/export?archive=1", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "https://example.test/signed") {
		t.Errorf("archive: %d %s", w.Code, w.Body)
	}
	if f.archiver.eventID != 1 || len(f.archiver.rows) != 2 {
		t.Errorf("archiver got event %d rows %d", f.archiver.eventID, len(f.archiver.rows))
	}
}

func TestExportArchiveUnavailable(t *testing.T) {
	f := newFixture(t, false)
	f.create(t, "1")
	if w := f.do(t, creatorID, http.MethodGet, "/events/1/export?archive=1", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
}

func TestExportArchiveFailure(t *testing.T) {
	f := newFixture(t, true)
	f.archiver.err = errors.New("bucket gone")
	f.create(t, "1")
	if w := f.do(t, creatorID, http.MethodGet, "/events/1/export?archive=true", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
}

func TestDeleteThenGone(t *testing.T) {
	f := newFixture(t, false)
	f.create(t, "1")
	if w := f.do(t, creatorID, http.MethodDelete, "/events/1", ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := f.do(t, creatorID, http.MethodGet, "/events/1", ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", w.Code)
	}
}
