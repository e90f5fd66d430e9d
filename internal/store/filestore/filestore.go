// Package filestore is a single-file JSON implementation of store.Store for
// small deployments that run one bot process.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kinovino/rosterbot/internal/models"
	"github.com/kinovino/rosterbot/internal/store"
)

const formatVersion = 1

// document is the on-disk layout.
type document struct {
	Version int                     `json:"version"`
	NextID  int64                   `json:"next_id"` // last issued id
	Events  map[int64]*models.Event `json:"events"`
}

// Options controls how Open treats the backing file.
type Options struct {
	// CreateIfMissing allows starting with an empty store when the file does
	// not exist. Without it a missing file is an error, so a lost volume does
	// not silently orphan published announcements.
	CreateIfMissing bool
}

// Store keeps the whole document in memory and rewrites the file on every change.
type Store struct {
	mu     sync.Mutex
	path   string
	doc    document
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open loads path. A corrupt file or one whose counter lags behind its ids is refused.
func Open(path string, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{path: path, logger: logger}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if !opts.CreateIfMissing {
			return nil, fmt.Errorf("store file %s does not exist (set ROSTER_STORE_CREATE=true to initialise)", path)
		}
		s.doc = document{Version: formatVersion, Events: map[int64]*models.Event{}}
		if err := s.flush(); err != nil {
			return nil, err
		}
		logger.Info("created empty roster store", zap.String("path", path))
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read store file: %w", err)
	}

	if err := json.Unmarshal(raw, &s.doc); err != nil {
		return nil, fmt.Errorf("decode store file %s: %w", path, err)
	}
	if s.doc.Version != formatVersion {
		return nil, fmt.Errorf("store file %s: unsupported version %d", path, s.doc.Version)
	}
	if s.doc.Events == nil {
		s.doc.Events = map[int64]*models.Event{}
	}
	for id, ev := range s.doc.Events {
		if ev == nil || ev.ID != id {
			return nil, fmt.Errorf("store file %s: record key %d does not match its event", path, id)
		}
		if id > s.doc.NextID {
			return nil, fmt.Errorf("store file %s: counter %d behind event id %d", path, s.doc.NextID, id)
		}
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("store file %s: %w", path, err)
		}
		store.Normalize(ev)
	}
	logger.Info("roster store loaded", zap.String("path", path), zap.Int("events", len(s.doc.Events)), zap.Int64("next_id", s.doc.NextID))
	return s, nil
}

// NextID increments and persists the counter before returning it.
func (s *Store) NextID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIDLocked()
}

func (s *Store) nextIDLocked() (int64, error) {
	s.doc.NextID++
	if err := s.flush(); err != nil {
		s.doc.NextID--
		return 0, err
	}
	return s.doc.NextID, nil
}

// Create stores a new event under a freshly issued id.
func (s *Store) Create(ctx context.Context, draft models.Draft) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.nextIDLocked()
	if err != nil {
		return nil, err
	}
	ev := store.NewEvent(id, draft)
	now := time.Now().UTC()
	ev.CreatedAt, ev.UpdatedAt = now, now
	s.doc.Events[id] = ev
	if err := s.flush(); err != nil {
		delete(s.doc.Events, id)
		return nil, err
	}
	return ev.Clone(), nil
}

// Get returns a copy of the stored event.
func (s *Store) Get(ctx context.Context, id int64) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.doc.Events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ev.Clone(), nil
}

// Put replaces the stored event. The in-memory copy only changes once the file write succeeded.
func (s *Store) Put(ctx context.Context, ev *models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.doc.Events[ev.ID]
	if !ok {
		return store.ErrNotFound
	}
	next := ev.Clone()
	store.Normalize(next)
	next.CreatedAt = prev.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	s.doc.Events[ev.ID] = next
	if err := s.flush(); err != nil {
		s.doc.Events[ev.ID] = prev
		return err
	}
	ev.UpdatedAt = next.UpdatedAt
	return nil
}

// Delete removes an event. Deleting an unknown id returns store.ErrNotFound.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.doc.Events[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.doc.Events, id)
	if err := s.flush(); err != nil {
		s.doc.Events[id] = prev
		return err
	}
	return nil
}

// List returns copies of all events ordered by id.
func (s *Store) List(ctx context.Context) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Event, 0, len(s.doc.Events))
	for _, ev := range s.doc.Events {
		out = append(out, ev.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close is a no-op; every change is already on disk.
func (s *Store) Close() error { return nil }

// flush writes the document to a temp file in the same directory, syncs it and renames it over path.
func (s *Store) flush() error {
	raw, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}
