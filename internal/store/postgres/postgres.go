// Package postgres implements store.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kinovino/rosterbot/internal/models"
	"github.com/kinovino/rosterbot/internal/store"
)

const counterName = "event_id"

const eventColumns = `id, title, schedule, location, description, capacity, creator_id,
	announcement_chat_id, announcement_message_id, announcement_media, media_ref,
	joined, waitlist, created_at, updated_at`

// Store persists events in roster_events and the id counter in roster_counters.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// New wraps a migrated pool. It refuses to start when the counter row is
// missing or lags behind the highest stored id, since either means the id
// sequence could repeat.
func New(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var counter, maxID int64
	err := pool.QueryRow(ctx, `SELECT value FROM roster_counters WHERE name = $1`, counterName).Scan(&counter)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("roster id counter missing")
	}
	if err != nil {
		return nil, fmt.Errorf("read id counter: %w", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM roster_events`).Scan(&maxID); err != nil {
		return nil, fmt.Errorf("read max event id: %w", err)
	}
	if maxID > counter {
		return nil, fmt.Errorf("roster id counter %d behind stored event id %d", counter, maxID)
	}
	logger.Info("roster store ready", zap.Int64("next_id", counter+1))
	return &Store{pool: pool, logger: logger}, nil
}

// NextID atomically increments the counter.
func (s *Store) NextID(ctx context.Context) (int64, error) {
	return nextID(ctx, s.pool)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func nextID(ctx context.Context, q queryRower) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `UPDATE roster_counters SET value = value + 1 WHERE name = $1 RETURNING value`, counterName).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("increment id counter: %w", err)
	}
	return id, nil
}

// Create issues an id and inserts the event in one transaction.
func (s *Store) Create(ctx context.Context, draft models.Draft) (*models.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id, err := nextID(ctx, tx)
	if err != nil {
		return nil, err
	}
	ev := store.NewEvent(id, draft)
	const q = `INSERT INTO roster_events (id, title, schedule, location, description, capacity, creator_id, media_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`
	err = tx.QueryRow(ctx, q, ev.ID, ev.Title, ev.Schedule, ev.Location, ev.Description, ev.Capacity, ev.CreatorID, ev.MediaRef).
		Scan(&ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit event: %w", err)
	}
	return ev, nil
}

// Get returns the event or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*models.Event, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM roster_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// Put overwrites every mutable column of an existing event.
func (s *Store) Put(ctx context.Context, ev *models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	joined, waitlist, err := encodeRoster(ev)
	if err != nil {
		return err
	}
	var chatID *int64
	var messageID *int32
	media := ""
	if ev.Announcement != nil {
		c, m := ev.Announcement.ChatID, int32(ev.Announcement.MessageID)
		chatID, messageID, media = &c, &m, ev.Announcement.Media
	}
	const q = `UPDATE roster_events SET
		title = $2, schedule = $3, location = $4, description = $5, capacity = $6,
		announcement_chat_id = $7, announcement_message_id = $8, announcement_media = $9,
		media_ref = $10, joined = $11, waitlist = $12, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`
	err = s.pool.QueryRow(ctx, q, ev.ID, ev.Title, ev.Schedule, ev.Location, ev.Description, ev.Capacity,
		chatID, messageID, media, ev.MediaRef, joined, waitlist).Scan(&ev.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

// Delete removes an event row.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM roster_events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// List returns all events ordered by id.
func (s *Store) List(ctx context.Context) ([]*models.Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM roster_events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var list []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		list = append(list, ev)
	}
	return list, rows.Err()
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func encodeRoster(ev *models.Event) (string, string, error) {
	cp := ev.Clone()
	store.Normalize(cp)
	joined, err := json.Marshal(cp.Joined)
	if err != nil {
		return "", "", fmt.Errorf("encode joined: %w", err)
	}
	waitlist, err := json.Marshal(cp.Waitlist)
	if err != nil {
		return "", "", fmt.Errorf("encode waitlist: %w", err)
	}
	return string(joined), string(waitlist), nil
}

func scanEvent(row pgx.Row) (*models.Event, error) {
	var (
		ev        models.Event
		chatID    *int64
		messageID *int32
		media     string
		joined    []byte
		waitlist  []byte
	)
	err := row.Scan(&ev.ID, &ev.Title, &ev.Schedule, &ev.Location, &ev.Description, &ev.Capacity, &ev.CreatorID,
		&chatID, &messageID, &media, &ev.MediaRef, &joined, &waitlist, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if chatID != nil && messageID != nil {
		ev.Announcement = &models.AnnouncementRef{ChatID: *chatID, MessageID: int(*messageID), Media: media}
	}
	if err := json.Unmarshal(joined, &ev.Joined); err != nil {
		return nil, fmt.Errorf("decode joined of event %d: %w", ev.ID, err)
	}
	if err := json.Unmarshal(waitlist, &ev.Waitlist); err != nil {
		return nil, fmt.Errorf("decode waitlist of event %d: %w", ev.ID, err)
	}
	store.Normalize(&ev)
	return &ev, nil
}
