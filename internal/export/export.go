// Package export turns an event roster into tabular participant data.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/kinovino/rosterbot/internal/models"
	"github.com/kinovino/rosterbot/pkg/storage"
)

// ContentType of the CSV document.
const ContentType = "text/csv; charset=utf-8"

// Header is the first CSV row.
var Header = []string{"status", "id", "name", "username"}

// Row is one exported participant.
type Row struct {
	Status      models.ParticipantStatus `json:"status"`
	ActorID     int64                    `json:"id"`
	DisplayName string                   `json:"name"`
	Handle      string                   `json:"username"` // with @, empty when absent
}

// Rows lists joined then waitlist, each in roster order.
func Rows(ev *models.Event) []Row {
	rows := make([]Row, 0, len(ev.Joined)+len(ev.Waitlist))
	for _, p := range ev.Joined {
		rows = append(rows, row(models.StatusJoined, p))
	}
	for _, p := range ev.Waitlist {
		rows = append(rows, row(models.StatusWaitlist, p))
	}
	return rows
}

func row(st models.ParticipantStatus, p models.Participant) Row {
	return Row{Status: st, ActorID: p.ActorID, DisplayName: p.DisplayName, Handle: p.HandleWithAt()}
}

// WriteCSV encodes rows with a header line.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{string(r.Status), strconv.FormatInt(r.ActorID, 10), r.DisplayName, r.Handle}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSV renders the whole document in memory.
func CSV(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Filename is the attachment name used when sending the file to a chat.
func Filename(eventID int64) string {
	return "event_" + strconv.FormatInt(eventID, 10) + "_participants.csv"
}

// ObjectStore is the subset of pkg/storage.S3 the archiver needs.
type ObjectStore interface {
	PutExport(ctx context.Context, key, contentType string, body []byte) error
	PresignExport(ctx context.Context, key string) (string, error)
}

// Archiver uploads exports and returns a time-limited download link.
type Archiver struct {
	objects ObjectStore
	now     func() time.Time
}

// NewArchiver creates an archiver over an object store.
func NewArchiver(objects ObjectStore) *Archiver {
	return &Archiver{objects: objects, now: time.Now}
}

// Archive uploads the CSV for eventID and returns its presigned URL and key.
func (a *Archiver) Archive(ctx context.Context, eventID int64, rows []Row) (url, key string, err error) {
	body, err := CSV(rows)
	if err != nil {
		return "", "", err
	}
	key = storage.ExportKey(eventID, a.now())
	if err := a.objects.PutExport(ctx, key, ContentType, body); err != nil {
		return "", "", fmt.Errorf("archive export: %w", err)
	}
	url, err = a.objects.PresignExport(ctx, key)
	if err != nil {
		return "", "", fmt.Errorf("presign export: %w", err)
	}
	return url, key, nil
}
