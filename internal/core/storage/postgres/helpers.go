package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/aevon-lab/funnel-tracker/internal/api/v1"
	"github.com/aevon-lab/funnel-tracker/internal/core/storage"
)

// expiresAt converts a ttl into a nullable timestamp. Zero ttl is stored as NULL.
func expiresAt(now time.Time, ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: now.Add(ttl), Valid: true}
}

// marshalPayload encodes the event as it was handed to the sinks.
func marshalPayload(evt *v1.TrackedEvent) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return payload, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanJournalRow scans a database row into a JournalEntry.
// Compatible with both sql.Row (single) and sql.Rows (multiple).
func scanJournalRow(row scanner) (*storage.JournalEntry, error) {
	var je storage.JournalEntry
	var payload []byte
	var errText sql.NullString

	err := row.Scan(
		&payload,
		&je.Sink,
		&je.Success,
		&errText,
		&je.RecordedAt,
		&je.Seq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan journal row: %w", err)
	}

	if err := json.Unmarshal(payload, &je.Event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	je.Error = errText.String

	return &je, nil
}
