package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/funnel-tracker/internal/core/storage"
)

// Record persists one delivery outcome and populates Seq.
// Uses composite key (event_id, sink) for idempotency.
// Returns storage.ErrDuplicate if the outcome was already recorded.
func (a *Adapter) Record(ctx context.Context, je *storage.JournalEntry) error {
	payload, err := marshalPayload(&je.Event)
	if err != nil {
		return err
	}

	var seq int64
	err = a.stmtRecord.QueryRowContext(ctx,
		je.Event.EventID,
		je.Sink,
		string(je.Event.EventName),
		je.Event.UserData.ExternalID,
		je.Event.EventTime,
		payload,
		je.Success,
		sql.NullString{String: je.Error, Valid: je.Error != ""},
		je.RecordedAt,
	).Scan(&seq)

	if errors.Is(err, sql.ErrNoRows) {
		// ON CONFLICT DO NOTHING - outcome already recorded
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}

	je.Seq = seq

	slog.Debug("[Postgres] Recorded delivery",
		"event_id", je.Event.EventID,
		"sink", je.Sink,
		"success", je.Success,
		"journal_seq", seq)
	return nil
}

// ListByVisitor returns the delivery outcomes for one visitor recorded in [start, end),
// ordered by journal_seq. A non-positive limit returns every entry.
func (a *Adapter) ListByVisitor(ctx context.Context, externalID string, start, end time.Time, limit int) ([]*storage.JournalEntry, error) {
	rows, err := a.stmtListByVisit.QueryContext(ctx, externalID, start, end,
		sql.NullInt64{Int64: int64(limit), Valid: limit > 0})
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []*storage.JournalEntry
	for rows.Next() {
		je, scanErr := scanJournalRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, je)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal: %w", err)
	}

	return entries, nil
}
