package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	v1 "github.com/aevon-lab/funnel-tracker/internal/api/v1"
	"github.com/aevon-lab/funnel-tracker/internal/core/storage"
)

// Store is a SQLite implementation of AttributionRepository and EventJournal.
// Timestamps are kept as unix milliseconds; a NULL expires_at never expires.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ storage.AttributionRepository = (*Store)(nil)
	_ storage.EventJournal          = (*Store)(nil)
)

// New opens (or creates) the database at dbPath and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection keeps SetIfAbsent and Merge serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db, now: time.Now}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS visitor_kv (
			store TEXT NOT NULL,
			owner TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			expires_at INTEGER,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (store, owner, key)
		)`,
		`CREATE TABLE IF NOT EXISTS tracked_events (
			journal_seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			sink TEXT NOT NULL,
			event_name TEXT NOT NULL,
			external_id TEXT NOT NULL,
			event_time INTEGER NOT NULL,
			payload TEXT NOT NULL,
			success INTEGER NOT NULL,
			error TEXT,
			recorded_at INTEGER NOT NULL,
			UNIQUE (event_id, sink)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_visitor_kv_expires ON visitor_kv(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_events_visitor ON tracked_events(external_id, recorded_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// WithClock replaces the clock used for expiry.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func expiresAt(now time.Time, ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: now.Add(ttl).UnixMilli(), Valid: true}
}

func checkStore(store storage.Store) error {
	if !store.Valid() {
		return fmt.Errorf("unknown store %q", store)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, store storage.Store, owner, key string) (string, error) {
	if err := checkStore(store); err != nil {
		return "", err
	}

	query := `SELECT value FROM visitor_kv
		WHERE store = ? AND owner = ? AND key = ?
		  AND (expires_at IS NULL OR expires_at > ?)`

	var value string
	err := s.db.QueryRowContext(ctx, query, string(store), owner, key, s.now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s/%s: %w", store, key, err)
	}
	return value, nil
}

func (s *Store) GetAll(ctx context.Context, store storage.Store, owner string) (map[string]string, error) {
	if err := checkStore(store); err != nil {
		return nil, err
	}

	query := `SELECT key, value FROM visitor_kv
		WHERE store = ? AND owner = ?
		  AND (expires_at IS NULL OR expires_at > ?)`

	rows, err := s.db.QueryContext(ctx, query, string(store), owner, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query %s store: %w", store, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", store, err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

const upsertQuery = `INSERT INTO visitor_kv (store, owner, key, value, expires_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (store, owner, key) DO UPDATE
	SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at`

func (s *Store) Set(ctx context.Context, store storage.Store, owner, key, value string, ttl time.Duration) error {
	if err := checkStore(store); err != nil {
		return err
	}

	now := s.now()
	if _, err := s.db.ExecContext(ctx, upsertQuery, string(store), owner, key, value, expiresAt(now, ttl), now.UnixMilli()); err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", store, key, err)
	}
	return nil
}

func (s *Store) SetIfAbsent(ctx context.Context, store storage.Store, owner, key, value string, ttl time.Duration) (string, bool, error) {
	if err := checkStore(store); err != nil {
		return "", false, err
	}

	// Replaces only an expired row; a live row makes the statement return nothing.
	query := `INSERT INTO visitor_kv (store, owner, key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (store, owner, key) DO UPDATE
		SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at
		WHERE visitor_kv.expires_at IS NOT NULL AND visitor_kv.expires_at <= excluded.updated_at
		RETURNING value`

	now := s.now()
	var stored string
	err := s.db.QueryRowContext(ctx, query, string(store), owner, key, value, expiresAt(now, ttl), now.UnixMilli()).Scan(&stored)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("failed to set %s/%s if absent: %w", store, key, err)
	}

	current, err := s.Get(ctx, store, owner, key)
	if err != nil {
		return "", false, err
	}
	return current, false, nil
}

func (s *Store) Merge(ctx context.Context, store storage.Store, owner string, values map[string]string, ttl time.Duration) error {
	if err := checkStore(store); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin merge: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	for key, value := range values {
		if value == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, upsertQuery, string(store), owner, key, value, expiresAt(now, ttl), now.UnixMilli()); err != nil {
			return fmt.Errorf("failed to merge %s/%s: %w", store, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}
	return nil
}

// SweepExpired deletes rows whose retention has elapsed.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM visitor_kv WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired rows: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Record(ctx context.Context, je *storage.JournalEntry) error {
	payload, err := json.Marshal(&je.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `INSERT INTO tracked_events (
			event_id, sink, event_name, external_id, event_time,
			payload, success, error, recorded_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, sink) DO NOTHING
		RETURNING journal_seq`

	var seq int64
	err = s.db.QueryRowContext(ctx, query,
		je.Event.EventID,
		je.Sink,
		string(je.Event.EventName),
		je.Event.UserData.ExternalID,
		je.Event.EventTime,
		string(payload),
		je.Success,
		sql.NullString{String: je.Error, Valid: je.Error != ""},
		je.RecordedAt.UnixMilli(),
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}

	je.Seq = seq
	return nil
}

func (s *Store) ListByVisitor(ctx context.Context, externalID string, start, end time.Time, limit int) ([]*storage.JournalEntry, error) {
	query := `SELECT payload, sink, success, error, recorded_at, journal_seq
		FROM tracked_events
		WHERE external_id = ? AND recorded_at >= ? AND recorded_at < ?
		ORDER BY journal_seq ASC
		LIMIT ?`

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, externalID, start.UnixMilli(), end.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []*storage.JournalEntry
	for rows.Next() {
		var (
			je         storage.JournalEntry
			payload    string
			errText    sql.NullString
			recordedAt int64
		)
		if err := rows.Scan(&payload, &je.Sink, &je.Success, &errText, &recordedAt, &je.Seq); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		var evt v1.TrackedEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		je.Event = evt
		je.Error = errText.String
		je.RecordedAt = time.UnixMilli(recordedAt).UTC()
		entries = append(entries, &je)
	}

	return entries, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
