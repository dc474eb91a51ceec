package postgres

// SQL queries for visitor key-value storage and the delivery journal

const (
	// queryGet returns a live value. Expired rows are ignored rather than deleted;
	// the expiry sweep removes them.
	queryGet = `
		SELECT value
		FROM visitor_kv
		WHERE store = $1 AND owner = $2 AND key = $3
		  AND (expires_at IS NULL OR expires_at > $4)
	`

	queryGetAll = `
		SELECT key, value
		FROM visitor_kv
		WHERE store = $1 AND owner = $2
		  AND (expires_at IS NULL OR expires_at > $3)
	`

	// querySet upserts a value, overwriting whatever was there.
	querySet = `
		INSERT INTO visitor_kv (store, owner, key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (store, owner, key) DO UPDATE
		SET value = EXCLUDED.value,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = EXCLUDED.updated_at
	`

	// querySetIfAbsent inserts, or replaces an expired row. A live row is left alone
	// and the statement returns no rows, which the adapter follows with queryGet.
	querySetIfAbsent = `
		INSERT INTO visitor_kv (store, owner, key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (store, owner, key) DO UPDATE
		SET value = EXCLUDED.value,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = EXCLUDED.updated_at
		WHERE visitor_kv.expires_at IS NOT NULL
		  AND visitor_kv.expires_at <= EXCLUDED.updated_at
		RETURNING value
	`

	querySweepExpired = `
		DELETE FROM visitor_kv
		WHERE expires_at IS NOT NULL AND expires_at <= $1
	`

	// queryRecordDelivery stores one (event, sink) outcome.
	// ON CONFLICT DO NOTHING returns no rows (sql.ErrNoRows) for duplicates.
	queryRecordDelivery = `
		INSERT INTO tracked_events (
			event_id, sink, event_name, external_id, event_time,
			payload, success, error, recorded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id, sink) DO NOTHING
		RETURNING journal_seq
	`

	queryListByVisitor = `
		SELECT
			payload, sink, success, error, recorded_at, journal_seq
		FROM tracked_events
		WHERE external_id = $1
		  AND recorded_at >= $2
		  AND recorded_at < $3
		ORDER BY journal_seq ASC
		LIMIT $4
	`
)
