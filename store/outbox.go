package store

import "database/sql"

// EnqueueOutbox adds a record reference to the outbox. A reference already
// present is left untouched (dedup: the latest local state is what gets
// pushed, not a snapshot at enqueue time).
func (db *DB) EnqueueOutbox(collection, recordID string) error {
	_, err := db.Exec(`
		INSERT INTO outbox (collection, record_id, enqueued_at, backoff_until)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(collection, record_id) DO NOTHING`,
		collection, recordID, nowMilli())
	return err
}

// NextDueOutbox returns the oldest reference in a collection whose backoff
// has elapsed, or nil when nothing is due. FIFO by enqueue time preserves
// the causal order of edits within the collection.
func (db *DB) NextDueOutbox(collection string, now int64) (*OutboxRef, error) {
	var ref OutboxRef
	err := db.QueryRow(`
		SELECT collection, record_id, enqueued_at, backoff_until
		FROM outbox
		WHERE collection = ? AND backoff_until <= ?
		ORDER BY enqueued_at ASC
		LIMIT 1`, collection, now).
		Scan(&ref.Collection, &ref.RecordID, &ref.EnqueuedAt, &ref.BackoffUntil)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// RequeueOutbox schedules a reference for a later attempt. The original
// enqueue time is kept so FIFO order survives the backoff.
func (db *DB) RequeueOutbox(collection, recordID string, backoffUntil int64) error {
	_, err := db.Exec(`
		UPDATE outbox SET backoff_until = ?
		WHERE collection = ? AND record_id = ?`,
		backoffUntil, collection, recordID)
	return err
}

// RemoveOutbox drops a reference from the outbox.
func (db *DB) RemoveOutbox(collection, recordID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE collection = ? AND record_id = ?`,
		collection, recordID)
	return err
}

// PendingOutbox returns every reference in a collection in push order,
// regardless of backoff. Used for restart recovery and tests.
func (db *DB) PendingOutbox(collection string) ([]OutboxRef, error) {
	rows, err := db.Query(`
		SELECT collection, record_id, enqueued_at, backoff_until
		FROM outbox WHERE collection = ?
		ORDER BY enqueued_at ASC`, collection)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var refs []OutboxRef
	for rows.Next() {
		var ref OutboxRef
		if err := rows.Scan(&ref.Collection, &ref.RecordID, &ref.EnqueuedAt, &ref.BackoffUntil); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
