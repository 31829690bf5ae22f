package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by operations that require an existing record.
var ErrNotFound = errors.New("record not found")

const recordColumns = `collection, id, local_key, fields, updated_at, sync_status,
	last_sync_attempt, retry_count, server_timestamp, deleted, created_at`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	var status string
	var fields []byte
	err := row.Scan(&r.Collection, &r.ID, &r.LocalKey, &fields, &r.UpdatedAt, &status,
		&r.LastSyncAttempt, &r.RetryCount, &r.ServerTimestamp, &r.Deleted, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Fields = fields
	r.SyncStatus = SyncStatus(status)
	return &r, nil
}

const upsertRecordSQL = `
	INSERT INTO records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		fields = excluded.fields,
		updated_at = excluded.updated_at,
		sync_status = excluded.sync_status,
		last_sync_attempt = excluded.last_sync_attempt,
		retry_count = excluded.retry_count,
		server_timestamp = excluded.server_timestamp,
		deleted = excluded.deleted`

func upsertArgs(r *Record, now int64) []any {
	fields := r.Fields
	if len(fields) == 0 {
		fields = []byte("{}")
	}
	created := r.CreatedAt
	if created == 0 {
		created = now
	}
	return []any{r.Collection, r.ID, r.LocalKey, string(fields), r.UpdatedAt, string(r.SyncStatus),
		r.LastSyncAttempt, r.RetryCount, r.ServerTimestamp, r.Deleted, created}
}

// UpsertRecord inserts or updates a record (idempotent on collection + id).
// The local key is never overwritten by an upsert.
func (db *DB) UpsertRecord(r *Record) error {
	if _, err := db.Exec(upsertRecordSQL, upsertArgs(r, nowMilli())...); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	db.notify(r.Collection)
	return nil
}

// PutPending durably applies an optimistic local write: the record is
// upserted and its reference enqueued into the outbox, in one transaction.
// Enqueuing a reference already present is a no-op, so rapid successive
// edits coalesce into a single push.
func (db *DB) PutPending(r *Record) error {
	now := nowMilli()
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(upsertRecordSQL, upsertArgs(r, now)...); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO outbox (collection, record_id, enqueued_at, backoff_until)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(collection, record_id) DO NOTHING`,
		r.Collection, r.ID, now); err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.notify(r.Collection)
	return nil
}

// GetRecord returns a record by canonical id, or nil if absent.
func (db *DB) GetRecord(collection, id string) (*Record, error) {
	row := db.QueryRow(`SELECT `+recordColumns+` FROM records WHERE collection = ? AND id = ?`,
		collection, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetRecordByLocalKey returns a record by its correlation key, or nil.
// This is the second half of the dual index: in-flight UI state holds the
// local key and stays valid across the ephemeral-to-canonical id swap.
func (db *DB) GetRecordByLocalKey(collection, localKey string) (*Record, error) {
	row := db.QueryRow(`SELECT `+recordColumns+` FROM records WHERE collection = ? AND local_key = ?`,
		collection, localKey)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRecords returns records in a collection matching the query.
// Tombstoned records are excluded unless the query asks for them.
func (db *DB) ListRecords(collection string, q Query) ([]Record, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + recordColumns + ` FROM records WHERE collection = ?`)
	args := []any{collection}

	if !q.IncludeDeleted {
		sb.WriteString(` AND deleted = 0`)
	}
	for _, cond := range q.Where {
		sb.WriteString(` AND json_extract(fields, ?) = ?`)
		args = append(args, "$."+cond.Path, cond.Value)
	}
	if q.Ascending {
		sb.WriteString(` ORDER BY updated_at ASC, id ASC`)
	} else {
		sb.WriteString(` ORDER BY updated_at DESC, id DESC`)
	}
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := db.Query(sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// ApplyRemote writes a batch of resolver output in one transaction,
// raising a single change event for all collections touched.
func (db *DB) ApplyRemote(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	now := nowMilli()
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	touched := make([]string, 0, 2)
	for i := range records {
		r := &records[i]
		if _, err := tx.Exec(upsertRecordSQL, upsertArgs(r, now)...); err != nil {
			return fmt.Errorf("apply remote %s/%s: %w", r.Collection, r.ID, err)
		}
		if !containsString(touched, r.Collection) {
			touched = append(touched, r.Collection)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.notify(touched...)
	return nil
}

// ReassignID swaps a record's ephemeral client id for the backend's
// canonical id, updating the outbox reference in the same transaction.
// The local key is untouched. Happens at most once per record.
func (db *DB) ReassignID(collection, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`UPDATE records SET id = ? WHERE collection = ? AND id = ?`,
		newID, collection, oldID)
	if err != nil {
		return fmt.Errorf("reassign record id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`UPDATE OR REPLACE outbox SET record_id = ? WHERE collection = ? AND record_id = ?`,
		newID, collection, oldID); err != nil {
		return fmt.Errorf("reassign outbox ref: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.notify(collection)
	return nil
}

// MarkSyncing flags a record as having an in-flight push.
func (db *DB) MarkSyncing(collection, id string, at int64) error {
	_, err := db.Exec(`
		UPDATE records SET sync_status = ?, last_sync_attempt = ?
		WHERE collection = ? AND id = ?`,
		string(StatusSyncing), at, collection, id)
	if err != nil {
		return err
	}
	db.notify(collection)
	return nil
}

// ConfirmSynced applies a push acknowledgement: the canonical id is
// adopted, the server timestamp recorded and the outbox entry removed.
// If a newer local edit re-marked the record pending while the push was in
// flight, the pending status and outbox entry survive so the newer state
// is pushed next; only a record still in syncing state becomes synced.
func (db *DB) ConfirmSynced(collection, id, canonicalID string, serverTS int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if canonicalID != "" && canonicalID != id {
		if _, err := tx.Exec(`UPDATE records SET id = ? WHERE collection = ? AND id = ?`,
			canonicalID, collection, id); err != nil {
			return fmt.Errorf("adopt canonical id: %w", err)
		}
		if _, err := tx.Exec(`UPDATE OR REPLACE outbox SET record_id = ? WHERE collection = ? AND record_id = ?`,
			canonicalID, collection, id); err != nil {
			return fmt.Errorf("adopt canonical id in outbox: %w", err)
		}
		id = canonicalID
	}

	if _, err := tx.Exec(`
		UPDATE records SET
			server_timestamp = ?,
			retry_count = 0,
			sync_status = CASE WHEN sync_status = ? THEN ? ELSE sync_status END
		WHERE collection = ? AND id = ?`,
		serverTS, string(StatusSyncing), string(StatusSynced), collection, id); err != nil {
		return fmt.Errorf("confirm synced: %w", err)
	}

	var status string
	if err := tx.QueryRow(`SELECT sync_status FROM records WHERE collection = ? AND id = ?`,
		collection, id).Scan(&status); err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if SyncStatus(status) == StatusSynced {
		if _, err := tx.Exec(`DELETE FROM outbox WHERE collection = ? AND record_id = ?`,
			collection, id); err != nil {
			return fmt.Errorf("remove outbox ref: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.notify(collection)
	return nil
}

// RecordFailure notes a transient push failure and returns the new retry
// count. The record goes back to pending; the caller decides whether the
// count has crossed the cap.
func (db *DB) RecordFailure(collection, id string, at int64) (int, error) {
	_, err := db.Exec(`
		UPDATE records SET
			retry_count = retry_count + 1,
			last_sync_attempt = ?,
			sync_status = CASE WHEN sync_status = ? THEN ? ELSE sync_status END
		WHERE collection = ? AND id = ?`,
		at, string(StatusSyncing), string(StatusPending), collection, id)
	if err != nil {
		return 0, err
	}
	var count int
	if err := db.QueryRow(`SELECT retry_count FROM records WHERE collection = ? AND id = ?`,
		collection, id).Scan(&count); err != nil {
		return 0, err
	}
	db.notify(collection)
	return count, nil
}

// MarkFailed gives up on a record: status failed, outbox entry removed.
// The record stays visible so the UI can offer a manual retry.
func (db *DB) MarkFailed(collection, id string, at int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		UPDATE records SET sync_status = ?, last_sync_attempt = ?
		WHERE collection = ? AND id = ?`,
		string(StatusFailed), at, collection, id); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM outbox WHERE collection = ? AND record_id = ?`,
		collection, id); err != nil {
		return fmt.Errorf("remove outbox ref: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.notify(collection)
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
