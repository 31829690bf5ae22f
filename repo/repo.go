// Package repo provides the typed repositories the app layer talks to.
// Every write lands in the local store first (optimistic) and is queued
// for the push lane; reads never touch the network.
package repo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quillchat/quillsync/bus"
	"github.com/quillchat/quillsync/store"
)

// ErrNotFound is returned by Update, Delete and Retry when no local
// record exists for the id.
var ErrNotFound = store.ErrNotFound

// Item pairs a record's envelope with its decoded domain fields.
type Item[T any] struct {
	Record store.Record
	Fields T
}

// Repository is a typed accessor over one collection of the record store.
type Repository[T any] struct {
	db         *store.DB
	bus        *bus.Bus
	collection string
}

// New creates a repository for a collection.
func New[T any](db *store.DB, b *bus.Bus, collection string) *Repository[T] {
	return &Repository[T]{db: db, bus: b, collection: collection}
}

// Collection returns the collection this repository is scoped to.
func (r *Repository[T]) Collection() string { return r.collection }

// Create applies an optimistic local write and queues it for push. The
// returned item carries the ephemeral client id; observers see the
// canonical id once the first push is acknowledged. A store failure is
// fatal and propagates synchronously, never swallowed.
func (r *Repository[T]) Create(fields T) (*Item[T], error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	now := time.Now().UnixMilli()
	rec := &store.Record{
		Collection: r.collection,
		ID:         uuid.NewString(),
		LocalKey:   uuid.NewString(),
		Fields:     raw,
		UpdatedAt:  now,
		SyncStatus: store.StatusPending,
		CreatedAt:  now,
	}
	err = r.db.Serialize(func() error {
		return r.db.PutPending(rec)
	})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", r.collection, err)
	}
	return &Item[T]{Record: *rec, Fields: fields}, nil
}

// Update mutates an existing record's domain fields, re-marks it pending
// and re-enqueues it. Fails with ErrNotFound if no local record exists.
// The whole read-mutate-write runs under the store's single-writer lock
// so it cannot interleave with a push ack or a pull merge on the same id.
func (r *Repository[T]) Update(id string, mutate func(*T)) (*Item[T], error) {
	var item *Item[T]
	err := r.db.Serialize(func() error {
		rec, err := r.db.GetRecord(r.collection, id)
		if err != nil {
			return err
		}
		if rec == nil || rec.Deleted {
			return fmt.Errorf("update %s/%s: %w", r.collection, id, ErrNotFound)
		}

		var fields T
		if err := json.Unmarshal(rec.Fields, &fields); err != nil {
			return fmt.Errorf("decode fields: %w", err)
		}
		mutate(&fields)
		raw, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encode fields: %w", err)
		}

		rec.Fields = raw
		rec.UpdatedAt = time.Now().UnixMilli()
		rec.SyncStatus = store.StatusPending
		rec.RetryCount = 0
		if err := r.db.PutPending(rec); err != nil {
			return fmt.Errorf("update %s/%s: %w", r.collection, id, err)
		}
		item = &Item[T]{Record: *rec, Fields: fields}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Delete tombstones a record and queues the deletion. The row is kept so
// a stale pull cannot resurrect it.
func (r *Repository[T]) Delete(id string) error {
	return r.db.Serialize(func() error {
		rec, err := r.db.GetRecord(r.collection, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("delete %s/%s: %w", r.collection, id, ErrNotFound)
		}
		if rec.Deleted {
			return nil
		}
		rec.Deleted = true
		rec.UpdatedAt = time.Now().UnixMilli()
		rec.SyncStatus = store.StatusPending
		rec.RetryCount = 0
		if err := r.db.PutPending(rec); err != nil {
			return fmt.Errorf("delete %s/%s: %w", r.collection, id, err)
		}
		return nil
	})
}

// Retry re-queues a record that exhausted its push retries. Resets the
// retry budget; a no-op for records that are not failed.
func (r *Repository[T]) Retry(id string) error {
	return r.db.Serialize(func() error {
		rec, err := r.db.GetRecord(r.collection, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("retry %s/%s: %w", r.collection, id, ErrNotFound)
		}
		if rec.SyncStatus != store.StatusFailed {
			return nil
		}
		rec.SyncStatus = store.StatusPending
		rec.RetryCount = 0
		if err := r.db.PutPending(rec); err != nil {
			return fmt.Errorf("retry %s/%s: %w", r.collection, id, err)
		}
		return nil
	})
}

// Get returns a single item by canonical id, or nil. Tombstoned records
// read as absent.
func (r *Repository[T]) Get(id string) (*Item[T], error) {
	rec, err := r.db.GetRecord(r.collection, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Deleted {
		return nil, nil
	}
	return decodeItem[T](rec)
}

// GetByLocalKey returns an item by its correlation key, or nil. In-flight
// UI state can keep using the key across the id reconciliation.
func (r *Repository[T]) GetByLocalKey(localKey string) (*Item[T], error) {
	rec, err := r.db.GetRecordByLocalKey(r.collection, localKey)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Deleted {
		return nil, nil
	}
	return decodeItem[T](rec)
}

// List returns items matching the query.
func (r *Repository[T]) List(q store.Query) ([]Item[T], error) {
	records, err := r.db.ListRecords(r.collection, q)
	if err != nil {
		return nil, err
	}
	items := make([]Item[T], 0, len(records))
	for i := range records {
		item, err := decodeItem[T](&records[i])
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, nil
}

func decodeItem[T any](rec *store.Record) (*Item[T], error) {
	var fields T
	if err := json.Unmarshal(rec.Fields, &fields); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return &Item[T]{Record: *rec, Fields: fields}, nil
}
