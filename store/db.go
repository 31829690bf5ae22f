package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/quillchat/quillsync/bus"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection holding records, outbox and sync state.
// Every mutation is durable before the call returns; each mutating method
// raises a single coalesced store.changed event on the bus, never one per
// row.
type DB struct {
	*sql.DB
	bus *bus.Bus

	writeMu sync.Mutex
}

// Open creates a SQLite connection with WAL mode and recommended pragmas.
// b may be nil; no change events are published then.
func Open(path string, b *bus.Bus) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, bus: b}, nil
}

// Serialize runs fn while holding the store's single-writer lock. Every
// read-modify-write of record state runs under it, in the repositories
// and in the sync engine alike, so a local edit, a push ack and a pull
// merge cannot interleave on the same record. Network calls must stay
// outside; fn must not call Serialize again.
func (db *DB) Serialize(fn func() error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return fn()
}

// notify publishes one coalesced change event for a completed write batch.
func (db *DB) notify(collections ...string) {
	if db.bus == nil || len(collections) == 0 {
		return
	}
	db.bus.Publish(bus.Event{
		Kind:      bus.KindStoreChanged,
		Timestamp: time.Now(),
		Payload:   bus.StoreChange{Collections: collections},
	})
}

func nowMilli() int64 { return time.Now().UnixMilli() }
