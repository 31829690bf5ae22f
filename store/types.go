package store

import "encoding/json"

// Collection names for the entity families the core synchronizes.
const (
	CollectionMessages      = "messages"
	CollectionConversations = "conversations"
	CollectionUsers         = "users"
	CollectionDerivedItems  = "derived_items"
)

// Collections lists every synchronized collection, in the order the sync
// engine starts its lanes.
func Collections() []string {
	return []string{
		CollectionConversations,
		CollectionMessages,
		CollectionUsers,
		CollectionDerivedItems,
	}
}

// SyncStatus drives the outbox and push worker.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Record is the envelope every synchronized entity carries. Fields holds
// the entity's domain payload as JSON; the repository layer gives it a
// typed shape.
type Record struct {
	Collection string
	// ID is the canonical identifier. Generated client-side at create
	// time; a backend that mints its own ids replaces it exactly once,
	// at the first successful push.
	ID string
	// LocalKey is the client-generated correlation key. Never changes
	// after creation; matches a locally written record with a later echo
	// of it on the change feed.
	LocalKey string
	Fields   json.RawMessage
	// UpdatedAt is the last-writer-wins clock, unix milliseconds.
	UpdatedAt  int64
	SyncStatus SyncStatus
	// LastSyncAttempt is when the push lane last tried this record.
	// Zero means never.
	LastSyncAttempt int64
	RetryCount      int
	// ServerTimestamp is the backend's authoritative clock. Zero until
	// the first successful round trip.
	ServerTimestamp int64
	// Deleted marks a tombstone. Tombstones are kept, not physically
	// removed, so a stale pull cannot resurrect a deleted record.
	Deleted   bool
	CreatedAt int64
}

// OutboxRef is a durable reference to a pending record. The outbox holds
// references, never copies: the record's latest state is read at push time.
type OutboxRef struct {
	Collection   string
	RecordID     string
	EnqueuedAt   int64
	BackoffUntil int64
}

// Cond matches a JSON path inside a record's domain fields against a value.
type Cond struct {
	Path  string
	Value any
}

// Query scopes a List or an observation stream.
type Query struct {
	Where          []Cond
	IncludeDeleted bool
	// Ascending orders by updated_at ascending instead of the default
	// descending.
	Ascending bool
	Limit     int
}
