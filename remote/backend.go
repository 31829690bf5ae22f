// Package remote defines the contract the sync core consumes from a
// real-time backend. The core never talks to a network itself; hosts plug
// in an implementation of Backend (Firestore, a WebSocket gateway, the
// in-memory Memory backend in tests).
package remote

import (
	"context"
	"encoding/json"
)

// Document is the wire shape of a synchronized record. Fields carries the
// entity's domain payload opaquely; the envelope columns travel alongside
// so either side can run last-write-wins.
type Document struct {
	ID              string
	LocalKey        string
	Fields          json.RawMessage
	UpdatedAt       int64
	ServerTimestamp int64
	Deleted         bool
}

// Ack is the backend's confirmation of a document write. ID is the
// canonical identifier: backends that mint their own ids return a value
// different from the one the client wrote, exactly once per document.
type Ack struct {
	ID              string
	ServerTimestamp int64
}

// Feed is a change subscription for one collection. The backend delivers
// the full current result set as the first batch after every (re)connect,
// then incremental batches. Changes is closed when the subscription drops;
// the pull lane re-subscribes, it never assumes gap-free delivery.
type Feed interface {
	Changes() <-chan []Document
	Close()
}

// Backend is the full remote contract.
type Backend interface {
	// WriteDocument creates or replaces a document. Writes are keyed by
	// the client-supplied id, so a retried write lands on the same
	// document instead of appending a duplicate.
	WriteDocument(ctx context.Context, collection string, doc Document) (Ack, error)

	// ReadDocument returns a single document, or nil if absent.
	ReadDocument(ctx context.Context, collection, id string) (*Document, error)

	// SubscribeChanges opens a change feed for a collection.
	SubscribeChanges(ctx context.Context, collection string) (Feed, error)

	// WriteHeartbeat records a presence heartbeat for a user, on the
	// backend's low-latency presence channel rather than the document
	// feed.
	WriteHeartbeat(ctx context.Context, userID string, ts int64) error

	// RegisterDisconnectHook asks the backend to write the given presence
	// document server-side when this client disconnects ungracefully.
	RegisterDisconnectHook(ctx context.Context, userID string, offline Document) error
}
