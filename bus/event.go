package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by namespace
// prefix, so "store." matches every store event and "" matches everything.
const (
	KindStoreChanged = "store.changed"

	KindNetUp   = "net.up"
	KindNetDown = "net.down"

	KindSyncLaneChanged = "sync.lane_changed"
	KindSyncPushed      = "sync.pushed"
	KindSyncPushFailed  = "sync.push_failed"
	KindSyncPulled      = "sync.pulled"
	KindSyncFeedDenied  = "sync.feed_denied"
	KindSyncConflict    = "sync.conflict"

	KindPresenceChanged = "presence.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// StoreChange is the payload of a store.changed event. One event is
// published per mutation batch, never per row.
type StoreChange struct {
	Collections []string
}

// Touches reports whether the change affected the given collection.
func (c StoreChange) Touches(collection string) bool {
	for _, name := range c.Collections {
		if name == collection {
			return true
		}
	}
	return false
}
