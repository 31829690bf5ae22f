package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// PresenceCollection is the collection heartbeats and disconnect-hook
// writes land in.
const PresenceCollection = "presence"

// Memory is an in-memory Backend. It is the reference implementation of
// the contract and the test double for the sync engine: it supports going
// offline, injecting write failures, minting server-side canonical ids and
// permanently denying a collection's feed.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]Document
	feeds       map[string][]*memoryFeed
	byLocalKey  map[string]map[string]string // collection -> localKey -> canonical id
	heartbeats  map[string]int64
	hooks       map[string]Document
	denied      map[string]bool

	online     bool
	writeErr   error
	writeLeft  int
	mintIDs    bool
	nextMinted int
	writes     int
	writeLog   []string

	now func() int64
}

type memoryFeed struct {
	collection string
	ch         chan []Document
	owner      *Memory
	closed     bool
}

func (f *memoryFeed) Changes() <-chan []Document { return f.ch }

func (f *memoryFeed) Close() {
	f.owner.mu.Lock()
	defer f.owner.mu.Unlock()
	f.owner.dropFeedLocked(f)
}

// NewMemory creates an online Memory backend.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]Document),
		feeds:       make(map[string][]*memoryFeed),
		byLocalKey:  make(map[string]map[string]string),
		heartbeats:  make(map[string]int64),
		hooks:       make(map[string]Document),
		denied:      make(map[string]bool),
		online:      true,
		now:         func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the server timestamp source.
func (m *Memory) SetClock(now func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetOnline flips connectivity. Going offline closes every open feed, the
// way a dropped connection would.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
	if !online {
		for _, feeds := range m.feeds {
			for _, f := range feeds {
				if !f.closed {
					f.closed = true
					close(f.ch)
				}
			}
		}
		m.feeds = make(map[string][]*memoryFeed)
	}
}

// FailNextWrites makes the next n WriteDocument calls return err.
// n < 0 fails writes until the next FailNextWrites call.
func (m *Memory) FailNextWrites(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
	m.writeLeft = n
}

// MintServerIDs makes the backend assign its own canonical ids on the
// first write of each local key, like backends that ignore client ids.
func (m *Memory) MintServerIDs(mint bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mintIDs = mint
}

// DenyCollection makes SubscribeChanges for the collection fail
// permanently (revoked access).
func (m *Memory) DenyCollection(collection string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[collection] = true
}

// WriteDocument implements Backend.
func (m *Memory) WriteDocument(_ context.Context, collection string, doc Document) (Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.online {
		return Ack{}, ErrUnavailable
	}
	if m.writeLeft != 0 && m.writeErr != nil {
		if m.writeLeft > 0 {
			m.writeLeft--
		}
		return Ack{}, m.writeErr
	}

	keys := m.byLocalKey[collection]
	if keys == nil {
		keys = make(map[string]string)
		m.byLocalKey[collection] = keys
	}

	// Resolve the canonical id: a retried write for a known local key
	// always lands on the same document.
	canonical := doc.ID
	if doc.LocalKey != "" {
		if existing, ok := keys[doc.LocalKey]; ok {
			canonical = existing
		} else if m.mintIDs {
			m.nextMinted++
			canonical = fmt.Sprintf("srv-%06d", m.nextMinted)
		}
		keys[doc.LocalKey] = canonical
	}

	doc.ID = canonical
	doc.ServerTimestamp = m.now()

	docs := m.collections[collection]
	if docs == nil {
		docs = make(map[string]Document)
		m.collections[collection] = docs
	}
	docs[canonical] = doc
	m.writes++
	m.writeLog = append(m.writeLog, canonical)

	m.broadcastLocked(collection, []Document{doc})
	return Ack{ID: canonical, ServerTimestamp: doc.ServerTimestamp}, nil
}

// ReadDocument implements Backend.
func (m *Memory) ReadDocument(_ context.Context, collection, id string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return nil, ErrUnavailable
	}
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &doc, nil
}

// SubscribeChanges implements Backend. The first batch on the returned
// feed is the full current result set for the collection.
func (m *Memory) SubscribeChanges(_ context.Context, collection string) (Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied[collection] {
		return nil, Permanent("subscription denied for " + collection)
	}
	if !m.online {
		return nil, ErrUnavailable
	}

	f := &memoryFeed{collection: collection, ch: make(chan []Document, 64), owner: m}
	m.feeds[collection] = append(m.feeds[collection], f)

	var snapshot []Document
	for _, doc := range m.collections[collection] {
		snapshot = append(snapshot, doc)
	}
	f.ch <- snapshot
	return f, nil
}

// WriteHeartbeat implements Backend. Heartbeats surface to observers as
// presence documents on the presence collection's feed.
func (m *Memory) WriteHeartbeat(_ context.Context, userID string, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return ErrUnavailable
	}
	m.heartbeats[userID] = ts
	doc := presenceDoc(userID, true, ts, m.now())
	m.storeAndBroadcastLocked(PresenceCollection, doc)
	return nil
}

// RegisterDisconnectHook implements Backend.
func (m *Memory) RegisterDisconnectHook(_ context.Context, userID string, offline Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[userID] = offline
	return nil
}

// FireDisconnectHooks simulates the server detecting an ungraceful
// disconnect: every registered hook document is written.
func (m *Memory) FireDisconnectHooks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.hooks {
		doc.ServerTimestamp = m.now()
		m.storeAndBroadcastLocked(PresenceCollection, doc)
	}
}

// Put is a server-side write (another device, another user): no client
// local key involved, broadcast to feeds.
func (m *Memory) Put(collection string, doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.ServerTimestamp = m.now()
	m.storeAndBroadcastLocked(collection, doc)
}

// Get returns the stored document, or nil. Test helper, works offline.
func (m *Memory) Get(collection, id string) *Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil
	}
	return &doc
}

// CountByLocalKey returns how many stored documents in a collection carry
// the given local key. Exactly one after duplicate pushes is the
// idempotency property.
func (m *Memory) CountByLocalKey(collection, localKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, doc := range m.collections[collection] {
		if doc.LocalKey == localKey {
			n++
		}
	}
	return n
}

// Count returns the number of documents in a collection.
func (m *Memory) Count(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[collection])
}

// Writes returns the total number of accepted document writes.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// WriteOrder returns the canonical ids of accepted writes, oldest first.
func (m *Memory) WriteOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.writeLog...)
}

// Heartbeat returns the last heartbeat timestamp recorded for a user.
func (m *Memory) Heartbeat(userID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeats[userID]
}

func (m *Memory) storeAndBroadcastLocked(collection string, doc Document) {
	docs := m.collections[collection]
	if docs == nil {
		docs = make(map[string]Document)
		m.collections[collection] = docs
	}
	docs[doc.ID] = doc
	m.broadcastLocked(collection, []Document{doc})
}

func (m *Memory) broadcastLocked(collection string, batch []Document) {
	for _, f := range m.feeds[collection] {
		if f.closed {
			continue
		}
		select {
		case f.ch <- batch:
		default:
			// Feed consumer stalled; it will catch up on resubscribe.
		}
	}
}

func (m *Memory) dropFeedLocked(target *memoryFeed) {
	feeds := m.feeds[target.collection]
	for i, f := range feeds {
		if f == target {
			m.feeds[target.collection] = append(feeds[:i], feeds[i+1:]...)
			break
		}
	}
	if !target.closed {
		target.closed = true
		close(target.ch)
	}
}

func presenceDoc(userID string, online bool, heartbeat, serverTS int64) Document {
	fields, _ := json.Marshal(map[string]any{
		"user_id":        userID,
		"online":         online,
		"last_heartbeat": heartbeat,
	})
	return Document{
		ID:              userID,
		Fields:          fields,
		UpdatedAt:       heartbeat,
		ServerTimestamp: serverTS,
	}
}
