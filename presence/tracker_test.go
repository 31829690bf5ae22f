package presence

import (
	"context"
	"strconv"
	stdsync "sync"
	"testing"
	"time"

	"github.com/quillchat/quillsync/bus"
	"github.com/quillchat/quillsync/config"
	"github.com/quillchat/quillsync/remote"
)

func testConfig() config.Presence {
	return config.Presence{
		HeartbeatInterval: config.Duration(10 * time.Millisecond),
		StalenessWindow:   config.Duration(60 * time.Millisecond),
		ScanInterval:      config.Duration(5 * time.Millisecond),
	}
}

// fakeClock is a settable millisecond clock shared between a tracker and
// the test body.
type fakeClock struct {
	mu  stdsync.Mutex
	now int64
}

func (c *fakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(ms int64) {
	c.mu.Lock()
	c.now += ms
	c.mu.Unlock()
}

func startTracker(t *testing.T, backend remote.Backend, b *bus.Bus, selfID string) *Tracker {
	t.Helper()
	tr := NewTracker(backend, b, testConfig(), selfID, nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestHeartbeatMarksPeerOnline(t *testing.T) {
	backend := remote.NewMemory()
	b := bus.New()
	tr := startTracker(t, backend, b, "alice")

	if err := backend.WriteHeartbeat(context.Background(), "bob", time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "bob to appear online", func() bool {
		return tr.PeerState("bob") == StateOnline
	})
}

func TestOwnHeartbeatsAreDelivered(t *testing.T) {
	backend := remote.NewMemory()
	b := bus.New()
	startTracker(t, backend, b, "alice")

	waitFor(t, 2*time.Second, "a heartbeat for alice", func() bool {
		return backend.Heartbeat("alice") > 0
	})
}

func TestSilentPeerAgesToStaleThenOffline(t *testing.T) {
	backend := remote.NewMemory()
	b := bus.New()
	clock := &fakeClock{now: 1_000_000}
	tr := NewTracker(backend, b, testConfig(), "alice", nil)
	tr.SetClock(clock.Now)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Stop)

	if err := backend.WriteHeartbeat(context.Background(), "bob", clock.Now()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "bob online", func() bool {
		return tr.PeerState("bob") == StateOnline
	})

	// Past the staleness window but within the grace period: observers
	// already read offline while the internal stage is still stale.
	clock.Advance(65)
	waitFor(t, 2*time.Second, "bob to age to stale", func() bool {
		return internalState(tr, "bob") == StateStale
	})
	if got := tr.PeerState("bob"); got != StateOffline {
		t.Fatalf("PeerState past the window = %q, want offline", got)
	}
	if tr.Online("bob") {
		t.Fatal("Online() must be false past the staleness window")
	}

	// Past window + one heartbeat interval with no new heartbeat.
	clock.Advance(20)
	waitFor(t, 2*time.Second, "bob to age out fully", func() bool {
		return internalState(tr, "bob") == StateOffline
	})
	if got := tr.PeerState("bob"); got != StateOffline {
		t.Fatalf("PeerState after the grace period = %q, want offline", got)
	}
}

func internalState(tr *Tracker, userID string) State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if p, ok := tr.peers[userID]; ok {
		return p.State
	}
	return StateUnknown
}

func TestPeerPastWindowReportsOffline(t *testing.T) {
	backend := remote.NewMemory()
	b := bus.New()
	clock := &fakeClock{now: 1_000_000}
	tr := NewTracker(backend, b, testConfig(), "alice", nil)
	tr.SetClock(clock.Now)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Stop)

	// Heartbeat at t=0, staleness window 60; at t=70 with no new
	// heartbeat the peer must read offline, hook or no hook.
	if err := backend.WriteHeartbeat(context.Background(), "bob", clock.Now()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "bob online", func() bool {
		return tr.PeerState("bob") == StateOnline
	})

	clock.Advance(70)
	waitFor(t, 2*time.Second, "bob reported offline", func() bool {
		return tr.PeerState("bob") == StateOffline
	})
	for _, p := range tr.Snapshot() {
		if p.UserID == "bob" && p.State != StateOffline {
			t.Fatalf("Snapshot state = %q, want offline", p.State)
		}
	}
}

func TestDisconnectHookPreemptsStaleness(t *testing.T) {
	backend := remote.NewMemory()
	busA := bus.New()
	busB := bus.New()
	observer := startTracker(t, backend, busA, "alice")
	bob := startTracker(t, backend, busB, "bob")

	waitFor(t, 2*time.Second, "bob online", func() bool {
		return observer.PeerState("bob") == StateOnline
	})

	// Server detects bob's ungraceful disconnect; no staleness wait.
	bob.Stop()
	backend.FireDisconnectHooks()
	waitFor(t, 2*time.Second, "bob offline via hook", func() bool {
		return observer.PeerState("bob") == StateOffline
	})
}

func TestOfflinePeerNeedsFreshHeartbeat(t *testing.T) {
	backend := remote.NewMemory()
	b := bus.New()
	clock := &fakeClock{now: 1_000_000}
	tr := NewTracker(backend, b, testConfig(), "alice", nil)
	tr.SetClock(clock.Now)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Stop)

	if err := backend.WriteHeartbeat(context.Background(), "bob", clock.Now()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "bob online", func() bool {
		return tr.PeerState("bob") == StateOnline
	})

	doc, err := offlineDoc("bob", clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	backend.Put(remote.PresenceCollection, doc)
	waitFor(t, 2*time.Second, "bob offline", func() bool {
		return tr.PeerState("bob") == StateOffline
	})

	// A replayed heartbeat older than the staleness window must not
	// resurrect the peer.
	stale := clock.Now() - 200
	backend.Put(remote.PresenceCollection, remote.Document{
		ID:        "bob",
		Fields:    []byte(`{"user_id":"bob","online":true,"last_heartbeat":` + strconv.FormatInt(stale, 10) + `}`),
		UpdatedAt: stale,
	})
	time.Sleep(50 * time.Millisecond)
	if got := tr.PeerState("bob"); got != StateOffline {
		t.Fatalf("stale heartbeat resurrected bob: state = %q", got)
	}

	if err := backend.WriteHeartbeat(context.Background(), "bob", clock.Now()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "bob back online on fresh heartbeat", func() bool {
		return tr.PeerState("bob") == StateOnline
	})
}

func TestHeartbeatsQueueWhileDownAndFlushOnReconnect(t *testing.T) {
	backend := remote.NewMemory()
	backend.SetOnline(false)
	b := bus.New()
	tr := startTracker(t, backend, b, "alice")
	b.Emit(bus.KindNetDown, nil)

	waitFor(t, 2*time.Second, "a queued heartbeat", func() bool {
		return tr.queue.size() == 1
	})
	if got := backend.Heartbeat("alice"); got != 0 {
		t.Fatalf("heartbeat delivered while down: %d", got)
	}

	backend.SetOnline(true)
	b.Emit(bus.KindNetUp, nil)
	waitFor(t, 2*time.Second, "the queued heartbeat to flush", func() bool {
		return backend.Heartbeat("alice") > 0
	})
}

func TestQueueKeepsLatestStatePerUser(t *testing.T) {
	q := newQueue()
	q.set("bob", update{online: true, timestamp: 100})
	q.set("bob", update{online: false, timestamp: 200})
	q.set("carol", update{online: true, timestamp: 150})

	drained := q.drain()
	if len(drained) != 2 {
		t.Fatalf("drain() returned %d entries, want 2", len(drained))
	}
	for _, item := range drained {
		if item.userID == "bob" {
			if item.update.online || item.update.timestamp != 200 {
				t.Errorf("bob = %+v, want the latest (offline, 200)", item.update)
			}
		}
	}
	if q.size() != 0 {
		t.Error("drain must empty the queue")
	}

	// An out-of-order older state never overwrites a newer one.
	q.set("bob", update{online: false, timestamp: 300})
	q.set("bob", update{online: true, timestamp: 250})
	drained = q.drain()
	if len(drained) != 1 || drained[0].update.timestamp != 300 {
		t.Errorf("drain() = %+v, want bob at 300", drained)
	}
}

func TestPresenceChangePublishesEvent(t *testing.T) {
	backend := remote.NewMemory()
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindPresenceChanged, 8)
	defer unsub()
	startTracker(t, backend, b, "alice")

	if err := backend.WriteHeartbeat(context.Background(), "bob", time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		peer, ok := evt.Payload.(Peer)
		if !ok || peer.UserID != "bob" || peer.State != StateOnline {
			t.Fatalf("payload = %+v, want bob online", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no presence.changed event")
	}
}
