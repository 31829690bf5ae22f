package remote

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestWriteRetryIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	doc := Document{ID: "loc-1", LocalKey: "lk-1", Fields: json.RawMessage(`{"body":"hi"}`), UpdatedAt: 10}
	ack1, err := m.WriteDocument(ctx, "messages", doc)
	if err != nil {
		t.Fatal(err)
	}
	// Retried write with the same local key (e.g. lost ack).
	ack2, err := m.WriteDocument(ctx, "messages", doc)
	if err != nil {
		t.Fatal(err)
	}

	if ack1.ID != ack2.ID {
		t.Errorf("retried write got id %q, want %q", ack2.ID, ack1.ID)
	}
	if got := m.CountByLocalKey("messages", "lk-1"); got != 1 {
		t.Errorf("documents for lk-1 = %d, want 1", got)
	}
}

func TestMintServerIDs(t *testing.T) {
	m := NewMemory()
	m.MintServerIDs(true)

	ack, err := m.WriteDocument(context.Background(), "messages", Document{ID: "loc-1", LocalKey: "lk-1"})
	if err != nil {
		t.Fatal(err)
	}
	if ack.ID == "loc-1" {
		t.Error("expected a minted server id, got the client id back")
	}
	if m.Get("messages", ack.ID) == nil {
		t.Error("document not stored under canonical id")
	}
	if m.Get("messages", "loc-1") != nil {
		t.Error("document stored under ephemeral client id")
	}
}

func TestOfflineWritesFail(t *testing.T) {
	m := NewMemory()
	m.SetOnline(false)

	_, err := m.WriteDocument(context.Background(), "messages", Document{ID: "a"})
	if err != ErrUnavailable {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	_, err = m.SubscribeChanges(context.Background(), "messages")
	if err != ErrUnavailable {
		t.Errorf("subscribe err = %v, want ErrUnavailable", err)
	}
}

func TestSubscribeDeliversSnapshotThenChanges(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.WriteDocument(ctx, "messages", Document{ID: "m1", LocalKey: "k1"}); err != nil {
		t.Fatal(err)
	}

	feed, err := m.SubscribeChanges(ctx, "messages")
	if err != nil {
		t.Fatal(err)
	}
	defer feed.Close()

	// First batch is the current full set.
	batch := <-feed.Changes()
	if len(batch) != 1 || batch[0].ID != "m1" {
		t.Fatalf("initial batch = %+v, want [m1]", batch)
	}

	m.Put("messages", Document{ID: "m2", UpdatedAt: 5})
	select {
	case batch = <-feed.Changes():
		if len(batch) != 1 || batch[0].ID != "m2" {
			t.Errorf("change batch = %+v, want [m2]", batch)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change batch")
	}
}

func TestGoingOfflineClosesFeeds(t *testing.T) {
	m := NewMemory()
	feed, err := m.SubscribeChanges(context.Background(), "messages")
	if err != nil {
		t.Fatal(err)
	}
	<-feed.Changes() // initial snapshot

	m.SetOnline(false)

	select {
	case _, ok := <-feed.Changes():
		if ok {
			t.Error("expected feed channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for feed close")
	}
}

func TestDenyCollection(t *testing.T) {
	m := NewMemory()
	m.DenyCollection("messages")

	_, err := m.SubscribeChanges(context.Background(), "messages")
	if !IsPermanent(err) {
		t.Errorf("err = %v, want permanent rejection", err)
	}
}

func TestDisconnectHookWritesPresence(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	offline := presenceDoc("alice", false, 0, 0)
	if err := m.RegisterDisconnectHook(ctx, "alice", offline); err != nil {
		t.Fatal(err)
	}

	feed, err := m.SubscribeChanges(ctx, PresenceCollection)
	if err != nil {
		t.Fatal(err)
	}
	defer feed.Close()
	<-feed.Changes() // initial snapshot

	m.FireDisconnectHooks()

	select {
	case batch := <-feed.Changes():
		if len(batch) != 1 || batch[0].ID != "alice" {
			t.Fatalf("batch = %+v, want alice presence doc", batch)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for hook write")
	}
}

func TestFailNextWrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.FailNextWrites(2, ErrUnavailable)

	for i := 0; i < 2; i++ {
		if _, err := m.WriteDocument(ctx, "messages", Document{ID: "a"}); err != ErrUnavailable {
			t.Fatalf("write %d err = %v, want ErrUnavailable", i, err)
		}
	}
	if _, err := m.WriteDocument(ctx, "messages", Document{ID: "a"}); err != nil {
		t.Fatalf("third write err = %v, want nil", err)
	}
}
