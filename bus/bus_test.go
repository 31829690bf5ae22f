package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("net.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindNetUp, Timestamp: time.Now()})

	select {
	case evt := <-ch:
		if evt.Kind != KindNetUp {
			t.Errorf("got kind %q, want net.up", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindStoreChanged})
	b.Publish(Event{Kind: KindSyncPushed})

	select {
	case evt := <-ch:
		if evt.Kind != KindSyncPushed {
			t.Errorf("got kind %q, want sync.pushed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The store event must not have been delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("net.", 10)
	unsub()
	unsub() // second call must be a no-op

	b.Publish(Event{Kind: KindNetDown})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// Buffer is full, this one is dropped.
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestEmitFillsTimestamp(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 1)
	defer unsub()

	b.Emit(KindStoreChanged, StoreChange{Collections: []string{"messages"}})

	evt := <-ch
	if evt.Timestamp.IsZero() {
		t.Error("Emit should fill the timestamp")
	}
	change, ok := evt.Payload.(StoreChange)
	if !ok {
		t.Fatalf("payload type = %T, want StoreChange", evt.Payload)
	}
	if !change.Touches("messages") {
		t.Error("Touches(messages) = false, want true")
	}
	if change.Touches("users") {
		t.Error("Touches(users) = true, want false")
	}
}
