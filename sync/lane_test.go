package sync

import (
	"testing"

	"github.com/quillchat/quillsync/bus"
)

func TestLaneInitialState(t *testing.T) {
	l := NewLane("pull", nil)
	if l.Current() != LaneIdle {
		t.Errorf("initial state = %s, want idle", l.Current())
	}
}

func TestLaneLifecycle(t *testing.T) {
	l := NewLane("push", nil)

	// idle → active → paused → active → idle
	steps := []LaneState{LaneActive, LanePaused, LaneActive, LaneIdle}
	for _, s := range steps {
		if err := l.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, l.Current())
		}
	}
	if l.Current() != LaneIdle {
		t.Errorf("final state = %s, want idle", l.Current())
	}
}

func TestLaneInvalidTransition(t *testing.T) {
	l := NewLane("pull", nil)
	if err := l.Transition(LanePaused); err == nil {
		t.Error("Transition(idle -> paused) should fail")
	}
	if l.Current() != LaneIdle {
		t.Errorf("state = %s, want idle (unchanged)", l.Current())
	}
}

func TestLaneTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("sync.lane_changed", 10)
	defer unsub()

	l := NewLane("pull", b)
	if err := l.Transition(LaneActive); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	change, ok := evt.Payload.(LaneChange)
	if !ok {
		t.Fatalf("payload type = %T, want LaneChange", evt.Payload)
	}
	if change.Lane != "pull" || change.From != LaneIdle || change.To != LaneActive {
		t.Errorf("change = %+v, want pull idle->active", change)
	}
}
