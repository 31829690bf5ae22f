package sync

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/quillchat/quillsync/bus"
)

// LaneState is the lifecycle state of one sync direction.
type LaneState string

const (
	LaneIdle   LaneState = "idle"
	LaneActive LaneState = "active"
	LanePaused LaneState = "paused"
)

// validLaneTransitions defines allowed lane state transitions.
var validLaneTransitions = map[LaneState][]LaneState{
	LaneIdle:   {LaneActive},
	LaneActive: {LanePaused, LaneIdle},
	LanePaused: {LaneActive, LaneIdle},
}

// Lane tracks and enforces the state of one sync direction (pull or push).
// The pull and push lanes transition independently, both driven by the
// network monitor.
type Lane struct {
	name    string
	bus     *bus.Bus
	mu      sync.RWMutex
	current LaneState
}

// NewLane creates a lane starting in the idle state.
func NewLane(name string, b *bus.Bus) *Lane {
	return &Lane{name: name, bus: b, current: LaneIdle}
}

// Name returns the lane's name ("pull" or "push").
func (l *Lane) Name() string { return l.name }

// Current returns the current lane state.
func (l *Lane) Current() LaneState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Transition attempts to move to a new state. Returns an error for
// transitions the lifecycle does not allow.
func (l *Lane) Transition(to LaneState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	allowed := validLaneTransitions[l.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("lane %s: invalid transition from %s to %s", l.name, l.current, to)
	}
	from := l.current
	l.current = to
	if l.bus != nil {
		l.bus.Publish(bus.Event{
			Kind:      bus.KindSyncLaneChanged,
			Timestamp: time.Now(),
			Payload:   LaneChange{Lane: l.name, From: from, To: to},
		})
	}
	return nil
}

// LaneChange is the payload for lane state change events.
type LaneChange struct {
	Lane string
	From LaneState
	To   LaneState
}
