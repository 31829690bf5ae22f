// Package netmon tracks connectivity and publishes debounced transitions.
// It is a pure signal source: no retries, no business logic. The host app
// feeds it raw reachability reports (OS callbacks, probe results); the
// sync engine and presence tracker consume the debounced signal.
package netmon

import (
	"sync"
	"time"

	"github.com/quillchat/quillsync/bus"
	"go.uber.org/zap"
)

// State is the debounced connectivity state.
type State string

const (
	Connected    State = "connected"
	Disconnected State = "disconnected"
)

// Monitor debounces raw connectivity reports: a transition is committed
// and published only after the new state has held for the hysteresis
// window, so a flapping link does not whipsaw the sync lanes.
type Monitor struct {
	bus      *bus.Bus
	logger   *zap.Logger
	debounce time.Duration

	mu        sync.Mutex
	committed State
	raw       State
	timer     *time.Timer
}

// New creates a monitor starting in the given state. A zero debounce
// commits transitions immediately.
func New(b *bus.Bus, logger *zap.Logger, debounce time.Duration, initial State) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		bus:       b,
		logger:    logger,
		debounce:  debounce,
		committed: initial,
		raw:       initial,
	}
}

// Current returns the debounced state.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

// Report feeds a raw connectivity observation. Repeated reports of the
// current raw state are no-ops; a flip back within the hysteresis window
// cancels the pending transition.
func (m *Monitor) Report(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s == m.raw {
		return
	}
	m.raw = s
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if s == m.committed {
		// Flapped back before the window elapsed.
		return
	}
	if m.debounce <= 0 {
		m.commitLocked(s)
		return
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.raw == s && m.committed != s {
			m.commitLocked(s)
		}
	})
}

// Close cancels any pending transition timer.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) commitLocked(s State) {
	m.committed = s
	m.logger.Info("connectivity changed", zap.String("state", string(s)))
	if m.bus == nil {
		return
	}
	kind := bus.KindNetDown
	if s == Connected {
		kind = bus.KindNetUp
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: s})
}
