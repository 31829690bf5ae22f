// Package sync orchestrates the two lanes of the local-first core: pull
// (remote change feed, resolver, local store) and push (outbox, remote
// write, ack, local store). Both lanes pause while the network monitor
// reports disconnected and resume on reconnect; the pull lane treats
// every reconnect as "deliver the whole remote state again" and relies on
// idempotent upserts to reconcile.
package sync

import (
	"context"
	stdsync "sync"

	"github.com/quillchat/quillsync/bus"
	"github.com/quillchat/quillsync/config"
	"github.com/quillchat/quillsync/netmon"
	"github.com/quillchat/quillsync/remote"
	"github.com/quillchat/quillsync/store"
	"go.uber.org/zap"
)

// Engine runs one pull and one push worker per collection.
type Engine struct {
	db      *store.DB
	backend remote.Backend
	bus     *bus.Bus
	monitor *netmon.Monitor
	cfg     config.Sync
	logger  *zap.Logger

	// Policy is the conflict-resolution policy. Set before Start.
	Policy Policy
	// Collections is the set of collections to sync. Defaults to
	// store.Collections().
	Collections []string

	pull *Lane
	push *Lane

	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// NewEngine creates a sync engine. It does nothing until Start.
func NewEngine(db *store.DB, backend remote.Backend, b *bus.Bus, monitor *netmon.Monitor, cfg config.Sync, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:          db,
		backend:     backend,
		bus:         b,
		monitor:     monitor,
		cfg:         cfg,
		logger:      logger,
		Collections: store.Collections(),
		pull:        NewLane("pull", b),
		push:        NewLane("push", b),
	}
}

// PullLane returns the pull lane (for state inspection).
func (e *Engine) PullLane() *Lane { return e.pull }

// PushLane returns the push lane.
func (e *Engine) PushLane() *Lane { return e.push }

// Start subscribes to network transitions and begins syncing. Lanes stay
// idle until the first time the monitor reports connected.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("net.", 16)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		e.run(ctx, ch)
	}()
}

// Stop tears the engine down: subscriptions detached, workers drained.
// In-flight remote writes are abandoned via context cancellation; their
// records stay pending in the outbox and are re-pushed after restart,
// which the id-keyed remote write makes safe.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, netEvents <-chan bus.Event) {
	var stopWorkers func()

	start := func() {
		if stopWorkers != nil {
			return
		}
		_ = e.pull.Transition(LaneActive)
		_ = e.push.Transition(LaneActive)
		stopWorkers = e.startWorkers(ctx)
		e.logger.Info("sync lanes active")
	}
	pause := func(to LaneState) {
		if stopWorkers != nil {
			stopWorkers()
			stopWorkers = nil
		}
		if e.pull.Current() == LaneActive {
			_ = e.pull.Transition(to)
		}
		if e.push.Current() == LaneActive {
			_ = e.push.Transition(to)
		}
	}

	if e.monitor.Current() == netmon.Connected {
		start()
	}

	for {
		select {
		case evt := <-netEvents:
			switch evt.Kind {
			case bus.KindNetUp:
				start()
			case bus.KindNetDown:
				e.logger.Info("network down, pausing sync lanes")
				pause(LanePaused)
			}
		case <-ctx.Done():
			pause(LaneIdle)
			if e.pull.Current() == LanePaused {
				_ = e.pull.Transition(LaneIdle)
			}
			if e.push.Current() == LanePaused {
				_ = e.push.Transition(LaneIdle)
			}
			return
		}
	}
}

// startWorkers spawns the per-collection pull and push workers under a
// child context. The returned stop function cancels them and waits.
// Workers per collection give FIFO causal order within an entity family
// while different families push concurrently.
func (e *Engine) startWorkers(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	var wg stdsync.WaitGroup

	for _, collection := range e.Collections {
		wg.Add(2)
		go func(c string) {
			defer wg.Done()
			e.pullWorker(ctx, c)
		}(collection)
		go func(c string) {
			defer wg.Done()
			e.pushWorker(ctx, c)
		}(collection)
	}

	return func() {
		cancel()
		wg.Wait()
	}
}

// PushAck is the payload of a sync.pushed event.
type PushAck struct {
	Collection string
	ID         string
	LocalKey   string
}

// PushFailure is the payload of a sync.push_failed event.
type PushFailure struct {
	Collection string
	ID         string
	LocalKey   string
	Err        string
	Permanent  bool
	Retries    int
}

// PullApplied is the payload of a sync.pulled event.
type PullApplied struct {
	Collection string
	Applied    int
}

// FeedDenied is the payload of a sync.feed_denied event: the collection's
// change feed was rejected permanently (revoked access). Observation
// streams scoped to the collection terminate with an error.
type FeedDenied struct {
	Collection string
	Reason     string
}

// ConflictNote is the payload of a sync.conflict event, published when a
// timestamp tie was broken by policy.
type ConflictNote struct {
	Collection string
	ID         string
	UpdatedAt  int64
}
