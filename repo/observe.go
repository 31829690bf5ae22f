package repo

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/quillchat/quillsync/bus"
	"github.com/quillchat/quillsync/store"
	syncpkg "github.com/quillchat/quillsync/sync"
)

// observeResyncInterval bounds how stale a stream can go if its change
// signal is dropped by a full bus buffer: a periodic re-query catches
// anything a wakeup missed. Redundant passes are suppressed by comparing
// against the last emitted snapshot.
var observeResyncInterval = time.Second

// Snapshot is one emission of an observation stream: the full matching
// set, or a terminal error.
type Snapshot[T any] struct {
	Items []Item[T]
	Err   error
}

// Observe returns a restartable, unbounded stream of snapshots: the
// current matching set is emitted on subscribe and again after every
// store mutation touching the collection, with a periodic re-query as a
// safety net so a dropped change signal cannot leave the stream stale
// indefinitely. Emissions are latest-wins; a
// slow consumer sees the newest state, not a backlog. The stream ends in
// one of two ways: the cancel function (or ctx) closes it silently, or a
// permanent feed denial for the collection delivers a final Snapshot with
// Err set and then closes it, so the stream never goes silently stale.
func (r *Repository[T]) Observe(ctx context.Context, q store.Query) (<-chan Snapshot[T], func()) {
	out := make(chan Snapshot[T], 1)
	ctx, cancel := context.WithCancel(ctx)

	storeCh, unsubStore := r.bus.Subscribe(bus.KindStoreChanged, 64)
	deniedCh, unsubDenied := r.bus.Subscribe(bus.KindSyncFeedDenied, 8)

	go func() {
		defer close(out)
		defer unsubStore()
		defer unsubDenied()

		resync := time.NewTicker(observeResyncInterval)
		defer resync.Stop()

		var last []Item[T]
		refresh := func(force bool) {
			items, err := r.List(q)
			if err != nil {
				send(out, Snapshot[T]{Err: err})
				return
			}
			if !force && reflect.DeepEqual(items, last) {
				return
			}
			last = items
			send(out, Snapshot[T]{Items: items})
		}

		refresh(true)
		for {
			select {
			case evt := <-storeCh:
				change, ok := evt.Payload.(bus.StoreChange)
				if !ok || !change.Touches(r.collection) {
					continue
				}
				refresh(false)
			case <-resync.C:
				refresh(false)
			case evt := <-deniedCh:
				denied, ok := evt.Payload.(syncpkg.FeedDenied)
				if !ok || denied.Collection != r.collection {
					continue
				}
				send(out, Snapshot[T]{Err: fmt.Errorf("observe %s: %s", r.collection, denied.Reason)})
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel
}

// send delivers latest-wins: if the consumer has not taken the previous
// snapshot yet, it is replaced rather than queued.
func send[T any](out chan Snapshot[T], s Snapshot[T]) {
	for {
		select {
		case out <- s:
			return
		default:
			select {
			case <-out:
			default:
			}
		}
	}
}
