package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/quillchat/quillsync/bus"
	"github.com/quillchat/quillsync/remote"
	"github.com/quillchat/quillsync/store"
	"go.uber.org/zap"
)

// pullWorker owns one collection's change feed. The feed is re-established
// with exponential backoff after every drop; a successful subscribe resets
// the backoff and counts as a full reconciliation pass, since the backend
// delivers the entire current result set on (re)connect.
func (e *Engine) pullWorker(ctx context.Context, collection string) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BackoffBase.Std()
	bo.MaxInterval = e.cfg.BackoffMax.Std()
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		feed, err := e.backend.SubscribeChanges(ctx, collection)
		if err != nil {
			if remote.IsPermanent(err) {
				e.logger.Error("change feed denied",
					zap.String("collection", collection), zap.Error(err))
				e.bus.Emit(bus.KindSyncFeedDenied, FeedDenied{
					Collection: collection,
					Reason:     err.Error(),
				})
				return
			}
			wait := bo.NextBackOff()
			e.logger.Info("change feed unavailable, retrying",
				zap.String("collection", collection),
				zap.Duration("backoff", wait),
				zap.Error(err))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}

		bo.Reset()
		if prev, err := e.LastReconcile(collection); err == nil && !prev.IsZero() {
			e.logger.Info("reconciling",
				zap.String("collection", collection),
				zap.Duration("since_last", time.Since(prev)))
		}
		if err := e.db.SetCheckpoint(reconcileKey(collection),
			strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
			e.logger.Warn("failed to record reconcile checkpoint", zap.Error(err))
		}
		e.consumeFeed(ctx, collection, feed)
		feed.Close()
	}
}

func reconcileKey(collection string) string { return "reconcile." + collection }

// LastReconcile returns when the collection last completed a full
// reconciliation pass, zero if it never has. The timestamp survives
// restarts, so a host app can surface how stale its local copy might be
// after a long offline stretch.
func (e *Engine) LastReconcile(collection string) (time.Time, error) {
	v, err := e.db.GetCheckpoint(reconcileKey(collection))
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse reconcile checkpoint: %w", err)
	}
	return time.UnixMilli(ms), nil
}

func (e *Engine) consumeFeed(ctx context.Context, collection string, feed remote.Feed) {
	for {
		select {
		case batch, ok := <-feed.Changes():
			if !ok {
				e.logger.Info("change feed dropped", zap.String("collection", collection))
				return
			}
			if err := e.applyBatch(collection, batch); err != nil {
				e.logger.Error("failed to apply remote batch",
					zap.String("collection", collection), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// applyBatch merges one feed batch into the store under the single-writer
// lock: match by canonical id, fall back to the local key for echoes of
// this client's own writes, resolve, and apply in one transaction.
func (e *Engine) applyBatch(collection string, batch []remote.Document) error {
	if len(batch) == 0 {
		return nil
	}
	return e.db.Serialize(func() error {
		return e.applyBatchLocked(collection, batch)
	})
}

func (e *Engine) applyBatchLocked(collection string, batch []remote.Document) error {
	out := make([]store.Record, 0, len(batch))
	for _, doc := range batch {
		local, err := e.db.GetRecord(collection, doc.ID)
		if err != nil {
			return err
		}
		if local == nil && doc.LocalKey != "" {
			// Echo of our own historical write, possibly still under its
			// ephemeral id locally.
			local, err = e.db.GetRecordByLocalKey(collection, doc.LocalKey)
			if err != nil {
				return err
			}
			if local != nil && local.ID != doc.ID {
				if err := e.db.ReassignID(collection, local.ID, doc.ID); err != nil {
					return err
				}
				local.ID = doc.ID
			}
		}

		incoming := store.Record{
			Collection:      collection,
			ID:              doc.ID,
			LocalKey:        doc.LocalKey,
			Fields:          doc.Fields,
			UpdatedAt:       doc.UpdatedAt,
			ServerTimestamp: doc.ServerTimestamp,
			Deleted:         doc.Deleted,
		}
		merged, outcome := Resolve(e.Policy, local, incoming)
		if outcome == OutcomeTie {
			e.logger.Info("timestamp tie resolved by policy",
				zap.String("collection", collection),
				zap.String("id", doc.ID),
				zap.Int64("updated_at", doc.UpdatedAt))
			e.bus.Emit(bus.KindSyncConflict, ConflictNote{
				Collection: collection,
				ID:         doc.ID,
				UpdatedAt:  doc.UpdatedAt,
			})
		}
		if outcome == OutcomeLocalKept {
			continue
		}
		if merged.LocalKey == "" {
			// Record first seen via pull; give it a correlation key so
			// the dual index stays total.
			merged.LocalKey = uuid.NewString()
		}
		out = append(out, merged)
	}

	if len(out) == 0 {
		return nil
	}
	if err := e.db.ApplyRemote(out); err != nil {
		return err
	}
	e.bus.Emit(bus.KindSyncPulled, PullApplied{Collection: collection, Applied: len(out)})
	return nil
}
