package sync

import (
	"context"
	"math/rand"
	"time"

	"github.com/quillchat/quillsync/bus"
	"github.com/quillchat/quillsync/remote"
	"github.com/quillchat/quillsync/store"
	"go.uber.org/zap"
)

// pushWorker drains one collection's outbox while the lane is active.
// One worker per collection means at most one in-flight write per entity
// and FIFO order for edits to the same logical object.
func (e *Engine) pushWorker(ctx context.Context, collection string) {
	interval := e.cfg.PushInterval.Std()
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.drainDue(ctx, collection)
	for {
		select {
		case <-ticker.C:
			e.drainDue(ctx, collection)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) drainDue(ctx context.Context, collection string) {
	for ctx.Err() == nil {
		ref, err := e.db.NextDueOutbox(collection, time.Now().UnixMilli())
		if err != nil {
			e.logger.Error("failed to read outbox", zap.String("collection", collection), zap.Error(err))
			return
		}
		if ref == nil {
			return
		}
		e.pushOne(ctx, ref)
	}
}

func (e *Engine) pushOne(ctx context.Context, ref *store.OutboxRef) {
	now := time.Now().UnixMilli()

	// Staging runs under the store's single-writer lock: a local edit
	// either commits before the record is read here (and gets pushed) or
	// after MarkSyncing (and resets the status so the ack cannot claim it).
	var rec *store.Record
	err := e.db.Serialize(func() error {
		var err error
		rec, err = e.db.GetRecord(ref.Collection, ref.RecordID)
		if err != nil {
			return err
		}
		if rec == nil || rec.SyncStatus == store.StatusFailed || rec.SyncStatus == store.StatusSynced {
			// Dangling or stale reference; nothing to push.
			_ = e.db.RemoveOutbox(ref.Collection, ref.RecordID)
			rec = nil
			return nil
		}
		return e.db.MarkSyncing(rec.Collection, rec.ID, now)
	})
	if err != nil {
		e.logger.Error("failed to stage outbox record", zap.String("id", ref.RecordID), zap.Error(err))
		return
	}
	if rec == nil {
		return
	}
	doc := remote.Document{
		ID:        rec.ID,
		LocalKey:  rec.LocalKey,
		Fields:    rec.Fields,
		UpdatedAt: rec.UpdatedAt,
		Deleted:   rec.Deleted,
	}

	// The network call runs outside the lock.
	ack, pushErr := e.backend.WriteDocument(ctx, rec.Collection, doc)

	err = e.db.Serialize(func() error {
		if pushErr != nil {
			e.handlePushError(rec, pushErr, now)
			return nil
		}
		return e.db.ConfirmSynced(rec.Collection, rec.ID, ack.ID, ack.ServerTimestamp)
	})
	if err != nil {
		e.logger.Error("failed to confirm synced", zap.String("id", rec.ID), zap.Error(err))
		return
	}
	if pushErr != nil {
		return
	}
	e.logger.Info("record pushed",
		zap.String("collection", rec.Collection),
		zap.String("id", ack.ID),
		zap.String("local_key", rec.LocalKey))
	e.bus.Emit(bus.KindSyncPushed, PushAck{
		Collection: rec.Collection,
		ID:         ack.ID,
		LocalKey:   rec.LocalKey,
	})
}

func (e *Engine) handlePushError(rec *store.Record, pushErr error, at int64) {
	if remote.IsPermanent(pushErr) {
		e.logger.Warn("push rejected permanently",
			zap.String("collection", rec.Collection),
			zap.String("id", rec.ID),
			zap.Error(pushErr))
		if err := e.db.MarkFailed(rec.Collection, rec.ID, at); err != nil {
			e.logger.Error("failed to mark failed", zap.String("id", rec.ID), zap.Error(err))
		}
		e.bus.Emit(bus.KindSyncPushFailed, PushFailure{
			Collection: rec.Collection,
			ID:         rec.ID,
			LocalKey:   rec.LocalKey,
			Err:        pushErr.Error(),
			Permanent:  true,
		})
		return
	}

	count, err := e.db.RecordFailure(rec.Collection, rec.ID, at)
	if err != nil {
		e.logger.Error("failed to record push failure", zap.String("id", rec.ID), zap.Error(err))
		return
	}
	if count >= e.cfg.RetryCap {
		e.logger.Warn("push retry cap reached",
			zap.String("collection", rec.Collection),
			zap.String("id", rec.ID),
			zap.Int("retries", count))
		if err := e.db.MarkFailed(rec.Collection, rec.ID, at); err != nil {
			e.logger.Error("failed to mark failed", zap.String("id", rec.ID), zap.Error(err))
		}
		e.bus.Emit(bus.KindSyncPushFailed, PushFailure{
			Collection: rec.Collection,
			ID:         rec.ID,
			LocalKey:   rec.LocalKey,
			Err:        pushErr.Error(),
			Retries:    count,
		})
		return
	}

	delay := e.backoffDelay(count)
	e.logger.Info("push failed, will retry",
		zap.String("collection", rec.Collection),
		zap.String("id", rec.ID),
		zap.Int("retry", count),
		zap.Duration("backoff", delay),
		zap.Error(pushErr))
	if err := e.db.RequeueOutbox(rec.Collection, rec.ID, at+delay.Milliseconds()); err != nil {
		e.logger.Error("failed to requeue", zap.String("id", rec.ID), zap.Error(err))
	}
}

// backoffDelay computes the capped exponential delay for the nth retry,
// with up to 50% jitter. The schedule is persisted in the outbox row
// (backoff_until) so it survives process death; an in-memory backoff
// object could not.
func (e *Engine) backoffDelay(retries int) time.Duration {
	base := e.cfg.BackoffBase.Std()
	max := e.cfg.BackoffMax.Std()
	if retries < 1 {
		retries = 1
	}
	delay := base
	for i := 1; i < retries && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}
