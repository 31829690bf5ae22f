package quillsync

import (
	"context"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/quillchat/quillsync/config"
	"github.com/quillchat/quillsync/lock"
	"github.com/quillchat/quillsync/netmon"
	"github.com/quillchat/quillsync/presence"
	"github.com/quillchat/quillsync/remote"
	"github.com/quillchat/quillsync/repo"
	"github.com/quillchat/quillsync/store"
	syncpkg "github.com/quillchat/quillsync/sync"
)

func testParams(t *testing.T, backend remote.Backend) Params {
	t.Helper()
	cfg := config.Default()
	cfg.Sync.PushInterval = config.Duration(10 * time.Millisecond)
	cfg.Sync.BackoffBase = config.Duration(10 * time.Millisecond)
	cfg.Sync.BackoffMax = config.Duration(50 * time.Millisecond)
	cfg.Presence.HeartbeatInterval = config.Duration(20 * time.Millisecond)
	cfg.Presence.StalenessWindow = config.Duration(100 * time.Millisecond)
	cfg.Presence.ScanInterval = config.Duration(10 * time.Millisecond)
	cfg.Network.DebounceWindow = config.Duration(0)
	return Params{
		DataDir:    t.TempDir(),
		SelfUserID: "alice",
		Backend:    backend,
		Config:     cfg,
		Logger:     zap.NewNop(),
	}
}

func startCore(t *testing.T, p Params) *Core {
	t.Helper()
	var core *Core
	app := fx.New(Module(p), fx.Populate(&core), fx.NopLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = app.Stop(stopCtx)
	})
	return core
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

func TestCoreLifecycleEndToEnd(t *testing.T) {
	backend := remote.NewMemory()
	core := startCore(t, testParams(t, backend))

	item, err := core.Messages().Create(repo.Message{
		ConversationID: "c1",
		SenderID:       "alice",
		Body:           "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, "the message to reach the backend", func() bool {
		return backend.Count(store.CollectionMessages) == 1
	})
	waitFor(t, 5*time.Second, "the local record to confirm", func() bool {
		got, err := core.Messages().Get(item.Record.ID)
		return err == nil && got != nil && got.Record.SyncStatus == store.StatusSynced
	})
	waitFor(t, 5*time.Second, "a heartbeat for alice", func() bool {
		return backend.Heartbeat("alice") > 0
	})
	if core.Engine().PushLane().Current() != syncpkg.LaneActive {
		t.Error("push lane should be active while connected")
	}
}

func TestCoreReleasesDataDirOnStop(t *testing.T) {
	backend := remote.NewMemory()
	p := testParams(t, backend)

	var core *Core
	app := fx.New(Module(p), fx.Populate(&core), fx.NopLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// While running, the data dir is exclusive.
	if _, err := lock.Acquire(p.DataDir); err == nil {
		t.Fatal("data dir lock should be held while the core runs")
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	l, err := lock.Acquire(p.DataDir)
	if err != nil {
		t.Fatalf("lock not released on stop: %v", err)
	}
	_ = l.Release()
}

func TestCorePausesWhileReportedOffline(t *testing.T) {
	backend := remote.NewMemory()
	core := startCore(t, testParams(t, backend))

	waitFor(t, 5*time.Second, "lanes to activate", func() bool {
		return core.Engine().PushLane().Current() == syncpkg.LaneActive
	})

	backend.SetOnline(false)
	core.Network().Report(netmon.Disconnected)
	waitFor(t, 5*time.Second, "lanes to pause", func() bool {
		return core.Engine().PushLane().Current() == syncpkg.LanePaused
	})

	// Writes while offline stay local and queued.
	if _, err := core.Messages().Create(repo.Message{ConversationID: "c1", Body: "offline"}); err != nil {
		t.Fatal(err)
	}
	if got := backend.Count(store.CollectionMessages); got != 0 {
		t.Fatalf("backend writes while paused = %d, want 0", got)
	}

	backend.SetOnline(true)
	core.Network().Report(netmon.Connected)
	waitFor(t, 5*time.Second, "the queued message to push", func() bool {
		return backend.Count(store.CollectionMessages) == 1
	})
}

func TestCoreSeesPeerPresence(t *testing.T) {
	backend := remote.NewMemory()
	core := startCore(t, testParams(t, backend))

	if err := backend.WriteHeartbeat(context.Background(), "bob", time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, "bob to appear online", func() bool {
		return core.Presence().PeerState("bob") == presence.StateOnline
	})
}
