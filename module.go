// Package quillsync is the local-first synchronization core: an on-device
// SQLite store that is the authoritative source for reads and writes,
// reconciled asynchronously with a remote backend, plus a heartbeat
// presence protocol. The host app talks to it through the Core handle.
package quillsync

import (
	"context"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/quillchat/quillsync/bus"
	"github.com/quillchat/quillsync/config"
	"github.com/quillchat/quillsync/lock"
	"github.com/quillchat/quillsync/logging"
	"github.com/quillchat/quillsync/netmon"
	"github.com/quillchat/quillsync/presence"
	"github.com/quillchat/quillsync/remote"
	"github.com/quillchat/quillsync/repo"
	"github.com/quillchat/quillsync/store"
	syncpkg "github.com/quillchat/quillsync/sync"
)

// Params holds everything the host app supplies to the core.
type Params struct {
	// DataDir holds the database, the log file and the instance lock.
	DataDir string
	// SelfUserID identifies this client for heartbeats and hooks.
	SelfUserID string
	// Backend is the remote the core reconciles against.
	Backend remote.Backend
	// Config is optional; nil means config.Default().
	Config *config.Config
	// Logger is optional; nil means a file+stderr logger in DataDir.
	Logger *zap.Logger
}

// Module composes the core's providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("quillsync",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideMonitor,
			provideEngine,
			provideTracker,
			repo.NewMessages,
			repo.NewConversations,
			repo.NewUsers,
			repo.NewDerivedItems,
			NewCore,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(p.DataDir, p.SelfUserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", p.DataDir))
	l, err := lock.Acquire(p.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, b *bus.Bus, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(p.DataDir, "quillsync.db")
	db, err := store.Open(dbPath, b)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMonitor(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	return netmon.New(b, logger, cfg.Network.DebounceWindow.Std(), netmon.Connected)
}

func provideEngine(db *store.DB, p Params, b *bus.Bus, m *netmon.Monitor, cfg *config.Config, logger *zap.Logger) *syncpkg.Engine {
	return syncpkg.NewEngine(db, p.Backend, b, m, cfg.Sync, logger)
}

func provideTracker(p Params, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(p.Backend, b, cfg.Presence, p.SelfUserID, logger)
}

func registerLifecycle(lc fx.Lifecycle, db *store.DB, lk *lock.Lock, engine *syncpkg.Engine, tracker *presence.Tracker, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			if err := tracker.Start(context.Background()); err != nil {
				engine.Stop()
				return err
			}
			logger.Info("sync core started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			tracker.Stop()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("sync core stopped")
			return nil
		},
	})
}
