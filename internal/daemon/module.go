// Package daemon composes the session process: store, API client, websocket
// transport, event applier, sync coordinator and outbox, wired through fx.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/koi-chat/koi/internal/bus"
	"github.com/koi-chat/koi/internal/client"
	"github.com/koi-chat/koi/internal/config"
	"github.com/koi-chat/koi/internal/lock"
	"github.com/koi-chat/koi/internal/logging"
	"github.com/koi-chat/koi/internal/outbox"
	"github.com/koi-chat/koi/internal/session"
	"github.com/koi-chat/koi/internal/state"
	"github.com/koi-chat/koi/internal/status"
	"github.com/koi-chat/koi/internal/store"
	intsync "github.com/koi-chat/koi/internal/sync"
	"github.com/koi-chat/koi/internal/transport"
	"github.com/koi-chat/koi/internal/typing"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideClient,
			provideDistinct,
			provideRegistry,
			provideApplier,
			provideSender,
			provideCoordinator,
			provideTransport,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
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

func provideClient(p Params, logger *zap.Logger) (*client.Client, error) {
	return client.New(p.Config.Server, logger)
}

func provideDistinct(c *client.Client) *client.Distinct {
	return client.NewDistinct(c)
}

func provideRegistry(b *bus.Bus, logger *zap.Logger) *state.Registry {
	return state.NewRegistry(b, logger)
}

func provideApplier(p Params, db *store.DB, registry *state.Registry, c *client.Client, b *bus.Bus, logger *zap.Logger) *intsync.Applier {
	return intsync.NewApplier(db, registry, b, c.UserID(), logger,
		typing.WithWindow(p.Config.TypingWindow()))
}

func provideSender(db *store.DB, c *client.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, c, b, logger)
}

func provideCoordinator(p Params, db *store.DB, distinct *client.Distinct, applier *intsync.Applier, registry *state.Registry, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	// distinct satisfies the coordinator's API slice: the channel re-query
	// goes through the deduplicated path, writes through the raw client.
	return intsync.NewCoordinator(db, distinct, applier, registry, sender, b, distinct.UserID(), logger,
		intsync.WithRetryPolicy(intsync.Backoff{
			Attempts: p.Config.RetryAttempts(),
			Base:     p.Config.RetryBackoff(),
			Max:      p.Config.RetryBackoff() * 8,
		}))
}

func provideTransport(p Params, c *client.Client, applier *intsync.Applier, b *bus.Bus, logger *zap.Logger) *transport.Conn {
	return transport.New(p.Config.Server.WSURL, p.Config.Server.APIKey,
		p.Config.Server.UserToken, c.UserID(), b, applier, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, conn *transport.Conn, applier *intsync.Applier, coordinator *intsync.Coordinator, sender *outbox.Sender, distinct *client.Distinct, machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	runCtx, cancelRun := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			applier.Start(runCtx)
			coordinator.Start(runCtx)
			sender.Start(runCtx)

			// The status machine follows connection and sync signals.
			go trackStatus(runCtx, b, machine, logger)

			_ = machine.Transition(status.Connecting)
			go func() { _ = conn.Run(runCtx) }()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Teardown order: stop producing (transport), stop the queue,
			// then cancel anything still waiting on the network.
			cancelRun()
			coordinator.Stop()
			sender.Stop()
			applier.Stop()
			distinct.CancelAll()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// trackStatus folds bus signals into the session status machine.
func trackStatus(ctx context.Context, b *bus.Bus, machine *status.Machine, logger *zap.Logger) {
	ch, unsub := b.Subscribe("", 64)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			var err error
			switch evt.Kind {
			case bus.KindConnConnecting:
				if machine.Current() != status.Booting && machine.Current() != status.Connecting {
					err = machine.Transition(status.Reconnecting)
				}
			case bus.KindConnConnected:
				err = machine.Transition(status.Syncing)
			case bus.KindSyncCompleted:
				err = machine.Transition(status.Ready)
			case bus.KindSyncFailed:
				err = machine.Transition(status.Degraded)
			}
			if err != nil {
				logger.Debug("status transition skipped",
					zap.String("signal", evt.Kind), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
