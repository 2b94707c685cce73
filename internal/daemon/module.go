// Package daemon composes the per-profile sync daemon: one upstream
// realtime connection, the local cache, and the gateway socket for
// attached surfaces.
package daemon

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pulsehq/pulse/internal/bus"
	"github.com/pulsehq/pulse/internal/config"
	"github.com/pulsehq/pulse/internal/conn"
	"github.com/pulsehq/pulse/internal/feed"
	"github.com/pulsehq/pulse/internal/gateway"
	"github.com/pulsehq/pulse/internal/lock"
	"github.com/pulsehq/pulse/internal/logging"
	"github.com/pulsehq/pulse/internal/profile"
	"github.com/pulsehq/pulse/internal/realtime"
	"github.com/pulsehq/pulse/internal/rest"
	"github.com/pulsehq/pulse/internal/room"
	"github.com/pulsehq/pulse/internal/snapshot"
	"github.com/pulsehq/pulse/internal/store"
	"github.com/pulsehq/pulse/internal/token"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	Endpoint    string // optional override; empty = use config
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideTokenSource,
			provideRegistry,
			provideMux,
			provideSession,
			provideSnapshotEngine,
			provideRestClient,
			provideLoader,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if os.IsNotExist(err) {
		logger.Info("no config file, using defaults")
		cfg = config.Default()
	} else if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if p.Endpoint != "" {
		cfg.Endpoint = p.Endpoint
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured; set endpoint in %s", profile.ConfigPath())
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CacheDBPath(p.ProfileName)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTokenSource(p Params, b *bus.Bus, logger *zap.Logger) (*token.Source, error) {
	src := token.NewSource(b)
	if err := src.LoadFile(profile.TokenPath(p.ProfileName)); err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if src.Current() == "" {
		logger.Info("no credential found, starting anonymous")
	} else if exp, ok := src.ExpiresAt(); ok {
		logger.Info("credential loaded", zap.Time("expires_at", exp))
	} else {
		logger.Info("credential loaded")
	}
	return src, nil
}

func provideRegistry(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *conn.Registry {
	policy := conn.Policy{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		BaseDelay:   cfg.Reconnect.BaseDelay(),
		MaxDelay:    cfg.Reconnect.MaxDelay(),
	}
	return conn.NewRegistry(policy, nil, b, logger)
}

func provideMux(b *bus.Bus, logger *zap.Logger) *room.Mux {
	return room.NewMux(b, logger)
}

func provideSession(cfg *config.Config, tokens *token.Source, registry *conn.Registry, mux *room.Mux, b *bus.Bus, logger *zap.Logger) *realtime.Session {
	return realtime.NewSession(cfg.Endpoint, tokens, registry, mux, b, logger)
}

func provideSnapshotEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *snapshot.Engine {
	return snapshot.NewEngine(db, b, logger)
}

func provideRestClient(cfg *config.Config, tokens *token.Source) *rest.Client {
	return rest.NewClient(cfg.Endpoint, tokens)
}

func provideLoader(cfg *config.Config, client *rest.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *feed.Loader {
	return feed.NewLoader(cfg.Feed.PageSize, client, db, b, logger)
}

// NewServer builds the gateway bound to the profile socket.
func NewServer(p Params, b *bus.Bus, session *realtime.Session, mux *room.Mux, engine *snapshot.Engine, loader *feed.Loader, tokens *token.Source, logger *zap.Logger) (*gateway.Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.ProfileName)
	}
	return gateway.NewServer(p.ProfileName, socketPath, b, session, mux, engine, loader, tokens, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *gateway.Server, lk *lock.Lock, session *realtime.Session, engine *snapshot.Engine, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()

			// Warm the snapshot engine from the cache before anything
			// can publish.
			engine.Start(ctx)

			// Bring up the upstream connection (or park anonymous).
			session.Start(ctx)

			srv.Start(ctx)
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			session.Close()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
