// Package daemon wires the session stack together with fx and manages its
// lifecycle.
package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/courtside-app/courtside/internal/api"
	"github.com/courtside-app/courtside/internal/bus"
	"github.com/courtside-app/courtside/internal/config"
	"github.com/courtside-app/courtside/internal/lock"
	"github.com/courtside-app/courtside/internal/logging"
	"github.com/courtside-app/courtside/internal/realtime"
	"github.com/courtside-app/courtside/internal/rest"
	"github.com/courtside-app/courtside/internal/session"
	"github.com/courtside-app/courtside/internal/token"
)

// Params selects the profile directory the daemon runs against. An empty
// BaseDir means ~/.courtside.
type Params struct {
	BaseDir string
}

// Module composes all providers and lifecycle hooks for the daemon.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			providePaths,
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideTokenStore,
			provideRESTClient,
			provideAPIClient,
			provideRealtimeManager,
			provideCoordinator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func providePaths(p Params) (config.Paths, error) {
	paths := config.DefaultPaths()
	if p.BaseDir != "" {
		paths = config.Paths{Base: p.BaseDir}
	}
	return paths, paths.EnsureDirs()
}

func provideConfig(paths config.Paths) (*config.Config, error) {
	return config.Load(paths.Config())
}

func provideLogger(paths config.Paths) (*zap.Logger, error) {
	return logging.New(paths.Log(), "courtsided")
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(logger)
}

func provideLock(paths config.Paths, logger *zap.Logger) (*lock.Lock, error) {
	l, err := lock.Acquire(paths.Base)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("dir", paths.Base))
	return l, nil
}

func provideTokenStore(paths config.Paths, logger *zap.Logger) (*token.Store, error) {
	st, err := token.Open(paths.CredentialsDB())
	if err != nil {
		return nil, err
	}
	logger.Info("credential store opened", zap.String("path", paths.CredentialsDB()))
	return st, nil
}

func provideRESTClient(cfg *config.Config, tokens *token.Store, b *bus.Bus, logger *zap.Logger) *rest.Client {
	timeout := config.Duration(cfg.RequestTimeout, 30*time.Second)
	return rest.New(cfg.APIBaseURL, tokens, b, logger, timeout)
}

func provideAPIClient(cfg *config.Config, rc *rest.Client) *api.Client {
	return api.NewClient(rc, config.Duration(cfg.RegisterTimeout, 2*time.Minute))
}

func provideRealtimeManager(cfg *config.Config, tokens *token.Store, b *bus.Bus, logger *zap.Logger) *realtime.Manager {
	return realtime.NewManager(realtime.Options{
		URL:                  cfg.RealtimeURL,
		ReconnectBaseDelay:   config.Duration(cfg.ReconnectBaseDelay, time.Second),
		ReconnectMaxDelay:    config.Duration(cfg.ReconnectMaxDelay, 30*time.Second),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, tokens, b, logger)
}

func provideCoordinator(a *api.Client, tokens *token.Store, conn *realtime.Manager, b *bus.Bus, logger *zap.Logger) *session.Coordinator {
	return session.NewCoordinator(a, tokens, conn, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, coord *session.Coordinator, conn *realtime.Manager, tokens *token.Store, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Resume in the background; stored credentials may need a
			// round-trip and must not block startup.
			go func() {
				if err := coord.Resume(context.Background()); err != nil {
					logger.Warn("session resume failed", zap.Error(err))
				}
			}()
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			conn.Disconnect()
			coord.Close()
			if err := tokens.Close(); err != nil {
				logger.Warn("error closing credential store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing profile lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
