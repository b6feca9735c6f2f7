// Package app composes the client with fx: configuration in, a started
// Messenger out.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatline/internal/bus"
	"github.com/matheus3301/chatline/internal/config"
	"github.com/matheus3301/chatline/internal/directory"
	"github.com/matheus3301/chatline/internal/identity"
	"github.com/matheus3301/chatline/internal/lock"
	"github.com/matheus3301/chatline/internal/logging"
	"github.com/matheus3301/chatline/internal/messenger"
	"github.com/matheus3301/chatline/internal/metrics"
	"github.com/matheus3301/chatline/internal/outbox"
	"github.com/matheus3301/chatline/internal/profile"
	"github.com/matheus3301/chatline/internal/restapi"
	"github.com/matheus3301/chatline/internal/store"
	"github.com/matheus3301/chatline/internal/timeline"
	"github.com/matheus3301/chatline/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile and configuration.
type Params struct {
	Profile string
	Config  *config.Config
	// Console also logs to stderr. The terminal UI leaves it off.
	Console bool
	// Logger overrides the file logger, for tests.
	Logger *zap.Logger
}

// Module returns the fx module providing every client component.
func Module(p Params) fx.Option {
	return fx.Module("chatline",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideMetrics,
			provideIdentity,
			provideCache,
			provideREST,
			provideTransport,
			provideReconciler,
			provideDirectory,
			provideCoordinator,
			provideMessenger,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.Console)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideIdentity(p Params) (identity.Provider, error) {
	raw, err := p.Config.ResolveToken()
	if err != nil {
		return nil, err
	}
	tok, err := identity.FromToken(raw, time.Now())
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// Cache is the optional on-disk cache and the profile lock guarding it. DB is
// nil when caching is disabled.
type Cache struct {
	DB   *store.DB
	Lock *lock.Lock
}

func provideCache(p Params, logger *zap.Logger) (*Cache, error) {
	if !p.Config.Cache {
		logger.Info("cache disabled")
		return &Cache{}, nil
	}
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	lk, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	path := profile.CacheDBPath(p.Profile)
	db, result, err := store.OpenMigrated(path)
	if err != nil {
		_ = lk.Release()
		return nil, err
	}
	if result.Reset {
		logger.Warn("cache schema was dirty, rebuilt empty", zap.String("path", path))
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	}
	logger.Info("cache opened", zap.String("path", path))
	return &Cache{DB: db, Lock: lk}, nil
}

func (c *Cache) directory() directory.Cache {
	if c.DB == nil {
		return nil
	}
	return c.DB
}

func (c *Cache) messages() messenger.MessageCache {
	if c.DB == nil {
		return nil
	}
	return c.DB
}

func (c *Cache) close() error {
	var err error
	if c.DB != nil {
		err = c.DB.Close()
	}
	if rerr := c.Lock.Release(); err == nil {
		err = rerr
	}
	return err
}

func provideREST(p Params, id identity.Provider, logger *zap.Logger) (*restapi.Client, error) {
	return restapi.New(p.Config.BaseURL, id, restapi.Options{
		Timeout:       p.Config.Requests.Timeout.Duration,
		RatePerSecond: p.Config.Requests.RatePerSecond,
		Burst:         p.Config.Requests.Burst,
	}, logger)
}

func provideTransport(p Params, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *transport.Manager {
	rt := p.Config.Realtime
	return transport.NewManager(transport.Options{
		BaseURL:              p.Config.BaseURL,
		HubPath:              p.Config.HubPath,
		ConnectTimeout:       rt.ConnectTimeout.Duration,
		InvokeTimeout:        rt.InvokeTimeout.Duration,
		Backoff:              transport.Backoff(p.Config.BackoffSchedule()),
		MaxReconnectAttempts: rt.MaxReconnectAttempts,
	}, b, m, logger)
}

func provideReconciler(p Params, b *bus.Bus, logger *zap.Logger) *timeline.Reconciler {
	return timeline.New(b, logger, timeline.WithEchoWindow(p.Config.EchoWindow.Duration))
}

func provideDirectory(api *restapi.Client, cache *Cache, id identity.Provider, b *bus.Bus, logger *zap.Logger) *directory.Directory {
	return directory.New(api, cache.directory(), id, b, logger)
}

func provideCoordinator(rt *transport.Manager, api *restapi.Client, tl *timeline.Reconciler, dir *directory.Directory,
	id identity.Provider, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Coordinator {
	return outbox.NewCoordinator(outbox.FromManager(rt), api, tl, dir, id, b, m, logger)
}

func provideMessenger(p Params, api *restapi.Client, rt *transport.Manager, tl *timeline.Reconciler, dir *directory.Directory,
	ob *outbox.Coordinator, id identity.Provider, cache *Cache, m *metrics.Metrics, logger *zap.Logger) *messenger.Messenger {
	return messenger.New(api, rt, tl, dir, ob, id, cache.messages(), m, logger, messenger.Options{
		Role:             p.Config.Role,
		DirectoryRefresh: p.Config.DirectoryRefresh.Duration,
		HistoryLimit:     store.DefaultHistoryLimit,
	})
}

func registerLifecycle(lc fx.Lifecycle, p Params, msgr *messenger.Messenger, cache *Cache, m *metrics.Metrics, logger *zap.Logger) {
	var metricsSrv *metrics.Server
	if p.Config.MetricsAddr != "" {
		metricsSrv = metrics.NewServer(p.Config.MetricsAddr, m, logger)
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if metricsSrv != nil {
				if err := metricsSrv.Start(); err != nil {
					return fmt.Errorf("metrics listener: %w", err)
				}
			}
			// The messenger outlives the start context.
			if err := msgr.Start(context.Background()); err != nil {
				return err
			}
			logger.Info("client started", zap.String("profile", p.Profile), zap.String("base_url", p.Config.BaseURL))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := msgr.Stop(); err != nil {
				logger.Warn("error stopping messenger", zap.Error(err))
			}
			if metricsSrv != nil {
				_ = metricsSrv.Stop(ctx)
			}
			if err := cache.close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			logger.Info("client stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
