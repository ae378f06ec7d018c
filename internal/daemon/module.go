package daemon

import (
	"context"

	"github.com/matheus3301/wastechat/internal/api"
	"github.com/matheus3301/wastechat/internal/backend"
	"github.com/matheus3301/wastechat/internal/bus"
	"github.com/matheus3301/wastechat/internal/config"
	"github.com/matheus3301/wastechat/internal/lock"
	"github.com/matheus3301/wastechat/internal/logging"
	"github.com/matheus3301/wastechat/internal/pipeline"
	"github.com/matheus3301/wastechat/internal/profile"
	"github.com/matheus3301/wastechat/internal/status"
	"github.com/matheus3301/wastechat/internal/store"
	"github.com/matheus3301/wastechat/internal/stream"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	// Config overrides the global config file when set.
	Config *config.Config
	Debug  bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideBackend,
			provideLocator,
			provideStream,
			providePipeline,
			provideEvictor,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if p.Debug {
		level = zapcore.DebugLevel
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile, level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by a
// second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.Store, error) {
	path := profile.DBPath(p.Profile)
	st := store.New(path, logger.Named("store"))
	if err := st.Init(context.Background()); err != nil {
		return nil, err
	}
	logger.Info("store initialized", zap.String("path", path))
	return st, nil
}

func provideBackend(cfg *config.Config, logger *zap.Logger) (*backend.Client, error) {
	return backend.New(backend.Options{
		BaseURL: cfg.Backend.BaseURL,
		Token:   cfg.Backend.Token,
		Model:   cfg.Backend.Model,
		Logger:  logger.Named("backend"),
	})
}

func provideLocator(cfg *config.Config) backend.Locator {
	if cfg.Location == nil {
		return backend.StaticLocator{}
	}
	return backend.StaticLocator{Loc: &backend.Location{
		Latitude:  cfg.Location.Latitude,
		Longitude: cfg.Location.Longitude,
	}}
}

func provideStream(be *backend.Client, cfg *config.Config, m *status.Machine, b *bus.Bus, logger *zap.Logger) *stream.Manager {
	return stream.NewManager(be, stream.Options{
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.Stream.ReconnectBaseDelay.Duration,
		Machine:              m,
		Bus:                  b,
		Logger:               logger.Named("stream"),
	})
}

func providePipeline(be *backend.Client, mgr *stream.Manager, st *store.Store, loc backend.Locator, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *pipeline.Pipeline {
	return pipeline.New(be, mgr, st, pipeline.Options{
		PageSize: cfg.History.PageSize,
		Locator:  loc,
		Bus:      b,
		Logger:   logger.Named("pipeline"),
	})
}

func cleanupOptions(cfg *config.Config) store.CleanupOptions {
	return store.CleanupOptions{
		CommittedRetention: cfg.Store.CommittedRetention.Duration,
		TTL:                cfg.Store.TTL.Duration,
	}
}

func provideEvictor(st *store.Store, cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*store.Evictor, error) {
	return store.NewEvictor(st, cfg.Store.CleanupSchedule, cleanupOptions(cfg), b, logger.Named("evictor"))
}

func provideService(p Params, pipe *pipeline.Pipeline, mgr *stream.Manager, st *store.Store, be *backend.Client, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.New(api.Options{
		Profile:  p.Profile,
		Pipeline: pipe,
		Stream:   mgr,
		Store:    st,
		Chats:    be,
		Bus:      b,
		Cleanup:  cleanupOptions(cfg),
		Logger:   logger.Named("api"),
	})
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, svc *api.Service, lk *lock.Lock, st *store.Store, mgr *stream.Manager, pipe *pipeline.Pipeline, ev *store.Evictor, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ev.Start()

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			svc.Shutdown()
			srv.Stop(ctx)
			ev.Stop()
			_ = pipe.Close()
			mgr.Close()
			if err := st.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
