package daemon

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/fleetchat/internal/auth"
	"github.com/matheus3301/fleetchat/internal/bus"
	"github.com/matheus3301/fleetchat/internal/config"
	"github.com/matheus3301/fleetchat/internal/directory"
	"github.com/matheus3301/fleetchat/internal/lock"
	"github.com/matheus3301/fleetchat/internal/logging"
	"github.com/matheus3301/fleetchat/internal/profile"
	"github.com/matheus3301/fleetchat/internal/rest"
	"github.com/matheus3301/fleetchat/internal/session"
	"github.com/matheus3301/fleetchat/internal/socket"
	"github.com/matheus3301/fleetchat/internal/store"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName   string
	SocketPath    string   // optional override for testing; empty = use default
	Conversations []string // kept active for the daemon's lifetime
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return profile.SocketPath(p.ProfileName)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideHTTPClient,
			provideResolver,
			provideRESTClient,
			provideSocketManager,
			provideDirectory,
			provideSessions,
			provideSupervisor,
			provideMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName), lock.Holder{
		Profile: p.ProfileName,
		Socket:  p.socketPath(),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.Int("pid", l.Holder().PID))
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// daemon holding it.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	change, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if change.Changed() {
		logger.Info("schema migrated",
			zap.Uint("from", change.From),
			zap.Uint("to", change.To),
			zap.Strings("steps", change.StepNames()),
		)
	} else {
		logger.Info("schema up to date", zap.Uint("version", change.To))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{Timeout: cfg.RequestTimeout.Duration}
}

func provideResolver(lc fx.Lifecycle, cfg *config.Config, db *store.DB, hc *http.Client, logger *zap.Logger) *auth.Resolver {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.StopHook(cancel))
	refresher := rest.NewRefresher(cfg.APIBaseURL, cfg.RefreshPath, hc)
	return auth.NewResolver(ctx, store.NewCredentials(db), refresher, auth.WithLogger(logger))
}

func provideRESTClient(cfg *config.Config, resolver *auth.Resolver, hc *http.Client, logger *zap.Logger) *rest.Client {
	return rest.New(cfg.APIBaseURL, resolver, rest.WithHTTPClient(hc), rest.WithLogger(logger))
}

func provideSocketManager(cfg *config.Config, resolver *auth.Resolver, b *bus.Bus, logger *zap.Logger) *socket.Manager {
	return socket.NewManager(socket.WSDialer{URL: cfg.SocketURL}, resolver,
		socket.WithLogger(logger),
		socket.WithBus(b),
		socket.WithBackoff(cfg.ReconnectMinDelay.Duration, cfg.ReconnectMaxDelay.Duration),
		socket.WithDialTimeout(cfg.RequestTimeout.Duration),
	)
}

func provideDirectory(client *rest.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *directory.Directory {
	return directory.New(client, db, b, logger)
}

func provideSessions(cfg *config.Config, manager *socket.Manager, client *rest.Client, b *bus.Bus, logger *zap.Logger) *Sessions {
	return NewSessions(manager, client, logger,
		session.WithBus(b),
		session.WithConfig(session.Config{
			HistoryLimit:      cfg.HistoryLimit,
			HeartbeatInterval: cfg.HeartbeatInterval.Duration,
			PollInterval:      cfg.PollInterval.Duration,
		}),
	)
}

func provideSupervisor(p Params, cfg *config.Config, manager *socket.Manager, dir *directory.Directory, sessions *Sessions, logger *zap.Logger) *Supervisor {
	return NewSupervisor(manager, dir, sessions, p.Conversations,
		clockwork.NewRealClock(), cfg.ReconnectMaxDelay.Duration, logger)
}

func provideMetricsServer(cfg *config.Config, logger *zap.Logger) *MetricsServer {
	return NewMetricsServer(cfg.MetricsAddr, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	metricsSrv *MetricsServer,
	lk *lock.Lock,
	db *store.DB,
	manager *socket.Manager,
	dir *directory.Directory,
	sessions *Sessions,
	supervisor *Supervisor,
	b *bus.Bus,
	logger *zap.Logger,
) {
	sink := newEventSink(b, srv, db, sessions, logger)
	runCtx, cancel := context.WithCancel(context.Background())
	supervised := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := metricsSrv.Start(); err != nil {
				return err
			}
			sink.Start(context.Background())

			if err := dir.Restore(ctx); err != nil {
				logger.Warn("restore cached conversations failed", zap.Error(err))
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			go func() {
				defer close(supervised)
				supervisor.Run(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			<-supervised
			supervisor.Stop()
			sessions.CloseAll()
			manager.Close()
			sink.Stop()
			metricsSrv.Stop(ctx)
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
