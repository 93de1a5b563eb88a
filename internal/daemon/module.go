package daemon

import (
	"context"

	"github.com/matheus3301/dmhub/internal/activity"
	"github.com/matheus3301/dmhub/internal/admin"
	"github.com/matheus3301/dmhub/internal/auth"
	"github.com/matheus3301/dmhub/internal/bus"
	"github.com/matheus3301/dmhub/internal/config"
	"github.com/matheus3301/dmhub/internal/datadir"
	"github.com/matheus3301/dmhub/internal/delivery"
	"github.com/matheus3301/dmhub/internal/hub"
	"github.com/matheus3301/dmhub/internal/lock"
	"github.com/matheus3301/dmhub/internal/logging"
	"github.com/matheus3301/dmhub/internal/metrics"
	"github.com/matheus3301/dmhub/internal/presence"
	"github.com/matheus3301/dmhub/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved daemon configuration passed to the fx module.
type Params struct {
	DataDir string
	Config  *config.Config
	Logger  *zap.Logger // optional override for testing; nil = log file in DataDir
}

func (p Params) dbPath() string {
	if p.Config.DBPath != "" {
		return p.Config.DBPath
	}
	return datadir.DBPath(p.DataDir)
}

func (p Params) socketPath() string {
	if p.Config.AdminSocket != "" {
		return p.Config.AdminSocket
	}
	return datadir.SocketPath(p.DataDir)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideRegistry,
			provideMetrics,
			provideBus,
			provideLock,
			provideStore,
			presence.NewRegistry,
			presence.NewBroadcaster,
			provideCoordinator,
			provideVerifier,
			provideHub,
			provideTracker,
			provideAdminService,
			NewHTTPServers,
			NewAdminServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(datadir.LogPath(p.DataDir), p.Config.LogLevel)
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideMetrics(reg *prometheus.Registry) (*metrics.Metrics, error) {
	return metrics.New(reg)
}

func provideBus(m *metrics.Metrics) *bus.Bus {
	b := bus.New()
	b.OnDrop(func(bus.Event) { m.BusDrop() })
	return b
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := datadir.Ensure(p.DataDir); err != nil {
		return nil, err
	}
	logger.Info("acquiring data directory lock", zap.String("dir", p.DataDir))
	l, err := lock.Acquire(p.DataDir, p.Config.Listen)
	if err != nil {
		return nil, err
	}
	logger.Info("data directory lock acquired", zap.String("path", l.Path()))
	return l, nil
}

// provideStore depends on the lock so two daemons never migrate one file.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.dbPath()
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCoordinator(db *store.DB, r *presence.Registry, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *delivery.Coordinator {
	return delivery.NewCoordinator(db, r, b, m, logger)
}

func provideVerifier(p Params) (*auth.Verifier, error) {
	a := p.Config.Auth
	return auth.NewVerifier(auth.Options{
		Secret:   a.Secret,
		Issuer:   a.Issuer,
		Audience: a.Audience,
		Leeway:   a.Leeway,
	})
}

func provideHub(
	p Params,
	r *presence.Registry,
	bc *presence.Broadcaster,
	coord *delivery.Coordinator,
	v *auth.Verifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *hub.Hub {
	h := p.Config.Hub
	return hub.New(r, bc, coord, v, m, logger, hub.Options{
		SendQueue:       h.SendQueue,
		WriteTimeout:    h.WriteTimeout,
		HandlerTimeout:  h.HandlerTimeout,
		ReadLimit:       h.ReadLimit,
		AllowQueryToken: p.Config.Auth.AllowQueryToken,
		OriginPatterns:  h.OriginPatterns,
	})
}

func provideTracker(b *bus.Bus, logger *zap.Logger) *activity.Tracker {
	return activity.NewTracker(b, logger)
}

func provideAdminService(r *presence.Registry, bc *presence.Broadcaster, b *bus.Bus, db *store.DB, t *activity.Tracker, logger *zap.Logger) *admin.Service {
	return admin.NewService(r, bc, b, db, t, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	servers *HTTPServers,
	adminSrv *AdminServer,
	h *hub.Hub,
	tracker *activity.Tracker,
	db *store.DB,
	lk *lock.Lock,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start the activity tracker before any connection can publish.
			tracker.Start(context.Background())

			go func() {
				if err := adminSrv.Start(); err != nil {
					logger.Error("admin server error", zap.Error(err))
				}
			}()
			servers.Start()

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			h.Shutdown()
			servers.Stop(ctx)
			adminSrv.Stop(ctx)
			tracker.Stop()
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
