package server

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/confsync/confsync/internal/backend"
	"github.com/confsync/confsync/internal/config"
	"github.com/confsync/confsync/internal/coordinator"
	"github.com/confsync/confsync/internal/lifecycle"
	"github.com/confsync/confsync/internal/metrics"
	"github.com/confsync/confsync/internal/router"
	"github.com/confsync/confsync/internal/schema"
	"github.com/confsync/confsync/internal/transport"
)

// App assembles the full coordinator side: durable backend, schema registry,
// coordinator, lifecycle supervision, broadcast router, message dispatcher
// and the HTTP bridge.
type App struct {
	cfg   *config.Config
	log   *logrus.Logger
	store backend.Store
	coord *coordinator.Coordinator
	life  *lifecycle.Manager
	disp  *Dispatcher
	bus   *transport.Bus
	met   *metrics.Metrics
	sysc  *metrics.SystemCollector
	http  *HTTPServer
}

// New wires the application from configuration.
func New(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	store, err := backend.Open(cfg.Storage.Engine, cfg.DataDir, cfg.Storage.QuotaBytes, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend: %w", err)
	}

	var met *metrics.Metrics
	var sysc *metrics.SystemCollector
	if cfg.Metrics.Enable {
		met = metrics.New()
		sysc = metrics.NewSystemCollector(met, cfg.DataDir, 0, logger)
	}

	bus := transport.NewBus()
	rt := router.New(bus, logger)
	if met != nil {
		rt.OnBroadcast = func(bcType transport.BroadcastType) {
			met.BroadcastsTotal.WithLabelValues(string(bcType)).Inc()
		}
	}

	coord := coordinator.New(schema.Builtin(), store, coordinator.Options{
		Broadcaster: rt,
		Logger:      logger,
	})

	life := lifecycle.NewManager(coord, store, lifecycle.Options{
		Keepalive: cfg.Lifecycle.KeepaliveInterval,
		Debounce:  cfg.Lifecycle.DebounceWindow,
		Logger:    logger,
		OnReinit: func(reason string) {
			if met != nil {
				met.ReinitTotal.WithLabelValues(reason).Inc()
			}
		},
	})

	disp := NewDispatcher(coord, life, met, logger)
	bus.SetHandler(disp)

	return &App{
		cfg:   cfg,
		log:   logger,
		store: store,
		coord: coord,
		life:  life,
		disp:  disp,
		bus:   bus,
		met:   met,
		sysc:  sysc,
		http:  NewHTTPServer(cfg.Listen, bus, coord, met, logger),
	}, nil
}

// Bus exposes the in-process bus so co-resident client caches can register
// endpoints directly instead of going through HTTP.
func (a *App) Bus() *transport.Bus { return a.bus }

// Start runs the application until ctx is canceled, then shuts down
// gracefully.
func (a *App) Start(ctx context.Context) error {
	a.disp.Start()
	if a.sysc != nil {
		a.sysc.Run()
	}
	if err := a.life.Start(ctx); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.http.Start()
	}()

	select {
	case err := <-errCh:
		a.stop()
		return err
	case <-ctx.Done():
	}

	a.log.Info("Shutting down")
	if err := a.http.Shutdown(context.Background()); err != nil {
		a.log.WithError(err).Warn("HTTP shutdown failed")
	}
	a.stop()
	return nil
}

func (a *App) stop() {
	if a.sysc != nil {
		a.sysc.Stop()
	}
	a.life.Stop()
	a.disp.Stop()
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("Failed to close backend")
	}
}
