package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/nbharvest/config"
	"github.com/isdmx/nbharvest/envcache"
	"github.com/isdmx/nbharvest/harvest"
	"github.com/isdmx/nbharvest/logger"
	"github.com/isdmx/nbharvest/metrics"
	"github.com/isdmx/nbharvest/sandbox"
)

// appModule provides everything the subcommands share
func appModule() fx.Option {
	return fx.Options(
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Metrics
			metrics.NewRegistry,
			newCollector,

			// Environment cache and runner
			newEnvStore,
			sandbox.NewExecutor,

			// Queue, scheduler and results
			newHarvestService,
		),

		fx.Invoke(registerMetricsServer),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func newCollector(cfg *config.Config, reg *prometheus.Registry, log *zap.Logger) *metrics.Collector {
	return metrics.NewCollector(cfg.Metrics.Namespace, reg, log)
}

func newEnvStore(log *zap.Logger, cfg *config.Config, collector *metrics.Collector) *envcache.Store {
	return envcache.NewFromConfig(log, cfg, collector)
}

func newHarvestService(cfg *config.Config, log *zap.Logger, store *envcache.Store, executor sandbox.Executor, collector *metrics.Collector) *harvest.Service {
	return harvest.New(cfg, log, store, executor, harvest.WithMetrics(collector))
}

func registerMetricsServer(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry, log *zap.Logger) {
	if cfg.Metrics.ListenAddr == "" {
		return
	}

	srv := metrics.NewServer(cfg.Metrics.ListenAddr, reg, log)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return srv.Start()
		},
		OnStop: srv.Stop,
	})
}

// withService starts the application, hands the harvest service to fn and
// stops the application when fn returns.
func withService(ctx context.Context, fn func(*harvest.Service) error) (err error) {
	var svc *harvest.Service
	app := fx.New(appModule(), fx.Populate(&svc))
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
		defer cancel()
		if stopErr := app.Stop(stopCtx); stopErr != nil && err == nil {
			err = fmt.Errorf("failed to stop: %w", stopErr)
		}
	}()

	return fn(svc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
