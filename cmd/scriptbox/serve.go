package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scriptbox/internal/audit"
	"github.com/jkaninda/scriptbox/internal/config"
	"github.com/jkaninda/scriptbox/internal/gateway/httpapi"
	"github.com/jkaninda/scriptbox/internal/hooks"
	"github.com/jkaninda/scriptbox/internal/observability"
	"github.com/jkaninda/scriptbox/internal/ratelimit"
	"github.com/jkaninda/scriptbox/internal/scheduler"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the trigger scheduler",
	RunE:  serve,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
}

func serve(_ *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{Enabled: true}
		}
		cfg.HTTP.ListenAddr = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	eng, err := newEngine(cfg, obs, logger)
	if err != nil {
		return err
	}

	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()
	logger.Info("storage ready", slog.String("driver", store.Driver()))

	scripts := store.Scripts()
	if m := obs.MetricsOrNil(); m != nil || obs.TracerOrNil() != nil {
		scripts = observability.NewInstrumentedScriptStore(scripts, m, obs.TracerOrNil())
	}

	runner, err := hooks.New(scripts, eng.sup, eng.guilds, nil, logger)
	if err != nil {
		return err
	}

	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		var schedMetrics *scheduler.Metrics
		if m := obs.MetricsOrNil(); m != nil {
			schedMetrics = scheduler.NewMetrics(m.Registry)
		}
		sched := scheduler.New(store, runner, schedMetrics, logger, cfg.Scheduler)
		cancelScheduler := sched.Start(ctx)
		defer cancelScheduler()
		logger.Info("trigger scheduler started",
			slog.String("poll_interval", cfg.Scheduler.PollInterval().String()),
			slog.Int("max_concurrent", cfg.Scheduler.MaxConcurrent()),
		)
	}

	if cfg.HTTP == nil || !cfg.HTTP.Enabled {
		if cfg.Scheduler == nil || !cfg.Scheduler.Enabled {
			return fmt.Errorf("nothing to serve: enable http or scheduler in config")
		}
		logger.Info("http api disabled, running scheduler only")
		<-ctx.Done()
		return nil
	}

	var auditLog *audit.Logger
	if cfg.HTTP.AuditLog {
		if err := os.MkdirAll(filepath.Dir(cfg.AuditLogPath()), 0750); err != nil {
			return fmt.Errorf("creating audit log directory: %w", err)
		}
		if auditLog, err = audit.Open(cfg.AuditLogPath(), logger); err != nil {
			return err
		}
		defer auditLog.Close()
		logger.Info("audit log enabled", slog.String("path", cfg.AuditLogPath()))
	}

	gw := buildGateway(cfg, eng, obs, runner, auditLog, logger).WithScripts(scripts)
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("storage", store.Ping)
		obs.Health.AddCheck("sandbox", eng.sup.SelfCheck)
	}

	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http api exited with error", slog.String("error", err.Error()))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http api", slog.String("error", err.Error()))
	}
	return nil
}

func buildGateway(cfg *config.Config, eng *engine, obs *observability.Observability, runner *hooks.Runner, auditLog *audit.Logger, logger *slog.Logger) *httpapi.Gateway {
	hc := cfg.HTTP
	gwCfg := httpapi.Config{
		ListenAddr:      hc.Addr(),
		EnableDocs:      hc.EnableDocs,
		APIKeys:         hc.APIKeyUserMapping,
		PrivilegedUsers: hc.PrivilegedUsers,
		MaxRequestSize:  hc.MaxRequestSizeBytes,
		Anomaly:         obs.AnomalyOrNil(),
		Audit:           auditLog,
	}
	if obs != nil {
		gwCfg.HealthChecker = obs.Health
		if m := obs.Metrics; m != nil {
			gwCfg.Metrics = m
			gwCfg.MetricsRegistry = m.Registry
			if cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: hc.RateLimit.RequestsPerMinute,
		BurstSize:         hc.RateLimit.BurstSize,
	})
	return httpapi.NewGateway(gwCfg, eng.sup, limiter, logger).WithHooks(runner)
}
