package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ipiton/stackmon/internal/api"
	"github.com/ipiton/stackmon/internal/config"
	"github.com/ipiton/stackmon/internal/dashboard"
	"github.com/ipiton/stackmon/internal/expansion"
	"github.com/ipiton/stackmon/internal/health"
	"github.com/ipiton/stackmon/internal/metrics"
	"github.com/ipiton/stackmon/internal/queryapi"
	"github.com/ipiton/stackmon/internal/reporter"
	"github.com/ipiton/stackmon/internal/tsdb"
	"github.com/ipiton/stackmon/pkg/logger"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the Query API HTTP server and the incident-reporting loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	log.Info("starting "+serviceName, "config", configPath)

	tables, err := expansion.Expand(log, cfg)
	if err != nil {
		return fmt.Errorf("expanding config: %w", err)
	}

	m := metrics.New()

	tsdbClient := tsdb.New(cfg.Datasource.URL, cfg.Datasource.Timeout, log).WithMetrics(m)

	evaluator, err := health.New(tables, tsdbClient, 0)
	if err != nil {
		return fmt.Errorf("building health evaluator: %w", err)
	}
	evaluator.WithMetrics(m)

	dashboardClient := dashboard.NewClient(cfg.StatusDashboard.URL, cfg.StatusDashboard.Secret, cfg.StatusDashboard.Timeout, log)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancelStartup()
	componentCache, err := dashboard.Build(startupCtx, dashboardClient, log)
	if err != nil {
		return fmt.Errorf("building component cache: %w", err)
	}
	componentCache.WithMetrics(m)

	queryHandler := queryapi.NewHandler(evaluator, tables, log, cfg.Reporter.WindowFrom, cfg.Reporter.WindowTo, cfg.Reporter.MaxDataPoints)
	router := api.NewRouter(queryHandler, log, cfg.RateLimit, cfg.Metrics)

	rep := reporter.New(evaluator, componentCache, dashboardClient, tables, cfg.Reporter, log, nil).WithMetrics(m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go rep.Run(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		log.Error("HTTP server failed", "error", err)
	}

	shutdownTimeout := cfg.Server.GracefulShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		return err
	}

	log.Info("server exited cleanly")
	return nil
}
