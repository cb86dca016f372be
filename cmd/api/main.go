// Package main provides the sellerpilot API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is isolated to a separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muaviaUsmani/sellerpilot/internal/api"
	"github.com/muaviaUsmani/sellerpilot/internal/app"
	"github.com/muaviaUsmani/sellerpilot/internal/config"
	"github.com/muaviaUsmani/sellerpilot/internal/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	apiLog := log.WithComponent(logger.ComponentAPI).WithSource(logger.LogSourceInternal)
	apiLog.Info("API server starting",
		"api_port", cfg.APIPort,
		"timezone", cfg.Timezone,
		"concurrency", cfg.Concurrency,
		"tick_deadline", cfg.TickDeadline)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		apiLog.Error("Failed to build application", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6060"
	}
	go func() {
		apiLog.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		pprofServer := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := pprofServer.ListenAndServe(); err != nil {
			apiLog.Error("pprof server failed", "error", err)
		}
	}()

	handler := api.NewServer(api.Deps{
		Engine:  a.Engine,
		Trigger: a.Trigger,
		Metrics: a.Metrics,
		Checks: map[string]api.HealthCheck{
			"postgres": a.Store.Ping,
			"redis":    func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
		},
		Log: log,
	})

	addr := ":" + cfg.APIPort
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// POST /ticks runs a whole sweep
		WriteTimeout: cfg.TickDeadline + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		apiLog.Info("API server listening", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			apiLog.Error("API server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	apiLog.Info("Received shutdown signal, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		apiLog.Error("Graceful shutdown failed", "error", err)
	}
	apiLog.Info("API server shut down successfully")
}
