// Package main runs the periodic trigger: a full sweep on every cron activation.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

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
	defer log.Close()
	logger.SetDefault(log)

	schedulerLog := log.WithComponent(logger.ComponentScheduler).WithSource(logger.LogSourceInternal)
	if !cfg.TriggerEnabled {
		schedulerLog.Info("Trigger disabled (TRIGGER_ENABLED=false), exiting")
		return
	}
	schedulerLog.Info("Scheduler starting",
		"cron", cfg.TriggerCron,
		"timezone", cfg.Timezone,
		"poll_interval", cfg.TriggerPollInterval)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6062"
	}
	go func() {
		schedulerLog.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		if err := http.ListenAndServe(":"+pprofPort, nil); err != nil {
			schedulerLog.Error("pprof server failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		schedulerLog.Error("Failed to build application", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		a.Trigger.Start(ctx)
		close(done)
	}()

	sig := <-sigChan
	schedulerLog.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)
	// in-flight rules see a cancelled context; their records are still written
	cancel()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		schedulerLog.Warn("Trigger did not stop in time")
	}
	schedulerLog.Info("Scheduler shut down successfully")
}
