// groundctl is a local mission orchestrator: it drives agent-assisted
// feature work through PRD review, task review, and sandboxed execution.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/groundctl/groundctl/pkg/api"
	"github.com/groundctl/groundctl/pkg/cleanup"
	"github.com/groundctl/groundctl/pkg/config"
	"github.com/groundctl/groundctl/pkg/events"
	"github.com/groundctl/groundctl/pkg/journal"
	"github.com/groundctl/groundctl/pkg/mission"
	"github.com/groundctl/groundctl/pkg/orchestrator"
	"github.com/groundctl/groundctl/pkg/recovery"
	"github.com/groundctl/groundctl/pkg/sandbox"
	"github.com/groundctl/groundctl/pkg/store"
	"github.com/groundctl/groundctl/pkg/version"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.SetupLogging()

	slog.Info("Starting groundctl",
		"version", version.Full(),
		"env", cfg.Env,
		"home", cfg.AppHome)

	if err := os.MkdirAll(cfg.AppHome, 0o755); err != nil {
		return err
	}

	// 2. Store (runs migrations)
	st, err := store.Open(ctx, filepath.Join(cfg.AppHome, "db.sqlite"))
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Store close failed", "error", err)
		}
	}()

	// 3. Journal and broadcaster
	jrnl := journal.New(cfg.AppHome)
	bus := events.NewBroadcaster(jrnl)

	// 4. Container runtime (optional; tasks fall back to local execution)
	var mgr *sandbox.Manager
	if m, err := sandbox.NewManager(st); err != nil {
		slog.Warn("Container runtime unavailable, sandboxing disabled", "error", err)
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := m.Ping(pingCtx); err != nil {
			slog.Warn("Container runtime unavailable, sandboxing disabled", "error", err)
			_ = m.Close()
		} else {
			mgr = m
		}
		cancel()
	}

	// 5. Supervisor and mission driver
	sup := orchestrator.NewSupervisor(st)
	var driverSandbox mission.Sandboxer
	if mgr != nil {
		driverSandbox = mgr
	}
	driver := mission.NewDriver(st, jrnl, bus, sup, driverSandbox, mission.NewGitWorktrees(), mission.Config{
		PRDCommand:   cfg.Agent.PRDCommand,
		TasksCommand: cfg.Agent.TasksCommand,
		TaskCommand:  cfg.Agent.TaskCommand,
		PRDFile:      cfg.Agent.PRDFile,
		TasksFile:    cfg.Agent.TasksFile,
		SandboxImage: cfg.Sandbox.Image,
	})

	// 6. Startup recovery, before the listener accepts requests
	var recoverySandbox recovery.Sandboxer
	if mgr != nil {
		recoverySandbox = mgr
	}
	if err := recovery.Run(ctx, st, recoverySandbox, driver); err != nil {
		return err
	}

	// 7. Retention sweep
	cleaner := cleanup.NewService(st, cfg.Retention.AuditDays, cfg.Retention.SweepInterval)
	cleaner.Start(ctx)

	// 8. HTTP server
	var pinger api.RuntimePinger
	if mgr != nil {
		pinger = mgr
	}
	server := api.NewServer(cfg, st, driver, sup, sup, pinger, jrnl, bus)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Addr())
		if err := server.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 9. Wait for shutdown signal or server failure
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
		go func() {
			s := <-sigCh
			slog.Warn("Second signal received, aborting", "signal", s)
			os.Exit(1)
		}()
	case err := <-errCh:
		return err
	}

	// 10. Ordered shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	cleaner.Stop()
	sup.Cleanup(shutdownCtx)
	if mgr != nil {
		mgr.Cleanup(shutdownCtx)
		_ = mgr.Close()
	}
	jrnl.Cleanup()
	bus.Shutdown()

	slog.Info("Shutdown complete")
	return nil
}
