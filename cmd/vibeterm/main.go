package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/vibeterm/broker/internal/api"
	"github.com/vibeterm/broker/internal/auth"
	"github.com/vibeterm/broker/internal/config"
	"github.com/vibeterm/broker/internal/docker"
	"github.com/vibeterm/broker/internal/owner"
	"github.com/vibeterm/broker/internal/ports"
	"github.com/vibeterm/broker/internal/reconciler"
	"github.com/vibeterm/broker/internal/session"
	"github.com/vibeterm/broker/internal/transport"
	"github.com/vibeterm/broker/internal/web"
)

func main() {
	cfgPath := flag.String("config", "", "path to vibeterm.yaml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.WorkspaceBase(), 0o755); err != nil {
		logger.Error("create data directory", "error", err)
		os.Exit(1)
	}

	// Two brokers sharing one data dir would fight over ports, ownership
	// and containers.
	lock := flock.New(filepath.Join(cfg.DataDir, "vibeterm.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		logger.Error("acquire data dir lock", "error", err)
		os.Exit(1)
	}
	if !locked {
		logger.Error("another vibeterm instance holds the data directory", "dir", cfg.DataDir)
		os.Exit(1)
	}
	defer lock.Unlock()

	authn, err := auth.New(cfg.AuthConfigPath, cfg.AuthDBPath(), logger)
	if err != nil {
		logger.Error("auth setup", "error", err)
		os.Exit(1)
	}
	defer authn.Close()

	if !authn.Enabled() && !cfg.ListenHostIsLoopback() {
		logger.Error("refusing to listen on a non-loopback address without authentication",
			"listen", cfg.Listen, "auth_config", cfg.AuthConfigPath)
		os.Exit(1)
	}

	owners, err := owner.New(cfg.OwnerStorePath(), logger)
	if err != nil {
		logger.Error("open ownership store", "error", err)
		os.Exit(1)
	}

	dc, err := docker.New()
	if err != nil {
		logger.Error("docker client", "error", err)
		os.Exit(1)
	}
	defer dc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dc.Ping(ctx); err != nil {
		logger.Error("docker ping failed — is Docker running?", "error", err)
		os.Exit(1)
	}
	logger.Info("docker connection OK")

	alloc := ports.NewAllocator(cfg.PortRangeStart, cfg.PortRangeEnd)
	mgr := session.NewManager(cfg, dc, alloc, logger)
	mgr.Recover(ctx)

	hub := transport.NewHub(mgr, cfg.PollBufferBytes, logger)

	rec := reconciler.New(mgr, dc, owners, authn, hub,
		time.Duration(cfg.DriftSweepSeconds)*time.Second,
		time.Duration(cfg.AuthPurgeSeconds)*time.Second,
		time.Duration(cfg.TransportReapSeconds)*time.Second,
		time.Duration(cfg.PollIdleTimeoutSecs)*time.Second,
		logger)
	go rec.Run(ctx)

	pages, err := web.New()
	if err != nil {
		logger.Error("load templates", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg, mgr, dc, owners, authn, hub, pages, logger)

	httpServer := &http.Server{
		Addr:        cfg.Listen,
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: long polls and websockets outlive any sane value.
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen)
	fmt.Fprintf(os.Stderr, "\n  vibeterm broker ready at http://%s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
