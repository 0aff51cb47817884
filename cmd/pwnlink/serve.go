package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pwnlink/agent/internal/agent"
	"pwnlink/agent/internal/api"
	"pwnlink/agent/internal/db"
	"pwnlink/agent/internal/logging"
	"pwnlink/agent/internal/store"
	"pwnlink/agent/internal/telemetry"
	"pwnlink/agent/migrations"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the connectivity monitor and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(contextOf(cmd))
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address (env: HTTP_ADDR)")
	_ = a.v.BindPFlag("HTTP_ADDR", cmd.Flags().Lookup("addr"))
	return cmd
}

func (a *app) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg := a.cfg
	logger := a.logger
	c := a.buildCore()
	if err := c.local.Ensure(); err != nil {
		return err
	}

	opts := agent.Options{
		RemoteDir: cfg.CaptureDir,
		MaxCount:  cfg.MaxDownloadCount,
		Logger:    logging.Named("agent"),
	}
	var events api.EventLister
	if cfg.DatabaseURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()

		pool, err := db.Connect(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		var schema fs.FS = migrations.FS
		if cfg.MigrationsDir != "" {
			schema = os.DirFS(cfg.MigrationsDir)
		}
		if err := db.ApplyMigrations(connectCtx, pool, schema); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}

		st := store.New(pool)
		opts.History = st
		events = st
		logger.Info("history database enabled")
	}

	hub := telemetry.NewHub(cfg.AllowedOrigins, logging.Named("ws"))
	defer hub.Close()
	opts.Events = hub

	svc := agent.NewService(c.state, c.downloader, c.catalog, c.local, opts)
	defer svc.Close()
	go svc.WatchConnectivity(ctx)

	if err := c.monitor.Start(ctx); err != nil {
		return err
	}
	defer c.monitor.Stop()

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewServer(cfg, svc, c.monitor, hub, events, logging.Named("api")).Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("pwnlink agent listening", zap.String("addr", cfg.HTTPAddr), zap.String("device", cfg.DeviceHost))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
