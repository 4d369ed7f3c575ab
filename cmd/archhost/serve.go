package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tomyedwab/archhost/audit"
	"github.com/tomyedwab/archhost/callbacks"
	"github.com/tomyedwab/archhost/config"
	"github.com/tomyedwab/archhost/database"
	"github.com/tomyedwab/archhost/instances"
	"github.com/tomyedwab/archhost/internal/handlers"
	"github.com/tomyedwab/archhost/processes"
)

const auditPruneInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the game server host and its REST API",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.New(configFile)
		if err != nil {
			return err
		}
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	logger.Info("Starting archhost", "listen", cfg.HTTP.Listen, "ports", fmt.Sprintf("%d-%d", cfg.Ports.Start, cfg.Ports.End))

	db, err := database.Connect("sqlite3", database.DSN(cfg.Database.Path), map[string]database.SchemaHandler{
		instances.SchemaName: instances.DBInit,
		audit.SchemaName:     audit.DBInit,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	portManager, err := processes.NewPortManager(cfg.Ports.Start, cfg.Ports.End)
	if err != nil {
		return err
	}
	store := instances.NewStore(db.GetDB(), portManager, cfg.Server.Address)

	gameData, err := instances.NewGameData(afero.NewOsFs(), cfg.Data.Dir)
	if err != nil {
		return err
	}

	registry, err := processes.NewRegistry(processes.Config{
		Store:             store,
		Logger:            logger,
		Executable:        cfg.Server.Executable,
		WorkDir:           cfg.Server.WorkDir,
		ReadyMarker:       cfg.Server.ReadyMarker,
		ShutdownCommand:   cfg.Server.ShutdownCommand,
		DataPath:          gameData.Path,
		WaitInterval:      cfg.Wait.Interval,
		StartupChecks:     cfg.Wait.StartupChecks,
		ShutdownChecks:    cfg.Wait.ShutdownChecks,
		OutputBufferLines: cfg.Output.BufferLines,
	})
	if err != nil {
		return err
	}

	secret := cfg.Callbacks.Secret
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("No callbacks.secret configured, signing start callbacks with a generated secret that receivers cannot verify")
	}
	notifier := callbacks.NewNotifier(callbacks.Config{
		Secret:  []byte(secret),
		Timeout: cfg.Callbacks.Timeout,
		Logger:  logger,
	})

	events := audit.NewLogger(db.GetDB())

	manager, err := instances.NewManager(instances.Config{
		Store:    store,
		Registry: registry,
		GameData: gameData,
		Events:   events,
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := manager.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile instances: %w", err)
	}
	logger.Info("Reconciled instances",
		"loaded", result.Loaded,
		"restarted", result.Restarted,
		"failed", result.Failed,
	)

	if cfg.Audit.Retention > 0 {
		go pruneEvents(ctx, logger, events, cfg.Audit.Retention)
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Listen,
		Handler: handlers.NewServersHandler(handlers.Config{
			Manager:        manager,
			Logger:         logger,
			MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		}),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "address", cfg.HTTP.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received signal, initiating graceful shutdown...")
	case err := <-serveErr:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), registry.Config().ShutdownTimeout()+10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("Some game servers did not stop cleanly", "error", err)
	}

	logger.Info("archhost has completed its shutdown sequence")
	return nil
}

func pruneEvents(ctx context.Context, logger *slog.Logger, events *audit.Logger, retention time.Duration) {
	ticker := time.NewTicker(auditPruneInterval)
	defer ticker.Stop()
	for {
		deleted, err := events.DeleteOldEvents(ctx, retention)
		if err != nil {
			logger.Error("Failed to prune instance events", "error", err)
		} else if deleted > 0 {
			logger.Info("Pruned instance events", "deleted", deleted)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
