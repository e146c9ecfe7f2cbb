package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tether/internal/api"
	"github.com/hyperengineering/tether/internal/logging"
	"github.com/hyperengineering/tether/internal/snapshot"
	"github.com/hyperengineering/tether/internal/worker"
	"github.com/hyperengineering/tether/pkg/tether"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine and its local control API",
	Long:  "Run the sync engine, its background workers and the local control API until SIGINT or SIGTERM.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	closeLogs := logging.Setup(cfg.Log)
	defer closeLogs()
	slog.Info("configuration loaded", "storage", cfg.Storage.Path, "remote", cfg.Remote.BaseURL)

	ec, err := engineConfig(cfg, true)
	if err != nil {
		return err
	}
	engine, err := tether.Open(ctx, ec)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	st := engine.Status()
	slog.Info("engine started",
		"state", st.State.String(),
		"online", st.Online,
		"storage_available", st.StorageAvailable,
		"pending", st.PendingCount,
	)

	var wg sync.WaitGroup
	if st.StorageAvailable && cfg.Backup.Interval > 0 {
		uploader, err := snapshot.NewUploader(cfg.Backup)
		if err != nil {
			engine.Close()
			return err
		}
		backups := snapshot.NewService(engine, uploader, cfg.Backup.Dir)
		startWorker(ctx, &wg, "backup", worker.NewBackupCoordinator(backups, time.Duration(cfg.Backup.Interval)).Run)
	}

	router := api.NewRouter(api.NewHandler(engine, cfg.Server.APIKey, Version))
	addr := net.JoinHostPort(cfg.Server.Address, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	wg.Wait()
	if err := engine.Close(); err != nil {
		slog.Error("engine close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
