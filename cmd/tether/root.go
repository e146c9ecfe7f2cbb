package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/logging"
	"github.com/hyperengineering/tether/pkg/tether"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:              "tether",
	Short:            "Tether - offline-first sync engine",
	Long:             "Tether keeps a local copy of remote collections, queues writes while offline and replays them once the remote is reachable.",
	SilenceUsage:     true,
	Version:          Version,
	PersistentPreRun: quietLogs,
}

// quietLogs routes one-shot commands' logs to stderr at warn level. serve
// installs the configured logger itself.
func quietLogs(cmd *cobra.Command, args []string) {
	slog.SetDefault(slog.New(logging.NewHandler(cmd.ErrOrStderr(), config.LogConfig{Level: "warn", Format: "text"})))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides TETHER_CONFIG_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(backupCmd)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

// engineConfig translates file configuration into engine options. Background
// loops are only enabled for long-running processes.
func engineConfig(cfg *config.Config, background bool) (tether.Config, error) {
	strategies, err := cfg.Conflict.Overrides()
	if err != nil {
		return tether.Config{}, err
	}
	ec := tether.Config{
		LocalPath:       cfg.Storage.Path,
		StorageDisabled: cfg.Storage.Disabled,
		Collections:     cfg.Collections,

		RemoteURL:     cfg.Remote.BaseURL,
		APIKey:        cfg.Remote.APIKey,
		RemoteTimeout: time.Duration(cfg.Remote.Timeout),
		HealthPath:    cfg.Remote.HealthPath,
		ProbeInterval: time.Duration(cfg.Remote.ProbeInterval),

		PullCollections: cfg.Sync.PullCollections,

		MaxRetries:      cfg.Queue.MaxRetries,
		RetryBase:       time.Duration(cfg.Queue.RetryBase),
		FailedRetention: time.Duration(cfg.Queue.FailedRetention),
		RetryPermanent:  !cfg.Queue.ClassifyErrors,

		Strategies: strategies,
	}
	if background {
		ec.AutoSync = cfg.Sync.AutoSync
		ec.AutoSyncInterval = time.Duration(cfg.Sync.AutoSyncInterval)
		ec.PendingRefreshInterval = time.Duration(cfg.Sync.PendingRefreshInterval)
		ec.CleanupInterval = time.Duration(cfg.Queue.CleanupInterval)
	}
	return ec, nil
}

// openEngine loads configuration and opens an engine for a one-shot command.
func openEngine(ctx context.Context) (*tether.Engine, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	ec, err := engineConfig(cfg, false)
	if err != nil {
		return nil, nil, err
	}
	e, err := tether.Open(ctx, ec)
	if err != nil {
		return nil, nil, fmt.Errorf("open engine: %w", err)
	}
	return e, cfg, nil
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
