package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/tether/internal/conflict"
	"github.com/hyperengineering/tether/internal/types"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Storage     StorageConfig          `yaml:"storage"`
	Queue       QueueConfig            `yaml:"queue"`
	Sync        SyncConfig             `yaml:"sync"`
	Remote      RemoteConfig           `yaml:"remote"`
	Server      ServerConfig           `yaml:"server"`
	Log         LogConfig              `yaml:"log"`
	Backup      BackupConfig           `yaml:"backup"`
	Conflict    ConflictConfig         `yaml:"conflict"`
	Collections []types.CollectionSpec `yaml:"collections"`
}

// StorageConfig contains local database settings.
type StorageConfig struct {
	Path string `yaml:"path"`
	// Disabled turns local storage off; the engine runs remote-only.
	Disabled bool `yaml:"disabled"`
}

// QueueConfig contains mutation queue settings.
type QueueConfig struct {
	MaxRetries      int      `yaml:"max_retries"`
	RetryBase       Duration `yaml:"retry_base"`
	FailedRetention Duration `yaml:"failed_retention"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	ClassifyErrors  bool     `yaml:"classify_errors"`
}

// SyncConfig contains coordinator settings.
type SyncConfig struct {
	AutoSync bool `yaml:"auto_sync"`
	// AutoSyncInterval drives periodic syncs while online. Zero disables them.
	AutoSyncInterval       Duration `yaml:"auto_sync_interval"`
	PendingRefreshInterval Duration `yaml:"pending_refresh_interval"`
	PullCollections        []string `yaml:"pull_collections"`
}

// RemoteConfig contains settings of the remote API.
type RemoteConfig struct {
	BaseURL       string   `yaml:"base_url"`
	APIKey        string   `yaml:"-"` // env-only, never in YAML
	Timeout       Duration `yaml:"timeout"`
	HealthPath    string   `yaml:"health_path"`
	ProbeInterval Duration `yaml:"probe_interval"`
}

// ServerConfig contains local control API settings.
type ServerConfig struct {
	Address         string   `yaml:"address"`
	Port            int      `yaml:"port"`
	APIKey          string   `yaml:"-"` // env-only, never in YAML
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings. File enables rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// BackupConfig contains database backup settings. An empty Bucket keeps
// backups local.
type BackupConfig struct {
	Dir       string   `yaml:"dir"`
	Interval  Duration `yaml:"interval"`
	Bucket    string   `yaml:"bucket"`
	Prefix    string   `yaml:"prefix"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
}

// ConflictConfig overrides default strategies per entity type.
type ConflictConfig struct {
	Strategies map[string]string `yaml:"strategies"`
}

// Overrides parses the strategy overrides.
func (c ConflictConfig) Overrides() (map[conflict.EntityType]conflict.Strategy, error) {
	out := make(map[conflict.EntityType]conflict.Strategy, len(c.Strategies))
	for entity, name := range c.Strategies {
		et, err := conflict.ParseEntityType(entity)
		if err != nil {
			return nil, err
		}
		s, err := conflict.ParseStrategy(name)
		if err != nil {
			return nil, fmt.Errorf("strategy for %s: %w", entity, err)
		}
		out[et] = s
	}
	return out, nil
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("TETHER_CONFIG_PATH", "config/tether.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newDefaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: "data/tether.db",
		},
		Queue: QueueConfig{
			MaxRetries:      3,
			RetryBase:       Duration(time.Second),
			FailedRetention: Duration(24 * time.Hour),
			CleanupInterval: Duration(time.Hour),
			ClassifyErrors:  true,
		},
		Sync: SyncConfig{
			AutoSync:               true,
			PendingRefreshInterval: Duration(5 * time.Second),
		},
		Remote: RemoteConfig{
			Timeout:       Duration(30 * time.Second),
			HealthPath:    "/health",
			ProbeInterval: Duration(15 * time.Second),
		},
		Server: ServerConfig{
			Address:         "127.0.0.1",
			Port:            7420,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Backup: BackupConfig{
			Dir:    "data/backups",
			Prefix: "tether",
		},
	}
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty, parseable env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Storage
	if v := os.Getenv("TETHER_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	envBool("TETHER_STORAGE_DISABLED", &cfg.Storage.Disabled)

	// Queue
	envInt("TETHER_MAX_RETRIES", &cfg.Queue.MaxRetries)
	envDuration("TETHER_RETRY_BASE", &cfg.Queue.RetryBase)
	envDuration("TETHER_FAILED_RETENTION", &cfg.Queue.FailedRetention)
	envDuration("TETHER_CLEANUP_INTERVAL", &cfg.Queue.CleanupInterval)
	envBool("TETHER_CLASSIFY_ERRORS", &cfg.Queue.ClassifyErrors)

	// Sync
	envBool("TETHER_AUTO_SYNC", &cfg.Sync.AutoSync)
	envDuration("TETHER_AUTO_SYNC_INTERVAL", &cfg.Sync.AutoSyncInterval)
	envDuration("TETHER_PENDING_REFRESH_INTERVAL", &cfg.Sync.PendingRefreshInterval)
	if v := os.Getenv("TETHER_PULL_COLLECTIONS"); v != "" {
		cfg.Sync.PullCollections = splitList(v)
	}

	// Remote
	if v := os.Getenv("TETHER_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("TETHER_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	envDuration("TETHER_REMOTE_TIMEOUT", &cfg.Remote.Timeout)
	envDuration("TETHER_PROBE_INTERVAL", &cfg.Remote.ProbeInterval)

	// Server
	if v := os.Getenv("TETHER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	envInt("TETHER_PORT", &cfg.Server.Port)
	if v := os.Getenv("TETHER_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	envDuration("TETHER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("TETHER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("TETHER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Log
	if v := os.Getenv("TETHER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TETHER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("TETHER_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	// Backup
	if v := os.Getenv("TETHER_BACKUP_DIR"); v != "" {
		cfg.Backup.Dir = v
	}
	envDuration("TETHER_BACKUP_INTERVAL", &cfg.Backup.Interval)
	if v := os.Getenv("TETHER_BACKUP_BUCKET"); v != "" {
		cfg.Backup.Bucket = v
	}
	if v := os.Getenv("TETHER_S3_ENDPOINT"); v != "" {
		cfg.Backup.Endpoint = v
	}
	if v := os.Getenv("TETHER_S3_REGION"); v != "" {
		cfg.Backup.Region = v
	}
	if v := os.Getenv("TETHER_S3_ACCESS_KEY"); v != "" {
		cfg.Backup.AccessKey = v
	}
	if v := os.Getenv("TETHER_S3_SECRET_KEY"); v != "" {
		cfg.Backup.SecretKey = v
	}
	if v := os.Getenv("TETHER_S3_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Backup.UseSSL = &b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate rejects values the engine cannot run with.
func (c *Config) validate() error {
	var errs []error

	if !c.Storage.Disabled && c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required unless storage is disabled"))
	}
	if c.Queue.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("queue.max_retries must be at least 1, got %d", c.Queue.MaxRetries))
	}
	if c.Queue.RetryBase < 0 {
		errs = append(errs, errors.New("queue.retry_base must not be negative"))
	}
	if c.Queue.CleanupInterval <= 0 {
		errs = append(errs, errors.New("queue.cleanup_interval must be positive"))
	}
	if c.Sync.PendingRefreshInterval <= 0 {
		errs = append(errs, errors.New("sync.pending_refresh_interval must be positive"))
	}
	if c.Sync.AutoSyncInterval < 0 || c.Backup.Interval < 0 {
		errs = append(errs, errors.New("intervals must not be negative"))
	}
	if c.Remote.BaseURL != "" {
		u, err := url.Parse(c.Remote.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("remote.base_url %q is not an absolute URL", c.Remote.BaseURL))
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	if c.Backup.Bucket != "" && c.Backup.Endpoint == "" {
		errs = append(errs, errors.New("backup.endpoint is required when backup.bucket is set"))
	}
	if _, err := c.Conflict.Overrides(); err != nil {
		errs = append(errs, fmt.Errorf("conflict.strategies: %w", err))
	}
	seen := make(map[string]bool, len(c.Collections))
	for _, spec := range c.Collections {
		if spec.Name == "" {
			errs = append(errs, errors.New("collections: name is required"))
			continue
		}
		if seen[spec.Name] {
			errs = append(errs, fmt.Errorf("collections: %q declared twice", spec.Name))
		}
		seen[spec.Name] = true
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
