// Package config loads the tasksync configuration file.
//
// Configuration is read from tasksync.yaml (or .toml/.json) and may be
// overridden by environment variables prefixed with TASKSYNC_, where nested
// keys are joined by underscores (TASKSYNC_SCHEDULER_POLL_INTERVAL).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tasksync/tasksync/internal/daemon"
	"github.com/tasksync/tasksync/internal/logging"
	"github.com/tasksync/tasksync/internal/taskcache"
)

// EnvPrefix prefixes all environment overrides.
const EnvPrefix = "TASKSYNC"

// Config is the complete tasksync configuration.
type Config struct {
	Cache       CacheConfig     `mapstructure:"cache"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	RemotesFile string          `mapstructure:"remotes_file"`
	Log         logging.Config  `mapstructure:"log"`
	Dashboard   DashboardConfig `mapstructure:"dashboard"`

	// path of the file the configuration was read from, empty if none
	path string
}

// CacheConfig configures the on-disk task cache.
type CacheConfig struct {
	Dir               string        `mapstructure:"dir"`
	MaxFiles          int           `mapstructure:"max_files"`
	UncompressedFiles int           `mapstructure:"uncompressed_files"`
	RotateAfter       time.Duration `mapstructure:"rotate_after"`
	JournalMaxSize    int64         `mapstructure:"journal_max_size"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
}

// SchedulerConfig configures the synchronization scheduler.
type SchedulerConfig struct {
	PollInterval            time.Duration `mapstructure:"poll_interval"`
	FetchInterval           time.Duration `mapstructure:"fetch_interval"`
	ActivePollInterval      time.Duration `mapstructure:"active_poll_interval"`
	RotateCheckInterval     time.Duration `mapstructure:"rotate_check_interval"`
	JournalApplyInterval    time.Duration `mapstructure:"journal_apply_interval"`
	MaxConnections          int           `mapstructure:"max_connections"`
	MaxConnectionsPerRemote int           `mapstructure:"max_connections_per_remote"`
	MaxTasksToFetch         int           `mapstructure:"max_tasks_to_fetch"`
}

// DashboardConfig configures the optional dashboard server.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// SearchPaths returns the directories searched for tasksync.yaml when no
// file is given explicitly.
func SearchPaths() []string {
	paths := []string{"/etc/tasksync"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tasksync"))
	}
	return append(paths, ".")
}

// Load reads the configuration. An explicit path (or $TASKSYNC_CONFIG) must
// exist; otherwise the search paths are tried and defaults are used when no
// file is found.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	return load(path, SearchPaths())
}

func load(path string, searchPaths []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tasksync")
		for _, p := range searchPaths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	c.path = v.ConfigFileUsed()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var c Config
	// Decoding the defaults cannot fail.
	_ = v.Unmarshal(&c)
	return &c
}

func setDefaults(v *viper.Viper) {
	cache := taskcache.DefaultConfig()
	v.SetDefault("cache.dir", "/var/lib/tasksync/cache")
	v.SetDefault("cache.max_files", cache.MaxFiles)
	v.SetDefault("cache.uncompressed_files", cache.UncompressedFiles)
	v.SetDefault("cache.rotate_after", cache.RotateAfter)
	v.SetDefault("cache.journal_max_size", cache.JournalMaxSize)
	v.SetDefault("cache.lock_timeout", cache.LockTimeout)

	sched := daemon.DefaultConfig()
	v.SetDefault("scheduler.poll_interval", sched.PollInterval)
	v.SetDefault("scheduler.fetch_interval", sched.FetchInterval)
	v.SetDefault("scheduler.active_poll_interval", sched.ActivePollInterval)
	v.SetDefault("scheduler.rotate_check_interval", sched.RotateCheckInterval)
	v.SetDefault("scheduler.journal_apply_interval", sched.JournalApplyInterval)
	v.SetDefault("scheduler.max_connections", sched.MaxConnections)
	v.SetDefault("scheduler.max_connections_per_remote", sched.MaxConnectionsPerRemote)
	v.SetDefault("scheduler.max_tasks_to_fetch", sched.MaxTasksToFetch)

	v.SetDefault("remotes_file", "/etc/tasksync/remotes.toml")

	log := logging.DefaultConfig()
	v.SetDefault("log.level", log.Level)
	v.SetDefault("log.format", log.Format)
	v.SetDefault("log.file", log.File)
	v.SetDefault("log.max_size_mb", log.MaxSizeMB)
	v.SetDefault("log.max_backups", log.MaxBackups)
	v.SetDefault("log.max_age_days", log.MaxAgeDays)
	v.SetDefault("log.compress", log.Compress)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.addr", "127.0.0.1:8380")
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if err := c.TaskCacheConfig(nil).Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if c.Cache.RotateAfter <= 0 {
		return fmt.Errorf("cache: rotate after must be positive, got %s", c.Cache.RotateAfter)
	}
	if c.Cache.LockTimeout <= 0 {
		return fmt.Errorf("cache: lock timeout must be positive, got %s", c.Cache.LockTimeout)
	}
	if err := c.SchedulerConfig(nil).Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		return fmt.Errorf("dashboard: addr is required when enabled")
	}
	return nil
}

// Path returns the file the configuration was read from, or "" when only
// defaults and environment were used.
func (c *Config) Path() string {
	return c.path
}

// TaskCacheConfig returns the task cache configuration.
func (c *Config) TaskCacheConfig(logger *slog.Logger) *taskcache.Config {
	tc := taskcache.DefaultConfig()
	tc.MaxFiles = c.Cache.MaxFiles
	tc.UncompressedFiles = c.Cache.UncompressedFiles
	tc.RotateAfter = c.Cache.RotateAfter
	tc.JournalMaxSize = c.Cache.JournalMaxSize
	tc.LockTimeout = c.Cache.LockTimeout
	if logger != nil {
		tc.Logger = logging.Component(logger, "taskcache")
	}
	return tc
}

// SchedulerConfig returns the scheduler configuration.
func (c *Config) SchedulerConfig(logger *slog.Logger) *daemon.Config {
	dc := daemon.DefaultConfig()
	dc.PollInterval = c.Scheduler.PollInterval
	dc.FetchInterval = c.Scheduler.FetchInterval
	dc.ActivePollInterval = c.Scheduler.ActivePollInterval
	dc.RotateCheckInterval = c.Scheduler.RotateCheckInterval
	dc.JournalApplyInterval = c.Scheduler.JournalApplyInterval
	dc.MaxConnections = c.Scheduler.MaxConnections
	dc.MaxConnectionsPerRemote = c.Scheduler.MaxConnectionsPerRemote
	dc.MaxTasksToFetch = c.Scheduler.MaxTasksToFetch
	if logger != nil {
		dc.Logger = logging.Component(logger, "scheduler")
	}
	return dc
}
