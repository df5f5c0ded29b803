package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
	"github.com/Aman-CERP/indexkeeper/internal/logging"
)

// Config represents the complete indexkeeper configuration.
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	DataDir  string         `yaml:"data_dir" json:"data_dir"`
	Indices  IndicesConfig  `yaml:"indices" json:"indices"`
	Snapshot SnapshotConfig `yaml:"snapshot" json:"snapshot"`
	Reindex  ReindexConfig  `yaml:"reindex" json:"reindex"`
	Breaker  BreakerConfig  `yaml:"breaker" json:"breaker"`
	Content  ContentConfig  `yaml:"content" json:"content"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// IndicesConfig configures index naming.
type IndicesConfig struct {
	// LivePrefix is matched case-insensitively when discovering a live
	// index at bootstrap and used to name a freshly created one.
	LivePrefix    string `yaml:"live_prefix" json:"live_prefix"`
	WorkingPrefix string `yaml:"working_prefix" json:"working_prefix"`
}

// SnapshotConfig configures snapshot repositories and archives.
type SnapshotConfig struct {
	// RepositoryBase is the root under which repository names resolve.
	// Defaults to <data_dir>/repositories.
	RepositoryBase string `yaml:"repository_base" json:"repository_base"`
	// ArchiveDir receives snapshot archives. Defaults to <data_dir>/archives.
	ArchiveDir string `yaml:"archive_dir" json:"archive_dir"`
	// ScratchDir is where uploaded archives are extracted. Each restore
	// works in its own subdirectory. Defaults to <data_dir>/scratch.
	ScratchDir string `yaml:"scratch_dir" json:"scratch_dir"`
	// Timeout bounds a whole snapshot or restore (e.g., "5m").
	Timeout string `yaml:"timeout" json:"timeout"`
}

// ReindexConfig configures the reindex scheduler and worker.
type ReindexConfig struct {
	BatchSize      int    `yaml:"batch_size" json:"batch_size"`
	FlushInterval  string `yaml:"flush_interval" json:"flush_interval"`
	QueueLimit     int    `yaml:"queue_limit" json:"queue_limit"`
	EnqueueWait    string `yaml:"enqueue_wait" json:"enqueue_wait"`
	Workers        int    `yaml:"workers" json:"workers"`
	BatchTimeout   string `yaml:"batch_timeout" json:"batch_timeout"`
	MaxAttempts    int    `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff string `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff" json:"max_backoff"`
	// ReindexOnly skips the reindex journal and touches only the search index.
	ReindexOnly bool `yaml:"reindex_only" json:"reindex_only"`
	HistorySize int  `yaml:"history_size" json:"history_size"`
}

// BreakerConfig configures the circuit breaker wrapped around store writes.
type BreakerConfig struct {
	MaxRequests  uint32  `yaml:"max_requests" json:"max_requests"`
	Interval     string  `yaml:"interval" json:"interval"`
	Timeout      string  `yaml:"timeout" json:"timeout"`
	FailureRatio float64 `yaml:"failure_ratio" json:"failure_ratio"`
	MinRequests  uint32  `yaml:"min_requests" json:"min_requests"`
}

// ContentConfig configures the document directory the content source
// reads and the watcher observes.
type ContentConfig struct {
	// Dir holds one file per document. Defaults to <data_dir>/content.
	Dir       string `yaml:"dir" json:"dir"`
	Extension string `yaml:"extension" json:"extension"`
	// Roles receive an ADAPTIVE task for every changed document.
	Roles          []string `yaml:"roles" json:"roles"`
	DebounceWindow string   `yaml:"debounce_window" json:"debounce_window"`
	PollInterval   string   `yaml:"poll_interval" json:"poll_interval"`
	ForcePolling   bool     `yaml:"force_polling" json:"force_polling"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig creates a new Config with sensible defaults.
// Snapshot paths stay empty until ResolvePaths derives them from DataDir.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		DataDir: defaultDataDir(),
		Indices: IndicesConfig{
			LivePrefix:    "live",
			WorkingPrefix: "working",
		},
		Snapshot: SnapshotConfig{
			Timeout: "5m",
		},
		Reindex: ReindexConfig{
			BatchSize:      100,
			FlushInterval:  "500ms",
			QueueLimit:     10000,
			EnqueueWait:    "2s",
			Workers:        runtime.NumCPU(),
			BatchTimeout:   "30s",
			MaxAttempts:    3,
			InitialBackoff: "100ms",
			MaxBackoff:     "5s",
			HistorySize:    4096,
		},
		Breaker: BreakerConfig{
			MaxRequests:  1,
			Interval:     "60s",
			Timeout:      "30s",
			FailureRatio: 0.6,
			MinRequests:  5,
		},
		Content: ContentConfig{
			Extension:      ".json",
			Roles:          []string{"WORKING"},
			DebounceWindow: "200ms",
			PollInterval:   "5s",
		},
		Logging: LoggingConfig{
			Level:     "info",
			File:      logging.DefaultLogPath(),
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".indexkeeper", "data")
	}
	return filepath.Join(home, ".indexkeeper", "data")
}

// DefaultConfigPath returns the path to the user configuration file.
// It follows XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/indexkeeper/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/indexkeeper/config.yaml (default)
func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "indexkeeper", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "indexkeeper", "config.yaml")
	}
	return filepath.Join(home, ".config", "indexkeeper", "config.yaml")
}

// Load loads configuration. It applies configuration in order of
// increasing precedence:
//  1. Hardcoded defaults
//  2. YAML file at path (or DefaultConfigPath when path is empty)
//  3. Environment variables (INDEXKEEPER_*)
//
// An explicit path that does not exist is an error; a missing default file
// is not.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	} else if explicit {
		return nil, kerrors.New(kerrors.ErrCodeConfigNotFound,
			fmt.Sprintf("config file %s not found", path), err).
			WithSuggestion("Run 'indexkeeper config init' to create one")
	}

	cfg.applyEnvOverrides()
	cfg.ResolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return kerrors.New(kerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("failed to parse config file %s", path), err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}

	// Indices
	if other.Indices.LivePrefix != "" {
		c.Indices.LivePrefix = other.Indices.LivePrefix
	}
	if other.Indices.WorkingPrefix != "" {
		c.Indices.WorkingPrefix = other.Indices.WorkingPrefix
	}

	// Snapshot
	if other.Snapshot.RepositoryBase != "" {
		c.Snapshot.RepositoryBase = other.Snapshot.RepositoryBase
	}
	if other.Snapshot.ArchiveDir != "" {
		c.Snapshot.ArchiveDir = other.Snapshot.ArchiveDir
	}
	if other.Snapshot.ScratchDir != "" {
		c.Snapshot.ScratchDir = other.Snapshot.ScratchDir
	}
	if other.Snapshot.Timeout != "" {
		c.Snapshot.Timeout = other.Snapshot.Timeout
	}

	// Reindex
	r := other.Reindex
	if r.BatchSize != 0 {
		c.Reindex.BatchSize = r.BatchSize
	}
	if r.FlushInterval != "" {
		c.Reindex.FlushInterval = r.FlushInterval
	}
	if r.QueueLimit != 0 {
		c.Reindex.QueueLimit = r.QueueLimit
	}
	if r.EnqueueWait != "" {
		c.Reindex.EnqueueWait = r.EnqueueWait
	}
	if r.Workers != 0 {
		c.Reindex.Workers = r.Workers
	}
	if r.BatchTimeout != "" {
		c.Reindex.BatchTimeout = r.BatchTimeout
	}
	if r.MaxAttempts != 0 {
		c.Reindex.MaxAttempts = r.MaxAttempts
	}
	if r.InitialBackoff != "" {
		c.Reindex.InitialBackoff = r.InitialBackoff
	}
	if r.MaxBackoff != "" {
		c.Reindex.MaxBackoff = r.MaxBackoff
	}
	// A YAML false is indistinguishable from absent, so only true is merged.
	if r.ReindexOnly {
		c.Reindex.ReindexOnly = true
	}
	if r.HistorySize != 0 {
		c.Reindex.HistorySize = r.HistorySize
	}

	// Breaker
	b := other.Breaker
	if b.MaxRequests != 0 {
		c.Breaker.MaxRequests = b.MaxRequests
	}
	if b.Interval != "" {
		c.Breaker.Interval = b.Interval
	}
	if b.Timeout != "" {
		c.Breaker.Timeout = b.Timeout
	}
	if b.FailureRatio != 0 {
		c.Breaker.FailureRatio = b.FailureRatio
	}
	if b.MinRequests != 0 {
		c.Breaker.MinRequests = b.MinRequests
	}

	// Content
	ct := other.Content
	if ct.Dir != "" {
		c.Content.Dir = ct.Dir
	}
	if ct.Extension != "" {
		c.Content.Extension = ct.Extension
	}
	if len(ct.Roles) > 0 {
		c.Content.Roles = ct.Roles
	}
	if ct.DebounceWindow != "" {
		c.Content.DebounceWindow = ct.DebounceWindow
	}
	if ct.PollInterval != "" {
		c.Content.PollInterval = ct.PollInterval
	}
	if ct.ForcePolling {
		c.Content.ForcePolling = true
	}

	// Logging
	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.File != "" {
		c.Logging.File = other.Logging.File
	}
	if other.Logging.MaxSizeMB != 0 {
		c.Logging.MaxSizeMB = other.Logging.MaxSizeMB
	}
	if other.Logging.MaxFiles != 0 {
		c.Logging.MaxFiles = other.Logging.MaxFiles
	}
}

// applyEnvOverrides applies INDEXKEEPER_* environment variables.
// Unparseable numeric values are ignored.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("INDEXKEEPER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("INDEXKEEPER_LIVE_PREFIX"); v != "" {
		c.Indices.LivePrefix = v
	}
	if v := os.Getenv("INDEXKEEPER_WORKING_PREFIX"); v != "" {
		c.Indices.WorkingPrefix = v
	}
	if v := os.Getenv("INDEXKEEPER_REPOSITORY_BASE"); v != "" {
		c.Snapshot.RepositoryBase = v
	}
	if v := os.Getenv("INDEXKEEPER_ARCHIVE_DIR"); v != "" {
		c.Snapshot.ArchiveDir = v
	}
	if v := os.Getenv("INDEXKEEPER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Reindex.BatchSize = n
		}
	}
	if v := os.Getenv("INDEXKEEPER_QUEUE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Reindex.QueueLimit = n
		}
	}
	if v := os.Getenv("INDEXKEEPER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Reindex.Workers = n
		}
	}
	if v := os.Getenv("INDEXKEEPER_FLUSH_INTERVAL"); v != "" {
		c.Reindex.FlushInterval = v
	}
	if v := os.Getenv("INDEXKEEPER_REINDEX_ONLY"); v != "" {
		c.Reindex.ReindexOnly = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("INDEXKEEPER_CONTENT_DIR"); v != "" {
		c.Content.Dir = v
	}
	if v := os.Getenv("INDEXKEEPER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// ResolvePaths fills empty snapshot paths from DataDir.
func (c *Config) ResolvePaths() {
	if c.Snapshot.RepositoryBase == "" {
		c.Snapshot.RepositoryBase = filepath.Join(c.DataDir, "repositories")
	}
	if c.Snapshot.ArchiveDir == "" {
		c.Snapshot.ArchiveDir = filepath.Join(c.DataDir, "archives")
	}
	if c.Snapshot.ScratchDir == "" {
		c.Snapshot.ScratchDir = filepath.Join(c.DataDir, "scratch")
	}
	if c.Content.Dir == "" {
		c.Content.Dir = filepath.Join(c.DataDir, "content")
	}
}

// IndicesDir is where index directories live.
func (c *Config) IndicesDir() string {
	return filepath.Join(c.DataDir, "indices")
}

// CatalogPath is the SQLite catalog file.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "catalog.db")
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return invalid("data_dir must not be empty")
	}

	if c.Indices.LivePrefix == "" || c.Indices.WorkingPrefix == "" {
		return invalid("indices.live_prefix and indices.working_prefix must not be empty")
	}
	if strings.EqualFold(c.Indices.LivePrefix, c.Indices.WorkingPrefix) {
		return invalid("indices.live_prefix and indices.working_prefix must differ, both are %q", c.Indices.LivePrefix)
	}

	r := c.Reindex
	if r.BatchSize <= 0 {
		return invalid("reindex.batch_size must be positive, got %d", r.BatchSize)
	}
	if r.QueueLimit <= 0 {
		return invalid("reindex.queue_limit must be positive, got %d", r.QueueLimit)
	}
	if r.Workers <= 0 {
		return invalid("reindex.workers must be positive, got %d", r.Workers)
	}
	if r.MaxAttempts <= 0 {
		return invalid("reindex.max_attempts must be positive, got %d", r.MaxAttempts)
	}
	if r.HistorySize <= 0 {
		return invalid("reindex.history_size must be positive, got %d", r.HistorySize)
	}

	durations := map[string]string{
		"snapshot.timeout":        c.Snapshot.Timeout,
		"reindex.flush_interval":  r.FlushInterval,
		"reindex.enqueue_wait":    r.EnqueueWait,
		"reindex.batch_timeout":   r.BatchTimeout,
		"reindex.initial_backoff": r.InitialBackoff,
		"reindex.max_backoff":     r.MaxBackoff,
		"breaker.interval":        c.Breaker.Interval,
		"breaker.timeout":         c.Breaker.Timeout,
		"content.debounce_window": c.Content.DebounceWindow,
		"content.poll_interval":   c.Content.PollInterval,
	}
	for key, v := range durations {
		d, err := time.ParseDuration(v)
		if err != nil {
			return invalid("%s must be a duration like \"250ms\", got %q", key, v)
		}
		if d < 0 {
			return invalid("%s must not be negative, got %s", key, v)
		}
	}
	if mustDuration(r.InitialBackoff) > mustDuration(r.MaxBackoff) {
		return invalid("reindex.initial_backoff (%s) must not exceed reindex.max_backoff (%s)", r.InitialBackoff, r.MaxBackoff)
	}

	if !strings.HasPrefix(c.Content.Extension, ".") {
		return invalid("content.extension must start with a dot, got %q", c.Content.Extension)
	}
	if len(c.Content.Roles) == 0 {
		return invalid("content.roles must name at least one role")
	}
	for _, role := range c.Content.Roles {
		switch strings.ToUpper(role) {
		case "LIVE", "WORKING":
		default:
			return invalid("content.roles entries must be LIVE or WORKING, got %q", role)
		}
	}

	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return invalid("breaker.failure_ratio must be in (0, 1], got %f", c.Breaker.FailureRatio)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return invalid("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	return nil
}

func invalid(format string, args ...any) error {
	return kerrors.Newf(kerrors.ErrCodeConfigInvalid, format, args...)
}

// mustDuration parses a duration already checked by Validate.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// SnapshotTimeout returns the parsed snapshot timeout.
func (c *Config) SnapshotTimeout() time.Duration { return mustDuration(c.Snapshot.Timeout) }

// FlushIntervalDuration returns the parsed reindex flush interval.
func (r ReindexConfig) FlushIntervalDuration() time.Duration { return mustDuration(r.FlushInterval) }

// EnqueueWaitDuration returns the parsed enqueue wait.
func (r ReindexConfig) EnqueueWaitDuration() time.Duration { return mustDuration(r.EnqueueWait) }

// BatchTimeoutDuration returns the parsed per-batch store timeout.
func (r ReindexConfig) BatchTimeoutDuration() time.Duration { return mustDuration(r.BatchTimeout) }

// Backoff returns the parsed retry backoff bounds.
func (r ReindexConfig) Backoff() (initial, maxDelay time.Duration) {
	return mustDuration(r.InitialBackoff), mustDuration(r.MaxBackoff)
}

// Durations returns the parsed breaker interval and open-state timeout.
func (b BreakerConfig) Durations() (interval, timeout time.Duration) {
	return mustDuration(b.Interval), mustDuration(b.Timeout)
}

// WatchDurations returns the parsed debounce window and poll interval.
func (ct ContentConfig) WatchDurations() (debounce, poll time.Duration) {
	return mustDuration(ct.DebounceWindow), mustDuration(ct.PollInterval)
}

// LogConfig converts the logging section for logging.Setup.
func (c *Config) LogConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Logging.Level
	cfg.FilePath = c.Logging.File
	cfg.MaxSizeMB = c.Logging.MaxSizeMB
	cfg.MaxFiles = c.Logging.MaxFiles
	return cfg
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
