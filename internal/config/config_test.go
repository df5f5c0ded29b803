package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
)

// =============================================================================
// Defaults
// =============================================================================

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	// Given: no configuration file exists
	cfg := NewConfig()

	// Then: all defaults should be applied
	require.NotNil(t, cfg)
	assert.Equal(t, 1, cfg.Version)
	assert.Contains(t, cfg.DataDir, ".indexkeeper")

	assert.Equal(t, "live", cfg.Indices.LivePrefix)
	assert.Equal(t, "working", cfg.Indices.WorkingPrefix)

	assert.Equal(t, "5m", cfg.Snapshot.Timeout)
	assert.Empty(t, cfg.Snapshot.RepositoryBase) // derived by ResolvePaths

	assert.Equal(t, 100, cfg.Reindex.BatchSize)
	assert.Equal(t, "500ms", cfg.Reindex.FlushInterval)
	assert.Equal(t, 10000, cfg.Reindex.QueueLimit)
	assert.Equal(t, runtime.NumCPU(), cfg.Reindex.Workers)
	assert.Equal(t, 3, cfg.Reindex.MaxAttempts)
	assert.False(t, cfg.Reindex.ReindexOnly)

	assert.Equal(t, uint32(5), cfg.Breaker.MinRequests)
	assert.Equal(t, 0.6, cfg.Breaker.FailureRatio)

	assert.Equal(t, ".json", cfg.Content.Extension)
	assert.Equal(t, []string{"WORKING"}, cfg.Content.Roles)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "indexkeeper.log", filepath.Base(cfg.Logging.File))
}

func TestNewConfig_DefaultsValidate(t *testing.T) {
	cfg := NewConfig()
	cfg.ResolvePaths()
	assert.NoError(t, cfg.Validate())
}

func TestResolvePaths_DerivesFromDataDir(t *testing.T) {
	// Given: a custom data dir and one explicit snapshot path
	cfg := NewConfig()
	cfg.DataDir = "/srv/keeper"
	cfg.Snapshot.ArchiveDir = "/mnt/archives"

	// When: resolving paths
	cfg.ResolvePaths()

	// Then: only empty paths are derived
	assert.Equal(t, filepath.Join("/srv/keeper", "repositories"), cfg.Snapshot.RepositoryBase)
	assert.Equal(t, "/mnt/archives", cfg.Snapshot.ArchiveDir)
	assert.Equal(t, filepath.Join("/srv/keeper", "scratch"), cfg.Snapshot.ScratchDir)
	assert.Equal(t, filepath.Join("/srv/keeper", "content"), cfg.Content.Dir)
	assert.Equal(t, filepath.Join("/srv/keeper", "indices"), cfg.IndicesDir())
	assert.Equal(t, filepath.Join("/srv/keeper", "catalog.db"), cfg.CatalogPath())
}

// =============================================================================
// Loading
// =============================================================================

func TestLoad_NoDefaultConfigFile_ReturnsDefaults(t *testing.T) {
	// Given: XDG points at an empty directory
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	// When: loading without an explicit path
	cfg, err := Load("")

	// Then: defaults are returned without error
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Reindex.BatchSize)
	assert.NotEmpty(t, cfg.Snapshot.RepositoryBase)
}

func TestLoad_ExplicitMissingFile_ReturnsConfigNotFound(t *testing.T) {
	// When: loading a path that does not exist
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	// Then: a config-not-found error is returned
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Equal(t, kerrors.ErrCodeConfigNotFound, kerrors.GetCode(err))
}

func TestLoad_YamlFile_OverridesDefaults(t *testing.T) {
	// Given: a config file with overrides
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	content := `
version: 1
data_dir: ` + tmpDir + `
indices:
  live_prefix: prod
reindex:
  batch_size: 25
  flush_interval: 50ms
  reindex_only: true
breaker:
  failure_ratio: 0.5
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	// When: loading configuration
	cfg, err := Load(path)

	// Then: overrides are applied and untouched keys keep defaults
	require.NoError(t, err)
	assert.Equal(t, tmpDir, cfg.DataDir)
	assert.Equal(t, "prod", cfg.Indices.LivePrefix)
	assert.Equal(t, "working", cfg.Indices.WorkingPrefix)
	assert.Equal(t, 25, cfg.Reindex.BatchSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Reindex.FlushIntervalDuration())
	assert.True(t, cfg.Reindex.ReindexOnly)
	assert.Equal(t, 0.5, cfg.Breaker.FailureRatio)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, filepath.Join(tmpDir, "repositories"), cfg.Snapshot.RepositoryBase)
}

func TestLoad_InvalidYaml_ReturnsError(t *testing.T) {
	// Given: invalid YAML syntax
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reindex:\n  batch_size: [oops\n"), 0o644))

	// When: loading configuration
	cfg, err := Load(path)

	// Then: error is returned with clear message
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "parse")
	assert.Equal(t, kerrors.ErrCodeConfigInvalid, kerrors.GetCode(err))
}

func TestLoad_InvalidValue_FailsValidation(t *testing.T) {
	// Given: identical prefixes
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "indices:\n  live_prefix: idx\n  working_prefix: IDX\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	// When: loading configuration
	_, err := Load(path)

	// Then: validation rejects it
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestLoad_EnvVarOverridesFile(t *testing.T) {
	// Given: a file and environment overrides
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reindex:\n  batch_size: 10\n"), 0o644))
	t.Setenv("INDEXKEEPER_BATCH_SIZE", "42")
	t.Setenv("INDEXKEEPER_DATA_DIR", tmpDir)
	t.Setenv("INDEXKEEPER_REINDEX_ONLY", "1")
	t.Setenv("INDEXKEEPER_LOG_LEVEL", "warn")

	// When: loading configuration
	cfg, err := Load(path)

	// Then: environment wins
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Reindex.BatchSize)
	assert.Equal(t, tmpDir, cfg.DataDir)
	assert.True(t, cfg.Reindex.ReindexOnly)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_EnvVarUnparseable_IsIgnored(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("INDEXKEEPER_QUEUE_LIMIT", "lots")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 10000, cfg.Reindex.QueueLimit)
}

func TestDefaultConfigPath_RespectsXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "indexkeeper", "config.yaml"), DefaultConfigPath())
}

// =============================================================================
// Validation
// =============================================================================

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"zero batch size", func(c *Config) { c.Reindex.BatchSize = 0 }, "batch_size"},
		{"negative queue limit", func(c *Config) { c.Reindex.QueueLimit = -1 }, "queue_limit"},
		{"zero workers", func(c *Config) { c.Reindex.Workers = 0 }, "workers"},
		{"zero attempts", func(c *Config) { c.Reindex.MaxAttempts = 0 }, "max_attempts"},
		{"bad duration", func(c *Config) { c.Reindex.FlushInterval = "soon" }, "flush_interval"},
		{"inverted backoff", func(c *Config) { c.Reindex.InitialBackoff = "10s"; c.Reindex.MaxBackoff = "1s" }, "initial_backoff"},
		{"failure ratio", func(c *Config) { c.Breaker.FailureRatio = 1.5 }, "failure_ratio"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"empty prefix", func(c *Config) { c.Indices.LivePrefix = "" }, "live_prefix"},
		{"extension without dot", func(c *Config) { c.Content.Extension = "json" }, "content.extension"},
		{"no content roles", func(c *Config) { c.Content.Roles = nil }, "content.roles"},
		{"unknown content role", func(c *Config) { c.Content.Roles = []string{"ARCHIVE"} }, "content.roles"},
		{"bad poll interval", func(c *Config) { c.Content.PollInterval = "often" }, "poll_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			cfg.ResolvePaths()
			tt.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, kerrors.ErrCodeConfigInvalid, kerrors.GetCode(err))
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := NewConfig()

	initial, maxDelay := cfg.Reindex.Backoff()
	interval, timeout := cfg.Breaker.Durations()

	assert.Equal(t, 100*time.Millisecond, initial)
	assert.Equal(t, 5*time.Second, maxDelay)
	assert.Equal(t, 2*time.Second, cfg.Reindex.EnqueueWaitDuration())
	assert.Equal(t, 30*time.Second, cfg.Reindex.BatchTimeoutDuration())
	assert.Equal(t, 5*time.Minute, cfg.SnapshotTimeout())
	assert.Equal(t, time.Minute, interval)
	assert.Equal(t, 30*time.Second, timeout)

	debounce, poll := cfg.Content.WatchDurations()
	assert.Equal(t, 200*time.Millisecond, debounce)
	assert.Equal(t, 5*time.Second, poll)
}

func TestLogConfig_CopiesLoggingSection(t *testing.T) {
	cfg := NewConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.File = "/tmp/k.log"

	lc := cfg.LogConfig()

	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "/tmp/k.log", lc.FilePath)
	assert.True(t, lc.WriteToStderr)
}

// =============================================================================
// Persistence
// =============================================================================

func TestWriteYAML_RoundTripsThroughLoad(t *testing.T) {
	// Given: a customized config written to disk
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "config.yaml")
	cfg := NewConfig()
	cfg.DataDir = tmpDir
	cfg.Reindex.BatchSize = 7
	cfg.Indices.WorkingPrefix = "staging"

	require.NoError(t, cfg.WriteYAML(path))

	// When: loading it back
	loaded, err := Load(path)

	// Then: values survive
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Reindex.BatchSize)
	assert.Equal(t, "staging", loaded.Indices.WorkingPrefix)
	assert.Equal(t, tmpDir, loaded.DataDir)
}
