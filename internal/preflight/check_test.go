package preflight

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckStatus_String(t *testing.T) {
	tests := []struct {
		status CheckStatus
		want   string
	}{
		{StatusPass, "PASS"},
		{StatusWarn, "WARN"},
		{StatusFail, "FAIL"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestCheckResult_IsCritical(t *testing.T) {
	tests := []struct {
		name     string
		result   CheckResult
		expected bool
	}{
		{
			name:     "required pass is not critical",
			result:   CheckResult{Status: StatusPass, Required: true},
			expected: false,
		},
		{
			name:     "required fail is critical",
			result:   CheckResult{Status: StatusFail, Required: true},
			expected: true,
		},
		{
			name:     "optional fail is not critical",
			result:   CheckResult{Status: StatusFail, Required: false},
			expected: false,
		},
		{
			name:     "required warn is not critical",
			result:   CheckResult{Status: StatusWarn, Required: true},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.result.IsCritical())
		})
	}
}

func TestChecker_New(t *testing.T) {
	// Given: default options
	checker := New()

	// Then: checker is created with defaults
	assert.NotNil(t, checker)
	assert.False(t, checker.verbose)
	assert.Equal(t, uint64(MinDiskSpaceBytes), checker.minFree)
}

func TestChecker_NewWithOptions(t *testing.T) {
	// Given: custom options
	buf := &bytes.Buffer{}
	checker := New(
		WithVerbose(true),
		WithOutput(buf),
		WithMinFreeSpace(42),
	)

	// Then: options are applied
	assert.True(t, checker.verbose)
	assert.Equal(t, buf, checker.output)
	assert.Equal(t, uint64(42), checker.minFree)
}

func TestChecker_HasCriticalFailures(t *testing.T) {
	checker := New()

	tests := []struct {
		name     string
		results  []CheckResult
		expected bool
	}{
		{
			name:     "no results",
			results:  []CheckResult{},
			expected: false,
		},
		{
			name: "all pass",
			results: []CheckResult{
				{Status: StatusPass, Required: true},
				{Status: StatusPass, Required: true},
			},
			expected: false,
		},
		{
			name: "warning only",
			results: []CheckResult{
				{Status: StatusPass, Required: true},
				{Status: StatusWarn, Required: false},
			},
			expected: false,
		},
		{
			name: "optional failure",
			results: []CheckResult{
				{Status: StatusPass, Required: true},
				{Status: StatusFail, Required: false},
			},
			expected: false,
		},
		{
			name: "required failure",
			results: []CheckResult{
				{Status: StatusPass, Required: true},
				{Status: StatusFail, Required: true},
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, checker.HasCriticalFailures(tt.results))
		})
	}
}

func TestChecker_CheckWritePermissions_Writable(t *testing.T) {
	// Given: a directory that does not exist yet
	dir := filepath.Join(t.TempDir(), "archives")

	// When: checking write permissions
	result := New().CheckWritePermissions("archive_dir", dir)

	// Then: it is created and passes without leaving a test file behind
	assert.Equal(t, StatusPass, result.Status)
	assert.Equal(t, "archive_dir", result.Name)
	assert.True(t, result.Required)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestChecker_CheckWritePermissions_ReadOnly(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("Skipping read-only test when running as root")
	}

	tmpDir := t.TempDir()
	readOnlyDir := filepath.Join(tmpDir, "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0o555))
	defer func() { _ = os.Chmod(readOnlyDir, 0o755) }()

	result := New().CheckWritePermissions("data_dir", readOnlyDir)

	assert.Equal(t, StatusFail, result.Status)
	assert.Contains(t, result.Message, "permission denied")
}

func TestChecker_CheckContentDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	assert.Equal(t, StatusPass, New().CheckContentDir(dir).Status)

	missing := New().CheckContentDir(filepath.Join(dir, "missing"))
	assert.Equal(t, StatusWarn, missing.Status)
	assert.False(t, missing.IsCritical())

	notDir := New().CheckContentDir(file)
	assert.True(t, notDir.IsCritical())
}

func TestChecker_CheckDiskSpace(t *testing.T) {
	dir := t.TempDir()

	// Given: no minimum, the check passes
	assert.Equal(t, StatusPass, New(WithMinFreeSpace(0)).CheckDiskSpace(dir).Status)

	// Given: an impossible minimum, it fails
	result := New(WithMinFreeSpace(1 << 62)).CheckDiskSpace(filepath.Join(dir, "not", "yet"))
	assert.True(t, result.IsCritical())
	assert.Contains(t, result.Message, "free")
}

func TestChecker_RunAll_ReturnsAllChecks(t *testing.T) {
	// Given: a data directory layout
	root := t.TempDir()
	paths := Paths{
		DataDir:    root,
		ArchiveDir: filepath.Join(root, "archives"),
		ScratchDir: filepath.Join(root, "scratch"),
		ContentDir: filepath.Join(root, "content"),
	}

	// When: running all checks without role checks
	results := New().RunAll(context.Background(), paths, nil)

	// Then: every host check is present
	names := make(map[string]bool)
	for _, r := range results {
		names[r.Name] = true
	}
	for _, want := range []string{"disk_space", "data_dir", "archive_dir", "scratch_dir", "content_dir", "open_files"} {
		assert.True(t, names[want], "%s check missing", want)
	}
}

func TestChecker_PrintResults(t *testing.T) {
	// Given: some check results
	results := []CheckResult{
		{Name: "disk_space", Status: StatusPass, Message: "50 GB free"},
		{Name: "role_WORKING", Status: StatusWarn, Message: "unassigned", Details: "run bootstrap"},
		{Name: "role_LIVE", Status: StatusFail, Message: "live_1 does not exist", Required: true},
	}

	buf := &bytes.Buffer{}
	checker := New(WithOutput(buf), WithVerbose(true))

	// When: printing results
	checker.PrintResults(results)

	// Then: output contains formatted results and the summary
	output := buf.String()
	assert.Contains(t, output, "[PASS] disk_space")
	assert.Contains(t, output, "[WARN] role_WORKING")
	assert.Contains(t, output, "run bootstrap")
	assert.Contains(t, output, "[FAIL] role_LIVE")
	assert.Contains(t, output, "Status: FAILED")
	assert.Contains(t, output, "1 error(s)")
	assert.Contains(t, output, "1 warning(s)")
}

func TestCheckResult_MarshalJSON_LowerCaseStatus(t *testing.T) {
	data, err := json.Marshal(CheckResult{Name: "x", Status: StatusWarn})

	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"warn"`)
}

func TestChecker_SummaryStatus(t *testing.T) {
	checker := New()

	tests := []struct {
		name     string
		results  []CheckResult
		expected string
	}{
		{
			name: "all pass",
			results: []CheckResult{
				{Status: StatusPass},
				{Status: StatusPass},
			},
			expected: "ready",
		},
		{
			name: "with warnings",
			results: []CheckResult{
				{Status: StatusPass},
				{Status: StatusWarn},
			},
			expected: "ready_with_warnings",
		},
		{
			name: "with critical failure",
			results: []CheckResult{
				{Status: StatusPass},
				{Status: StatusFail, Required: true},
			},
			expected: "failed",
		},
		{
			name: "with optional failure",
			results: []CheckResult{
				{Status: StatusPass},
				{Status: StatusFail, Required: false},
			},
			expected: "ready_with_warnings",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, checker.SummaryStatus(tt.results))
		})
	}
}
