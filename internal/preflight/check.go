package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed successfully.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status as lower case for JSON output.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Paths are the directories the checks cover.
type Paths struct {
	DataDir    string
	ArchiveDir string
	ScratchDir string
	ContentDir string
}

// Checker performs preflight validation checks.
type Checker struct {
	verbose bool
	minFree uint64
	output  io.Writer
}

// Option configures a Checker.
type Option func(*Checker)

// WithVerbose enables verbose output.
func WithVerbose(verbose bool) Option {
	return func(c *Checker) {
		c.verbose = verbose
	}
}

// WithOutput sets the output writer.
func WithOutput(w io.Writer) Option {
	return func(c *Checker) {
		c.output = w
	}
}

// WithMinFreeSpace overrides MinDiskSpaceBytes.
func WithMinFreeSpace(bytes uint64) Option {
	return func(c *Checker) {
		c.minFree = bytes
	}
}

// New creates a new Checker with the given options.
func New(opts ...Option) *Checker {
	c := &Checker{
		output:  os.Stdout,
		minFree: MinDiskSpaceBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs the host checks against paths, followed by the role holder
// checks when roles is non-nil.
func (c *Checker) RunAll(ctx context.Context, paths Paths, roles *RoleCheck) []CheckResult {
	var results []CheckResult

	results = append(results, c.CheckDiskSpace(paths.DataDir))
	for _, dir := range []struct{ name, path string }{
		{"data_dir", paths.DataDir},
		{"archive_dir", paths.ArchiveDir},
		{"scratch_dir", paths.ScratchDir},
	} {
		if dir.path != "" {
			results = append(results, c.CheckWritePermissions(dir.name, dir.path))
		}
	}
	if paths.ContentDir != "" {
		results = append(results, c.CheckContentDir(paths.ContentDir))
	}
	results = append(results, c.CheckOpenFiles(paths.ContentDir))

	if roles != nil {
		results = append(results, roles.Run(ctx)...)
	}
	return results
}

// HasCriticalFailures returns true if any required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus returns a summary status string for the results.
func (c *Checker) SummaryStatus(results []CheckResult) string {
	hasWarnings := false
	hasCriticalFailure := false

	for _, r := range results {
		if r.IsCritical() {
			hasCriticalFailure = true
		}
		if r.Status == StatusWarn || (r.Status == StatusFail && !r.Required) {
			hasWarnings = true
		}
	}

	if hasCriticalFailure {
		return "failed"
	}
	if hasWarnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults prints check results to the configured output.
func (c *Checker) PrintResults(results []CheckResult) {
	_, _ = fmt.Fprintln(c.output, "indexkeeper system check")
	_, _ = fmt.Fprintln(c.output, "========================")
	_, _ = fmt.Fprintln(c.output)

	for _, r := range results {
		_, _ = fmt.Fprintf(c.output, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
		if c.verbose && r.Details != "" {
			_, _ = fmt.Fprintf(c.output, "      %s\n", r.Details)
		}
	}

	_, _ = fmt.Fprintln(c.output)
	_, _ = fmt.Fprintf(c.output, "Status: %s\n", strings.ToUpper(c.SummaryStatus(results)))

	var warnings, errors []string
	for _, r := range results {
		if r.IsCritical() {
			errors = append(errors, r.Name+": "+r.Message)
		} else if r.Status != StatusPass {
			warnings = append(warnings, r.Name+": "+r.Message)
		}
	}

	if len(errors) > 0 {
		_, _ = fmt.Fprintln(c.output)
		_, _ = fmt.Fprintf(c.output, "%d error(s):\n", len(errors))
		for _, e := range errors {
			_, _ = fmt.Fprintf(c.output, "  - %s\n", e)
		}
	}

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(c.output)
		_, _ = fmt.Fprintf(c.output, "%d warning(s):\n", len(warnings))
		for _, w := range warnings {
			_, _ = fmt.Fprintf(c.output, "  - %s\n", w)
		}
	}
}

// CheckWritePermissions checks that a file can be created in path. A
// missing directory is created first, as the commands would do.
func (c *Checker) CheckWritePermissions(name, path string) CheckResult {
	result := CheckResult{
		Name:     name,
		Required: true,
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot create %s: %v", path, err)
		return result
	}

	f, err := os.CreateTemp(path, ".preflight-*")
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	_ = f.Close()
	_ = os.Remove(f.Name())

	result.Status = StatusPass
	result.Message = path
	return result
}

// CheckContentDir reports whether the document directory exists. A missing
// one is only a warning: reindexing treats every document as deleted.
func (c *Checker) CheckContentDir(path string) CheckResult {
	result := CheckResult{Name: "content_dir"}

	info, err := os.Stat(path)
	switch {
	case err != nil:
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("%s does not exist", path)
		result.Details = "ADAPTIVE reindex removes every document while the directory is missing"
	case !info.IsDir():
		result.Status = StatusFail
		result.Required = true
		result.Message = fmt.Sprintf("%s is not a directory", path)
	default:
		result.Status = StatusPass
		result.Message = filepath.Clean(path)
	}
	return result
}
