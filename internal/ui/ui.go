// Package ui renders reindex progress: a bubbletea view for interactive
// terminals and line-oriented text for pipes and CI.
package ui

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// Stage is a phase of a reindex run.
type Stage int

const (
	// StageListing discovers documents in the content directory.
	StageListing Stage = iota
	// StageIndexing waits for queued tasks to commit or fail.
	StageIndexing
	// StageComplete indicates every task reached a terminal state.
	StageComplete
)

// String returns the human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StageListing:
		return "Listing"
	case StageIndexing:
		return "Indexing"
	case StageComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Icon returns the short stage tag for plain text output.
func (s Stage) Icon() string {
	switch s {
	case StageListing:
		return "LIST"
	case StageIndexing:
		return "INDEX"
	case StageComplete:
		return "DONE"
	default:
		return "???"
	}
}

// ProgressEvent is a progress update. Current counts finished tasks.
type ProgressEvent struct {
	Stage    Stage
	Current  int
	Total    int
	Document string
	Message  string
}

// ErrorEvent reports a task that failed, or a warning.
type ErrorEvent struct {
	Document string
	Err      error
	IsWarn   bool
}

// CompletionStats summarizes a finished run.
type CompletionStats struct {
	Committed int
	Failed    int
	Duration  time.Duration
	Roles     []string
}

// Renderer displays reindex progress. Implementations are safe for
// concurrent use; UpdateProgress and AddError never block on the display.
type Renderer interface {
	Start(ctx context.Context) error
	UpdateProgress(event ProgressEvent)
	AddError(event ErrorEvent)
	Complete(stats CompletionStats)
	Stop() error
}

// Config configures the renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
	// Title is shown in the TUI panel header.
	Title string
	// OnInterrupt runs when the user quits the TUI with q or ctrl+c. The
	// terminal is in raw mode then, so no SIGINT is delivered.
	OnInterrupt func()
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithForcePlain forces plain text output.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) {
		c.ForcePlain = force
	}
}

// WithNoColor disables color output.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) {
		c.NoColor = noColor
	}
}

// WithTitle sets the panel title.
func WithTitle(title string) ConfigOption {
	return func(c *Config) {
		c.Title = title
	}
}

// WithInterrupt sets the callback run when the user quits the TUI.
func WithInterrupt(fn func()) ConfigOption {
	return func(c *Config) {
		c.OnInterrupt = fn
	}
}

// NewConfig creates a new Config with the given output and options.
func NewConfig(output io.Writer, opts ...ConfigOption) Config {
	cfg := Config{
		Output: output,
		Title:  "indexkeeper reindex",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewRenderer returns a TUI renderer for interactive terminals and a
// plain renderer for CI, pipes or when plain output is forced.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	tui, err := NewTUIRenderer(cfg)
	if err != nil {
		return NewPlainRenderer(cfg)
	}
	return tui
}

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// DetectNoColor checks if NO_COLOR environment variable is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI checks if running in a CI environment.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"} {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}
