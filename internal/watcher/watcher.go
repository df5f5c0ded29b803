package watcher

import (
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// Operation is the kind of change observed for a document file.
type Operation int

const (
	// OpCreate indicates a new document file.
	OpCreate Operation = iota
	// OpModify indicates an existing document file changed.
	OpModify
	// OpDelete indicates a document file was removed or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is a change to one document file.
type FileEvent struct {
	// Path is relative to the watched directory, with forward slashes.
	Path      string
	Operation Operation
	Timestamp time.Time
}

// Options configures the watcher behavior.
type Options struct {
	// DebounceWindow is the time to wait before emitting coalesced events.
	// Default: 200ms
	DebounceWindow time.Duration

	// PollInterval is the interval for polling mode (fallback).
	// Default: 5s
	PollInterval time.Duration

	// EventBufferSize is the number of event batches buffered for readers.
	// Default: 100
	EventBufferSize int

	// Extension selects document files. Default: ".json"
	Extension string

	// ForcePolling skips fsnotify.
	ForcePolling bool

	Logger *slog.Logger
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  200 * time.Millisecond,
		PollInterval:    5 * time.Second,
		EventBufferSize: 100,
		Extension:       ".json",
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.DebounceWindow == 0 {
		o.DebounceWindow = defaults.DebounceWindow
	}
	if o.PollInterval == 0 {
		o.PollInterval = defaults.PollInterval
	}
	if o.EventBufferSize == 0 {
		o.EventBufferSize = defaults.EventBufferSize
	}
	if o.Extension == "" {
		o.Extension = defaults.Extension
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// isDocument reports whether rel names a visible file with ext.
func isDocument(rel, ext string) bool {
	if rel == "" || rel == "." || !strings.HasSuffix(rel, ext) {
		return false
	}
	return !hidden(rel)
}

// hidden reports whether any element of rel starts with a dot.
func hidden(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	return false
}
