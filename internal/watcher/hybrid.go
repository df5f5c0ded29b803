package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// HybridWatcher watches a document directory with fsnotify, falling back
// to polling when fsnotify cannot be initialized.
type HybridWatcher struct {
	fsWatcher      *fsnotify.Watcher
	pollWatcher    *PollingWatcher
	useFsnotify    bool
	debouncer      *Debouncer
	events         chan []FileEvent
	errors         chan error
	stopCh         chan struct{}
	rootPath       string
	opts           Options
	logger         *slog.Logger
	mu             sync.RWMutex
	stopped        bool
	droppedBatches atomic.Uint64
}

// New creates a watcher with the given options.
func New(opts Options) (*HybridWatcher, error) {
	opts = opts.WithDefaults()

	h := &HybridWatcher{
		debouncer: NewDebouncer(opts.DebounceWindow, opts.Logger),
		events:    make(chan []FileEvent, opts.EventBufferSize),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
		opts:      opts,
		logger:    opts.Logger,
	}

	if !opts.ForcePolling {
		if fsw, err := fsnotify.NewWatcher(); err == nil {
			h.fsWatcher = fsw
			h.useFsnotify = true
		} else {
			h.logger.Warn("fsnotify unavailable, falling back to polling",
				slog.String("error", err.Error()))
		}
	}
	if !h.useFsnotify {
		h.pollWatcher = NewPollingWatcher(opts.PollInterval, opts.Extension, opts.Logger)
	}
	return h, nil
}

// Start watches path until ctx is cancelled or Stop is called.
func (h *HybridWatcher) Start(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("watch %s: %w", absPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch %s: not a directory", absPath)
	}

	h.mu.Lock()
	h.rootPath = absPath
	h.mu.Unlock()

	go h.forwardDebouncedEvents(ctx)

	if h.useFsnotify {
		return h.startFsnotify(ctx)
	}
	return h.startPolling(ctx)
}

func (h *HybridWatcher) startFsnotify(ctx context.Context) error {
	if err := h.addRecursive(h.rootPath); err != nil {
		return fmt.Errorf("add directories to watcher: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			_ = h.Stop()
			return ctx.Err()
		case <-h.stopCh:
			return nil
		case event, ok := <-h.fsWatcher.Events:
			if !ok {
				return nil
			}
			h.handleFsnotifyEvent(event)
		case err, ok := <-h.fsWatcher.Errors:
			if !ok {
				return nil
			}
			h.emitError(err)
		}
	}
}

func (h *HybridWatcher) startPolling(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case event, ok := <-h.pollWatcher.Events():
				if !ok {
					return
				}
				h.debouncer.Add(event)
			case err, ok := <-h.pollWatcher.Errors():
				if !ok {
					return
				}
				h.emitError(err)
			}
		}
	}()

	return h.pollWatcher.Start(ctx, h.rootPath)
}

// handleFsnotifyEvent converts and filters fsnotify events.
func (h *HybridWatcher) handleFsnotifyEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(h.rootPath, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		// New directories are watched; their existing files are reported
		// as created since no event was seen for them.
		if event.Op&fsnotify.Create != 0 && !hidden(rel) {
			_ = h.addRecursive(event.Name)
			h.reportExisting(event.Name)
		}
		return
	}

	if !isDocument(rel, h.opts.Extension) {
		return
	}

	var op Operation
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&fsnotify.Remove != 0, event.Op&fsnotify.Rename != 0:
		op = OpDelete
	default:
		return
	}

	h.debouncer.Add(FileEvent{Path: rel, Operation: op, Timestamp: time.Now()})
}

func (h *HybridWatcher) reportExisting(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(h.rootPath, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if isDocument(rel, h.opts.Extension) {
			h.debouncer.Add(FileEvent{Path: rel, Operation: OpCreate, Timestamp: time.Now()})
		}
		return nil
	})
}

func (h *HybridWatcher) forwardDebouncedEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case events, ok := <-h.debouncer.Output():
			if !ok {
				return
			}
			if len(events) > 0 {
				h.emitEvents(events)
			}
		}
	}
}

// addRecursive adds root and its visible subdirectories to fsnotify.
func (h *HybridWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(h.rootPath, path)
		if rel != "." && hidden(rel) {
			return filepath.SkipDir
		}
		return h.fsWatcher.Add(path)
	})
}

func (h *HybridWatcher) emitEvents(events []FileEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}

	select {
	case h.events <- events:
	default:
		count := h.droppedBatches.Add(1)
		h.logger.Warn("event buffer full, dropping batch",
			slog.Int("batch_size", len(events)),
			slog.Uint64("total_dropped_batches", count))
	}
}

// DroppedBatches returns the number of event batches dropped due to buffer overflow.
func (h *HybridWatcher) DroppedBatches() uint64 {
	return h.droppedBatches.Load()
}

func (h *HybridWatcher) emitError(err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}
	select {
	case h.errors <- err:
	default:
	}
}

// Stop stops the watcher and closes its channels. Safe to call more than
// once.
func (h *HybridWatcher) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return nil
	}
	h.stopped = true
	close(h.stopCh)

	h.debouncer.Stop()
	if h.fsWatcher != nil {
		_ = h.fsWatcher.Close()
	}
	if h.pollWatcher != nil {
		_ = h.pollWatcher.Stop()
	}

	close(h.events)
	close(h.errors)
	return nil
}

// Events returns the channel of debounced event batches.
func (h *HybridWatcher) Events() <-chan []FileEvent {
	return h.events
}

// Errors returns the channel of non-fatal watcher errors.
func (h *HybridWatcher) Errors() <-chan error {
	return h.errors
}

// WatcherType returns "fsnotify" or "polling".
func (h *HybridWatcher) WatcherType() string {
	if h.useFsnotify {
		return "fsnotify"
	}
	return "polling"
}
