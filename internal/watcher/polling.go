package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// PollingWatcher detects document changes by periodically scanning the
// directory. Used when fsnotify is not available.
type PollingWatcher struct {
	interval  time.Duration
	ext       string
	logger    *slog.Logger
	fileState map[string]fileSnapshot
	events    chan FileEvent
	errors    chan error
	stopCh    chan struct{}
	mu        sync.RWMutex
	stopped   bool
	rootPath  string
}

type fileSnapshot struct {
	modTime time.Time
	size    int64
}

// NewPollingWatcher creates a polling watcher for files with ext.
func NewPollingWatcher(interval time.Duration, ext string, logger *slog.Logger) *PollingWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollingWatcher{
		interval:  interval,
		ext:       ext,
		logger:    logger,
		fileState: make(map[string]fileSnapshot),
		events:    make(chan FileEvent, 100),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
	}
}

// Start polls path until ctx is cancelled or Stop is called.
func (p *PollingWatcher) Start(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}

	p.mu.Lock()
	p.rootPath = absPath
	state, err := p.walk()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("perform initial scan: %w", err)
	}
	p.fileState = state
	p.mu.Unlock()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = p.Stop()
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			if err := p.detectChanges(); err != nil {
				select {
				case p.errors <- err:
				default:
				}
			}
		}
	}
}

// Stop stops the polling watcher.
func (p *PollingWatcher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true
	close(p.stopCh)
	close(p.events)
	close(p.errors)
	return nil
}

// Events returns the channel of file events.
func (p *PollingWatcher) Events() <-chan FileEvent {
	return p.events
}

// Errors returns the channel of errors.
func (p *PollingWatcher) Errors() <-chan error {
	return p.errors
}

// walk records the state of every document file. Must be called with the
// lock held.
func (p *PollingWatcher) walk() (map[string]fileSnapshot, error) {
	state := make(map[string]fileSnapshot)
	err := filepath.WalkDir(p.rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == p.rootPath {
				return err
			}
			return nil
		}
		rel, err := filepath.Rel(p.rootPath, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && hidden(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !isDocument(rel, p.ext) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		state[rel] = fileSnapshot{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	return state, err
}

// detectChanges compares current state with the previous scan.
func (p *PollingWatcher) detectChanges() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := p.walk()
	if err != nil {
		return fmt.Errorf("walk directory for changes: %w", err)
	}

	now := time.Now()
	for rel, snap := range current {
		prev, existed := p.fileState[rel]
		switch {
		case !existed:
			p.emitEvent(FileEvent{Path: rel, Operation: OpCreate, Timestamp: now})
		case prev != snap:
			p.emitEvent(FileEvent{Path: rel, Operation: OpModify, Timestamp: now})
		}
	}
	for rel := range p.fileState {
		if _, ok := current[rel]; !ok {
			p.emitEvent(FileEvent{Path: rel, Operation: OpDelete, Timestamp: now})
		}
	}

	p.fileState = current
	return nil
}

// emitEvent sends an event. Must be called with the lock held.
func (p *PollingWatcher) emitEvent(event FileEvent) {
	if p.stopped {
		return
	}
	select {
	case p.events <- event:
	default:
		p.logger.Warn("polling watcher buffer full, dropping event",
			slog.String("path", event.Path),
			slog.String("op", event.Operation.String()))
	}
}
