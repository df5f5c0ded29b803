package content

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
	"github.com/Aman-CERP/indexkeeper/internal/logging"
	"github.com/Aman-CERP/indexkeeper/internal/reindex"
	"github.com/Aman-CERP/indexkeeper/internal/roles"
	"github.com/Aman-CERP/indexkeeper/internal/watcher"
)

// Enqueuer accepts groups of reindex tasks. reindex.Scheduler implements it.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, tasks []reindex.Task) (string, error)
}

// EventSource delivers batches of document file changes.
// watcher.HybridWatcher implements it.
type EventSource interface {
	Start(ctx context.Context, path string) error
	Stop() error
	Events() <-chan []watcher.FileEvent
	Errors() <-chan error
}

// FeedOptions configures a Feed.
type FeedOptions struct {
	Source  *DirSource
	Events  EventSource
	Enqueue Enqueuer
	// Roles receive one ADAPTIVE task per changed document.
	Roles []roles.Role
	// Retry governs resubmission while the queue is saturated.
	Retry  kerrors.RetryConfig
	Logger *slog.Logger
}

// Feed enqueues ADAPTIVE reindex tasks for every document file change.
// ADAPTIVE lets the worker decide from the file's state at execution time,
// so a deleted file becomes a removal.
type Feed struct {
	opts    FeedOptions
	logger  *slog.Logger
	fed     atomic.Uint64
	dropped atomic.Uint64
}

// NewFeed creates a feed. Roles default to WORKING.
func NewFeed(opts FeedOptions) (*Feed, error) {
	if opts.Source == nil || opts.Events == nil || opts.Enqueue == nil {
		return nil, kerrors.ValidationError("content feed needs a source, an event source and an enqueuer", nil)
	}
	if len(opts.Roles) == 0 {
		opts.Roles = []roles.Role{roles.Working}
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialDelay == 0 {
		opts.Retry = kerrors.EnqueueRetryConfig(5)
	}
	opts.Retry.ShouldRetry = kerrors.EnqueueRetryConfig(0).ShouldRetry
	return &Feed{opts: opts, logger: logging.OrDefault(opts.Logger)}, nil
}

// Run watches the document directory until ctx is cancelled. Watcher
// errors are logged and do not stop the feed.
func (f *Feed) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- f.opts.Events.Start(ctx, f.opts.Source.Dir())
	}()
	defer func() { _ = f.opts.Events.Stop() }()

	f.logger.Info("content_feed_started",
		slog.String("dir", f.opts.Source.Dir()),
		slog.Int("roles", len(f.opts.Roles)))

	events := f.opts.Events.Events()
	errs := f.opts.Events.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case batch, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := f.submit(ctx, batch); err != nil {
				f.logger.Error("content_feed_enqueue_failed",
					slog.Int("events", len(batch)),
					slog.String("error", err.Error()))
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			f.logger.Warn("content_watch_error", slog.String("error", err.Error()))
		}
	}
}

// submit enqueues one task per event and role as a single group.
func (f *Feed) submit(ctx context.Context, batch []watcher.FileEvent) (int, error) {
	ext := f.opts.Source.Extension()
	tasks := make([]reindex.Task, 0, len(batch)*len(f.opts.Roles))
	for _, ev := range batch {
		id := IDFromPath(ev.Path, ext)
		for _, role := range f.opts.Roles {
			tasks = append(tasks, reindex.Task{ID: id, Action: reindex.ActionAdaptive, Role: role})
		}
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	group, err := kerrors.RetryWithResult(ctx, f.opts.Retry, func() (string, error) {
		return f.opts.Enqueue.EnqueueBatch(ctx, tasks)
	})
	if err != nil {
		f.dropped.Add(uint64(len(tasks)))
		return 0, err
	}
	f.fed.Add(uint64(len(tasks)))
	f.logger.Debug("content_feed_enqueued",
		slog.String("group", group),
		slog.Int("tasks", len(tasks)))
	return len(tasks), nil
}

// resyncChunk bounds the documents submitted in one group so a large
// directory does not exceed the queue limit in a single reservation.
const resyncChunk = 256

// Resync enqueues an ADAPTIVE task for every document currently in the
// directory, for each configured role. It returns the tasks enqueued.
func (f *Feed) Resync(ctx context.Context) (int, error) {
	ids, err := f.opts.Source.List(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for start := 0; start < len(ids); start += resyncChunk {
		end := min(start+resyncChunk, len(ids))
		events := make([]watcher.FileEvent, 0, end-start)
		for _, id := range ids[start:end] {
			events = append(events, watcher.FileEvent{Path: id + f.opts.Source.Extension(), Operation: watcher.OpModify})
		}
		n, err := f.submit(ctx, events)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Stats reports tasks enqueued and tasks given up on.
func (f *Feed) Stats() (fed, dropped uint64) {
	return f.fed.Load(), f.dropped.Load()
}
