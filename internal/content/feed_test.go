package content

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
	"github.com/Aman-CERP/indexkeeper/internal/logging"
	"github.com/Aman-CERP/indexkeeper/internal/reindex"
	"github.com/Aman-CERP/indexkeeper/internal/roles"
	"github.com/Aman-CERP/indexkeeper/internal/store"
	"github.com/Aman-CERP/indexkeeper/internal/watcher"
)

// fakeEvents is an EventSource driven by the test.
type fakeEvents struct {
	events  chan []watcher.FileEvent
	errs    chan error
	started chan string
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{
		events:  make(chan []watcher.FileEvent, 4),
		errs:    make(chan error, 4),
		started: make(chan string, 1),
	}
}

func (f *fakeEvents) Start(ctx context.Context, path string) error {
	f.started <- path
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeEvents) Stop() error { return nil }

func (f *fakeEvents) Events() <-chan []watcher.FileEvent { return f.events }
func (f *fakeEvents) Errors() <-chan error               { return f.errs }

// recordingEnqueuer records groups and fails the first failures calls.
type recordingEnqueuer struct {
	mu       sync.Mutex
	groups   [][]reindex.Task
	failures int
	err      error
	calls    int
}

func (e *recordingEnqueuer) EnqueueBatch(_ context.Context, tasks []reindex.Task) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.failures {
		return "", e.err
	}
	e.groups = append(e.groups, append([]reindex.Task(nil), tasks...))
	return fmt.Sprintf("g%d", len(e.groups)), nil
}

func (e *recordingEnqueuer) recorded() [][]reindex.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]reindex.Task(nil), e.groups...)
}

func fastRetry() kerrors.RetryConfig {
	return kerrors.RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func runFeed(t *testing.T, f *Feed) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestFeed_EnqueuesAdaptiveTaskPerRole(t *testing.T) {
	// Given: a feed over two roles
	dir := t.TempDir()
	events := newFakeEvents()
	enq := &recordingEnqueuer{}
	f, err := NewFeed(FeedOptions{
		Source:  NewDirSource(dir, ".json"),
		Events:  events,
		Enqueue: enq,
		Roles:   []roles.Role{roles.Working, roles.Live},
		Retry:   fastRetry(),
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)
	runFeed(t, f)
	assert.Equal(t, dir, <-events.started)

	// When: the watcher reports a change and a deletion
	events.events <- []watcher.FileEvent{
		{Path: "blog/intro.json", Operation: watcher.OpModify},
		{Path: "old.json", Operation: watcher.OpDelete},
	}

	// Then: one group with an ADAPTIVE task per document and role
	require.Eventually(t, func() bool { return len(enq.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []reindex.Task{
		{ID: "blog/intro", Action: reindex.ActionAdaptive, Role: roles.Working},
		{ID: "blog/intro", Action: reindex.ActionAdaptive, Role: roles.Live},
		{ID: "old", Action: reindex.ActionAdaptive, Role: roles.Working},
		{ID: "old", Action: reindex.ActionAdaptive, Role: roles.Live},
	}, enq.recorded()[0])
	fed, dropped := f.Stats()
	assert.Equal(t, uint64(4), fed)
	assert.Zero(t, dropped)
}

func TestFeed_RetriesWhileQueueSaturated(t *testing.T) {
	events := newFakeEvents()
	enq := &recordingEnqueuer{failures: 2, err: kerrors.New(kerrors.ErrCodeQueueSaturated, "full", nil)}
	f, err := NewFeed(FeedOptions{
		Source: NewDirSource(t.TempDir(), ".json"), Events: events, Enqueue: enq,
		Retry: fastRetry(), Logger: logging.Discard(),
	})
	require.NoError(t, err)
	runFeed(t, f)

	events.events <- []watcher.FileEvent{{Path: "a.json", Operation: watcher.OpCreate}}

	require.Eventually(t, func() bool { return len(enq.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, roles.Working, enq.recorded()[0][0].Role)
}

func TestFeed_GivesUpOnOtherErrors(t *testing.T) {
	events := newFakeEvents()
	enq := &recordingEnqueuer{failures: 100, err: kerrors.New(kerrors.ErrCodeSchedulerStopped, "stopped", nil)}
	f, err := NewFeed(FeedOptions{
		Source: NewDirSource(t.TempDir(), ".json"), Events: events, Enqueue: enq,
		Retry: fastRetry(), Logger: logging.Discard(),
	})
	require.NoError(t, err)
	runFeed(t, f)

	events.events <- []watcher.FileEvent{{Path: "a.json", Operation: watcher.OpCreate}}
	events.errs <- fmt.Errorf("watch limit reached")

	require.Eventually(t, func() bool {
		_, dropped := f.Stats()
		return dropped == 1
	}, time.Second, 5*time.Millisecond)
	enq.mu.Lock()
	assert.Equal(t, 1, enq.calls)
	enq.mu.Unlock()
}

func TestFeed_Resync_ChunksDirectory(t *testing.T) {
	// Given: more documents than fit one resync group
	dir := t.TempDir()
	for i := 0; i < resyncChunk+3; i++ {
		writeFile(t, filepath.Join(dir, fmt.Sprintf("doc%04d.json", i)), "{}")
	}
	enq := &recordingEnqueuer{}
	f, err := NewFeed(FeedOptions{
		Source: NewDirSource(dir, ".json"), Events: newFakeEvents(), Enqueue: enq,
		Retry: fastRetry(), Logger: logging.Discard(),
	})
	require.NoError(t, err)

	// When: resyncing
	n, err := f.Resync(context.Background())

	// Then: every document is enqueued across two groups
	require.NoError(t, err)
	assert.Equal(t, resyncChunk+3, n)
	groups := enq.recorded()
	require.Len(t, groups, 2)
	assert.Len(t, groups[0], resyncChunk)
	assert.Equal(t, "doc0000", groups[0][0].ID)
	assert.Len(t, groups[1], 3)
}

func TestNewFeed_RequiresCollaborators(t *testing.T) {
	_, err := NewFeed(FeedOptions{Source: NewDirSource(t.TempDir(), "")})

	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)
}

func TestFeed_EndToEnd_FileChangesReachIndex(t *testing.T) {
	// Given: a real watcher, scheduler, worker and bleve index for WORKING
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.OpenBleveStore(ctx, store.BleveOptions{
		Dir:    filepath.Join(t.TempDir(), "indices"),
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.CreateIndex(ctx, "working_1"))

	src := NewDirSource(dir, ".json")
	worker, err := reindex.NewWorker(reindex.WorkerOptions{
		Store:       st,
		Content:     src,
		Resolver:    staticRoles{roles.Working: "working_1"},
		ReindexOnly: true,
		Logger:      logging.Discard(),
	})
	require.NoError(t, err)
	sched, err := reindex.NewScheduler(reindex.Options{
		Executor:      worker,
		FlushInterval: 10 * time.Millisecond,
		Logger:        logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = sched.Stop(stopCtx)
	})

	w, err := watcher.New(watcher.Options{DebounceWindow: 20 * time.Millisecond, Logger: logging.Discard()})
	require.NoError(t, err)
	f, err := NewFeed(FeedOptions{Source: src, Events: w, Enqueue: sched, Logger: logging.Discard()})
	require.NoError(t, err)
	runFeed(t, f)
	time.Sleep(100 * time.Millisecond)

	// When: a document appears
	writeFile(t, filepath.Join(dir, "page.json"), `{"title":"welcome"}`)

	// Then: it is indexed
	require.Eventually(t, func() bool {
		ok, err := st.Contains(ctx, "working_1", "page")
		return err == nil && ok
	}, 5*time.Second, 20*time.Millisecond)
}

type staticRoles map[roles.Role]string

func (r staticRoles) IndicesByRole() map[roles.Role]string { return r }
