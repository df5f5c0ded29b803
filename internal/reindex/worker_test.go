package reindex

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
	"github.com/Aman-CERP/indexkeeper/internal/logging"
	"github.com/Aman-CERP/indexkeeper/internal/roles"
	"github.com/Aman-CERP/indexkeeper/internal/store"
)

// memContent is an in-memory ContentSource.
type memContent struct {
	mu   sync.Mutex
	docs map[string]map[string]any
	errs map[string]error
}

func newMemContent() *memContent {
	return &memContent{docs: map[string]map[string]any{}, errs: map[string]error{}}
}

func (c *memContent) put(id, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[id] = map[string]any{"body": body}
}

func (c *memContent) drop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, id)
}

func (c *memContent) FetchDocument(_ context.Context, id string) (map[string]any, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs[id]; err != nil {
		return nil, false, err
	}
	doc, ok := c.docs[id]
	return doc, ok, nil
}

type staticResolver map[roles.Role]string

func (r staticResolver) IndicesByRole() map[roles.Role]string { return r }

// failingIndexer fails every bulk call with err.
type failingIndexer struct {
	err   error
	calls int
}

func (f *failingIndexer) Bulk(context.Context, string, []store.BulkOp) (*store.BulkResponse, error) {
	f.calls++
	return nil, f.err
}

// stallingIndexer blocks every bulk call until its context ends.
type stallingIndexer struct {
	mu    sync.Mutex
	calls int
}

func (s *stallingIndexer) Bulk(ctx context.Context, _ string, _ []store.BulkOp) (*store.BulkResponse, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stallingIndexer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stallingContent blocks every fetch until its context ends.
type stallingContent struct{}

func (stallingContent) FetchDocument(ctx context.Context, _ string) (map[string]any, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}

func newBleve(t *testing.T, indices ...string) *store.BleveStore {
	t.Helper()
	s, err := store.OpenBleveStore(context.Background(), store.BleveOptions{
		Dir:    filepath.Join(t.TempDir(), "indices"),
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	for _, name := range indices {
		require.NoError(t, s.CreateIndex(context.Background(), name))
	}
	return s
}

func newTestWorker(t *testing.T, opts WorkerOptions) *Worker {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	w, err := NewWorker(opts)
	require.NoError(t, err)
	return w
}

func batchOf(role roles.Role, tasks ...Task) Batch {
	for i := range tasks {
		tasks[i].Role = role
	}
	return Batch{ID: "b1", Role: role, Tasks: tasks}
}

func TestWorker_AppliesAddRemoveAdaptive(t *testing.T) {
	// Given: a live index holding "old" and "stale", and content for "new"
	ctx := context.Background()
	st := newBleve(t, "live_1")
	_, err := st.Bulk(ctx, "live_1", []store.BulkOp{
		{Kind: store.OpUpsert, ID: "old", Doc: map[string]any{"body": "x"}},
		{Kind: store.OpUpsert, ID: "stale", Doc: map[string]any{"body": "y"}},
	})
	require.NoError(t, err)
	content := newMemContent()
	content.put("new", "hello")

	w := newTestWorker(t, WorkerOptions{
		Store:    st,
		Content:  content,
		Resolver: staticResolver{roles.Live: "live_1"},
	})

	// When: adding "new", removing "old", and adaptively touching "stale"
	// whose content is gone
	res := w.Execute(ctx, batchOf(roles.Live,
		Task{ID: "new", Action: ActionAdd},
		Task{ID: "old", Action: ActionRemove},
		Task{ID: "stale", Action: ActionAdaptive},
	))

	// Then: all three are committed and the index reflects them
	require.NoError(t, res.Cause)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{"new", "old", "stale"}, res.Committed)
	assert.Equal(t, "live_1", res.Index)

	for id, want := range map[string]bool{"new": true, "old": false, "stale": false} {
		got, err := st.Contains(ctx, "live_1", id)
		require.NoError(t, err)
		assert.Equal(t, want, got, id)
	}
}

func TestWorker_AddWithMissingContentDeletes(t *testing.T) {
	ctx := context.Background()
	st := newBleve(t, "live_1")
	_, err := st.Bulk(ctx, "live_1", []store.BulkOp{
		{Kind: store.OpUpsert, ID: "gone", Doc: map[string]any{"body": "x"}},
	})
	require.NoError(t, err)

	w := newTestWorker(t, WorkerOptions{
		Store: st, Content: newMemContent(), Resolver: staticResolver{roles.Live: "live_1"},
	})
	res := w.Execute(ctx, batchOf(roles.Live, Task{ID: "gone", Action: ActionAdd}))

	require.NoError(t, res.Cause)
	found, err := st.Contains(ctx, "live_1", "gone")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWorker_FetchFailureIsPerIdentifier(t *testing.T) {
	// Given: content for "a" and a broken fetch for "b"
	ctx := context.Background()
	st := newBleve(t, "live_1")
	content := newMemContent()
	content.put("a", "fine")
	content.errs["b"] = errors.New("content backend timeout")

	w := newTestWorker(t, WorkerOptions{
		Store: st, Content: content, Resolver: staticResolver{roles.Live: "live_1"},
	})

	// When: executing both
	res := w.Execute(ctx, batchOf(roles.Live,
		Task{ID: "a", Action: ActionAdd},
		Task{ID: "b", Action: ActionAdd},
	))

	// Then: "a" commits and only "b" fails
	require.NoError(t, res.Cause)
	assert.Equal(t, []string{"a"}, res.Committed)
	require.Contains(t, res.Failed, "b")
	assert.Contains(t, res.Failed["b"].Error(), "content backend timeout")
}

func TestWorker_NoIndexForRole(t *testing.T) {
	w := newTestWorker(t, WorkerOptions{
		Store: newBleve(t), Content: newMemContent(), Resolver: staticResolver{},
	})

	res := w.Execute(context.Background(), batchOf(roles.Working, Task{ID: "a", Action: ActionAdd}))

	assert.ErrorIs(t, res.Cause, kerrors.ErrIndexNotFound)
	assert.Contains(t, res.Failed, "a")
	assert.False(t, kerrors.IsRetryable(res.Cause))
}

func TestWorker_StoreFailureFailsWholeBatch(t *testing.T) {
	idx := &failingIndexer{err: kerrors.Transient("store unreachable", nil)}
	content := newMemContent()
	content.put("a", "x")
	w := newTestWorker(t, WorkerOptions{
		Store: idx, Content: content, Resolver: staticResolver{roles.Live: "live_1"},
	})

	res := w.Execute(context.Background(), batchOf(roles.Live,
		Task{ID: "a", Action: ActionAdd},
		Task{ID: "b", Action: ActionRemove},
	))

	assert.True(t, kerrors.IsRetryable(res.Cause))
	assert.Len(t, res.Failed, 2)
	assert.Empty(t, res.Committed)
}

func TestWorker_BreakerOpensOnRepeatedStoreFailures(t *testing.T) {
	// Given: a store that always fails transiently and a sensitive breaker
	idx := &failingIndexer{err: kerrors.Transient("store unreachable", nil)}
	w := newTestWorker(t, WorkerOptions{
		Store:    idx,
		Content:  newMemContent(),
		Resolver: staticResolver{roles.Live: "live_1"},
		Breaker: BreakerConfig{
			MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute,
			FailureRatio: 0.5, MinRequests: 2,
		},
	})
	b := batchOf(roles.Live, Task{ID: "a", Action: ActionRemove})

	// When: executing until the breaker trips
	w.Execute(context.Background(), b)
	w.Execute(context.Background(), b)
	res := w.Execute(context.Background(), b)

	// Then: the third call fails fast without reaching the store
	assert.Equal(t, gobreaker.StateOpen, w.BreakerState())
	assert.Equal(t, 2, idx.calls)
	assert.ErrorIs(t, res.Cause, kerrors.ErrStoreUnavailable)
	assert.True(t, kerrors.IsRetryable(res.Cause))
}

func TestWorker_BreakerIgnoresCallerErrors(t *testing.T) {
	idx := &failingIndexer{err: kerrors.Newf(kerrors.ErrCodeIndexNotOpen, "closed")}
	w := newTestWorker(t, WorkerOptions{
		Store:    idx,
		Content:  newMemContent(),
		Resolver: staticResolver{roles.Live: "live_1"},
		Breaker: BreakerConfig{
			MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute,
			FailureRatio: 0.5, MinRequests: 1,
		},
	})
	b := batchOf(roles.Live, Task{ID: "a", Action: ActionRemove})

	for i := 0; i < 3; i++ {
		res := w.Execute(context.Background(), b)
		assert.ErrorIs(t, res.Cause, kerrors.ErrIndexNotOpen)
	}
	assert.Equal(t, gobreaker.StateClosed, w.BreakerState())
}

func TestWorker_JournalsCommittedTasks(t *testing.T) {
	// Given: a worker with a catalog journal
	ctx := context.Background()
	st := newBleve(t, "live_1")
	cat, err := store.OpenCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	content := newMemContent()
	content.put("a", "x")

	w := newTestWorker(t, WorkerOptions{
		Store: st, Content: content, Resolver: staticResolver{roles.Live: "live_1"},
		Journal: cat,
	})

	// When: executing a batch
	res := w.Execute(ctx, batchOf(roles.Live, Task{ID: "a", Action: ActionAdd}))
	require.NoError(t, res.Cause)

	// Then: the journal records the commit
	entries, err := cat.Journal(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "LIVE", entries[0].Role)
	assert.Equal(t, "live_1", entries[0].Index)
	assert.Equal(t, "ADD", entries[0].Action)
	assert.Equal(t, "b1", entries[0].BatchID)
}

func TestWorker_ReindexOnlySkipsJournal(t *testing.T) {
	ctx := context.Background()
	st := newBleve(t, "live_1")
	cat, err := store.OpenCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	content := newMemContent()
	content.put("a", "x")

	w := newTestWorker(t, WorkerOptions{
		Store: st, Content: content, Resolver: staticResolver{roles.Live: "live_1"},
		Journal: cat, ReindexOnly: true,
	})
	res := w.Execute(ctx, batchOf(roles.Live, Task{ID: "a", Action: ActionAdd}))
	require.NoError(t, res.Cause)

	entries, err := cat.Journal(ctx, "a", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	found, err := st.Contains(ctx, "live_1", "a")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestWorker_BulkTimeoutFailsWholeBatch(t *testing.T) {
	// Given: a store that never answers and a short batch timeout
	idx := &stallingIndexer{}
	w := newTestWorker(t, WorkerOptions{
		Store:        idx,
		Content:      newMemContent(),
		Resolver:     staticResolver{roles.Live: "live_1"},
		BatchTimeout: 20 * time.Millisecond,
	})

	// When: executing removals, which need no content
	res := w.Execute(context.Background(), batchOf(roles.Live,
		Task{ID: "a", Action: ActionRemove},
		Task{ID: "b", Action: ActionRemove},
	))

	// Then: every task fails with a retryable store timeout
	assert.ErrorIs(t, res.Cause, kerrors.ErrStoreTimeout)
	assert.True(t, kerrors.IsRetryable(res.Cause))
	assert.Len(t, res.Failed, 2)
	assert.Contains(t, res.Failed, "a")
	assert.Contains(t, res.Failed, "b")
	assert.Empty(t, res.Committed)
	assert.Equal(t, 1, idx.count())
}

func TestWorker_FetchTimeoutFailsWholeBatch(t *testing.T) {
	// Given: a content source that never answers
	idx := &stallingIndexer{}
	w := newTestWorker(t, WorkerOptions{
		Store:        idx,
		Content:      stallingContent{},
		Resolver:     staticResolver{roles.Live: "live_1"},
		BatchTimeout: 20 * time.Millisecond,
	})

	// When: executing additions
	res := w.Execute(context.Background(), batchOf(roles.Live,
		Task{ID: "a", Action: ActionAdd},
		Task{ID: "b", Action: ActionAdaptive},
	))

	// Then: the batch times out before reaching the store
	assert.ErrorIs(t, res.Cause, kerrors.ErrStoreTimeout)
	assert.Len(t, res.Failed, 2)
	assert.Empty(t, res.Committed)
	assert.Zero(t, idx.count())
}
