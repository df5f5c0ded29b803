package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
	"github.com/Aman-CERP/indexkeeper/internal/store"
)

func TestRepositoryManager_ResolveIsStable(t *testing.T) {
	h := newHarness(t)

	first, err := h.repos.Resolve("repoA")
	require.NoError(t, err)
	second, err := h.repos.Resolve("repoA")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, filepath.Join(h.repos.Base(), "repoA"), first)
}

func TestRepositoryManager_ResolveRejectsBadNames(t *testing.T) {
	h := newHarness(t)

	for _, name := range []string{"", "../up", "a/b", "with space"} {
		_, err := h.repos.Resolve(name)
		assert.ErrorIs(t, err, kerrors.ErrInvalidName, name)
	}
}

func TestRepositoryManager_CreateIsIdempotent(t *testing.T) {
	// Given: a repository created at its default location
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.repos.CreateRepository(ctx, "repoA", ""))

	// When: creating it again with the same location
	loc, _ := h.repos.Location("repoA")
	err := h.repos.CreateRepository(ctx, "repoA", loc)

	// Then: nothing changes
	require.NoError(t, err)
	again, ok := h.repos.Location("repoA")
	require.True(t, ok)
	assert.Equal(t, loc, again)
	assert.DirExists(t, filepath.Join(loc, store.SnapshotsDir))
}

func TestRepositoryManager_CreateConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.repos.CreateRepository(ctx, "repoA", ""))

	err := h.repos.CreateRepository(ctx, "repoA", t.TempDir())

	assert.ErrorIs(t, err, kerrors.ErrRepositoryConflict)
}

func TestRepositoryManager_DeleteAbsentIsNoop(t *testing.T) {
	h := newHarness(t)

	err := h.repos.DeleteRepository(context.Background(), "never-created")

	assert.NoError(t, err)
}

func TestRepositoryManager_DeleteKeepsFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.repos.CreateRepository(ctx, "repoA", ""))
	loc, _ := h.repos.Location("repoA")

	require.NoError(t, h.repos.DeleteRepository(ctx, "repoA"))

	_, ok := h.repos.Location("repoA")
	assert.False(t, ok)
	assert.DirExists(t, loc)
}

func TestRepositoryManager_PurgeRemovesFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.repos.CreateRepository(ctx, "repoA", ""))
	loc, _ := h.repos.Location("repoA")

	require.NoError(t, h.repos.PurgeRepository(ctx, "repoA"))

	_, err := os.Stat(loc)
	assert.True(t, os.IsNotExist(err))
}

func TestRepositoryManager_SerializesSameName(t *testing.T) {
	// Given: two goroutines working on the same repository
	h := newHarness(t)
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.repos.withLock(ctx, "repoA", func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Then: at most one ran at a time
	assert.Equal(t, 1, maxInside)
}

func TestRepositoryManager_LockHonoursContext(t *testing.T) {
	h := newHarness(t)
	release, err := h.repos.locks.acquire(context.Background(), "repoA")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = h.repos.withLock(ctx, "repoA", func() error { return nil })

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRepositoryManager_GatesAreDroppedWhenIdle(t *testing.T) {
	// Given: several holders and waiters cycling through distinct names
	h := newHarness(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := "repo" + string(rune('a'+n%3))
			assert.NoError(t, h.repos.withLock(ctx, name, func() error { return nil }))
		}(i)
	}
	wg.Wait()

	// Then: no gate outlives its last user
	h.repos.locks.mu.Lock()
	defer h.repos.locks.mu.Unlock()
	assert.Empty(t, h.repos.locks.gates)
}

func TestRepositoryManager_ForgetRemovesIdleLockFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lockFile := filepath.Join(h.repos.Base(), ".locks", "restore-x.lock")
	require.NoError(t, h.repos.withLock(ctx, "restore-x", func() error { return nil }))
	require.FileExists(t, lockFile)

	require.NoError(t, h.repos.locks.forget("restore-x"))

	assert.NoFileExists(t, lockFile)
	// Forgetting twice is harmless.
	assert.NoError(t, h.repos.locks.forget("restore-x"))
}

func TestRepositoryManager_ForgetKeepsHeldLockFile(t *testing.T) {
	h := newHarness(t)
	release, err := h.repos.locks.acquire(context.Background(), "restore-y")
	require.NoError(t, err)
	defer release()

	require.NoError(t, h.repos.locks.forget("restore-y"))

	assert.FileExists(t, filepath.Join(h.repos.Base(), ".locks", "restore-y.lock"))
}
