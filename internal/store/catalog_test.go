package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := OpenCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCatalog_RolesRoundTrip(t *testing.T) {
	// Given: a fresh catalog
	c := newTestCatalog(t)
	ctx := context.Background()

	roles, err := c.LoadRoles(ctx)
	require.NoError(t, err)
	assert.Empty(t, roles)

	// When: saving assignments, then replacing them
	require.NoError(t, c.SaveRoles(ctx, map[string]string{"LIVE": "live_1", "WORKING": "working_1"}))
	require.NoError(t, c.SaveRoles(ctx, map[string]string{"LIVE": "live_2", "WORKING": ""}))

	// Then: only the latest non-empty assignments remain
	roles, err = c.LoadRoles(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"LIVE": "live_2"}, roles)
}

func TestCatalog_RepositoriesRoundTrip(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.SaveRepository(ctx, "a", "/tmp/a"))
	require.NoError(t, c.SaveRepository(ctx, "b", "/tmp/b"))
	require.NoError(t, c.DeleteRepository(ctx, "a"))
	require.NoError(t, c.DeleteRepository(ctx, "never-there"))

	repos, err := c.LoadRepositories(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "/tmp/b"}, repos)
}

func TestCatalog_ClosedIndices(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.SetIndexClosed(ctx, "a", true))
	require.NoError(t, c.SetIndexClosed(ctx, "b", true))
	require.NoError(t, c.SetIndexClosed(ctx, "b", true))
	require.NoError(t, c.SetIndexClosed(ctx, "a", false))

	closed, err := c.ClosedIndices(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"b": true}, closed)
}

func TestCatalog_Journal(t *testing.T) {
	// Given: entries for two identifiers
	c := newTestCatalog(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.AppendJournal(ctx, []JournalEntry{
		{Identifier: "c1", Role: "LIVE", Index: "live_1", Action: "ADD", BatchID: "b1", CommittedAt: at},
		{Identifier: "c2", Role: "LIVE", Index: "live_1", Action: "ADD", BatchID: "b1", CommittedAt: at},
		{Identifier: "c1", Role: "LIVE", Index: "live_1", Action: "REMOVE", BatchID: "b2", CommittedAt: at.Add(time.Second)},
	}))

	// When: reading one identifier's history
	entries, err := c.Journal(ctx, "c1", 10)

	// Then: entries come back oldest first
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ADD", entries[0].Action)
	assert.Equal(t, "REMOVE", entries[1].Action)
	assert.Equal(t, at, entries[0].CommittedAt)

	// And the global tail is bounded by limit
	tail, err := c.Journal(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "c2", tail[0].Identifier)
	assert.Equal(t, "b2", tail[1].BatchID)
}

func TestCatalog_ClosedRejectsCalls(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.LoadRoles(context.Background())
	assert.Error(t, err)
}
