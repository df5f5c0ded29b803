package content

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestDirSource_FetchDocument(t *testing.T) {
	// Given: a directory with a nested document
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "blog", "intro.json"), `{"title":"Hello","views":3}`)
	src := NewDirSource(dir, "")

	// When: fetching it by identifier
	doc, found, err := src.FetchDocument(context.Background(), "blog/intro")

	// Then: the decoded payload is returned
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Hello", doc["title"])
	assert.Equal(t, float64(3), doc["views"])
}

func TestDirSource_FetchDocument_MissingIsNotFound(t *testing.T) {
	src := NewDirSource(t.TempDir(), ".json")

	doc, found, err := src.FetchDocument(context.Background(), "gone")

	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, doc)
}

func TestDirSource_FetchDocument_RejectsEscapingIdentifiers(t *testing.T) {
	src := NewDirSource(t.TempDir(), ".json")

	for _, id := range []string{"", "../secret", "/etc/passwd", "a/../../b"} {
		t.Run(id, func(t *testing.T) {
			_, _, err := src.FetchDocument(context.Background(), id)

			require.Error(t, err)
			assert.ErrorIs(t, err, kerrors.ErrInvalidInput)
			assert.False(t, kerrors.IsRetryable(err))
		})
	}
}

func TestDirSource_FetchDocument_MalformedJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.json"), `[1,2,3]`)
	src := NewDirSource(dir, ".json")

	_, found, err := src.FetchDocument(context.Background(), "bad")

	require.Error(t, err)
	assert.False(t, found)
	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)
}

func TestDirSource_FetchDocument_CancelledContext(t *testing.T) {
	src := NewDirSource(t.TempDir(), ".json")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := src.FetchDocument(ctx, "any")

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDirSource_List(t *testing.T) {
	// Given: documents, a non-document and hidden entries
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.json"), "{}")
	writeFile(t, filepath.Join(dir, "a.json"), "{}")
	writeFile(t, filepath.Join(dir, "news", "today.json"), "{}")
	writeFile(t, filepath.Join(dir, "notes.txt"), "x")
	writeFile(t, filepath.Join(dir, ".draft.json"), "{}")
	writeFile(t, filepath.Join(dir, ".trash", "old.json"), "{}")

	// When: listing
	ids, err := NewDirSource(dir, ".json").List(context.Background())

	// Then: only visible documents, sorted
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "news/today"}, ids)
}

func TestDirSource_List_MissingDirectory(t *testing.T) {
	_, err := NewDirSource(filepath.Join(t.TempDir(), "nope"), ".json").List(context.Background())

	assert.Error(t, err)
}

func TestIDFromPath(t *testing.T) {
	assert.Equal(t, "blog/intro", IDFromPath("blog/intro.json", ".json"))
	assert.Equal(t, "readme.md", IDFromPath("readme.md", ".json"))
}
