package preflight

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
)

func TestEnsureFreeSpace(t *testing.T) {
	dir := t.TempDir()

	// Given: a small requirement, there is room
	require.NoError(t, EnsureFreeSpace(filepath.Join(dir, "scratch"), 1024))

	// Given: an impossible requirement, the error says so
	err := EnsureFreeSpace(dir, 1<<62)
	require.Error(t, err)
	assert.Equal(t, kerrors.ErrCodeInsufficientSpace, kerrors.GetCode(err))
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{512, "512 bytes"},
		{2048, "2.0 KB"},
		{100 * 1024 * 1024, "100.0 MB"},
		{3 << 30, "3.0 GB"},
		{5 << 40, "5.0 TB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}

func TestNearestExisting(t *testing.T) {
	dir := t.TempDir()

	assert.Equal(t, dir, nearestExisting(filepath.Join(dir, "a", "b", "c")))
	assert.Equal(t, dir, nearestExisting(dir))
}
