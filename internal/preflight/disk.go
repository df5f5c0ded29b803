package preflight

import (
	"fmt"
	"syscall"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
)

// MinDiskSpaceBytes is the minimum required free disk space (100MB).
const MinDiskSpaceBytes = 100 * 1024 * 1024

// FreeBytes returns the space available to unprivileged users on the
// filesystem holding path.
func FreeBytes(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("failed to check disk space at %s: %w", path, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// CheckDiskSpace checks if there's sufficient disk space at the given path.
func (c *Checker) CheckDiskSpace(path string) CheckResult {
	result := CheckResult{
		Name:     "disk_space",
		Required: true,
	}

	available, err := FreeBytes(nearestExisting(path))
	if err != nil {
		result.Status = StatusFail
		result.Message = err.Error()
		return result
	}

	result.Message = fmt.Sprintf("%s free (minimum: %s)", formatBytes(available), formatBytes(c.minFree))
	if available < c.minFree {
		result.Status = StatusFail
		return result
	}
	result.Status = StatusPass
	return result
}

// EnsureFreeSpace fails when the filesystem holding path has less than
// need bytes plus MinDiskSpaceBytes of headroom.
func EnsureFreeSpace(path string, need uint64) error {
	available, err := FreeBytes(nearestExisting(path))
	if err != nil {
		return err
	}
	if available < need+MinDiskSpaceBytes {
		return kerrors.Newf(kerrors.ErrCodeInsufficientSpace,
			"not enough disk space at %s: need %s, %s free", path, formatBytes(need+MinDiskSpaceBytes), formatBytes(available)).
			WithDetail("path", path).
			WithSuggestion("Free up space or point snapshot.scratch_dir at a larger filesystem")
	}
	return nil
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
