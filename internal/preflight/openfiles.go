package preflight

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"syscall"
)

// MinOpenFiles is the open-file limit below which indexkeeper refuses to
// run: every open index keeps its segment files open.
const MinOpenFiles = 1024

// CheckOpenFiles compares the process open-file limit with what the store
// and the content watcher are expected to need. The watcher holds a
// descriptor per content directory on kqueue platforms, so a large tree
// raises the estimate.
func (c *Checker) CheckOpenFiles(contentDir string) CheckResult {
	var lim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
		return CheckResult{
			Name:     "open_files",
			Required: true,
			Status:   StatusFail,
			Message:  fmt.Sprintf("cannot read open-file limit: %v", err),
		}
	}
	return evaluateOpenFiles(uint64(lim.Cur), countDirs(contentDir))
}

func evaluateOpenFiles(limit uint64, watchedDirs int) CheckResult {
	want := uint64(MinOpenFiles + watchedDirs)
	result := CheckResult{
		Name:     "open_files",
		Required: true,
		Message:  fmt.Sprintf("%d (want %d for %d watched directories)", limit, want, watchedDirs),
	}
	switch {
	case limit < MinOpenFiles:
		result.Status = StatusFail
		result.Details = fmt.Sprintf("Run 'ulimit -n %d' before starting indexkeeper", want*2)
	case limit < want:
		result.Status = StatusWarn
		result.Details = "watch may run out of descriptors; raise 'ulimit -n' or set content.force_polling"
	default:
		result.Status = StatusPass
	}
	return result
}

// countDirs counts the non-hidden directories under root, root included.
// A missing root counts as zero.
func countDirs(root string) int {
	if root == "" {
		return 0
	}
	n := 0
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		n++
		return nil
	})
	return n
}
