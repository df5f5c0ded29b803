package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotatingWriter appends log entries to a file and rotates it by size.
// indexkeeper.log rolls to indexkeeper.log.1, .1 to .2, and so on; the
// file past the keep limit is dropped. Every write is synced so a tailing
// operator sees it at once.
type RotatingWriter struct {
	path     string
	maxBytes int64
	keep     int

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotatingWriter opens path for appending. The file rotates once it
// would grow past maxSizeMB, and at most maxFiles rotated files are kept.
func NewRotatingWriter(path string, maxSizeMB, maxFiles int) (*RotatingWriter, error) {
	return newRotatingWriter(path, int64(maxSizeMB)<<20, maxFiles)
}

func newRotatingWriter(path string, maxBytes int64, keep int) (*RotatingWriter, error) {
	if keep < 1 {
		keep = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &RotatingWriter{path: path, maxBytes: maxBytes, keep: keep}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends p, rotating first when p would push a non-empty file past
// the size limit. A failed rotation is reported on stderr and the entry
// goes to the current file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, os.ErrClosed
	}

	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "indexkeeper: log rotation failed: %v\n", err)
			if w.file == nil {
				return 0, err
			}
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	if err == nil {
		_ = w.file.Sync()
	}
	return n, err
}

// Sync flushes the current file.
func (w *RotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close closes the current file. Later writes fail with os.ErrClosed.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) rotated(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

// rotate shifts the chain up by one and starts a fresh file. Caller holds
// w.mu.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		w.file = nil
		_ = w.open()
		return fmt.Errorf("failed to close log file: %w", err)
	}
	w.file = nil

	if err := os.Remove(w.rotated(w.keep)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(fmt.Errorf("failed to drop oldest log: %w", err), w.open())
	}
	for i := w.keep - 1; i >= 1; i-- {
		if err := os.Rename(w.rotated(i), w.rotated(i+1)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Join(fmt.Errorf("failed to shift %s: %w", w.rotated(i), err), w.open())
		}
	}
	if err := os.Rename(w.path, w.rotated(1)); err != nil {
		return errors.Join(fmt.Errorf("failed to rotate log file: %w", err), w.open())
	}
	return w.open()
}
