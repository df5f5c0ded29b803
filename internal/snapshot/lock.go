package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 25 * time.Millisecond

// repoLocks serializes work on a repository name. The in-process gate keeps
// goroutines of one process in order; the lock file under <dir> does the
// same across processes. A gate lives only while someone holds or waits
// for it.
type repoLocks struct {
	dir   string
	mu    sync.Mutex
	gates map[string]*gate
}

type gate struct {
	ch   chan struct{}
	refs int
}

func newRepoLocks(dir string) *repoLocks {
	return &repoLocks{dir: dir, gates: make(map[string]*gate)}
}

func (l *repoLocks) ref(name string) *gate {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[name]
	if !ok {
		g = &gate{ch: make(chan struct{}, 1)}
		l.gates[name] = g
	}
	g.refs++
	return g
}

func (l *repoLocks) unref(name string, g *gate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g.refs--
	if g.refs == 0 {
		delete(l.gates, name)
	}
}

// acquire blocks until name is free or ctx is done.
func (l *repoLocks) acquire(ctx context.Context, name string) (func(), error) {
	g := l.ref(name)
	select {
	case g.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(name, g)
		return nil, fmt.Errorf("waiting for repository %s: %w", name, ctx.Err())
	}

	leave := func() {
		<-g.ch
		l.unref(name, g)
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		leave()
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	fl := flock.New(filepath.Join(l.dir, name+".lock"))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		leave()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("failed to lock repository %s: %w", name, err)
	}

	return func() {
		_ = fl.Unlock()
		leave()
	}, nil
}

// forget removes the lock file of a name nobody in this process holds or
// waits for. It is meant for single-use names such as temporary restore
// repositories; a shared name's file must outlive its holders.
func (l *repoLocks) forget(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.gates[name]; busy {
		return nil
	}
	err := os.Remove(filepath.Join(l.dir, name+".lock"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file for %s: %w", name, err)
	}
	return nil
}
