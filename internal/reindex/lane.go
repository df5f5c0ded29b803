package reindex

import (
	"sync"
	"time"

	"github.com/Aman-CERP/indexkeeper/internal/roles"
)

// lane holds the pending tasks of one role. At most one task per
// identifier is pending; a newer task replaces the older one in place.
// Order is therefore kept per identifier only: enqueueing a, b, a' yields
// the batch [a', b].
type lane struct {
	role roles.Role
	kick chan struct{}

	mu      sync.Mutex
	pending []Task
	pos     map[string]int
	due     bool
	timer   *time.Timer
}

func newLane(role roles.Role) *lane {
	return &lane{
		role: role,
		kick: make(chan struct{}, 1),
		pos:  make(map[string]int),
	}
}

func (l *lane) signal() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// replace swaps t in for a pending task with the same identifier. It
// reports false when no such task is pending.
func (l *lane) replace(t Task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.pos[t.ID]
	if !ok {
		return false
	}
	l.pending[i] = t
	return true
}

// add appends t, or replaces a pending task with the same identifier and
// reports false. The flush timer starts with the first pending task; a full
// batch wakes the lane immediately.
func (l *lane) add(t Task, batchSize int, flushAfter time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.pos[t.ID]; ok {
		l.pending[i] = t
		return false
	}
	l.pos[t.ID] = len(l.pending)
	l.pending = append(l.pending, t)

	if l.timer == nil {
		l.timer = time.AfterFunc(flushAfter, l.flushNow)
	}
	if len(l.pending) >= batchSize {
		l.signal()
	}
	return true
}

// flushNow marks everything pending as due and wakes the lane.
func (l *lane) flushNow() {
	l.mu.Lock()
	l.due = true
	l.mu.Unlock()
	l.signal()
}

// take removes up to max tasks from the head of the lane. Nothing is taken
// while the lane holds less than a full batch and no flush is due.
func (l *lane) take(max int) []Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		l.due = false
		return nil
	}
	if !l.due && len(l.pending) < max {
		return nil
	}

	n := min(max, len(l.pending))
	tasks := make([]Task, n)
	copy(tasks, l.pending[:n])
	rest := make([]Task, len(l.pending)-n)
	copy(rest, l.pending[n:])
	l.pending = rest

	clear(l.pos)
	for i, t := range l.pending {
		l.pos[t.ID] = i
	}
	if len(l.pending) == 0 {
		l.due = false
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
	}
	return tasks
}

func (l *lane) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
