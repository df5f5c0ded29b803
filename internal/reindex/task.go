// Package reindex batches document reindex requests per index role and
// applies them to the store.
//
// Producers call Scheduler.Enqueue or Scheduler.EnqueueBatch. Each role has
// one lane: pending tasks wait there, coalesced so that at most one task
// per identifier is pending, until the lane holds BatchSize tasks or
// FlushInterval has passed since the first arrival. A lane runs its batches
// one at a time, so repeated mutations of one identifier are applied in
// arrival order. Lanes of different roles share a bounded worker pool.
//
// A Worker executes a batch: it fetches current content for ADD and
// ADAPTIVE tasks, turns them into store upserts or deletes, and reports
// committed and failed identifiers. Whole-batch failures that are
// transient are retried by the scheduler with exponential backoff; once the
// attempts run out every task in the batch is reported FAILED.
package reindex

import (
	"strings"
	"time"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
	"github.com/Aman-CERP/indexkeeper/internal/roles"
)

// Action is what a task asks the worker to do with its identifier.
type Action string

const (
	// ActionAdd upserts the current content.
	ActionAdd Action = "ADD"
	// ActionRemove deletes the document.
	ActionRemove Action = "REMOVE"
	// ActionAdaptive upserts if the content exists and deletes otherwise.
	ActionAdaptive Action = "ADAPTIVE"
)

// ParseAction parses an action name case-insensitively.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionAdd, ActionRemove, ActionAdaptive:
		return a, nil
	}
	return "", kerrors.Newf(kerrors.ErrCodeInvalidInput, "unknown action %q (want ADD, REMOVE or ADAPTIVE)", s)
}

// TaskState is the lifecycle position of a task.
type TaskState string

const (
	StatePending   TaskState = "PENDING"
	StateBatched   TaskState = "BATCHED"
	StateCommitted TaskState = "COMMITTED"
	StateFailed    TaskState = "FAILED"
)

// Terminal reports whether s is COMMITTED or FAILED.
func (s TaskState) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

// Task asks for one identifier to be reindexed in the index holding Role.
type Task struct {
	ID     string
	Action Action
	Role   roles.Role
	// Group is set on tasks submitted together through EnqueueBatch.
	Group string

	seq uint64
}

func (t Task) validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return kerrors.ValidationError("reindex task has an empty identifier", nil)
	}
	switch t.Action {
	case ActionAdd, ActionRemove, ActionAdaptive:
	default:
		return kerrors.Newf(kerrors.ErrCodeInvalidInput, "reindex task %s has unknown action %q", t.ID, t.Action)
	}
	if t.Role != roles.Live && t.Role != roles.Working {
		return kerrors.Newf(kerrors.ErrCodeInvalidInput, "reindex task %s targets role %q (want LIVE or WORKING)", t.ID, t.Role)
	}
	return nil
}

// Batch is an ordered group of tasks for one role.
type Batch struct {
	ID    string
	Role  roles.Role
	Tasks []Task
}

// IDs returns the task identifiers in batch order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Tasks))
	for i, t := range b.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// BatchResult reports the outcome of one batch.
type BatchResult struct {
	BatchID string
	Role    roles.Role
	// Index is the concrete index the batch was applied to.
	Index     string
	Committed []string
	// Failed maps identifiers to the reason they were not applied.
	Failed map[string]error
	// Cause is set when the batch failed as a whole; every task is then in
	// Failed.
	Cause    error
	Attempts int
	Duration time.Duration
}

// failAll marks every task in b failed with cause.
func failAll(b Batch, index string, cause error) *BatchResult {
	res := &BatchResult{
		BatchID: b.ID,
		Role:    b.Role,
		Index:   index,
		Failed:  make(map[string]error, len(b.Tasks)),
		Cause:   cause,
	}
	for _, t := range b.Tasks {
		res.Failed[t.ID] = cause
	}
	return res
}

// Outcome is the latest known state of a task.
type Outcome struct {
	ID      string
	Role    roles.Role
	Action  Action
	State   TaskState
	BatchID string
	Index   string
	Err     error
	At      time.Time

	seq uint64
}
