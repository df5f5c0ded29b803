package reindex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
	"github.com/Aman-CERP/indexkeeper/internal/logging"
	"github.com/Aman-CERP/indexkeeper/internal/roles"
)

// Options configures a Scheduler. Zero values take the defaults noted.
type Options struct {
	Executor Executor

	// BatchSize caps tasks per batch. Default 100.
	BatchSize int
	// FlushInterval is the longest a task waits for its batch to fill.
	// Default 500ms.
	FlushInterval time.Duration
	// QueueLimit caps tasks pending or in flight. Default 10000.
	QueueLimit int
	// EnqueueWait is how long Enqueue waits for room before failing with
	// QueueSaturated. Default 2s.
	EnqueueWait time.Duration
	// Workers caps batches executing at once across roles. Default 4.
	Workers int

	// MaxAttempts bounds executions of a batch that fails transiently.
	// Default 3.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	HistorySize int
	// Listener receives every terminal outcome. It runs on the lane
	// goroutine and must not block.
	Listener func(Outcome)
	Metrics  *Metrics
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

func (o *Options) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = 10000
	}
	if o.EnqueueWait <= 0 {
		o.EnqueueWait = 2 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = 5 * time.Second
		if o.MaxBackoff < o.InitialBackoff {
			o.MaxBackoff = o.InitialBackoff
		}
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

// Scheduler batches reindex tasks per role and dispatches them to an
// Executor.
type Scheduler struct {
	opts    Options
	exec    Executor
	history *History
	metrics *Metrics
	logger  *slog.Logger

	capacity *semaphore.Weighted
	workers  *semaphore.Weighted
	lanes    map[roles.Role]*lane
	seq      atomic.Uint64

	// state guards the running flags; Enqueue holds it shared so Stop
	// cannot drain a lane under an in-progress enqueue.
	state   sync.RWMutex
	running bool
	stopped bool
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler returns a Scheduler. Call Start before enqueueing.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Executor == nil {
		return nil, kerrors.ValidationError("reindex scheduler: executor is required", nil)
	}
	opts.withDefaults()

	history, err := NewHistory(opts.HistorySize)
	if err != nil {
		return nil, kerrors.InternalError("reindex scheduler: outcome history", err)
	}

	s := &Scheduler{
		opts:     opts,
		exec:     opts.Executor,
		history:  history,
		metrics:  opts.Metrics,
		logger:   logging.OrDefault(opts.Logger),
		capacity: semaphore.NewWeighted(int64(opts.QueueLimit)),
		workers:  semaphore.NewWeighted(int64(opts.Workers)),
		lanes:    make(map[roles.Role]*lane, len(roles.Assignable)),
		stopCh:   make(chan struct{}),
	}
	for _, role := range roles.Assignable {
		s.lanes[role] = newLane(role)
	}
	return s, nil
}

// Start launches one goroutine per role lane. Work in flight is bound to
// ctx; cancelling it fails outstanding batches.
func (s *Scheduler) Start(ctx context.Context) error {
	s.state.Lock()
	defer s.state.Unlock()
	if s.stopped {
		return errStopped()
	}
	if s.running {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, l := range s.lanes {
		s.wg.Add(1)
		go s.runLane(l)
	}
	s.logger.Info("reindex_scheduler_started",
		slog.Int("batch_size", s.opts.BatchSize),
		slog.Duration("flush_interval", s.opts.FlushInterval),
		slog.Int("queue_limit", s.opts.QueueLimit),
		slog.Int("workers", s.opts.Workers))
	return nil
}

// Stop flushes pending tasks, waits for them to finish and stops the lanes.
// If ctx ends first, in-flight batches are cancelled and their tasks fail.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.state.Lock()
	if !s.running || s.stopped {
		s.stopped = true
		s.state.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.state.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("reindex_scheduler_stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		s.logger.Warn("reindex_scheduler_stop_forced", slog.String("error", ctx.Err().Error()))
		return ctx.Err()
	}
}

// accepting reports whether lanes are running. Callers hold state.
func (s *Scheduler) accepting() bool {
	return s.running && !s.stopped && s.ctx.Err() == nil
}

func errStopped() error {
	return kerrors.New(kerrors.ErrCodeSchedulerStopped, "reindex scheduler is not running", nil)
}

// Enqueue adds t to its role's lane. A task for an identifier that is
// already pending in that lane replaces it in place. When the buffer is
// full Enqueue waits up to EnqueueWait and then fails with QueueSaturated.
func (s *Scheduler) Enqueue(ctx context.Context, t Task) error {
	if err := t.validate(); err != nil {
		return err
	}

	s.state.RLock()
	defer s.state.RUnlock()
	if !s.accepting() {
		return errStopped()
	}

	l := s.lanes[t.Role]
	t.seq = s.seq.Add(1)

	if l.replace(t) {
		s.accepted(t, true)
		return nil
	}
	if err := s.reserve(ctx, 1); err != nil {
		return err
	}
	added := l.add(t, s.opts.BatchSize, s.opts.FlushInterval)
	if added {
		s.metrics.QueueDepth.WithLabelValues(string(t.Role)).Inc()
	} else {
		s.capacity.Release(1)
	}
	s.accepted(t, !added)
	return nil
}

// EnqueueBatch adds tasks as one group and flushes the affected lanes
// without waiting for FlushInterval. Either every task is accepted or none
// is. The returned group id is set on each task.
func (s *Scheduler) EnqueueBatch(ctx context.Context, tasks []Task) (string, error) {
	if len(tasks) == 0 {
		return "", nil
	}
	for _, t := range tasks {
		if err := t.validate(); err != nil {
			return "", err
		}
	}

	s.state.RLock()
	defer s.state.RUnlock()
	if !s.accepting() {
		return "", errStopped()
	}

	distinct := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		distinct[historyKey(t.Role, t.ID)] = struct{}{}
	}
	need := int64(len(distinct))
	if need > int64(s.opts.QueueLimit) {
		s.metrics.QueueSaturated.Inc()
		return "", saturated(s.opts.QueueLimit)
	}
	if err := s.reserve(ctx, need); err != nil {
		return "", err
	}

	group := s.opts.NewID()
	touched := make(map[roles.Role]bool, len(roles.Assignable))
	used := int64(0)
	for _, t := range tasks {
		t.Group = group
		t.seq = s.seq.Add(1)
		added := s.lanes[t.Role].add(t, s.opts.BatchSize, s.opts.FlushInterval)
		if added {
			used++
			s.metrics.QueueDepth.WithLabelValues(string(t.Role)).Inc()
		}
		s.accepted(t, !added)
		touched[t.Role] = true
	}
	if used < need {
		s.capacity.Release(need - used)
	}
	for role := range touched {
		s.lanes[role].flushNow()
	}
	return group, nil
}

// Flush dispatches every pending task without waiting for FlushInterval.
func (s *Scheduler) Flush() {
	for _, l := range s.lanes {
		l.flushNow()
	}
}

// Outcome returns the latest known state of id under role.
func (s *Scheduler) Outcome(role roles.Role, id string) (Outcome, bool) {
	return s.history.Get(role, id)
}

// Pending returns the number of tasks waiting in lanes.
func (s *Scheduler) Pending() int {
	n := 0
	for _, l := range s.lanes {
		n += l.len()
	}
	return n
}

func saturated(limit int) error {
	return kerrors.New(kerrors.ErrCodeQueueSaturated,
		fmt.Sprintf("reindex queue is full (%d tasks pending)", limit), nil).
		WithSuggestion("Retry later or raise reindex.queue_limit")
}

// reserve takes n slots of queue capacity, waiting up to EnqueueWait.
func (s *Scheduler) reserve(ctx context.Context, n int64) error {
	if s.capacity.TryAcquire(n) {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, s.opts.EnqueueWait)
	defer cancel()
	if err := s.capacity.Acquire(wctx, n); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.QueueSaturated.Inc()
		return saturated(s.opts.QueueLimit)
	}
	return nil
}

func (s *Scheduler) unreserve(role roles.Role, n int) {
	s.capacity.Release(int64(n))
	s.metrics.QueueDepth.WithLabelValues(string(role)).Sub(float64(n))
}

func (s *Scheduler) accepted(t Task, coalesced bool) {
	role := string(t.Role)
	s.metrics.TasksEnqueued.WithLabelValues(role).Inc()
	if coalesced {
		s.metrics.TasksCoalesced.WithLabelValues(role).Inc()
	}
	s.history.put(Outcome{
		ID:     t.ID,
		Role:   t.Role,
		Action: t.Action,
		State:  StatePending,
		At:     s.opts.Now(),
		seq:    t.seq,
	})
}

func (s *Scheduler) runLane(l *lane) {
	defer s.wg.Done()
	for {
		select {
		case <-l.kick:
			s.drainLane(l)
		case <-s.stopCh:
			l.flushNow()
			s.drainLane(l)
			return
		case <-s.ctx.Done():
			l.flushNow()
			s.drainLane(l)
			return
		}
	}
}

func (s *Scheduler) drainLane(l *lane) {
	for {
		tasks := l.take(s.opts.BatchSize)
		if len(tasks) == 0 {
			return
		}
		s.dispatch(Batch{ID: s.opts.NewID(), Role: l.role, Tasks: tasks})
	}
}

// dispatch executes b with retries and records the outcome of each task.
func (s *Scheduler) dispatch(b Batch) {
	start := s.opts.Now()
	now := start
	for _, t := range b.Tasks {
		s.history.put(Outcome{
			ID: t.ID, Role: t.Role, Action: t.Action,
			State: StateBatched, BatchID: b.ID, At: now, seq: t.seq,
		})
	}

	res := s.execute(b)
	res.Duration = s.opts.Now().Sub(start)
	s.complete(b, res)
	s.unreserve(b.Role, len(b.Tasks))
}

func (s *Scheduler) execute(b Batch) *BatchResult {
	if err := s.workers.Acquire(s.ctx, 1); err != nil {
		return failAll(b, "", fmt.Errorf("batch %s not started: %w", b.ID, err))
	}
	defer s.workers.Release(1)

	role := string(b.Role)
	attempts := 0
	var res *BatchResult
	cfg := kerrors.RetryConfig{
		MaxRetries:   s.opts.MaxAttempts - 1,
		InitialDelay: s.opts.InitialBackoff,
		MaxDelay:     s.opts.MaxBackoff,
		Multiplier:   2.0,
		Jitter:       true,
		ShouldRetry:  kerrors.IsRetryable,
		OnRetry: func(attempt int, err error) {
			s.metrics.BatchRetries.WithLabelValues(role).Inc()
			s.logger.Warn("batch_retry",
				slog.String("batch_id", b.ID),
				slog.String("role", role),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
		},
	}
	err := kerrors.Retry(s.ctx, cfg, func() error {
		attempts++
		res = s.exec.Execute(s.ctx, b)
		if res == nil {
			res = failAll(b, "", kerrors.InternalError("executor returned no result", nil))
		}
		return res.Cause
	})
	if res == nil {
		res = failAll(b, "", err)
	}
	res.Attempts = attempts
	return res
}

func (s *Scheduler) complete(b Batch, res *BatchResult) {
	role := string(b.Role)
	now := s.opts.Now()
	for _, t := range b.Tasks {
		o := Outcome{
			ID: t.ID, Role: t.Role, Action: t.Action,
			State: StateCommitted, BatchID: b.ID, Index: res.Index, At: now, seq: t.seq,
		}
		if err, failed := res.Failed[t.ID]; failed {
			o.State = StateFailed
			o.Err = err
		}
		s.history.put(o)
		s.metrics.TaskOutcomes.WithLabelValues(role, string(o.State)).Inc()
		if s.opts.Listener != nil {
			s.opts.Listener(o)
		}
	}

	s.metrics.BatchDuration.WithLabelValues(role).Observe(res.Duration.Seconds())
	switch {
	case res.Cause != nil:
		s.metrics.Batches.WithLabelValues(role, "failed").Inc()
		s.logger.Error("batch_failed",
			slog.String("batch_id", b.ID),
			slog.String("role", role),
			slog.Int("tasks", len(b.Tasks)),
			slog.Int("attempts", res.Attempts),
			slog.String("error", res.Cause.Error()))
	case len(res.Failed) > 0:
		s.metrics.Batches.WithLabelValues(role, "partial").Inc()
		s.logger.Warn("batch_partially_committed",
			slog.String("batch_id", b.ID),
			slog.String("role", role),
			slog.String("index", res.Index),
			slog.Int("committed", len(res.Committed)),
			slog.Int("failed", len(res.Failed)))
	default:
		s.metrics.Batches.WithLabelValues(role, "committed").Inc()
		s.logger.Debug("batch_committed",
			slog.String("batch_id", b.ID),
			slog.String("role", role),
			slog.String("index", res.Index),
			slog.Int("tasks", len(b.Tasks)),
			slog.Duration("duration", res.Duration))
	}
}
