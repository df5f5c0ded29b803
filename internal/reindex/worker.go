package reindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
	"github.com/Aman-CERP/indexkeeper/internal/logging"
	"github.com/Aman-CERP/indexkeeper/internal/roles"
	"github.com/Aman-CERP/indexkeeper/internal/store"
)

// ContentSource supplies the current content of a document. found=false
// means the document no longer exists.
type ContentSource interface {
	FetchDocument(ctx context.Context, id string) (doc map[string]any, found bool, err error)
}

// IndexResolver maps roles to concrete index names. roles.Registry
// implements it.
type IndexResolver interface {
	IndicesByRole() map[roles.Role]string
}

// Indexer applies bulk operations to a named index.
type Indexer interface {
	Bulk(ctx context.Context, index string, ops []store.BulkOp) (*store.BulkResponse, error)
}

// Journal records committed outcomes. store.Catalog implements it.
type Journal interface {
	AppendJournal(ctx context.Context, entries []store.JournalEntry) error
}

// Executor runs one batch. Worker is the production implementation.
type Executor interface {
	Execute(ctx context.Context, b Batch) *BatchResult
}

// BreakerConfig configures the store circuit breaker.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// DefaultBreakerConfig returns the breaker settings used when none are given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  5,
	}
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Store    Indexer
	Content  ContentSource
	Resolver IndexResolver
	// Journal is optional. It is skipped when ReindexOnly is set.
	Journal     Journal
	ReindexOnly bool
	// BatchTimeout bounds content fetches plus the bulk call.
	BatchTimeout time.Duration
	// FetchConcurrency bounds parallel content fetches. Default 8.
	FetchConcurrency int
	Breaker          BreakerConfig
	Logger           *slog.Logger
	Now              func() time.Time
}

// Worker executes batches against the store.
type Worker struct {
	store       Indexer
	content     ContentSource
	resolver    IndexResolver
	journal     Journal
	reindexOnly bool
	timeout     time.Duration
	fetchLimit  int
	breaker     *gobreaker.CircuitBreaker
	logger      *slog.Logger
	now         func() time.Time
}

// NewWorker returns a Worker.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Store == nil || opts.Content == nil || opts.Resolver == nil {
		return nil, kerrors.ValidationError("reindex worker: store, content source and resolver are required", nil)
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = store.DefaultBatchTimeout
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 8
	}
	if opts.Breaker == (BreakerConfig{}) {
		opts.Breaker = DefaultBreakerConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := logging.OrDefault(opts.Logger)

	bc := opts.Breaker
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "index-store",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureRatio
		},
		// Caller mistakes say nothing about store health.
		IsSuccessful: func(err error) bool {
			return err == nil || !kerrors.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("breaker_state_changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Worker{
		store:       opts.Store,
		content:     opts.Content,
		resolver:    opts.Resolver,
		journal:     opts.Journal,
		reindexOnly: opts.ReindexOnly,
		timeout:     opts.BatchTimeout,
		fetchLimit:  opts.FetchConcurrency,
		breaker:     breaker,
		logger:      logger,
		now:         opts.Now,
	}, nil
}

// BreakerState returns the current circuit breaker state.
func (w *Worker) BreakerState() gobreaker.State {
	return w.breaker.State()
}

// Execute applies b to the index currently holding b.Role. It never panics
// on store failure: a whole-batch failure is reported in Cause with every
// task listed in Failed.
func (w *Worker) Execute(ctx context.Context, b Batch) *BatchResult {
	start := w.now()

	index := w.resolver.IndicesByRole()[b.Role]
	if index == "" {
		cause := kerrors.Newf(kerrors.ErrCodeIndexNotFound, "no index holds role %s", b.Role).
			WithSuggestion("Run 'indexkeeper bootstrap' or assign the role first")
		return failAll(b, "", cause)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ops, fetchFailed, err := w.buildOps(ctx, b)
	if err != nil {
		return w.finish(failAll(b, index, w.timeoutCause(ctx, err)), start)
	}

	var resp *store.BulkResponse
	if len(ops) > 0 {
		out, err := w.breaker.Execute(func() (interface{}, error) {
			return w.store.Bulk(ctx, index, ops)
		})
		if err != nil {
			return w.finish(failAll(b, index, w.storeCause(ctx, index, err)), start)
		}
		resp = out.(*store.BulkResponse)
	}

	res := &BatchResult{
		BatchID: b.ID,
		Role:    b.Role,
		Index:   index,
		Failed:  make(map[string]error),
	}
	for _, t := range b.Tasks {
		if ferr, ok := fetchFailed[t.ID]; ok {
			res.Failed[t.ID] = ferr
			continue
		}
		if resp != nil {
			if derr, ok := resp.Failed[t.ID]; ok {
				res.Failed[t.ID] = derr
				continue
			}
		}
		res.Committed = append(res.Committed, t.ID)
	}

	w.record(ctx, b, res)
	return w.finish(res, start)
}

// buildOps turns tasks into store operations in batch order. Content is
// fetched concurrently; a document that cannot be fetched is reported as a
// per-identifier failure and left out of the bulk request.
func (w *Worker) buildOps(ctx context.Context, b Batch) ([]store.BulkOp, map[string]error, error) {
	type fetched struct {
		doc   map[string]any
		found bool
		err   error
	}
	results := make([]fetched, len(b.Tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.fetchLimit)
	for i, t := range b.Tasks {
		if t.Action == ActionRemove {
			continue
		}
		i, t := i, t
		g.Go(func() error {
			doc, found, err := w.content.FetchDocument(gctx, t.ID)
			results[i] = fetched{doc: doc, found: found, err: err}
			// Only a cancelled batch aborts the whole fetch.
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	ops := make([]store.BulkOp, 0, len(b.Tasks))
	failed := make(map[string]error)
	for i, t := range b.Tasks {
		if t.Action == ActionRemove {
			ops = append(ops, store.BulkOp{Kind: store.OpDelete, ID: t.ID})
			continue
		}
		r := results[i]
		switch {
		case r.err != nil:
			failed[t.ID] = fmt.Errorf("fetch content for %s: %w", t.ID, r.err)
		case !r.found:
			// Stale entries of vanished documents are removed.
			ops = append(ops, store.BulkOp{Kind: store.OpDelete, ID: t.ID})
		default:
			ops = append(ops, store.BulkOp{Kind: store.OpUpsert, ID: t.ID, Doc: r.doc})
		}
	}
	return ops, failed, nil
}

func (w *Worker) storeCause(ctx context.Context, index string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return kerrors.New(kerrors.ErrCodeStoreUnavailable,
			fmt.Sprintf("index store circuit is open; bulk to %s not attempted", index), err)
	}
	return w.timeoutCause(ctx, err)
}

// timeoutCause reports an expired batch deadline as a store timeout so the
// scheduler retries it.
func (w *Worker) timeoutCause(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !kerrors.IsRetryable(err) {
		return kerrors.New(kerrors.ErrCodeStoreTimeout,
			fmt.Sprintf("batch exceeded its %s timeout", w.timeout), err)
	}
	return err
}

// record appends committed outcomes to the journal unless running in
// reindex-only mode. A journal failure does not fail the batch.
func (w *Worker) record(ctx context.Context, b Batch, res *BatchResult) {
	if w.reindexOnly || w.journal == nil || len(res.Committed) == 0 {
		return
	}
	committed := make(map[string]bool, len(res.Committed))
	for _, id := range res.Committed {
		committed[id] = true
	}
	now := w.now()
	entries := make([]store.JournalEntry, 0, len(res.Committed))
	for _, t := range b.Tasks {
		if !committed[t.ID] {
			continue
		}
		entries = append(entries, store.JournalEntry{
			Identifier:  t.ID,
			Role:        string(b.Role),
			Index:       res.Index,
			Action:      string(t.Action),
			BatchID:     b.ID,
			CommittedAt: now,
		})
	}
	if err := w.journal.AppendJournal(ctx, entries); err != nil {
		w.logger.Warn("journal_append_failed",
			slog.String("batch_id", b.ID),
			slog.Int("entries", len(entries)),
			slog.String("error", err.Error()))
	}
}

func (w *Worker) finish(res *BatchResult, start time.Time) *BatchResult {
	res.Duration = w.now().Sub(start)
	return res
}
