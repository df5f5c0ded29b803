package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
	"github.com/Aman-CERP/indexkeeper/internal/logging"
)

// DefaultBatchTimeout bounds a bulk commit when the caller's context has no
// deadline.
const DefaultBatchTimeout = 30 * time.Second

// BleveOptions configures a BleveStore.
type BleveOptions struct {
	// Dir holds one bleve index directory per named index.
	Dir string
	// Catalog persists repository registrations. Optional.
	Catalog *Catalog
	// BatchTimeout is applied to bulk commits without a deadline.
	BatchTimeout time.Duration
	// Reopen opens existing indices at startup, except those the catalog
	// records as closed. Without it every existing index starts CLOSED.
	Reopen bool
	Logger       *slog.Logger
}

// BleveStore implements IndexStore on top of bleve. An index is CLOSED when
// its directory exists but no handle is held.
type BleveStore struct {
	mu      sync.RWMutex
	dir     string
	open    map[string]bleve.Index
	repos   map[string]string
	catalog *Catalog
	timeout time.Duration
	logger  *slog.Logger
	closed  bool

	// commits holds one slot per index; a bulk commit owns it until bleve
	// returns, even after its caller timed out.
	commitsMu sync.Mutex
	commits   map[string]chan struct{}
}

var _ IndexStore = (*BleveStore)(nil)

// OpenBleveStore opens the store rooted at opts.Dir. Existing indices start
// CLOSED. Repository bindings are reloaded from the catalog when one is set.
func OpenBleveStore(ctx context.Context, opts BleveOptions) (*BleveStore, error) {
	if opts.Dir == "" {
		return nil, kerrors.ValidationError("store directory is required", nil)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", opts.Dir, err)
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}

	s := &BleveStore{
		dir:     opts.Dir,
		open:    make(map[string]bleve.Index),
		commits: make(map[string]chan struct{}),
		repos:   make(map[string]string),
		catalog: opts.Catalog,
		timeout: opts.BatchTimeout,
		logger:  logging.OrDefault(opts.Logger),
	}

	if s.catalog != nil {
		repos, err := s.catalog.LoadRepositories(ctx)
		if err != nil {
			return nil, err
		}
		s.repos = repos
	}
	if opts.Reopen {
		if err := s.reopen(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// reopen opens indices left open by a previous process. A damaged index
// stays CLOSED and is logged.
func (s *BleveStore) reopen(ctx context.Context) error {
	closed := map[string]bool{}
	if s.catalog != nil {
		var err error
		if closed, err = s.catalog.ClosedIndices(ctx); err != nil {
			return err
		}
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to list indices: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || closed[name] || ValidateName("index", name) != nil {
			continue
		}
		path := s.indexPath(name)
		if err := validateIndexIntegrity(path); err != nil {
			s.logger.Warn("index_reopen_skipped", slog.String("index", name), slog.String("error", err.Error()))
			continue
		}
		idx, err := bleve.Open(path)
		if err != nil {
			s.logger.Warn("index_reopen_skipped", slog.String("index", name), slog.String("error", err.Error()))
			continue
		}
		s.open[name] = idx
	}
	return nil
}

// recordClosed persists an operator open/close so the next process
// restores it. Failures only cost that restoration and are logged.
func (s *BleveStore) recordClosed(ctx context.Context, name string, closed bool) {
	if s.catalog == nil {
		return
	}
	if err := s.catalog.SetIndexClosed(ctx, name, closed); err != nil {
		s.logger.Warn("index_state_not_recorded",
			slog.String("index", name),
			slog.String("error", err.Error()))
	}
}

func (s *BleveStore) indexPath(name string) string {
	return filepath.Join(s.dir, name)
}

// stateLocked reports the state of name. Caller holds s.mu.
func (s *BleveStore) stateLocked(name string) IndexState {
	if _, ok := s.open[name]; ok {
		return StateOpen
	}
	if info, err := os.Stat(s.indexPath(name)); err == nil && info.IsDir() {
		return StateClosed
	}
	return StateMissing
}

// CreateIndex creates a new empty index and leaves it open.
func (s *BleveStore) CreateIndex(ctx context.Context, name string) error {
	if err := ValidateName("index", name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}

	if s.stateLocked(name) != StateMissing {
		return kerrors.Newf(kerrors.ErrCodeIndexAlreadyExists, "index %q already exists", name).
			WithDetail("index", name)
	}

	idx, err := bleve.New(s.indexPath(name), bleve.NewIndexMapping())
	if err != nil {
		return kerrors.Transient(fmt.Sprintf("failed to create index %s", name), err)
	}
	s.open[name] = idx
	s.recordClosed(ctx, name, false)

	s.logger.Info("index_created", slog.String("index", name))
	return nil
}

// OpenIndex opens a closed index. Opening an open index is a no-op.
func (s *BleveStore) OpenIndex(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}

	switch s.stateLocked(name) {
	case StateOpen:
		return nil
	case StateMissing:
		return kerrors.IndexNotFound(name)
	}

	path := s.indexPath(name)
	if err := validateIndexIntegrity(path); err != nil {
		return kerrors.New(kerrors.ErrCodeInternal, fmt.Sprintf("index %s is damaged", name), err).
			WithDetail("index", name)
	}
	idx, err := bleve.Open(path)
	if err != nil {
		return kerrors.Transient(fmt.Sprintf("failed to open index %s", name), err)
	}
	s.open[name] = idx
	s.recordClosed(ctx, name, false)

	s.logger.Info("index_opened", slog.String("index", name))
	return nil
}

// CloseIndex releases the handle of an open index. Closing a closed index
// is a no-op.
func (s *BleveStore) CloseIndex(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}

	switch s.stateLocked(name) {
	case StateClosed:
		return nil
	case StateMissing:
		return kerrors.IndexNotFound(name)
	}

	if err := s.closeHandleLocked(name); err != nil {
		return err
	}
	s.recordClosed(ctx, name, true)
	s.logger.Info("index_closed", slog.String("index", name))
	return nil
}

func (s *BleveStore) closeHandleLocked(name string) error {
	idx := s.open[name]
	delete(s.open, name)
	if err := idx.Close(); err != nil {
		return kerrors.Transient(fmt.Sprintf("failed to close index %s", name), err)
	}
	return nil
}

// DeleteIndex closes (if needed) and removes an index.
func (s *BleveStore) DeleteIndex(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}

	state := s.stateLocked(name)
	if state == StateMissing {
		return kerrors.IndexNotFound(name)
	}
	if state == StateOpen {
		if err := s.closeHandleLocked(name); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(s.indexPath(name)); err != nil {
		return kerrors.Transient(fmt.Sprintf("failed to remove index %s", name), err)
	}
	s.recordClosed(ctx, name, false)

	s.logger.Info("index_deleted", slog.String("index", name))
	return nil
}

// IndexState returns the lifecycle state of name.
func (s *BleveStore) IndexState(ctx context.Context, name string) (IndexState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return StateMissing, errStoreClosed()
	}
	if ValidateName("index", name) != nil {
		return StateMissing, nil
	}
	return s.stateLocked(name), nil
}

// ListIndices returns every index under the store directory sorted by name.
func (s *BleveStore) ListIndices(ctx context.Context) ([]IndexInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed()
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list indices: %w", err)
	}

	infos := make([]IndexInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || ValidateName("index", e.Name()) != nil {
			continue
		}
		info := IndexInfo{Name: e.Name(), State: StateClosed}
		if idx, ok := s.open[e.Name()]; ok {
			info.State = StateOpen
			info.DocCount, _ = idx.DocCount()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// DocCount returns the number of documents in an open index.
func (s *BleveStore) DocCount(ctx context.Context, name string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, err := s.openHandleLocked(name)
	if err != nil {
		return 0, err
	}
	return idx.DocCount()
}

// Contains reports whether document id is present in an open index.
func (s *BleveStore) Contains(ctx context.Context, name, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, err := s.openHandleLocked(name)
	if err != nil {
		return false, err
	}
	doc, err := idx.Document(id)
	if err != nil {
		return false, fmt.Errorf("failed to look up %s in %s: %w", id, name, err)
	}
	return doc != nil, nil
}

// openHandleLocked returns the handle of an open index. Caller holds s.mu.
func (s *BleveStore) openHandleLocked(name string) (bleve.Index, error) {
	if s.closed {
		return nil, errStoreClosed()
	}
	if idx, ok := s.open[name]; ok {
		return idx, nil
	}
	if s.stateLocked(name) == StateMissing {
		return nil, kerrors.IndexNotFound(name)
	}
	return nil, kerrors.Newf(kerrors.ErrCodeIndexNotOpen, "index %q is closed", name).
		WithDetail("index", name)
}

// Bulk applies ops to an open index as one bleve batch. Documents the batch
// rejects (empty id, unmappable payload) are reported in the response and the
// rest are still committed. The commit is bounded by the context deadline,
// or by the store's batch timeout when the context has none.
//
// A timeout does not cancel the commit: bleve may still apply the batch
// after Bulk has returned ErrStoreTimeout. Upserts and deletes by id are
// idempotent, so resubmitting the same ops converges on the same state.
// Commits to one index never overlap, so a late commit cannot land after
// a bulk call that started once it was abandoned.
func (s *BleveStore) Bulk(ctx context.Context, name string, ops []BulkOp) (*BulkResponse, error) {
	resp := &BulkResponse{Failed: make(map[string]error)}
	if len(ops) == 0 {
		return resp, nil
	}

	s.mu.RLock()
	idx, err := s.openHandleLocked(name)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}

	batch := idx.NewBatch()
	for _, op := range ops {
		switch op.Kind {
		case OpUpsert:
			if err := batch.Index(op.ID, op.Doc); err != nil {
				resp.Failed[op.ID] = err
			}
		case OpDelete:
			if op.ID == "" {
				resp.Failed[op.ID] = fmt.Errorf("document id cannot be empty")
				continue
			}
			batch.Delete(op.ID)
		default:
			resp.Failed[op.ID] = fmt.Errorf("unknown bulk op %s", op.Kind)
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	slot := s.commitSlot(name)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return nil, kerrors.New(kerrors.ErrCodeStoreTimeout,
			fmt.Sprintf("earlier bulk commit to %s still running", name), ctx.Err())
	}

	// The read lock and the slot are released by the commit goroutine so a
	// timed-out commit still blocks Close/Delete and the next commit until
	// bleve returns.
	done := make(chan error, 1)
	go func() {
		defer s.mu.RUnlock()
		defer func() { <-slot }()
		done <- idx.Batch(batch)
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, kerrors.Transient(fmt.Sprintf("bulk commit to %s failed", name), err)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, kerrors.New(kerrors.ErrCodeStoreTimeout,
			fmt.Sprintf("bulk commit to %s timed out", name), ctx.Err())
	}
}

func (s *BleveStore) commitSlot(name string) chan struct{} {
	s.commitsMu.Lock()
	defer s.commitsMu.Unlock()
	slot, ok := s.commits[name]
	if !ok {
		slot = make(chan struct{}, 1)
		s.commits[name] = slot
	}
	return slot
}

// Close closes every open index. The store is unusable afterwards.
func (s *BleveStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for name, idx := range s.open {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close index %s: %w", name, err)
		}
	}
	s.open = nil
	return firstErr
}

func errStoreClosed() error {
	return kerrors.Newf(kerrors.ErrCodeInternal, "index store is closed")
}
