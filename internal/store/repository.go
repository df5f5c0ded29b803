package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/blevesearch/bleve/v2"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
)

// Repository layout on disk:
//
//	<location>/index.json                      catalog of snapshots
//	<location>/snapshots/<name>/snapshot.json  SnapshotInfo
//	<location>/snapshots/<name>/data/          copy of the bleve index
const (
	RepositoryCatalogFile = "index.json"
	SnapshotsDir          = "snapshots"
	SnapshotMetaFile      = "snapshot.json"
	SnapshotDataDir       = "data"
)

// RepositoryCatalog is the content of a repository's index.json.
type RepositoryCatalog struct {
	Snapshots []SnapshotInfo `json:"snapshots"`
}

// SnapshotPath returns the directory of snapshot inside a repository location.
func SnapshotPath(location, snapshot string) string {
	return filepath.Join(location, SnapshotsDir, snapshot)
}

// RegisterRepository binds name to location. Re-registering the same pair
// is a no-op; binding an existing name to another location is a conflict.
func (s *BleveStore) RegisterRepository(ctx context.Context, name, location string) error {
	if err := ValidateName("repository", name); err != nil {
		return err
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		return kerrors.ValidationError(fmt.Sprintf("invalid repository location %q", location), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}

	if existing, ok := s.repos[name]; ok {
		if existing == abs {
			return nil
		}
		return kerrors.Newf(kerrors.ErrCodeRepositoryConflict,
			"repository %q is bound to %s, not %s", name, existing, abs).
			WithDetail("repository", name)
	}

	if err := os.MkdirAll(filepath.Join(abs, SnapshotsDir), 0o755); err != nil {
		return kerrors.Transient(fmt.Sprintf("failed to create repository %s", name), err)
	}
	catalogPath := filepath.Join(abs, RepositoryCatalogFile)
	if _, err := os.Stat(catalogPath); os.IsNotExist(err) {
		if err := writeJSONAtomic(catalogPath, RepositoryCatalog{Snapshots: []SnapshotInfo{}}); err != nil {
			return kerrors.Transient(fmt.Sprintf("failed to initialize repository %s", name), err)
		}
	}

	if s.catalog != nil {
		if err := s.catalog.SaveRepository(ctx, name, abs); err != nil {
			return err
		}
	}
	s.repos[name] = abs

	s.logger.Info("repository_registered",
		slog.String("repository", name),
		slog.String("location", abs))
	return nil
}

// UnregisterRepository forgets a repository binding without touching its
// files. Unknown names are ignored.
func (s *BleveStore) UnregisterRepository(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}

	if _, ok := s.repos[name]; !ok {
		return nil
	}
	if s.catalog != nil {
		if err := s.catalog.DeleteRepository(ctx, name); err != nil {
			return err
		}
	}
	delete(s.repos, name)

	s.logger.Info("repository_unregistered", slog.String("repository", name))
	return nil
}

// RepositoryLocation returns the location bound to name.
func (s *BleveStore) RepositoryLocation(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.repos[name]
	return loc, ok
}

// Repositories returns a copy of all bindings.
func (s *BleveStore) Repositories() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.repos))
	for k, v := range s.repos {
		out[k] = v
	}
	return out
}

// Snapshot copies index into repo under the snapshot name. An open index is
// closed for the copy and reopened afterwards.
func (s *BleveStore) Snapshot(ctx context.Context, repo, snapshot, index string) (*SnapshotInfo, error) {
	if err := ValidateName("snapshot", snapshot); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errStoreClosed()
	}

	location, ok := s.repos[repo]
	if !ok {
		return nil, kerrors.Newf(kerrors.ErrCodeRepositoryNotFound, "repository %q is not registered", repo).
			WithDetail("repository", repo)
	}

	state := StateMissing
	if ValidateName("index", index) == nil {
		state = s.stateLocked(index)
	}
	if state == StateMissing {
		return nil, kerrors.Newf(kerrors.ErrCodeSourceIndexNotFound, "source index %q does not exist", index).
			WithDetail("index", index)
	}

	catalog, err := loadRepositoryCatalog(location)
	if err != nil {
		return nil, err
	}
	for _, snap := range catalog.Snapshots {
		if snap.Name == snapshot {
			return nil, kerrors.Newf(kerrors.ErrCodeSnapshotExists,
				"snapshot %q already exists in repository %q", snapshot, repo)
		}
	}

	var docCount uint64
	if state == StateOpen {
		docCount, _ = s.open[index].DocCount()
		if err := s.closeHandleLocked(index); err != nil {
			return nil, err
		}
		defer s.reopenLocked(index)
	}

	snapDir := SnapshotPath(location, snapshot)
	if err := copyDir(ctx, s.indexPath(index), filepath.Join(snapDir, SnapshotDataDir)); err != nil {
		_ = os.RemoveAll(snapDir)
		return nil, kerrors.Transient(fmt.Sprintf("failed to snapshot %s", index), err)
	}

	info := SnapshotInfo{
		Name:      snapshot,
		Index:     index,
		CreatedAt: time.Now().UTC(),
		DocCount:  docCount,
	}
	if err := writeJSONAtomic(filepath.Join(snapDir, SnapshotMetaFile), info); err != nil {
		_ = os.RemoveAll(snapDir)
		return nil, kerrors.Transient(fmt.Sprintf("failed to snapshot %s", index), err)
	}
	catalog.Snapshots = append(catalog.Snapshots, info)
	if err := writeJSONAtomic(filepath.Join(location, RepositoryCatalogFile), catalog); err != nil {
		_ = os.RemoveAll(snapDir)
		return nil, kerrors.Transient(fmt.Sprintf("failed to record snapshot %s", snapshot), err)
	}

	s.logger.Info("snapshot_created",
		slog.String("repository", repo),
		slog.String("snapshot", snapshot),
		slog.String("index", index))
	return &info, nil
}

// reopenLocked reopens an index closed for a snapshot copy.
func (s *BleveStore) reopenLocked(name string) {
	idx, err := bleve.Open(s.indexPath(name))
	if err != nil {
		s.logger.Error("index_reopen_failed",
			slog.String("index", name),
			slog.String("error", err.Error()))
		return
	}
	s.open[name] = idx
}

// ListSnapshots returns the snapshots recorded in repo, oldest first.
func (s *BleveStore) ListSnapshots(ctx context.Context, repo string) ([]SnapshotInfo, error) {
	location, ok := s.RepositoryLocation(repo)
	if !ok {
		return nil, kerrors.Newf(kerrors.ErrCodeRepositoryNotFound, "repository %q is not registered", repo).
			WithDetail("repository", repo)
	}
	catalog, err := loadRepositoryCatalog(location)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(catalog.Snapshots, func(i, j int) bool {
		return catalog.Snapshots[i].CreatedAt.Before(catalog.Snapshots[j].CreatedAt)
	})
	return catalog.Snapshots, nil
}

// openIndex opens a restored index directory. Tests replace it.
var openIndex = bleve.Open

// Restore recreates the index captured by snapshot and leaves it open.
// An open index with the same name is never replaced; a closed one is,
// and it survives unchanged when the restore fails.
func (s *BleveStore) Restore(ctx context.Context, repo, snapshot string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errStoreClosed()
	}

	location, ok := s.repos[repo]
	if !ok {
		return "", kerrors.Newf(kerrors.ErrCodeRepositoryNotFound, "repository %q is not registered", repo).
			WithDetail("repository", repo)
	}

	snapDir := SnapshotPath(location, snapshot)
	var info SnapshotInfo
	if err := readJSON(filepath.Join(snapDir, SnapshotMetaFile), &info); err != nil {
		if os.IsNotExist(err) {
			return "", kerrors.Newf(kerrors.ErrCodeSnapshotNotFound,
				"snapshot %q not found in repository %q", snapshot, repo)
		}
		return "", restoreError(snapshot, err)
	}
	if err := ValidateName("index", info.Index); err != nil {
		return "", restoreError(snapshot, err)
	}

	name := info.Index
	replacing := false
	switch s.stateLocked(name) {
	case StateOpen:
		return "", restoreError(snapshot, fmt.Errorf("index %s is open; close or delete it first", name))
	case StateClosed:
		replacing = true
	}

	dataDir := filepath.Join(snapDir, SnapshotDataDir)
	if err := validateIndexIntegrity(dataDir); err != nil {
		return "", restoreError(snapshot, err)
	}

	// Stage under a name ListIndices ignores, then move into place. A
	// closed index being replaced is set aside until the restored one opens.
	target := s.indexPath(name)
	staging := target + ".restoring"
	backup := target + ".replaced"
	_ = os.RemoveAll(staging)
	if err := copyDir(ctx, dataDir, staging); err != nil {
		_ = os.RemoveAll(staging)
		return "", restoreError(snapshot, err)
	}
	if replacing {
		_ = os.RemoveAll(backup)
		if err := os.Rename(target, backup); err != nil {
			_ = os.RemoveAll(staging)
			return "", restoreError(snapshot, err)
		}
	}
	rollback := func() {
		_ = os.RemoveAll(target)
		if !replacing {
			return
		}
		if err := os.Rename(backup, target); err != nil {
			s.logger.Error("restore_rollback_failed",
				slog.String("index", name),
				slog.String("backup", backup),
				slog.String("error", err.Error()))
		}
	}
	if err := os.Rename(staging, target); err != nil {
		_ = os.RemoveAll(staging)
		rollback()
		return "", restoreError(snapshot, err)
	}

	idx, err := openIndex(target)
	if err != nil {
		rollback()
		return "", restoreError(snapshot, err)
	}
	if replacing {
		if err := os.RemoveAll(backup); err != nil {
			s.logger.Warn("restore_backup_not_removed",
				slog.String("backup", backup),
				slog.String("error", err.Error()))
		}
	}
	s.open[name] = idx
	s.recordClosed(ctx, name, false)

	s.logger.Info("snapshot_restored",
		slog.String("repository", repo),
		slog.String("snapshot", snapshot),
		slog.String("index", name))
	return name, nil
}

func restoreError(snapshot string, cause error) error {
	return kerrors.New(kerrors.ErrCodeStoreRestore,
		fmt.Sprintf("store rejected restore of snapshot %s", snapshot), cause).
		WithDetail("snapshot", snapshot)
}

func loadRepositoryCatalog(location string) (*RepositoryCatalog, error) {
	var catalog RepositoryCatalog
	err := readJSON(filepath.Join(location, RepositoryCatalogFile), &catalog)
	if os.IsNotExist(err) {
		return &RepositoryCatalog{}, nil
	}
	if err != nil {
		return nil, kerrors.New(kerrors.ErrCodeInternal, "repository catalog is unreadable", err)
	}
	return &catalog, nil
}
