// Package snapshot manages snapshot repositories and moves index snapshots
// in and out of portable zip archives. A restore runs as a compensating
// transaction: its scratch directory and temporary repository registration
// are released on every exit path.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
	"github.com/Aman-CERP/indexkeeper/internal/logging"
	"github.com/Aman-CERP/indexkeeper/internal/store"
)

const (
	// DefaultTimeout bounds a snapshot or restore.
	DefaultTimeout = 5 * time.Minute
	// cleanupTimeout bounds compensating cleanup, which runs even after the
	// operation's own deadline has passed.
	cleanupTimeout = 30 * time.Second
)

// Options configures a Service.
type Options struct {
	Store        store.IndexStore
	Repositories *RepositoryManager
	// ArchiveDir receives archives written by CreateSnapshot.
	ArchiveDir string
	Timeout    time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
	// NewID names scratch resources. Defaults to uuid.NewString.
	NewID func() string
}

// Service creates and restores snapshot archives.
type Service struct {
	store      store.IndexStore
	repos      *RepositoryManager
	archiveDir string
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// Archive is the handle returned by CreateSnapshot.
type Archive struct {
	Path       string
	Descriptor Descriptor
	Size       int64
}

// RestoreResult describes a successful restore.
type RestoreResult struct {
	Index      string
	State      store.IndexState
	Descriptor Descriptor
}

// NewService returns a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Repositories == nil {
		return nil, kerrors.ValidationError("snapshot: store and repository manager are required", nil)
	}
	if opts.ArchiveDir == "" {
		return nil, kerrors.ValidationError("snapshot: archive directory is required", nil)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Service{
		store:      opts.Store,
		repos:      opts.Repositories,
		archiveDir: opts.ArchiveDir,
		timeout:    opts.Timeout,
		logger:     logging.OrDefault(opts.Logger),
		now:        opts.Now,
		newID:      opts.NewID,
	}, nil
}

// CreateSnapshot snapshots index into repo (creating the repository if
// needed) and packs the result into an archive under the archive directory.
// A missing source index fails before any repository is registered.
func (s *Service) CreateSnapshot(ctx context.Context, repo, snapshot, index string) (*Archive, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fail := func(err error) (*Archive, error) {
		s.logger.Warn("snapshot_failed",
			slog.String("repository", repo),
			slog.String("snapshot", snapshot),
			slog.String("index", index),
			slog.String("error", err.Error()))
		return nil, &StepError{Step: StepCreate, Err: err}
	}

	state, err := s.store.IndexState(ctx, index)
	if err != nil {
		return fail(err)
	}
	if state == store.StateMissing {
		return fail(kerrors.Newf(kerrors.ErrCodeSourceIndexNotFound, "source index %q does not exist", index).
			WithDetail("index", index))
	}

	var archive *Archive
	err = s.repos.withLock(ctx, repo, func() error {
		location, err := s.repos.createLocked(ctx, repo, "")
		if err != nil {
			return err
		}
		info, err := s.store.Snapshot(ctx, repo, snapshot, index)
		if err != nil {
			return err
		}

		desc := Descriptor{
			FormatVersion: FormatVersion,
			Repository:    repo,
			Snapshot:      snapshot,
			Index:         index,
			CreatedAt:     info.CreatedAt,
			DocCount:      info.DocCount,
		}
		name := fmt.Sprintf("%s-%s-%s.zip", repo, snapshot, s.now().UTC().Format("20060102150405"))
		dst := filepath.Join(s.archiveDir, name)
		if err := writeArchive(ctx, dst, location, desc, *info); err != nil {
			return err
		}

		archive = &Archive{Path: dst, Descriptor: desc}
		if fi, err := os.Stat(dst); err == nil {
			archive.Size = fi.Size()
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}

	s.logger.Info("snapshot_archived",
		slog.String("repository", repo),
		slog.String("snapshot", snapshot),
		slog.String("index", index),
		slog.String("archive", archive.Path),
		slog.Int64("size", archive.Size))
	return archive, nil
}

// UploadSnapshotFile opens the archive at path and restores it.
func (s *Service) UploadSnapshotFile(ctx context.Context, path, dir string, conflictCheck bool) (*RestoreResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &StepError{Step: StepExtract, Err: err}
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, &StepError{Step: StepExtract, Err: err}
	}
	return s.UploadSnapshot(ctx, f, fi.Size(), dir, conflictCheck)
}

// UploadSnapshot restores the index packed in archive.
//
// The archive is extracted into a fresh subdirectory of dir owned by this
// call alone, its descriptor is read, the extraction is registered as a
// temporary repository, and the store restores the index from it. When
// conflictCheck is set, an open index with the recovered name fails the
// restore with IndexAlreadyExists and is left untouched.
//
// Whatever the outcome, the scratch directory and the temporary
// registration are released before returning. Failures are *StepError;
// if release itself fails, the leftovers are listed in Orphans.
func (s *Service) UploadSnapshot(ctx context.Context, archive io.ReaderAt, size int64, dir string, conflictCheck bool) (res *RestoreResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id := s.newID()
	scratch := filepath.Join(dir, "restore-"+id)
	repo := "restore-" + id
	created, registered := false, false
	step := StepExtract

	defer func() {
		orphans, cleanupErr := s.release(scratch, repo, created, registered)
		if err != nil {
			se := &StepError{Step: step, Err: err, CleanupErr: cleanupErr, Orphans: orphans}
			s.logger.Warn("restore_failed",
				slog.String("step", string(step)),
				slog.String("error", err.Error()),
				slog.Bool("cleanup_ok", cleanupErr == nil))
			err = se
			return
		}
		if cleanupErr != nil {
			err = &StepError{
				Step:       StepCleanup,
				Err:        kerrors.New(kerrors.ErrCodeCleanupIncomplete, "restore succeeded but scratch resources remain", cleanupErr),
				CleanupErr: cleanupErr,
				Orphans:    orphans,
			}
		}
	}()

	// Extract and read the descriptor.
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.Mkdir(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("scratch directory is not exclusive: %w", err)
	}
	created = true
	zr, err := zip.NewReader(archive, size)
	if err != nil {
		return nil, invalidArchive("archive is not a readable zip", err)
	}
	if err := extractArchive(ctx, zr, scratch); err != nil {
		return nil, err
	}
	desc, err := readDescriptorFile(scratch)
	if err != nil {
		return nil, err
	}

	// Register the extraction as a temporary repository.
	step = StepRegister
	if err := s.repos.CreateRepository(ctx, repo, scratch); err != nil {
		return nil, err
	}
	registered = true

	// Conflict check, then hand off to the store.
	step = StepRestore
	state, err := s.store.IndexState(ctx, desc.Index)
	if err != nil {
		return nil, err
	}
	if conflictCheck && state == store.StateOpen {
		return nil, kerrors.Newf(kerrors.ErrCodeIndexAlreadyExists,
			"index %q already exists; close or delete it before restoring", desc.Index).
			WithDetail("index", desc.Index)
	}

	var name string
	err = s.repos.withLock(ctx, repo, func() error {
		var restoreErr error
		name, restoreErr = s.store.Restore(ctx, repo, desc.Snapshot)
		return restoreErr
	})
	if err != nil {
		if !errors.Is(err, kerrors.ErrStoreRestore) {
			err = kerrors.New(kerrors.ErrCodeStoreRestore,
				fmt.Sprintf("store rejected restore of snapshot %s", desc.Snapshot), err)
		}
		return nil, err
	}

	final, _ := s.store.IndexState(ctx, name)
	s.logger.Info("snapshot_restored",
		slog.String("index", name),
		slog.String("snapshot", desc.Snapshot),
		slog.String("source_repository", desc.Repository))
	return &RestoreResult{Index: name, State: final, Descriptor: *desc}, nil
}

// release removes the temporary registration, its lock file, and the scratch
// directory this call created. It uses its own deadline so it still runs
// after the restore timed out.
func (s *Service) release(scratch, repo string, created, registered bool) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	var errs []error
	var orphans []string

	if registered {
		if err := s.repos.DeleteRepository(ctx, repo); err != nil {
			errs = append(errs, fmt.Errorf("unregister %s: %w", repo, err))
			orphans = append(orphans, "repository:"+repo)
		}
	}
	if err := s.repos.locks.forget(repo); err != nil {
		errs = append(errs, err)
		orphans = append(orphans, "lock:"+repo)
	}
	if created {
		if err := os.RemoveAll(scratch); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", scratch, err))
			orphans = append(orphans, "directory:"+scratch)
		}
	}

	if len(errs) == 0 {
		return nil, nil
	}
	cleanupErr := errors.Join(errs...)
	s.logger.Error("restore_cleanup_failed",
		slog.String("error", cleanupErr.Error()),
		slog.Any("orphans", orphans))
	return orphans, cleanupErr
}
