package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
	"github.com/Aman-CERP/indexkeeper/internal/logging"
	"github.com/Aman-CERP/indexkeeper/internal/store"
)

// RepositoryManager manages named snapshot repositories resolved against a
// base directory. Create, delete, snapshot, and restore on one name are
// serialized.
type RepositoryManager struct {
	store  store.IndexStore
	base   string
	locks  *repoLocks
	logger *slog.Logger
}

// NewRepositoryManager returns a manager rooted at base.
func NewRepositoryManager(st store.IndexStore, base string, logger *slog.Logger) (*RepositoryManager, error) {
	if st == nil {
		return nil, kerrors.ValidationError("repository manager: index store is required", nil)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, kerrors.ValidationError(fmt.Sprintf("invalid repository base %q", base), err)
	}
	return &RepositoryManager{
		store:  st,
		base:   abs,
		locks:  newRepoLocks(filepath.Join(abs, ".locks")),
		logger: logging.OrDefault(logger),
	}, nil
}

// Base returns the base directory.
func (m *RepositoryManager) Base() string { return m.base }

// Resolve maps a repository name to its location under the base directory.
func (m *RepositoryManager) Resolve(name string) (string, error) {
	if err := store.ValidateName("repository", name); err != nil {
		return "", err
	}
	return filepath.Join(m.base, name), nil
}

// Location returns the location name is registered at.
func (m *RepositoryManager) Location(name string) (string, bool) {
	return m.store.RepositoryLocation(name)
}

// CreateRepository registers name at location, or at Resolve(name) when
// location is empty. Re-creating the same pair is a no-op; a different
// location for an existing name is a RepositoryConflict.
func (m *RepositoryManager) CreateRepository(ctx context.Context, name, location string) error {
	return m.withLock(ctx, name, func() error {
		_, err := m.createLocked(ctx, name, location)
		return err
	})
}

func (m *RepositoryManager) createLocked(ctx context.Context, name, location string) (string, error) {
	if location == "" {
		resolved, err := m.Resolve(name)
		if err != nil {
			return "", err
		}
		location = resolved
	}
	if err := m.store.RegisterRepository(ctx, name, location); err != nil {
		return "", err
	}
	loc, _ := m.store.RepositoryLocation(name)
	return loc, nil
}

// DeleteRepository unregisters name. Deleting an absent repository is not
// an error. Files at the location are kept.
func (m *RepositoryManager) DeleteRepository(ctx context.Context, name string) error {
	return m.withLock(ctx, name, func() error {
		return m.store.UnregisterRepository(ctx, name)
	})
}

// PurgeRepository unregisters name and removes its files.
func (m *RepositoryManager) PurgeRepository(ctx context.Context, name string) error {
	return m.withLock(ctx, name, func() error {
		location, ok := m.store.RepositoryLocation(name)
		if err := m.store.UnregisterRepository(ctx, name); err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := os.RemoveAll(location); err != nil {
			return fmt.Errorf("failed to remove repository files at %s: %w", location, err)
		}
		m.logger.Info("repository_purged",
			slog.String("repository", name),
			slog.String("location", location))
		return nil
	})
}

// withLock runs fn while holding the lock for name.
func (m *RepositoryManager) withLock(ctx context.Context, name string, fn func() error) error {
	if err := store.ValidateName("repository", name); err != nil {
		return err
	}
	release, err := m.locks.acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
