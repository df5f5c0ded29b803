package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Aman-CERP/indexkeeper/internal/config"
	"github.com/Aman-CERP/indexkeeper/internal/roles"
	"github.com/Aman-CERP/indexkeeper/internal/snapshot"
	"github.com/Aman-CERP/indexkeeper/internal/store"
)

// app holds the components a command works with. Commands open it, use it
// and close it before returning.
type app struct {
	cfg       *config.Config
	catalog   *store.Catalog
	store     *store.BleveStore
	registry  *roles.Registry
	repos     *snapshot.RepositoryManager
	snapshots *snapshot.Service
	logger    *slog.Logger
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.Default()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	a := &app{cfg: cfg, logger: logger}
	if a.catalog, err = store.OpenCatalog(cfg.CatalogPath()); err != nil {
		return nil, err
	}
	a.store, err = store.OpenBleveStore(ctx, store.BleveOptions{
		Dir:          cfg.IndicesDir(),
		Catalog:      a.catalog,
		BatchTimeout: cfg.Reindex.BatchTimeoutDuration(),
		Reopen:       true,
		Logger:       logger,
	})
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.registry, err = roles.NewRegistry(ctx, roles.Options{
		Store:         a.store,
		Persister:     a.catalog,
		LivePrefix:    cfg.Indices.LivePrefix,
		WorkingPrefix: cfg.Indices.WorkingPrefix,
		Logger:        logger,
	})
	if err != nil {
		_ = a.close()
		return nil, err
	}
	if a.repos, err = snapshot.NewRepositoryManager(a.store, cfg.Snapshot.RepositoryBase, logger); err != nil {
		_ = a.close()
		return nil, err
	}
	a.snapshots, err = snapshot.NewService(snapshot.Options{
		Store:        a.store,
		Repositories: a.repos,
		ArchiveDir:   cfg.Snapshot.ArchiveDir,
		Timeout:      cfg.SnapshotTimeout(),
		Logger:       logger,
	})
	if err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.catalog != nil {
		errs = append(errs, a.catalog.Close())
	}
	return errors.Join(errs...)
}

// withApp opens the app, runs fn and closes the app.
func withApp(ctx context.Context, fn func(a *app) error) (err error) {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
