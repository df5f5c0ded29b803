package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// Catalog persists role assignments, repository registrations, and the
// reindex journal in a single SQLite file.
type Catalog struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool
}

// JournalEntry records one committed reindex outcome.
type JournalEntry struct {
	Identifier  string
	Role        string
	Index       string
	Action      string
	BatchID     string
	CommittedAt time.Time
}

// OpenCatalog opens or creates the catalog at path.
func OpenCatalog(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	// Single writer to prevent lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	c := &Catalog{db: db, path: path}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- role is the primary key so a role has at most one holder; an index
	-- appearing under both roles is detected on load.
	CREATE TABLE IF NOT EXISTS index_roles (
		role        TEXT PRIMARY KEY,
		index_name  TEXT NOT NULL,
		assigned_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS repositories (
		name       TEXT PRIMARY KEY,
		location   TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- indices an operator closed; absent names reopen with the store.
	CREATE TABLE IF NOT EXISTS closed_indices (
		name      TEXT PRIMARY KEY,
		closed_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reindex_journal (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		identifier   TEXT NOT NULL,
		role         TEXT NOT NULL,
		index_name   TEXT NOT NULL,
		action       TEXT NOT NULL,
		batch_id     TEXT NOT NULL,
		committed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reindex_journal_identifier ON reindex_journal(identifier);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Path returns the catalog file path.
func (c *Catalog) Path() string { return c.path }

// LoadRoles returns the persisted role -> index assignments.
func (c *Catalog) LoadRoles(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("catalog is closed")
	}

	rows, err := c.db.QueryContext(ctx, `SELECT role, index_name FROM index_roles`)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	roles := make(map[string]string)
	for rows.Next() {
		var role, index string
		if err := rows.Scan(&role, &index); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles[role] = index
	}
	return roles, rows.Err()
}

// SaveRoles replaces all role assignments in one transaction.
func (c *Catalog) SaveRoles(ctx context.Context, roles map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("catalog is closed")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM index_roles`); err != nil {
		return fmt.Errorf("failed to clear roles: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for role, index := range roles {
		if index == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO index_roles (role, index_name, assigned_at) VALUES (?, ?, ?)`,
			role, index, now); err != nil {
			return fmt.Errorf("failed to save role %s: %w", role, err)
		}
	}
	return tx.Commit()
}

// LoadRepositories returns persisted repository name -> location bindings.
func (c *Catalog) LoadRepositories(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("catalog is closed")
	}

	rows, err := c.db.QueryContext(ctx, `SELECT name, location FROM repositories`)
	if err != nil {
		return nil, fmt.Errorf("failed to load repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	repos := make(map[string]string)
	for rows.Next() {
		var name, location string
		if err := rows.Scan(&name, &location); err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repos[name] = location
	}
	return repos, rows.Err()
}

// SaveRepository records a repository binding.
func (c *Catalog) SaveRepository(ctx context.Context, name, location string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("catalog is closed")
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO repositories (name, location, created_at) VALUES (?, ?, ?)`,
		name, location, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save repository %s: %w", name, err)
	}
	return nil
}

// DeleteRepository removes a repository binding. Absent names are ignored.
func (c *Catalog) DeleteRepository(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("catalog is closed")
	}

	if _, err := c.db.ExecContext(ctx, `DELETE FROM repositories WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete repository %s: %w", name, err)
	}
	return nil
}

// ClosedIndices returns the names of indices recorded as closed.
func (c *Catalog) ClosedIndices(ctx context.Context) (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("catalog is closed")
	}

	rows, err := c.db.QueryContext(ctx, `SELECT name FROM closed_indices`)
	if err != nil {
		return nil, fmt.Errorf("failed to load closed indices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	closed := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan closed index: %w", err)
		}
		closed[name] = true
	}
	return closed, rows.Err()
}

// SetIndexClosed records whether name was closed by an operator.
func (c *Catalog) SetIndexClosed(ctx context.Context, name string, closed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("catalog is closed")
	}

	var err error
	if closed {
		_, err = c.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO closed_indices (name, closed_at) VALUES (?, ?)`,
			name, time.Now().UTC().Format(time.RFC3339Nano))
	} else {
		_, err = c.db.ExecContext(ctx, `DELETE FROM closed_indices WHERE name = ?`, name)
	}
	if err != nil {
		return fmt.Errorf("failed to record state of index %s: %w", name, err)
	}
	return nil
}

// AppendJournal appends committed outcomes in one transaction.
func (c *Catalog) AppendJournal(ctx context.Context, entries []JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("catalog is closed")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reindex_journal (identifier, role, index_name, action, batch_id, committed_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare journal insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		at := e.CommittedAt
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, e.Identifier, e.Role, e.Index, e.Action, e.BatchID,
			at.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("failed to append journal entry for %s: %w", e.Identifier, err)
		}
	}
	return tx.Commit()
}

// Journal returns journal entries for identifier, oldest first. An empty
// identifier returns the most recent limit entries across all identifiers.
func (c *Catalog) Journal(ctx context.Context, identifier string, limit int) ([]JournalEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("catalog is closed")
	}
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if identifier != "" {
		rows, err = c.db.QueryContext(ctx, `
			SELECT identifier, role, index_name, action, batch_id, committed_at
			FROM reindex_journal WHERE identifier = ? ORDER BY id ASC LIMIT ?`, identifier, limit)
	} else {
		rows, err = c.db.QueryContext(ctx, `
			SELECT identifier, role, index_name, action, batch_id, committed_at FROM (
				SELECT * FROM reindex_journal ORDER BY id DESC LIMIT ?
			) ORDER BY id ASC`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var at string
		if err := rows.Scan(&e.Identifier, &e.Role, &e.Index, &e.Action, &e.BatchID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.CommittedAt, _ = time.Parse(time.RFC3339Nano, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}
