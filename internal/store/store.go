// Package store provides the search index storage layer: named bleve
// indices with an open/closed lifecycle, snapshot repositories on the
// filesystem, and a SQLite catalog for role assignments and the reindex
// journal.
package store

import (
	"context"
	"fmt"
	"regexp"
	"time"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
)

// IndexState is the lifecycle state of a named index.
type IndexState string

const (
	StateOpen    IndexState = "OPEN"
	StateClosed  IndexState = "CLOSED"
	StateMissing IndexState = "MISSING"
)

// IndexInfo describes one index on disk.
type IndexInfo struct {
	Name  string     `json:"name"`
	State IndexState `json:"state"`
	// DocCount is only populated for open indices.
	DocCount uint64 `json:"doc_count"`
}

// OpKind selects what a BulkOp does.
type OpKind int

const (
	OpUpsert OpKind = iota
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// BulkOp is one document operation inside a bulk request.
type BulkOp struct {
	Kind OpKind
	ID   string
	// Doc is the serialized document payload for upserts.
	Doc map[string]any
}

// BulkResponse reports per-document outcomes of an applied bulk request.
// Documents absent from Failed were applied.
type BulkResponse struct {
	Failed map[string]error
}

// SnapshotInfo describes a snapshot stored in a repository.
type SnapshotInfo struct {
	Name      string    `json:"name"`
	Index     string    `json:"index"`
	CreatedAt time.Time `json:"created_at"`
	DocCount  uint64    `json:"doc_count"`
}

// IndexStore is the contract the lifecycle and reindex components consume.
type IndexStore interface {
	CreateIndex(ctx context.Context, name string) error
	OpenIndex(ctx context.Context, name string) error
	CloseIndex(ctx context.Context, name string) error
	DeleteIndex(ctx context.Context, name string) error
	IndexState(ctx context.Context, name string) (IndexState, error)
	ListIndices(ctx context.Context) ([]IndexInfo, error)

	// Bulk applies ops in order. A returned error means the request as a
	// whole was not applied; per-document rejections are in the response.
	Bulk(ctx context.Context, index string, ops []BulkOp) (*BulkResponse, error)

	RegisterRepository(ctx context.Context, name, location string) error
	UnregisterRepository(ctx context.Context, name string) error
	RepositoryLocation(name string) (string, bool)
	Snapshot(ctx context.Context, repo, snapshot, index string) (*SnapshotInfo, error)
	ListSnapshots(ctx context.Context, repo string) ([]SnapshotInfo, error)
	// Restore recreates the snapshotted index under its original name and
	// returns that name.
	Restore(ctx context.Context, repo, snapshot string) (string, error)
}

const maxNameLength = 64

var validNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateName validates index, repository, and snapshot names.
// Valid names contain only letters, numbers, hyphens, and underscores.
func ValidateName(kind, name string) error {
	if name == "" {
		return kerrors.Newf(kerrors.ErrCodeInvalidName, "%s name cannot be empty", kind)
	}
	if len(name) > maxNameLength {
		return kerrors.Newf(kerrors.ErrCodeInvalidName, "%s name too long (max %d chars)", kind, maxNameLength)
	}
	if !validNamePattern.MatchString(name) {
		return kerrors.Newf(kerrors.ErrCodeInvalidName,
			"%s name %q can only contain letters, numbers, hyphens, and underscores", kind, name)
	}
	return nil
}
