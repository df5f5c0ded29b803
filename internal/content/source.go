// Package content adapts a directory of JSON documents to the reindex
// pipeline: DirSource serves document payloads to the bulk worker and Feed
// turns file changes into ADAPTIVE reindex tasks.
//
// A document's identifier is its path relative to the directory, with
// forward slashes and without the extension: <dir>/blog/intro.json is
// "blog/intro".
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
)

// DirSource reads documents from files under a directory.
type DirSource struct {
	dir string
	ext string
}

// NewDirSource returns a source over dir for files ending in ext
// (".json" when empty).
func NewDirSource(dir, ext string) *DirSource {
	if ext == "" {
		ext = ".json"
	}
	return &DirSource{dir: dir, ext: ext}
}

// Dir returns the document directory.
func (s *DirSource) Dir() string { return s.dir }

// Extension returns the document file extension.
func (s *DirSource) Extension() string { return s.ext }

// FetchDocument reads the document for id. A missing file reports
// found=false so the worker removes the identifier from the index.
func (s *DirSource) FetchDocument(ctx context.Context, id string) (map[string]any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	path, err := s.path(id)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kerrors.Transient(fmt.Sprintf("read document %s", id), err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, kerrors.ValidationError(fmt.Sprintf("document %s is not a JSON object", id), err).
			WithDetail("path", path)
	}
	return doc, true, nil
}

// List returns every document identifier under the directory, sorted.
// Hidden files and directories are skipped.
func (s *DirSource) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != s.dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), s.ext) {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		ids = append(ids, IDFromPath(filepath.ToSlash(rel), s.ext))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list documents in %s: %w", s.dir, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// path maps id to a file under the directory, rejecting identifiers that
// would escape it.
func (s *DirSource) path(id string) (string, error) {
	local := filepath.FromSlash(id)
	if id == "" || !filepath.IsLocal(local) {
		return "", kerrors.Newf(kerrors.ErrCodeInvalidInput, "document identifier %q is not a relative path", id)
	}
	return filepath.Join(s.dir, local+s.ext), nil
}

// IDFromPath converts a slash-separated relative file path to a document
// identifier.
func IDFromPath(rel, ext string) string {
	return strings.TrimSuffix(rel, ext)
}
