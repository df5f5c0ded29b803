package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
	"github.com/Aman-CERP/indexkeeper/internal/store"
)

// DescriptorFile sits at the archive root next to the repository layout.
const DescriptorFile = "indexkeeper-snapshot.json"

// FormatVersion is the archive layout version written by this package.
const FormatVersion = 1

// Descriptor identifies the snapshot packed in an archive.
type Descriptor struct {
	FormatVersion int       `json:"format_version"`
	Repository    string    `json:"repository"`
	Snapshot      string    `json:"snapshot"`
	Index         string    `json:"index"`
	CreatedAt     time.Time `json:"created_at"`
	DocCount      uint64    `json:"doc_count"`
}

func (d *Descriptor) validate() error {
	if d.FormatVersion != FormatVersion {
		return fmt.Errorf("unsupported format version %d", d.FormatVersion)
	}
	if err := store.ValidateName("snapshot", d.Snapshot); err != nil {
		return err
	}
	if err := store.ValidateName("index", d.Index); err != nil {
		return err
	}
	if d.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is missing")
	}
	return nil
}

func invalidArchive(msg string, cause error) error {
	return kerrors.New(kerrors.ErrCodeInvalidArchive, msg, cause).
		WithSuggestion("Use an archive produced by 'indexkeeper snapshot'")
}

// ReadDescriptor returns the descriptor of an archive without extracting it.
func ReadDescriptor(zr *zip.Reader) (*Descriptor, error) {
	for _, f := range zr.File {
		if f.Name != DescriptorFile {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, invalidArchive("cannot open snapshot descriptor", err)
		}
		defer func() { _ = rc.Close() }()
		return decodeDescriptor(rc)
	}
	return nil, invalidArchive("archive has no snapshot descriptor", nil)
}

func decodeDescriptor(r io.Reader) (*Descriptor, error) {
	var d Descriptor
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, invalidArchive("snapshot descriptor is malformed", err)
	}
	if err := d.validate(); err != nil {
		return nil, invalidArchive("snapshot descriptor is invalid", err)
	}
	return &d, nil
}

// readDescriptorFile loads and checks the descriptor of an extracted archive,
// including that the snapshot it names is actually present.
func readDescriptorFile(dir string) (*Descriptor, error) {
	f, err := os.Open(filepath.Join(dir, DescriptorFile))
	if err != nil {
		return nil, invalidArchive("archive has no snapshot descriptor", err)
	}
	defer func() { _ = f.Close() }()

	d, err := decodeDescriptor(f)
	if err != nil {
		return nil, err
	}
	meta := filepath.Join(store.SnapshotPath(dir, d.Snapshot), store.SnapshotMetaFile)
	if _, err := os.Stat(meta); err != nil {
		return nil, invalidArchive(fmt.Sprintf("archive is missing snapshot %s", d.Snapshot), err)
	}
	return d, nil
}

// writeArchive packs snapshot from the repository at location into a zip at
// dst. The archive holds a repository catalog naming only this snapshot, the
// snapshot directory, and the descriptor. It is written to a temp file and
// renamed into place.
func writeArchive(ctx context.Context, dst, location string, desc Descriptor, info store.SnapshotInfo) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	zw := zip.NewWriter(f)

	if err := addJSON(zw, store.RepositoryCatalogFile, store.RepositoryCatalog{
		Snapshots: []store.SnapshotInfo{info},
	}); err != nil {
		return err
	}

	snapRoot := store.SnapshotPath(location, desc.Snapshot)
	err = filepath.WalkDir(snapRoot, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(location, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			_, err := zw.CreateHeader(&zip.FileHeader{Name: name + "/", Method: zip.Store})
			return err
		}
		return addFile(zw, name, p)
	})
	if err != nil {
		return fmt.Errorf("failed to pack snapshot: %w", err)
	}

	if err := addJSON(zw, DescriptorFile, desc); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to save archive: %w", err)
	}
	return nil
}

func addJSON(zw *zip.Writer, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	_, err = w.Write(data)
	return err
}

func addFile(zw *zip.Writer, name, src string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	_, err = io.Copy(w, in)
	return err
}

// extractArchive unpacks zr into dir, which must already exist. Entries that
// would land outside dir are rejected.
func extractArchive(ctx context.Context, zr *zip.Reader, dir string) error {
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := filepath.FromSlash(f.Name)
		if !filepath.IsLocal(name) {
			return invalidArchive(fmt.Sprintf("archive entry %q escapes the extraction directory", f.Name), nil)
		}
		target := filepath.Join(dir, name)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return invalidArchive(fmt.Sprintf("cannot read archive entry %s", f.Name), err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return invalidArchive(fmt.Sprintf("cannot read archive entry %s", f.Name), err)
	}
	return out.Close()
}
