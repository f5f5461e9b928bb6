// Package ocilayout writes the OCI image layout format spec.md §4.I
// names: an "oci-layout" marker, an "index.json" root descriptor, and
// content-addressed blobs under "blobs/sha256/<hex>". Grounded on the
// same commit idiom pkg/cache and pkg/sinks/tarball use (temp file,
// rename into place) since the layout, like the layer cache, is a
// content-addressed directory tree that must never expose a partially
// written blob.
package ocilayout

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/containerbuild/engine/pkg/digest"
)

const layoutVersion = "1.0.0"

// Writer writes to an OCI image layout rooted at Root.
type Writer struct {
	root string
}

// Open prepares root as an OCI image layout directory, creating
// blobs/sha256 if absent.
func Open(root string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(root, "blobs", "sha256"), 0o755); err != nil {
		return nil, fmt.Errorf("creating oci layout blob directory: %w", err)
	}
	return &Writer{root: root}, nil
}

// WriteLayoutMarker writes the "oci-layout" file identifying this
// directory as a valid OCI image layout.
func (w *Writer) WriteLayoutMarker() error {
	b, err := json.Marshal(struct {
		ImageLayoutVersion string `json:"imageLayoutVersion"`
	}{ImageLayoutVersion: layoutVersion})
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(w.root, "oci-layout"), b)
}

// WriteBlob writes r's bytes (already known to hash to d) under
// blobs/sha256/<hex>. Every referenced blob - manifest, config, and each
// layer - goes through this one entry point (spec.md §4.I "blobs/sha256/
// <hash> for every referenced blob").
func (w *Writer) WriteBlob(d digest.Digest, r io.Reader) error {
	destPath := w.blobPath(d)
	tempPath := filepath.Join(filepath.Dir(destPath), uuid.NewString()+".tmp")
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("creating temp blob file: %w", err)
	}
	defer os.Remove(tempPath)

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("writing blob %s: %w", d, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp blob file: %w", err)
	}
	return os.Rename(tempPath, destPath)
}

// WriteIndex writes index.json, the root descriptor(s) a client reads
// first (spec.md §4.I "index.json holding the manifest descriptor").
func (w *Writer) WriteIndex(idx ocispec.Index) error {
	if idx.SchemaVersion == 0 {
		idx.SchemaVersion = 2
	}
	b, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("marshaling index.json: %w", err)
	}
	return writeFileAtomic(filepath.Join(w.root, "index.json"), b)
}

func (w *Writer) blobPath(d digest.Digest) string {
	return filepath.Join(w.root, "blobs", "sha256", d.Hex())
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tempPath := filepath.Join(dir, uuid.NewString()+".tmp")
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}
