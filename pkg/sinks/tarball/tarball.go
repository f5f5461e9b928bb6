// Package tarball writes the Docker (docker save)-compatible archive
// format spec.md §4.I names: one JSON config entry, one directory per
// layer holding layer.tar, and a top-level manifest.json. Grounded on
// cococolanosugar-image's docker/internal/tarfile/writer.go — the
// synthetic-FileInfo-via-tar.FileInfoHeader pattern for writing
// in-memory byte slices and streamed readers into a tar.Writer without a
// real filesystem entry behind them.
package tarball

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/containerbuild/engine/pkg/digest"
)

// Manifest is the top-level manifest.json entry (spec.md §4.I "manifest.json
// — list with Config, RepoTags, Layers").
type Manifest struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags,omitempty"`
	Layers   []string `json:"Layers"`
}

// Writer streams a Docker-tar archive to an underlying io.Writer one
// blob at a time; the caller must call WriteConfig then WriteLayer for
// every layer in order, then Finalize.
type Writer struct {
	tw *tar.Writer

	configPath string
	layerPaths []string
}

// NewWriter wraps dest. The caller owns dest and must close it itself
// after Finalize returns.
func NewWriter(dest io.Writer) *Writer {
	return &Writer{tw: tar.NewWriter(dest)}
}

// WriteConfig writes the container configuration JSON under
// "<hex(configDigest)>.json" (spec.md §4.I).
func (w *Writer) WriteConfig(configDigest digest.Digest, configJSON []byte) error {
	name := configDigest.Hex() + ".json"
	if err := w.sendBytes(name, configJSON); err != nil {
		return fmt.Errorf("writing container config: %w", err)
	}
	w.configPath = name
	return nil
}

// WriteLayer streams one layer's compressed bytes under
// "<hex(diffID)>/layer.tar" (spec.md §4.I). Layers must be written in the
// order they appear in the image.
func (w *Writer) WriteLayer(diffID digest.Digest, size int64, r io.Reader) error {
	name := path.Join(diffID.Hex(), "layer.tar")
	if err := w.sendFile(name, size, r); err != nil {
		return fmt.Errorf("writing layer %s: %w", diffID, err)
	}
	w.layerPaths = append(w.layerPaths, name)
	return nil
}

// Finalize writes manifest.json, tagging the image under repoTags (each
// already a fully-qualified "repository:tag" string), and closes the
// underlying tar writer. No more blobs may be written afterward.
func (w *Writer) Finalize(repoTags []string) error {
	if w.configPath == "" {
		return fmt.Errorf("tarball: Finalize called before WriteConfig")
	}
	m := []Manifest{{
		Config:   w.configPath,
		RepoTags: repoTags,
		Layers:   w.layerPaths,
	}}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling manifest.json: %w", err)
	}
	if err := w.sendBytes("manifest.json", b); err != nil {
		return fmt.Errorf("writing manifest.json: %w", err)
	}
	return w.tw.Close()
}

// syntheticFileInfo backs tar.FileInfoHeader for content that has no real
// filesystem entry (an in-memory byte slice or a streamed layer reader).
type syntheticFileInfo struct {
	name string
	size int64
}

func (f *syntheticFileInfo) Name() string       { return f.name }
func (f *syntheticFileInfo) Size() int64        { return f.size }
func (f *syntheticFileInfo) Mode() os.FileMode  { return 0o444 }
func (f *syntheticFileInfo) ModTime() time.Time { return time.Unix(0, 0) }
func (f *syntheticFileInfo) IsDir() bool        { return false }
func (f *syntheticFileInfo) Sys() any           { return nil }

func (w *Writer) sendBytes(name string, b []byte) error {
	return w.sendFile(name, int64(len(b)), bytes.NewReader(b))
}

// WriteToFile builds a complete archive at destPath by invoking write
// against a Writer over a temp file, then renaming into place (spec.md
// §4.H "Tar tail: write to a file path atomically"), the same
// temp-file-then-rename commit the layer cache uses.
func WriteToFile(destPath string, write func(*Writer) error) error {
	dir := filepath.Dir(destPath)
	tempPath := filepath.Join(dir, uuid.NewString()+".tmp")
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("creating temp archive file: %w", err)
	}
	defer os.Remove(tempPath)

	w := NewWriter(f)
	if err := write(w); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp archive file: %w", err)
	}
	return os.Rename(tempPath, destPath)
}

func (w *Writer) sendFile(name string, size int64, r io.Reader) error {
	hdr, err := tar.FileInfoHeader(&syntheticFileInfo{name: name, size: size}, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	written, err := io.Copy(w.tw, r)
	if err != nil {
		return err
	}
	if written != size {
		return fmt.Errorf("size mismatch writing %s: expected %d, wrote %d", name, size, written)
	}
	return nil
}
