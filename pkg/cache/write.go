package cache

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/containerbuild/engine/pkg/digest"
	"github.com/containerbuild/engine/pkg/image"
)

// Lookup returns the Cached layer for d if it is already committed, the
// zero Layer and false if not, or a CacheCorrupted error if the committed
// compressed file fails digest verification.
func (c *Cache) Lookup(d digest.Digest) (image.Layer, bool, error) {
	if !c.committed(d) {
		return image.Layer{}, false, nil
	}
	if err := c.verify(d); err != nil {
		return image.Layer{}, false, err
	}
	diffID, err := c.readDiffIDMarker(d)
	if err != nil {
		return image.Layer{}, false, err
	}
	info, err := os.Stat(c.compressedPath(d))
	if err != nil {
		return image.Layer{}, false, fmt.Errorf("stat cached layer %s: %w", d, err)
	}

	path := c.compressedPath(d)
	open := func() (io.ReadCloser, error) { return os.Open(path) }
	desc := digest.BlobDescriptor{Size: info.Size(), Digest: d}
	return image.NewCachedLayer(desc, diffID, open), true, nil
}

func (c *Cache) readDiffIDMarker(d digest.Digest) (digest.Digest, error) {
	raw, err := os.ReadFile(c.diffIDMarkerPath(d))
	if err != nil {
		return digest.Digest{}, fmt.Errorf("reading diff-id marker for %s: %w", d, err)
	}
	return digest.Parse(string(raw))
}

// Write streams r (already-gzipped tar bytes) into the cache, computing
// the compressed digest while writing and the diff-id by decompressing in
// parallel (spec.md §4.E "compute diff-id on the fly via parallel
// gunzip"). Concurrent writers racing to commit the same digest: the
// loser's temp files are discarded and Lookup's result is returned instead
// (spec.md §4.E "the later one becomes a no-op").
func (c *Cache) Write(r io.Reader) (image.Layer, error) {
	tempDir := filepath.Join(c.root, "layers")
	tempCompressed, err := os.CreateTemp(tempDir, "write-*.tmp")
	if err != nil {
		return image.Layer{}, fmt.Errorf("creating temp layer file: %w", err)
	}
	tempPath := tempCompressed.Name()
	defer os.Remove(tempPath)
	defer tempCompressed.Close()

	pr, pw := io.Pipe()
	compressedHasher := digest.NewHasher(io.MultiWriter(tempCompressed, pw))
	diffHasher := digest.NewHasher(nil)

	var eg errgroup.Group
	eg.Go(func() error {
		defer pw.Close()
		if _, err := io.Copy(compressedHasher, r); err != nil {
			return fmt.Errorf("writing compressed layer: %w", err)
		}
		return compressedHasher.Flush()
	})
	eg.Go(func() error {
		gz, err := pgzip.NewReader(pr)
		if err != nil {
			io.Copy(io.Discard, pr)
			return fmt.Errorf("decompressing layer for diff-id: %w", err)
		}
		defer gz.Close()
		_, err = io.Copy(diffHasher, bufio.NewReaderSize(gz, 1<<20))
		return err
	})

	if err := eg.Wait(); err != nil {
		return image.Layer{}, err
	}
	if err := tempCompressed.Close(); err != nil {
		return image.Layer{}, fmt.Errorf("closing temp layer file: %w", err)
	}

	compressedDesc := compressedHasher.Descriptor()
	diffID := diffHasher.Descriptor().Digest

	return c.commit(tempPath, compressedDesc, diffID)
}

// commit renames the already-hashed temp file into place under its
// compressed digest and writes the diff-id marker, serialized per digest
// (spec.md §5). If another writer already committed the same digest first,
// this writer's temp file is discarded and the existing entry is returned.
func (c *Cache) commit(tempPath string, desc digest.BlobDescriptor, diffID digest.Digest) (image.Layer, error) {
	lock := c.digestLock(desc.Digest.Hex())
	lock.Lock()
	defer lock.Unlock()

	if existing, ok, err := c.Lookup(desc.Digest); err != nil {
		return image.Layer{}, err
	} else if ok {
		return existing, nil
	}

	dir := c.layerDir(desc.Digest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return image.Layer{}, fmt.Errorf("creating layer directory: %w", err)
	}
	if err := os.Rename(tempPath, c.compressedPath(desc.Digest)); err != nil {
		return image.Layer{}, fmt.Errorf("committing layer blob: %w", err)
	}
	if err := writeFileAtomic(c.diffIDMarkerPath(desc.Digest), []byte(diffID.String())); err != nil {
		return image.Layer{}, fmt.Errorf("committing diff-id marker: %w", err)
	}

	path := c.compressedPath(desc.Digest)
	open := func() (io.ReadCloser, error) { return os.Open(path) }
	return image.NewCachedLayer(desc, diffID, open), nil
}

// writeFileAtomic writes data to a uuid-named temp file beside path and
// renames it into place, the teacher's bytestream-upload naming
// convention (pkg/cas/write.go's uuid.NewString() resource names) adapted
// to a local write-then-rename commit.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tempPath := filepath.Join(dir, uuid.NewString()+".tmp")
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}
