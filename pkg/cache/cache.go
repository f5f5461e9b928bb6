// Package cache implements the on-disk, content-addressed layer cache
// (spec.md §4.E): a directory of compressed layer blobs keyed by
// compressed digest, a selector index for application-layer cache hits,
// and per-image reference markers for external GC scoping.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/containerbuild/engine/pkg/buildkind"
	"github.com/containerbuild/engine/pkg/digest"
)

// Cache owns a directory tree laid out as:
//
//	<root>/layers/<hex>/<hex>.tar.gz   compressed blob
//	<root>/layers/<hex>/<hex>.diffid   diff-id marker (commit witness)
//	<root>/selectors/<hex>             text file holding a compressedDigest
//	<root>/images/<imageRef>/<hex>     empty marker, GC scoping only
//	<root>/lock                        advisory cross-process open lock
type Cache struct {
	root   string
	lock   *os.File
	logger logrus.FieldLogger

	mu          sync.Mutex
	digestLocks map[string]*sync.Mutex
}

// Open acquires the cache directory, creating its subdirectories and
// taking the cross-process advisory lock on <root>/lock (spec.md §3 "A
// Cache exclusively owns its directory; opening acquires an advisory
// per-process lock").
func Open(root string) (*Cache, error) {
	for _, sub := range []string{"layers", "selectors", "images"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory %s: %w", sub, err)
		}
	}

	lockPath := filepath.Join(root, "lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening cache lock file: %w", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("acquiring cache lock at %s: %w", lockPath, err)
	}

	return &Cache{
		root:        root,
		lock:        lockFile,
		logger:      logrus.StandardLogger(),
		digestLocks: make(map[string]*sync.Mutex),
	}, nil
}

// WithLogger overrides the default logger.
func (c *Cache) WithLogger(l logrus.FieldLogger) *Cache {
	c.logger = l
	return c
}

// Close releases the cross-process lock. Committed entries remain on disk.
func (c *Cache) Close() error {
	if err := syscall.Flock(int(c.lock.Fd()), syscall.LOCK_UN); err != nil {
		c.lock.Close()
		return fmt.Errorf("releasing cache lock: %w", err)
	}
	return c.lock.Close()
}

func (c *Cache) layerDir(d digest.Digest) string {
	return filepath.Join(c.root, "layers", d.Hex())
}

func (c *Cache) compressedPath(d digest.Digest) string {
	return filepath.Join(c.layerDir(d), d.Hex()+".tar.gz")
}

func (c *Cache) diffIDMarkerPath(d digest.Digest) string {
	return filepath.Join(c.layerDir(d), d.Hex()+".diffid")
}

func (c *Cache) selectorPath(selector digest.Digest) string {
	return filepath.Join(c.root, "selectors", selector.Hex())
}

// imageRefMarkerPath sanitizes imageRef (which may contain "/" and ":")
// into a single path-safe directory component.
func (c *Cache) imageRefMarkerPath(imageRef string, d digest.Digest) string {
	safe := sanitizeImageRef(imageRef)
	return filepath.Join(c.root, "images", safe, d.Hex())
}

func sanitizeImageRef(ref string) string {
	out := make([]rune, 0, len(ref))
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// digestLock returns the process-local mutex serializing commits for one
// compressed digest (spec.md §5 "cache writes are serialized per
// compressedDigest by a mutex keyed on that digest").
func (c *Cache) digestLock(hex string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.digestLocks[hex]
	if !ok {
		m = &sync.Mutex{}
		c.digestLocks[hex] = m
	}
	return m
}

// committed reports whether both the compressed file and the diff-id
// marker exist for d (spec.md §4.E "committed iff both ... exist").
func (c *Cache) committed(d digest.Digest) bool {
	if _, err := os.Stat(c.compressedPath(d)); err != nil {
		return false
	}
	if _, err := os.Stat(c.diffIDMarkerPath(d)); err != nil {
		return false
	}
	return true
}

// verify recomputes d's content hash against the file on disk, used on
// read to detect a corrupted committed entry (spec.md §7 "CacheCorrupted").
func (c *Cache) verify(d digest.Digest) error {
	f, err := os.Open(c.compressedPath(d))
	if err != nil {
		return &buildkind.CacheCorrupted{Digest: d.String(), Err: err}
	}
	defer f.Close()
	desc, err := digest.ComputeDigest(f, nil)
	if err != nil {
		return &buildkind.CacheCorrupted{Digest: d.String(), Err: err}
	}
	if !desc.Digest.Equal(d) {
		return &buildkind.CacheCorrupted{Digest: d.String(), Err: fmt.Errorf("recomputed digest %s", desc.Digest)}
	}
	return nil
}
