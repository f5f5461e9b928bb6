package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerbuild/engine/pkg/digest"
)

// LookupSelector resolves a previously recorded selector to the compressed
// digest of the application layer it was built into (spec.md §4.E
// "Selectors let the application-layer builder ask 'have I already built a
// layer for exactly this set of file entries?'").
func (c *Cache) LookupSelector(selector digest.Digest) (digest.Digest, bool, error) {
	raw, err := os.ReadFile(c.selectorPath(selector))
	if err != nil {
		if os.IsNotExist(err) {
			return digest.Digest{}, false, nil
		}
		return digest.Digest{}, false, fmt.Errorf("reading selector %s: %w", selector, err)
	}
	d, err := digest.Parse(string(raw))
	if err != nil {
		return digest.Digest{}, false, fmt.Errorf("parsing selector %s mapping: %w", selector, err)
	}
	return d, true, nil
}

// RecordSelector maps selector to compressedDigest, so a future build with
// an identical FileEntry set can skip the tar-build step entirely.
func (c *Cache) RecordSelector(selector, compressedDigest digest.Digest) error {
	return writeFileAtomic(c.selectorPath(selector), []byte(compressedDigest.String()))
}

// MarkImageReference records that imageRef references d, for external GC
// tooling to use as scoping input (spec.md §4.E "per-image reference for
// GC scoping"). The core never reads these markers back.
func (c *Cache) MarkImageReference(imageRef string, d digest.Digest) error {
	path := c.imageRefMarkerPath(imageRef, d)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating image reference directory: %w", err)
	}
	return writeFileAtomic(path, nil)
}
