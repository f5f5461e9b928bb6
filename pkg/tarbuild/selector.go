package tarbuild

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/containerbuild/engine/pkg/digest"
)

// selectorEntry is the canonical, JSON-stable view of one FileEntry used
// to compute a layer's selector digest (spec.md §4.E "computed over the
// canonical JSON of the entries ... including permissions, mtime,
// ownership, and a content hash of sourceFile for regular files").
type selectorEntry struct {
	ExtractionPath string `json:"extractionPath"`
	Permissions    uint32 `json:"permissions"`
	ModTimeUnix    int64  `json:"modTimeUnix"`
	Ownership      string `json:"ownership"`
	LinkTarget     string `json:"linkTarget,omitempty"`
	Directory      bool   `json:"directory,omitempty"`
	ContentDigest  string `json:"contentDigest,omitempty"`
}

// ComputeSelector hashes the canonical description of layer's entries, so
// two builds with identical FileEntry sets (including source file
// contents) produce the same selector regardless of build order (spec.md
// §3 "Selector", §8 "Selector cache hit").
func ComputeSelector(layer FileEntriesLayer) (digest.Digest, error) {
	entries := make([]selectorEntry, len(layer.Entries))
	for i, e := range layer.Entries {
		se := selectorEntry{
			ExtractionPath: cleanPath(e.ExtractionPath),
			Permissions:    e.Permissions,
			ModTimeUnix:    e.modTime().Unix(),
			Ownership:      e.Ownership,
			LinkTarget:     e.LinkTarget,
			Directory:      e.isDirectory(),
		}
		if !se.Directory && e.LinkTarget == "" && e.SourcePath != "" {
			d, err := hashSourceFile(e.SourcePath)
			if err != nil {
				return digest.Digest{}, fmt.Errorf("hashing source file %q for selector: %w", e.SourcePath, err)
			}
			se.ContentDigest = d.String()
		}
		entries[i] = se
	}
	sort.Slice(entries, func(i, j int) bool {
		return lessByPath(entries[i].ExtractionPath, entries[j].ExtractionPath)
	})

	canonical, err := json.Marshal(entries)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("marshaling selector entries: %w", err)
	}
	return digest.FromBytes(canonical), nil
}

func hashSourceFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return digest.Digest{}, err
	}
	defer f.Close()
	desc, err := digest.ComputeDigest(f, nil)
	if err != nil {
		return digest.Digest{}, err
	}
	return desc.Digest, nil
}
