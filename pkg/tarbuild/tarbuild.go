// Package tarbuild serializes a declarative set of file entries into a
// deterministic, gzip-compressed POSIX ustar archive (spec.md §4.B).
package tarbuild

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/containerbuild/engine/pkg/digest"
)

// DefaultModTime is used for any FileEntry that does not specify one
// (spec.md §4.B: "default: epoch+1s").
var DefaultModTime = time.Unix(1, 0).UTC()

// defaultDirPermissions is used for synthesized parent directories.
const defaultDirPermissions = 0o755

// FileEntry describes one file or directory to place inside a layer
// (spec.md §3 "FileEntry").
type FileEntry struct {
	// SourcePath is the file on the local filesystem to read contents
	// from. Empty for directory and symlink entries.
	SourcePath string
	// ExtractionPath is the absolute POSIX path inside the container.
	ExtractionPath string
	// Permissions is the low 9 bits of the file mode.
	Permissions uint32
	// ModificationTime is truncated to integer seconds and used for
	// mtime/atime/ctime alike.
	ModificationTime time.Time
	// Ownership is a numeric "uid:gid" string. Empty means 0:0.
	Ownership string
	// LinkTarget, if non-empty, makes this a symlink entry.
	LinkTarget string
	// Directory marks this as an explicit (not synthesized) directory
	// entry.
	Directory bool
}

// Equal implements the data-model invariant "two entries are equal iff
// all fields are equal" (spec.md §3).
func (e FileEntry) Equal(other FileEntry) bool {
	return e == other
}

func (e FileEntry) isDirectory() bool {
	return e.Directory || (e.SourcePath == "" && e.LinkTarget == "")
}

func (e FileEntry) modTime() time.Time {
	if e.ModificationTime.IsZero() {
		return DefaultModTime
	}
	return e.ModificationTime
}

func (e FileEntry) ownership() (uid, gid int) {
	if e.Ownership == "" {
		return 0, 0
	}
	parts := strings.SplitN(e.Ownership, ":", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	uid, _ = strconv.Atoi(parts[0])
	gid, _ = strconv.Atoi(parts[1])
	return uid, gid
}

// FileEntriesLayer is the named input to the tar builder: a set of file
// entries that together form one image layer.
type FileEntriesLayer struct {
	Name    string
	Entries []FileEntry
}

// OwnershipProvider supplies ownership for a synthesized parent
// directory at the given extraction path (spec.md §4.B: "synthesized
// directories inherit the ownership provider's value for their own
// path").
type OwnershipProvider interface {
	OwnershipFor(extractionPath string) string
}

// defaultOwnership always returns "" (uid/gid 0:0).
type defaultOwnership struct{}

func (defaultOwnership) OwnershipFor(string) string { return "" }

// Options configures tar/gzip construction.
type Options struct {
	// Ownership resolves ownership for synthesized directories. Defaults
	// to root:root.
	Ownership OwnershipProvider
	// GzipLevel is passed to gzip.NewWriterLevel. Zero means
	// gzip.DefaultCompression.
	GzipLevel int
	// ParallelGzipThreshold, if > 0, switches to klauspost/pgzip for
	// layers whose uncompressed size the caller expects to exceed it.
	// This is an optimization hint only; correctness does not depend on
	// which encoder path is used since both targets conform to standard
	// gzip framing, but the fixed header fields below still apply.
	ParallelGzipThreshold int64
	// ExpectedSize is the caller's estimate of uncompressed size, used
	// only to pick the gzip encoder per ParallelGzipThreshold.
	ExpectedSize int64
}

func (o Options) ownership() OwnershipProvider {
	if o.Ownership == nil {
		return defaultOwnership{}
	}
	return o.Ownership
}

func (o Options) gzipLevel() int {
	if o.GzipLevel == 0 {
		return gzip.DefaultCompression
	}
	return o.GzipLevel
}

// Result is the outcome of building a layer's tar: both digests needed by
// the data model (spec.md §3 "Invariants") plus the compressed bytes.
type Result struct {
	Compressed       []byte
	CompressedDigest digest.Digest
	DiffID           digest.Digest
	Size             int64
}

// Build serializes entries into a deterministic gzipped tar and returns
// both digests required by the Layer data model: the diff ID (uncompressed
// tar) and the compressed digest (gzip bytes), matching spec.md's
// invariant that both are sha256 of their respective byte streams.
func Build(layer FileEntriesLayer, opts Options) (Result, error) {
	var compressedBuf writeCounter
	compressedHasher := digest.NewHasher(&compressedBuf)

	gz, err := newGzipWriter(compressedHasher, opts)
	if err != nil {
		return Result{}, err
	}

	tarHasher := digest.NewHasher(gz)
	tw := tar.NewWriter(tarHasher)

	if err := writeEntries(tw, layer.Entries, opts.ownership()); err != nil {
		return Result{}, fmt.Errorf("building layer %q: %w", layer.Name, err)
	}
	if err := tw.Close(); err != nil {
		return Result{}, fmt.Errorf("closing tar writer for layer %q: %w", layer.Name, err)
	}
	if err := tarHasher.Flush(); err != nil {
		return Result{}, err
	}
	diffIDDesc := tarHasher.Descriptor()

	if err := gz.Close(); err != nil {
		return Result{}, fmt.Errorf("closing gzip writer for layer %q: %w", layer.Name, err)
	}
	if err := compressedHasher.Flush(); err != nil {
		return Result{}, err
	}
	compressedDesc := compressedHasher.Descriptor()

	return Result{
		Compressed:       compressedBuf.buf,
		CompressedDigest: compressedDesc.Digest,
		DiffID:           diffIDDesc.Digest,
		Size:             compressedDesc.Size,
	}, nil
}

// gzipWriteCloser is satisfied by both *gzip.Writer and *pgzip.Writer.
type gzipWriteCloser interface {
	io.WriteCloser
	Flush() error
}

func newGzipWriter(w io.Writer, opts Options) (gzipWriteCloser, error) {
	level := opts.gzipLevel()
	if opts.ParallelGzipThreshold > 0 && opts.ExpectedSize > opts.ParallelGzipThreshold {
		gz, err := pgzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, err
		}
		// No filename/mtime in the GZIP header (spec.md §4.B).
		gz.Name = ""
		gz.ModTime = time.Time{}
		return gz, nil
	}
	gz, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, err
	}
	gz.Name = ""
	gz.ModTime = time.Time{}
	return gz, nil
}

type writeCounter struct {
	buf []byte
}

func (w *writeCounter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// writeEntries sorts entries, synthesizes missing parent directories, and
// streams them to tw in the order the data-model invariants require:
// lexicographic by extraction path, with directory entries preceding
// their children (spec.md §3).
func writeEntries(tw *tar.Writer, entries []FileEntry, ownership OwnershipProvider) error {
	complete := synthesizeParents(entries, ownership)
	sort.Slice(complete, func(i, j int) bool {
		return lessByPath(complete[i].ExtractionPath, complete[j].ExtractionPath)
	})

	for _, e := range complete {
		if err := writeEntry(tw, e); err != nil {
			return fmt.Errorf("writing entry %q: %w", e.ExtractionPath, err)
		}
	}
	return nil
}

// lessByPath orders cleaned extraction paths by lexicographic byte order.
// A directory still sorts before all of its descendants, because its path
// is a byte-wise prefix of theirs (e.g. "/a" < "/a-b" < "/a/b").
func lessByPath(a, b string) bool {
	return a < b
}

// ancestorSource tracks which entry's path and mtime a synthesized
// ancestor directory takes on.
type ancestorSource struct {
	path    string
	modTime time.Time
}

func synthesizeParents(entries []FileEntry, ownership OwnershipProvider) []FileEntry {
	byPath := make(map[string]FileEntry, len(entries))
	for _, e := range entries {
		byPath[cleanPath(e.ExtractionPath)] = e
	}

	// Collect every missing ancestor directory implied by each entry's
	// path, taking its mtime from the entry that needed it (spec.md §4.B
	// "the entry's modification time"). When more than one entry shares an
	// ancestor, the lexicographically smallest path wins so the result
	// doesn't depend on entries' input order.
	needed := make(map[string]ancestorSource)
	for p, e := range byPath {
		for _, ancestor := range ancestors(p) {
			if _, ok := byPath[ancestor]; ok {
				continue
			}
			if cur, ok := needed[ancestor]; !ok || p < cur.path {
				needed[ancestor] = ancestorSource{path: p, modTime: e.modTime()}
			}
		}
	}

	out := make([]FileEntry, 0, len(entries)+len(needed))
	for _, e := range entries {
		e.ExtractionPath = cleanPath(e.ExtractionPath)
		out = append(out, e)
	}
	for p, src := range needed {
		out = append(out, FileEntry{
			ExtractionPath:   p,
			Permissions:      defaultDirPermissions,
			ModificationTime: src.modTime,
			Ownership:        ownership.OwnershipFor(p),
			Directory:        true,
		})
	}
	return out
}

func cleanPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// ancestors returns every proper parent directory of p, root-first,
// excluding "/" itself.
func ancestors(p string) []string {
	var out []string
	dir := path.Dir(p)
	for dir != "/" && dir != "." {
		out = append([]string{dir}, out...)
		dir = path.Dir(dir)
	}
	return out
}

func writeEntry(tw *tar.Writer, e FileEntry) error {
	mtime := e.modTime().Truncate(time.Second)
	uid, gid := e.ownership()

	hdr := &tar.Header{
		Name:     strings.TrimPrefix(e.ExtractionPath, "/"),
		Mode:     int64(e.Permissions & 0o777),
		Uid:      uid,
		Gid:      gid,
		ModTime:  mtime,
		AccessTime: mtime,
		ChangeTime: mtime,
	}

	switch {
	case e.isDirectory():
		hdr.Typeflag = tar.TypeDir
		hdr.Name = strings.TrimSuffix(hdr.Name, "/") + "/"
		return tw.WriteHeader(hdr)
	case e.LinkTarget != "":
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.LinkTarget
		return tw.WriteHeader(hdr)
	default:
		hdr.Typeflag = tar.TypeReg
		size, err := sourceSize(e.SourcePath)
		if err != nil {
			return err
		}
		hdr.Size = size
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		return copySourceFile(tw, e.SourcePath)
	}
}
