package tarbuild

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestIdenticalInputsProduceIdenticalBytes(t *testing.T) {
	src := writeTempFile(t, "hello")
	layer := FileEntriesLayer{
		Name: "app",
		Entries: []FileEntry{
			{SourcePath: src, ExtractionPath: "/app/hello.txt", Permissions: 0o644, ModificationTime: time.Unix(100, 0)},
		},
	}

	r1, err := Build(layer, Options{})
	require.NoError(t, err)
	r2, err := Build(layer, Options{})
	require.NoError(t, err)

	assert.Equal(t, r1.Compressed, r2.Compressed)
	assert.True(t, r1.CompressedDigest.Equal(r2.CompressedDigest))
	assert.True(t, r1.DiffID.Equal(r2.DiffID))
}

func TestEmptyLayerProducesValidTar(t *testing.T) {
	layer := FileEntriesLayer{Name: "empty"}
	r, err := Build(layer, Options{})
	require.NoError(t, err)
	assert.Greater(t, r.Size, int64(0))

	entries := readTarEntries(t, r.Compressed)
	assert.Empty(t, entries)
}

func TestSynthesizesMissingParentDirectories(t *testing.T) {
	src := writeTempFile(t, "x")
	layer := FileEntriesLayer{
		Entries: []FileEntry{
			{SourcePath: src, ExtractionPath: "/a/b/c/file.txt", Permissions: 0o644},
		},
	}
	r, err := Build(layer, Options{})
	require.NoError(t, err)

	entries := readTarEntries(t, r.Compressed)
	names := namesOf(entries)
	assert.Equal(t, []string{"a/", "a/b/", "a/b/c/", "a/b/c/file.txt"}, names)
	for _, e := range entries[:3] {
		assert.Equal(t, int64(0o755), e.Mode&0o777)
	}
}

func TestSynthesizedParentTakesModTimeFromItsOwnDescendant(t *testing.T) {
	src := writeTempFile(t, "x")
	aTime := time.Unix(1000, 0).UTC()
	bTime := time.Unix(2000, 0).UTC()
	layer := FileEntriesLayer{
		Entries: []FileEntry{
			{SourcePath: src, ExtractionPath: "/a/file.txt", Permissions: 0o644, ModificationTime: aTime},
			{SourcePath: src, ExtractionPath: "/b/file.txt", Permissions: 0o644, ModificationTime: bTime},
		},
	}
	r, err := Build(layer, Options{})
	require.NoError(t, err)

	entries := readTarEntries(t, r.Compressed)
	byName := make(map[string]*tar.Header, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	require.Contains(t, byName, "a/")
	require.Contains(t, byName, "b/")
	assert.True(t, aTime.Equal(byName["a/"].ModTime))
	assert.True(t, bTime.Equal(byName["b/"].ModTime))
}

func TestEntriesSortedLexicographically(t *testing.T) {
	srcA := writeTempFile(t, "a")
	srcB := writeTempFile(t, "b")
	layer := FileEntriesLayer{
		Entries: []FileEntry{
			{SourcePath: srcB, ExtractionPath: "/z.txt", Permissions: 0o644},
			{SourcePath: srcA, ExtractionPath: "/a.txt", Permissions: 0o644},
		},
	}
	r, err := Build(layer, Options{})
	require.NoError(t, err)
	names := namesOf(readTarEntries(t, r.Compressed))
	assert.Equal(t, []string{"a.txt", "z.txt"}, names)
}

func TestDirectoryPrecedesChildrenEvenWithPrefixCollision(t *testing.T) {
	src := writeTempFile(t, "x")
	layer := FileEntriesLayer{
		Entries: []FileEntry{
			{SourcePath: src, ExtractionPath: "/a-b", Permissions: 0o644},
			{SourcePath: src, ExtractionPath: "/a/b", Permissions: 0o644},
		},
	}
	r, err := Build(layer, Options{})
	require.NoError(t, err)
	names := namesOf(readTarEntries(t, r.Compressed))
	// "/a" (synthesized dir) must precede "/a/b"; "/a-b" sorts between
	// them in byte order because '-' < '/'.
	assert.Equal(t, []string{"a/", "a-b", "a/b"}, names)
}

func TestGzipHeaderHasNoNameOrMTime(t *testing.T) {
	layer := FileEntriesLayer{Name: "x"}
	r, err := Build(layer, Options{})
	require.NoError(t, err)

	gr, err := gzip.NewReader(bytes.NewReader(r.Compressed))
	require.NoError(t, err)
	assert.Empty(t, gr.Name)
	assert.True(t, gr.ModTime.IsZero())
}

func readTarEntries(t *testing.T, compressed []byte) []*tar.Header {
	t.Helper()
	gr, err := gzip.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	tr := tar.NewReader(gr)
	var out []*tar.Header
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out = append(out, hdr)
	}
	return out
}

func namesOf(hdrs []*tar.Header) []string {
	names := make([]string, len(hdrs))
	for i, h := range hdrs {
		names[i] = h.Name
	}
	return names
}
