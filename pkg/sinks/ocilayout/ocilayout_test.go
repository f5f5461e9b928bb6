package ocilayout

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	godigest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/containerbuild/engine/pkg/digest"
)

func ociDigest(d digest.Digest) godigest.Digest { return godigest.Digest(d.String()) }

func hexFill(b byte) string {
	s := make([]byte, 64)
	for i := range s {
		s[i] = b
	}
	return string(s)
}

func TestWriteLayoutMarkerContainsVersion(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.WriteLayoutMarker())

	raw, err := os.ReadFile(filepath.Join(dir, "oci-layout"))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"imageLayoutVersion":"1.0.0"`)
}

func TestWriteBlobPlacesContentUnderItsHexDigest(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	d := digest.MustParse("sha256:" + hexFill('7'))
	require.NoError(t, w.WriteBlob(d, bytes.NewReader([]byte("manifest bytes"))))

	got, err := os.ReadFile(filepath.Join(dir, "blobs", "sha256", d.Hex()))
	require.NoError(t, err)
	require.Equal(t, "manifest bytes", string(got))
}

func TestWriteIndexRoundTrips(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	d := digest.MustParse("sha256:" + hexFill('9'))
	idx := ocispec.Index{
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{{
			MediaType: ocispec.MediaTypeImageManifest,
			Digest:    ociDigest(d),
			Size:      100,
		}},
	}
	require.NoError(t, w.WriteIndex(idx))

	raw, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	var got ocispec.Index
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, 2, got.SchemaVersion)
	require.Len(t, got.Manifests, 1)
}
