package image

import (
	"errors"
	"testing"

	godigest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containerbuild/engine/pkg/buildkind"
	"github.com/containerbuild/engine/pkg/digest"
)

func d(hex string) digest.Digest {
	return digest.MustParse("sha256:" + hex)
}

func TestLayerAccessorsReturnMissingPropertyByState(t *testing.T) {
	unwritten := NewUnwrittenLayer(nil)
	_, err := unwritten.CompressedDigest()
	var missing *buildkind.LayerPropertyMissing
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "Unwritten", missing.State)

	digestOnly := NewDigestOnlyLayer(d(padHex('0')))
	_, err = digestOnly.DiffID()
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "DigestOnly", missing.State)

	_, err = digestOnly.CompressedDigest()
	require.NoError(t, err)
}

func TestImageLayersDeduplicatesByCompressedDigest(t *testing.T) {
	hex := make([]byte, 64)
	for i := range hex {
		hex[i] = 'a'
	}
	same := d(string(hex))

	layers := NewImageLayers()
	layers.Add(NewDigestOnlyLayer(same))
	layers.Add(NewDigestOnlyLayer(same))
	assert.Equal(t, 1, layers.Len())
}

func TestSchema1FSLayersAreReversed(t *testing.T) {
	hexOf := func(b byte) string {
		s := make([]byte, 64)
		for i := range s {
			s[i] = b
		}
		return string(s)
	}
	m := &Schema1Manifest{
		FSLayers: []Schema1FSLayer{
			{BlobSum: "sha256:" + hexOf('2')},
			{BlobSum: "sha256:" + hexOf('1')},
			{BlobSum: "sha256:" + hexOf('0')},
		},
	}
	refs := translateSchema1(m)
	require.Len(t, refs, 3)
	assert.Equal(t, "sha256:"+hexOf('0'), refs[0].CompressedDigest.String())
	assert.Equal(t, "sha256:"+hexOf('1'), refs[1].CompressedDigest.String())
	assert.Equal(t, "sha256:"+hexOf('2'), refs[2].CompressedDigest.String())
}

func TestSelectPlatformPicksMatchingEntry(t *testing.T) {
	hexOf := func(b byte) string {
		s := make([]byte, 64)
		for i := range s {
			s[i] = b
		}
		return string(s)
	}
	idx := &IndexTemplate{Raw: &ocispec.Index{
		Manifests: []ocispec.Descriptor{
			{Digest: mustOCIDigest("sha256:" + hexOf('a')), Platform: &ocispec.Platform{OS: "linux", Architecture: "arm64"}},
			{Digest: mustOCIDigest("sha256:" + hexOf('b')), Platform: &ocispec.Platform{OS: "linux", Architecture: "amd64"}},
		},
	}}

	got, err := SelectPlatform(idx, DefaultPlatform)
	require.NoError(t, err)
	assert.Equal(t, "sha256:"+hexOf('b'), got.String())
}

func TestSelectPlatformErrorsWhenNoMatch(t *testing.T) {
	idx := &IndexTemplate{Raw: &ocispec.Index{}}
	_, err := SelectPlatform(idx, DefaultPlatform)
	require.Error(t, err)
	var invalid *buildkind.InvalidInput
	assert.True(t, errors.As(err, &invalid))
}

func TestContainerConfigBuildsDeterministicRootFS(t *testing.T) {
	img := NewImage()
	desc := digest.BlobDescriptor{Size: 10, Digest: d(padHex('a'))}
	img.BaseLayers.Add(NewCachedLayer(desc, d(padHex('b')), nil))

	cfg, err := img.ContainerConfig()
	require.NoError(t, err)
	require.Len(t, cfg.RootFS.DiffIDs, 1)
	assert.Equal(t, "sha256:"+padHex('b'), cfg.RootFS.DiffIDs[0].String())
}

func padHex(b byte) string {
	s := make([]byte, 64)
	for i := range s {
		s[i] = b
	}
	return string(s)
}

func mustOCIDigest(s string) godigest.Digest {
	return godigest.Digest(s)
}
