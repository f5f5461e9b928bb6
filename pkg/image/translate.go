package image

import (
	registryv1 "github.com/google/go-containerregistry/pkg/v1"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/containerbuild/engine/pkg/buildkind"
	"github.com/containerbuild/engine/pkg/digest"
)

// LayerRef is a manifest's view of one layer before its bytes have been
// fetched: enough to drive a pull (compressed digest, size where known,
// diff-id where known). A schema-1 fsLayer entry has no diff-id until its
// blob is downloaded and its container-config fragment inspected, so
// DiffID is the zero Digest in that case.
type LayerRef struct {
	CompressedDigest digest.Digest
	Size             int64
	DiffID           digest.Digest
}

// TranslateManifest extracts the ordered layer list a manifest describes,
// reversing schema-1's fsLayers (spec.md §4.F, §9 "target the reversed
// behavior") and pairing schema-2/OCI layers with their config's
// rootfs.diff_ids by position. Index/list manifests are not translatable
// directly — call SelectPlatform first and translate the resolved child
// manifest.
func TranslateManifest(mt ManifestTemplate, config *ocispec.Image) ([]LayerRef, error) {
	switch m := mt.(type) {
	case *Schema2Manifest:
		return translateV1Layers(m.Raw.Layers, config)
	case *OCIManifestTemplate:
		return translateOCILayers(m.Raw.Layers, config)
	case *Schema1Manifest:
		return translateSchema1(m), nil
	case *IndexTemplate:
		return nil, &buildkind.InvalidInput{Reason: "manifest is an index; call SelectPlatform and translate the child manifest"}
	default:
		return nil, &buildkind.ManifestFormatUnknown{}
	}
}

func translateV1Layers(layers []registryv1.Descriptor, config *ocispec.Image) ([]LayerRef, error) {
	if err := ValidateLayerCount(len(config.RootFS.DiffIDs), len(layers)); err != nil {
		return nil, err
	}
	refs := make([]LayerRef, len(layers))
	for i, l := range layers {
		d, err := digest.Parse(l.Digest.String())
		if err != nil {
			return nil, &buildkind.InvalidInput{Reason: "manifest layer digest", Err: err}
		}
		diffID, err := digest.Parse(config.RootFS.DiffIDs[i].String())
		if err != nil {
			return nil, &buildkind.InvalidInput{Reason: "config diff-id", Err: err}
		}
		refs[i] = LayerRef{CompressedDigest: d, Size: l.Size, DiffID: diffID}
	}
	return refs, nil
}

func translateOCILayers(layers []ocispec.Descriptor, config *ocispec.Image) ([]LayerRef, error) {
	if err := ValidateLayerCount(len(config.RootFS.DiffIDs), len(layers)); err != nil {
		return nil, err
	}
	refs := make([]LayerRef, len(layers))
	for i, l := range layers {
		d, err := digest.Parse(l.Digest.String())
		if err != nil {
			return nil, &buildkind.InvalidInput{Reason: "manifest layer digest", Err: err}
		}
		diffID, err := digest.Parse(config.RootFS.DiffIDs[i].String())
		if err != nil {
			return nil, &buildkind.InvalidInput{Reason: "config diff-id", Err: err}
		}
		refs[i] = LayerRef{CompressedDigest: d, Size: l.Size, DiffID: diffID}
	}
	return refs, nil
}

func translateSchema1(m *Schema1Manifest) []LayerRef {
	n := len(m.FSLayers)
	refs := make([]LayerRef, 0, n)
	for i := n - 1; i >= 0; i-- {
		d, err := digest.Parse(m.FSLayers[i].BlobSum)
		if err != nil {
			continue
		}
		refs = append(refs, LayerRef{CompressedDigest: d, Size: digest.SizeUnknown})
	}
	return refs
}
