package orchestrator

import (
	"encoding/json"
	"fmt"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/containerbuild/engine/pkg/digest"
	"github.com/containerbuild/engine/pkg/image"
)

// buildConfig implements BuildImageStep: assemble the container config
// from img's base-then-app layer order, compute its digest, and build the
// manifest referencing it (spec.md §4.H "assemble container config with
// base layers then app layers; compute its digest").
func buildConfig(img *image.Image) (*builtConfig, error) {
	cfg, err := img.ContainerConfig()
	if err != nil {
		return nil, err
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshaling container config: %w", err)
	}
	configDigest := digest.FromBytes(configJSON)
	configDesc := digest.BlobDescriptor{Size: int64(len(configJSON)), Digest: configDigest}

	layerDescs := make([]ocispec.Descriptor, 0, len(img.AllLayers()))
	for _, l := range img.AllLayers() {
		d, err := l.OCIDescriptor()
		if err != nil {
			return nil, err
		}
		layerDescs = append(layerDescs, d)
	}

	manifest := image.NewOCIManifest(ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageConfig,
		Digest:    mustOCIDigest(configDigest),
		Size:      configDesc.Size,
	}, layerDescs)

	manifestJSON, err := json.Marshal(manifest.Raw)
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}

	return &builtConfig{
		ConfigJSON:   configJSON,
		ConfigDesc:   configDesc,
		Manifest:     manifest,
		ManifestJSON: manifestJSON,
	}, nil
}
