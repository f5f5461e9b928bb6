package image

import (
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	godigest "github.com/opencontainers/go-digest"
)

// NewOCIManifest assembles a fresh OCI image manifest from a config
// descriptor and an ordered layer descriptor list (spec.md §4.H
// "BuildImageStep — assemble container config with base layers then app
// layers; compute its digest").
func NewOCIManifest(config ocispec.Descriptor, layers []ocispec.Descriptor) *OCIManifestTemplate {
	return &OCIManifestTemplate{Raw: &ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    config,
		Layers:    layers,
	}}
}

// OCIDescriptor renders l's (size, digest) pair as an ocispec.Descriptor
// tagged as a gzip-compressed OCI layer.
func (l Layer) OCIDescriptor() (ocispec.Descriptor, error) {
	desc, err := l.Descriptor()
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	return ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayerGzip,
		Digest:    godigest.Digest(desc.Digest.String()),
		Size:      desc.Size,
	}, nil
}
