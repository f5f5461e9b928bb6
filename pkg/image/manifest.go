package image

import (
	"encoding/json"
	"fmt"

	registryv1 "github.com/google/go-containerregistry/pkg/v1"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/containerbuild/engine/pkg/buildkind"
)

// ManifestTemplate is the discriminated union of manifest variants
// spec.md §3 names: "{V21Schema1, V22Schema2, OCI, ManifestList/Index}
// with a common accessor for schemaVersion and, where applicable,
// mediaType."
type ManifestTemplate interface {
	SchemaVersion() int
	ManifestMediaType() string
}

// Schema1Manifest models the deprecated Docker Registry v1 manifest.
// go-containerregistry has no writer for this format (only a reader used
// internally by its remote package), so this is a hand-rolled struct
// matching the wire shape directly (spec.md §3.1).
type Schema1Manifest struct {
	Name         string           `json:"name"`
	Tag          string           `json:"tag"`
	Architecture string           `json:"architecture"`
	FSLayers     []Schema1FSLayer `json:"fsLayers"`
	History      []Schema1History `json:"history"`
	Schema       int              `json:"schemaVersion"`
}

type Schema1FSLayer struct {
	BlobSum string `json:"blobSum"`
}

type Schema1History struct {
	V1Compatibility string `json:"v1Compatibility"`
}

func (m *Schema1Manifest) SchemaVersion() int { return 1 }
func (m *Schema1Manifest) ManifestMediaType() string {
	return "application/vnd.docker.distribution.manifest.v1+prettyjws"
}

// Schema2Manifest wraps a Docker Registry v2.2 manifest, the same type the
// teacher's pkg/push/layer.go and pkg/push/index.go build against.
type Schema2Manifest struct {
	Raw *registryv1.Manifest
}

func (m *Schema2Manifest) SchemaVersion() int       { return 2 }
func (m *Schema2Manifest) ManifestMediaType() string { return string(m.Raw.MediaType) }

// OCIManifestTemplate wraps an OCI image manifest.
type OCIManifestTemplate struct {
	Raw *ocispec.Manifest
}

func (m *OCIManifestTemplate) SchemaVersion() int        { return m.Raw.SchemaVersion }
func (m *OCIManifestTemplate) ManifestMediaType() string { return m.Raw.MediaType }

// IndexTemplate wraps either a Docker manifest list or an OCI image
// index; both share the same {schemaVersion, mediaType, manifests[]} wire
// shape so one Go type (ocispec.Index) covers both (spec.md §3.1).
type IndexTemplate struct {
	Raw *ocispec.Index
}

func (m *IndexTemplate) SchemaVersion() int        { return m.Raw.SchemaVersion }
func (m *IndexTemplate) ManifestMediaType() string { return m.Raw.MediaType }

// probe is decoded first to discover which concrete manifest type a
// response body holds.
type probe struct {
	SchemaVersion int    `json:"schemaVersion"`
	MediaType     string `json:"mediaType"`
	FSLayers      []any  `json:"fsLayers"`
	Manifests     []any  `json:"manifests"`
}

// ParseManifest decodes body into the concrete ManifestTemplate variant it
// represents, using contentType as a hint and falling back to sniffing
// schemaVersion/mediaType/structural markers when contentType is empty or
// generic (spec.md §4.D "pullManifest ... accepts all known manifest media
// types").
func ParseManifest(contentType string, body []byte) (ManifestTemplate, error) {
	var p probe
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	switch {
	case contentType == "application/vnd.docker.distribution.manifest.v1+prettyjws" ||
		contentType == "application/vnd.docker.distribution.manifest.v1+json" ||
		(p.SchemaVersion == 1 && len(p.FSLayers) > 0):
		var m Schema1Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("parsing schema-1 manifest: %w", err)
		}
		return &m, nil

	case contentType == "application/vnd.docker.distribution.manifest.list.v2+json" ||
		contentType == "application/vnd.oci.image.index.v1+json" ||
		len(p.Manifests) > 0:
		var idx ocispec.Index
		if err := json.Unmarshal(body, &idx); err != nil {
			return nil, fmt.Errorf("parsing manifest index: %w", err)
		}
		return &IndexTemplate{Raw: &idx}, nil

	case contentType == "application/vnd.oci.image.manifest.v1+json":
		var m ocispec.Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("parsing OCI manifest: %w", err)
		}
		return &OCIManifestTemplate{Raw: &m}, nil

	case contentType == "application/vnd.docker.distribution.manifest.v2+json" || p.SchemaVersion == 2:
		var m registryv1.Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("parsing schema-2 manifest: %w", err)
		}
		return &Schema2Manifest{Raw: &m}, nil

	default:
		return nil, &buildkind.ManifestFormatUnknown{SchemaVersion: p.SchemaVersion, MediaType: contentType}
	}
}
