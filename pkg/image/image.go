package image

import (
	"time"

	godigest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/containerbuild/engine/pkg/buildkind"
)

// Platform is the OS/architecture pair a manifest-list entry targets
// (spec.md §4.F "manifest list ... selects the entry matching the target
// platform").
type Platform struct {
	OS           string
	Architecture string
}

// DefaultPlatform is used when the caller does not specify one (spec.md
// §4.F "default linux/amd64").
var DefaultPlatform = Platform{OS: "linux", Architecture: "amd64"}

func (p Platform) matches(other ocispec.Platform) bool {
	return p.OS == other.OS && p.Architecture == other.Architecture
}

// Image is the internal representation composed by the orchestrator from
// a pulled base image plus built application layers (spec.md §3 "Image").
type Image struct {
	BaseLayers *ImageLayers
	AppLayers  *ImageLayers

	Environment  []string
	Entrypoint   []string
	Cmd          []string
	Labels       map[string]string
	ExposedPorts []string
	Volumes      []string
	WorkingDir   string
	User         string
	Architecture string
	OS           string
	CreationTime time.Time
}

// NewImage returns an Image with empty base/app layer collections.
func NewImage() *Image {
	return &Image{BaseLayers: NewImageLayers(), AppLayers: NewImageLayers()}
}

// AllLayers returns base layers followed by app layers, the order every
// manifest and the container config's rootfs must agree on (spec.md §3
// "diff-ids in the container config must match the concatenation of both
// layer sequences in order").
func (img *Image) AllLayers() []Layer {
	all := make([]Layer, 0, img.BaseLayers.Len()+img.AppLayers.Len())
	all = append(all, img.BaseLayers.Layers()...)
	all = append(all, img.AppLayers.Layers()...)
	return all
}

// ContainerConfig is a deterministic function of the Image: building on
// ocispec.Image means field order and omitempty behavior come from the
// OCI image-spec struct definition itself, and encoding/json already
// sorts map keys, so no custom marshaler is needed to satisfy spec.md
// §4.F's "fields emitted in a fixed order ... maps serialized with keys
// sorted lexicographically".
func (img *Image) ContainerConfig() (*ocispec.Image, error) {
	diffIDs := make([]godigest.Digest, 0, len(img.AllLayers()))
	for _, l := range img.AllLayers() {
		d, err := l.DiffID()
		if err != nil {
			return nil, err
		}
		diffIDs = append(diffIDs, godigest.Digest(d.String()))
	}

	exposedPorts := make(map[string]struct{}, len(img.ExposedPorts))
	for _, p := range img.ExposedPorts {
		exposedPorts[p] = struct{}{}
	}
	volumes := make(map[string]struct{}, len(img.Volumes))
	for _, v := range img.Volumes {
		volumes[v] = struct{}{}
	}

	return &ocispec.Image{
		Created:      &img.CreationTime,
		Architecture: img.Architecture,
		OS:           img.OS,
		Config: ocispec.ImageConfig{
			User:         img.User,
			ExposedPorts: exposedPorts,
			Env:          img.Environment,
			Entrypoint:   img.Entrypoint,
			Cmd:          img.Cmd,
			Volumes:      volumes,
			WorkingDir:   img.WorkingDir,
			Labels:       img.Labels,
		},
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: diffIDs,
		},
	}, nil
}

// ValidateLayerCount checks the invariant that a container config's
// diff-id list is exactly as long as the manifest's layer list (spec.md
// §7 "LayerCountMismatch").
func ValidateLayerCount(diffIDCount, layerCount int) error {
	if diffIDCount != layerCount {
		return &buildkind.LayerCountMismatch{DiffIDCount: diffIDCount, LayerCount: layerCount}
	}
	return nil
}
