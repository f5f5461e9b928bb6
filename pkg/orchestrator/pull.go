package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/containerbuild/engine/pkg/buildkind"
	"github.com/containerbuild/engine/pkg/cache"
	"github.com/containerbuild/engine/pkg/digest"
	"github.com/containerbuild/engine/pkg/image"
	"github.com/containerbuild/engine/pkg/registry"
	"github.com/containerbuild/engine/pkg/tarbuild"
)

// pullBaseImage implements PullBaseImageStep: resolve a manifest list to
// the requested platform, fetch the container config, and translate the
// manifest's layers against it (spec.md §4.H "fetch manifest (following
// manifest-list), fetch container config").
func pullBaseImage(ctx context.Context, client *registry.Client, req *Request) (*baseImageInfo, error) {
	mt, _, err := client.PullManifest(ctx, req.Base.Reference)
	if err != nil {
		return nil, err
	}

	if idx, ok := mt.(*image.IndexTemplate); ok {
		platform := req.Base.Platform
		if platform == (image.Platform{}) {
			platform = image.DefaultPlatform
		}
		childDigest, err := image.SelectPlatform(idx, platform)
		if err != nil {
			return nil, err
		}
		mt, _, err = client.PullManifest(ctx, childDigest.String())
		if err != nil {
			return nil, err
		}
	}

	cfg, err := resolveBaseImageConfig(ctx, client, mt)
	if err != nil {
		return nil, err
	}

	refs, err := image.TranslateManifest(mt, cfg)
	if err != nil {
		return nil, err
	}
	return &baseImageInfo{LayerRefs: refs, Config: cfg}, nil
}

// resolveBaseImageConfig returns the container config a manifest's layers
// pair against. Schema-2/OCI manifests reference it as a separate blob;
// schema-1 manifests have none, since the container config fragments live
// inline in the topmost history entry's v1Compatibility JSON instead
// (spec.md §4.F "the history entries carry the container config
// fragments").
func resolveBaseImageConfig(ctx context.Context, client *registry.Client, mt image.ManifestTemplate) (*ocispec.Image, error) {
	if m, ok := mt.(*image.Schema1Manifest); ok {
		return schema1Config(m)
	}

	configDigest, err := manifestConfigDigest(mt)
	if err != nil {
		return nil, err
	}

	configBody, _, err := client.PullBlob(ctx, configDigest)
	if err != nil {
		return nil, err
	}
	defer configBody.Close()
	raw, err := io.ReadAll(configBody)
	if err != nil {
		return nil, fmt.Errorf("reading base image config: %w", err)
	}

	var cfg ocispec.Image
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing base image config: %w", err)
	}
	return &cfg, nil
}

func manifestConfigDigest(mt image.ManifestTemplate) (digest.Digest, error) {
	switch m := mt.(type) {
	case *image.Schema2Manifest:
		return digest.Parse(m.Raw.Config.Digest.String())
	case *image.OCIManifestTemplate:
		return digest.Parse(m.Raw.Config.Digest.String())
	default:
		return digest.Digest{}, &buildkind.ManifestFormatUnknown{}
	}
}

// schema1V1Compatibility is the subset of a Docker Registry v1
// v1Compatibility fragment (spec.md §4.F) this engine reads: the
// platform the topmost layer was built for and the container config
// fields schema-2/OCI carry in their separate config blob instead.
type schema1V1Compatibility struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	Config       struct {
		Env          []string          `json:"Env"`
		Entrypoint   []string          `json:"Entrypoint"`
		Cmd          []string          `json:"Cmd"`
		Labels       map[string]string `json:"Labels"`
		ExposedPorts map[string]struct{} `json:"ExposedPorts"`
		Volumes      map[string]struct{} `json:"Volumes"`
		WorkingDir   string            `json:"WorkingDir"`
		User         string            `json:"User"`
	} `json:"config"`
}

// schema1Config extracts the container config schema-1 embeds in its
// most recent history entry (History[0] is the topmost layer's
// v1Compatibility fragment; spec.md §4.F).
func schema1Config(m *image.Schema1Manifest) (*ocispec.Image, error) {
	if len(m.History) == 0 {
		return nil, &buildkind.InvalidInput{Reason: "schema-1 manifest has no history entries to read a container config from"}
	}

	var compat schema1V1Compatibility
	if err := json.Unmarshal([]byte(m.History[0].V1Compatibility), &compat); err != nil {
		return nil, fmt.Errorf("parsing schema-1 v1Compatibility fragment: %w", err)
	}

	arch := compat.Architecture
	if arch == "" {
		arch = m.Architecture
	}
	os := compat.OS
	if os == "" {
		os = "linux"
	}

	return &ocispec.Image{
		Architecture: arch,
		OS:           os,
		Config: ocispec.ImageConfig{
			Env:          compat.Config.Env,
			Entrypoint:   compat.Config.Entrypoint,
			Cmd:          compat.Config.Cmd,
			Labels:       compat.Config.Labels,
			ExposedPorts: compat.Config.ExposedPorts,
			Volumes:      compat.Config.Volumes,
			WorkingDir:   compat.Config.WorkingDir,
			User:         compat.Config.User,
		},
	}, nil
}

// pullAndCacheBaseLayer implements one item of PullAndCacheBaseImageLayersStep:
// a cache hit skips the pull entirely; a miss streams the blob straight
// into the cache writer, which computes the diff-id on the fly.
func pullAndCacheBaseLayer(ctx context.Context, client *registry.Client, c *cache.Cache, ref image.LayerRef) (image.Layer, error) {
	if layer, ok, err := c.Lookup(ref.CompressedDigest); err != nil {
		return image.Layer{}, err
	} else if ok {
		return layer, nil
	}

	r, _, err := client.PullBlob(ctx, ref.CompressedDigest)
	if err != nil {
		return image.Layer{}, err
	}
	defer r.Close()
	layer, err := c.Write(r)
	if err != nil {
		return image.Layer{}, err
	}
	got, err := layer.CompressedDigest()
	if err != nil {
		return image.Layer{}, err
	}
	if !got.Equal(ref.CompressedDigest) {
		return image.Layer{}, fmt.Errorf("pulled blob %s hashed to %s", ref.CompressedDigest, got)
	}
	return layer, nil
}

// buildAndCacheAppLayer implements one item of
// BuildAndCacheApplicationLayersStep: compute the layer's selector; a
// selector cache hit skips the tar build entirely, otherwise build and
// record the selector for next time (spec.md §4.E "Selector cache hit").
func buildAndCacheAppLayer(c *cache.Cache, l tarbuild.FileEntriesLayer) (image.Layer, error) {
	selector, err := tarbuild.ComputeSelector(l)
	if err != nil {
		return image.Layer{}, err
	}

	if compressedDigest, ok, err := c.LookupSelector(selector); err != nil {
		return image.Layer{}, err
	} else if ok {
		if layer, ok, err := c.Lookup(compressedDigest); err != nil {
			return image.Layer{}, err
		} else if ok {
			return layer, nil
		}
	}

	result, err := tarbuild.Build(l, tarbuild.Options{})
	if err != nil {
		return image.Layer{}, err
	}
	layer, err := c.Write(bytes.NewReader(result.Compressed))
	if err != nil {
		return image.Layer{}, err
	}
	if err := c.RecordSelector(selector, result.CompressedDigest); err != nil {
		return image.Layer{}, err
	}
	return layer, nil
}
