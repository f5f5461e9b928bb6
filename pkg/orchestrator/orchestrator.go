// Package orchestrator composes the registry client, layer cache, tar
// builder, and sinks into the three build pipelines of spec.md §4.H: push
// to a registry, load into a local daemon, and save to a Docker-tar or
// OCI-layout file. It is grounded on the teacher's cmd/push/push.go
// DeployWithExtras, which assembles a VFS, an uploader, and a loader and
// then runs them concurrently via errgroup — generalized here from a
// Bazel deploy-manifest input to the Image/ImageLayers data model.
package orchestrator

import (
	"context"
	"fmt"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/containerbuild/engine/pkg/cache"
	"github.com/containerbuild/engine/pkg/credential"
	"github.com/containerbuild/engine/pkg/digest"
	"github.com/containerbuild/engine/pkg/events"
	"github.com/containerbuild/engine/pkg/image"
	"github.com/containerbuild/engine/pkg/registry"
	"github.com/containerbuild/engine/pkg/stepgraph"
	"github.com/containerbuild/engine/pkg/tarbuild"
	"github.com/containerbuild/engine/pkg/transport"
)

// BaseImage names the image a build starts from.
type BaseImage struct {
	Registry   string // host[:port]
	Repository string
	Reference  string // tag or "sha256:..." digest
	Platform   image.Platform
}

// PushTarget names one registry destination a built image is pushed to.
type PushTarget struct {
	Registry   string
	Repository string
	Tags       []string
}

// ImageConfig carries the container-config fields a build assigns to the
// image it produces (spec.md §4.F "container-config JSON").
type ImageConfig struct {
	Environment  []string
	Entrypoint   []string
	Cmd          []string
	Labels       map[string]string
	ExposedPorts []string
	Volumes      []string
	WorkingDir   string
	User         string
}

// Request is everything one build needs: where to pull from, what
// application layers to add, and the resulting image's own config.
type Request struct {
	Transport        *transport.Client
	CredentialHelper credential.Helper
	Cache            *cache.Cache
	Bus              *events.Bus
	// WorkerPoolSize bounds concurrent steps; <= 0 means unbounded. A
	// value of exactly 1 is raised to 2: AssembleBaseImageStep holds its
	// own worker slot while it waits on the per-layer steps it fans out,
	// so a pool of 1 would self-deadlock.
	WorkerPoolSize int

	Base      BaseImage
	AppLayers []tarbuild.FileEntriesLayer
	Config    ImageConfig
}

func (r *Request) workerPoolSize() int {
	if r.WorkerPoolSize == 1 {
		return 2
	}
	return r.WorkerPoolSize
}

func (r *Request) helper() credential.Helper {
	if r.CredentialHelper != nil {
		return r.CredentialHelper
	}
	return credential.NopHelper()
}

func newClient(req *Request, registryHost, repository string) *registry.Client {
	return registry.New(req.Transport, registryHost, repository, req.helper())
}

// baseImageInfo is what PullBaseImageStep resolves: the layer refs to
// pull (in manifest order) and the parsed container config they pair
// against.
type baseImageInfo struct {
	LayerRefs []image.LayerRef
	Config    *ocispec.Image
}

func (r *Request) logf(level events.Level, format string, args ...any) {
	if r.Bus == nil {
		return
	}
	r.Bus.EmitLog(events.LogEvent{Level: level, Message: fmt.Sprintf(format, args...)})
}

func (r *Request) emitProgress(e events.ProgressEvent) {
	if r.Bus == nil {
		return
	}
	r.Bus.EmitProgress(e)
}

// buildImage runs the shared head of every pipeline (spec.md §4.H steps
// 1-4) and returns a Future resolving to the assembled Image: base layers
// pulled-and-cached, application layers built-and-cached, ambient config
// fields applied. Base-layer caching and application-layer building run
// fully in parallel, as the ordering guarantee in §4.H requires.
func buildImage(g *stepgraph.Graph, req *Request) *stepgraph.Future[*image.Image] {
	baseClient := newClient(req, req.Base.Registry, req.Base.Repository)

	authFut := stepgraph.Step(g, "AuthenticatePullStep", func(ctx context.Context) (registry.Authorization, error) {
		return baseClient.AuthenticatePull(ctx)
	})

	baseInfoFut := stepgraph.Step(g, "PullBaseImageStep", func(ctx context.Context) (*baseImageInfo, error) {
		if _, err := authFut.Wait(ctx); err != nil {
			return nil, err
		}
		return pullBaseImage(ctx, baseClient, req)
	})

	appLayerFuts := stepgraph.FanOut(g, req.AppLayers,
		func(l tarbuild.FileEntriesLayer) string { return "BuildAndCacheApplicationLayersStep:" + l.Name },
		func(ctx context.Context, l tarbuild.FileEntriesLayer) (image.Layer, error) {
			return buildAndCacheAppLayer(req.Cache, l)
		})

	return stepgraph.Step(g, "AssembleBaseImageStep", func(ctx context.Context) (*image.Image, error) {
		baseInfo, err := baseInfoFut.Wait(ctx)
		if err != nil {
			return nil, err
		}

		baseLayerFuts := stepgraph.FanOut(g, baseInfo.LayerRefs,
			func(ref image.LayerRef) string { return "PullAndCacheBaseImageLayersStep:" + ref.CompressedDigest.String() },
			func(ctx context.Context, ref image.LayerRef) (image.Layer, error) {
				return pullAndCacheBaseLayer(ctx, baseClient, req.Cache, ref)
			})

		baseLayers, err := stepgraph.Join(ctx, baseLayerFuts)
		if err != nil {
			return nil, err
		}
		appLayers, err := stepgraph.Join(ctx, appLayerFuts)
		if err != nil {
			return nil, err
		}

		img := image.NewImage()
		for _, l := range baseLayers {
			img.BaseLayers.Add(l)
		}
		for _, l := range appLayers {
			img.AppLayers.Add(l)
		}
		img.Architecture = baseInfo.Config.Architecture
		img.OS = baseInfo.Config.OS
		applyConfig(img, req.Config)

		req.logf(events.LevelInfo, "assembled image: %d base layers, %d application layers", img.BaseLayers.Len(), img.AppLayers.Len())
		return img, nil
	})
}

func applyConfig(img *image.Image, cfg ImageConfig) {
	img.Environment = cfg.Environment
	img.Entrypoint = cfg.Entrypoint
	img.Cmd = cfg.Cmd
	img.Labels = cfg.Labels
	img.ExposedPorts = cfg.ExposedPorts
	img.Volumes = cfg.Volumes
	img.WorkingDir = cfg.WorkingDir
	img.User = cfg.User
}

// builtConfig is the result of BuildImageStep: the marshaled container
// config and the manifest referencing it, ready to push or write.
type builtConfig struct {
	ConfigJSON []byte
	ConfigDesc digest.BlobDescriptor
	Manifest   *image.OCIManifestTemplate
	ManifestJSON []byte
}
