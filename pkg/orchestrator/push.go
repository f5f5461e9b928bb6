package orchestrator

import (
	"context"

	"github.com/containerbuild/engine/pkg/blob"
	"github.com/containerbuild/engine/pkg/digest"
	"github.com/containerbuild/engine/pkg/events"
	"github.com/containerbuild/engine/pkg/image"
	"github.com/containerbuild/engine/pkg/registry"
	"github.com/containerbuild/engine/pkg/stepgraph"
)

// PushResult reports what a Push call committed to the target registry.
type PushResult struct {
	ManifestDigest digest.Digest
	ConfigDigest   digest.Digest
	Tags           []string
}

// Push runs the shared head plus the push tail of spec.md §4.H: push
// every layer blob (mounting cross-repo when source and target share a
// host), push the container config, then push the manifest once per tag.
// The manifest push is strictly last and always follows the config push,
// per §4.H's ordering guarantee.
func Push(ctx context.Context, req *Request, target PushTarget) (*PushResult, error) {
	g := stepgraph.New(ctx, req.workerPoolSize())
	imgFut := buildImage(g, req)
	targetClient := newClient(req, target.Registry, target.Repository)

	authFut := stepgraph.Step(g, "AuthenticatePushStep", func(ctx context.Context) (registry.Authorization, error) {
		return targetClient.AuthenticatePush(ctx)
	})

	buildFut := stepgraph.Step(g, "BuildImageStep", func(ctx context.Context) (*builtConfig, error) {
		img, err := imgFut.Wait(ctx)
		if err != nil {
			return nil, err
		}
		return buildConfig(img)
	})

	blobsFut := stepgraph.Step(g, "PushBlobsStep", func(ctx context.Context) ([]digest.BlobDescriptor, error) {
		img, err := imgFut.Wait(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := authFut.Wait(ctx); err != nil {
			return nil, err
		}

		fromRepo := ""
		if target.Registry == req.Base.Registry {
			fromRepo = req.Base.Repository
		}

		baseFuts := stepgraph.FanOut(g, img.BaseLayers.Layers(), layerStepName, func(ctx context.Context, l image.Layer) (digest.BlobDescriptor, error) {
			return pushLayerBlob(ctx, targetClient, l, fromRepo)
		})
		appFuts := stepgraph.FanOut(g, img.AppLayers.Layers(), layerStepName, func(ctx context.Context, l image.Layer) (digest.BlobDescriptor, error) {
			return pushLayerBlob(ctx, targetClient, l, "")
		})

		baseDescs, err := stepgraph.Join(ctx, baseFuts)
		if err != nil {
			return nil, err
		}
		appDescs, err := stepgraph.Join(ctx, appFuts)
		if err != nil {
			return nil, err
		}
		return append(baseDescs, appDescs...), nil
	})

	configPushFut := stepgraph.Step(g, "PushContainerConfigStep", func(ctx context.Context) (digest.BlobDescriptor, error) {
		built, err := buildFut.Wait(ctx)
		if err != nil {
			return digest.BlobDescriptor{}, err
		}
		if _, err := authFut.Wait(ctx); err != nil {
			return digest.BlobDescriptor{}, err
		}
		return targetClient.PushBlob(ctx, built.ConfigDesc, blob.Bytes{Data: built.ConfigJSON}, "")
	})

	manifestFut := stepgraph.Step(g, "PushManifestStep", func(ctx context.Context) (digest.Digest, error) {
		built, err := buildFut.Wait(ctx)
		if err != nil {
			return digest.Digest{}, err
		}
		if _, err := blobsFut.Wait(ctx); err != nil {
			return digest.Digest{}, err
		}
		if _, err := configPushFut.Wait(ctx); err != nil {
			return digest.Digest{}, err
		}

		var last digest.Digest
		for _, tag := range target.Tags {
			d, err := targetClient.PushManifest(ctx, tag, built.Manifest.ManifestMediaType(), built.ManifestJSON)
			if err != nil {
				return digest.Digest{}, err
			}
			last = d
		}
		return last, nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	manifestDigest, err := manifestFut.Wait(ctx)
	if err != nil {
		return nil, err
	}
	built, err := buildFut.Wait(ctx)
	if err != nil {
		return nil, err
	}

	req.logf(events.LevelInfo, "pushed %s/%s@%s", target.Registry, target.Repository, manifestDigest)
	return &PushResult{ManifestDigest: manifestDigest, ConfigDigest: built.ConfigDesc.Digest, Tags: target.Tags}, nil
}

func layerStepName(l image.Layer) string {
	d, err := l.CompressedDigest()
	if err != nil {
		return "PushBlobStep:unknown"
	}
	return "PushBlobStep:" + d.String()
}

func pushLayerBlob(ctx context.Context, client *registry.Client, l image.Layer, fromRepository string) (digest.BlobDescriptor, error) {
	desc, err := l.Descriptor()
	if err != nil {
		return digest.BlobDescriptor{}, err
	}
	return client.PushBlob(ctx, desc, blob.Callback{Open: l.Open, Retryable: true}, fromRepository)
}
