package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/containerbuild/engine/pkg/digest"
	"github.com/containerbuild/engine/pkg/events"
	"github.com/containerbuild/engine/pkg/image"
	"github.com/containerbuild/engine/pkg/sinks/daemon"
	"github.com/containerbuild/engine/pkg/sinks/ocilayout"
	"github.com/containerbuild/engine/pkg/sinks/tarball"
	"github.com/containerbuild/engine/pkg/stepgraph"
)

// writeDockerTar drains img's layers (base then app, the same order the
// container config's diff-ids were built against) into tw, in the shape
// both the daemon-load and save-to-file tails share (spec.md §4.I
// "Docker-tar archive layout").
func writeDockerTar(tw *tarball.Writer, img *image.Image, built *builtConfig) error {
	if err := tw.WriteConfig(built.ConfigDesc.Digest, built.ConfigJSON); err != nil {
		return err
	}
	for _, l := range img.AllLayers() {
		if err := writeDockerTarLayer(tw, l); err != nil {
			return err
		}
	}
	return nil
}

func writeDockerTarLayer(tw *tarball.Writer, l image.Layer) error {
	diffID, err := l.DiffID()
	if err != nil {
		return err
	}
	size, err := l.Size()
	if err != nil {
		return err
	}
	r, err := l.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	return tw.WriteLayer(diffID, size, r)
}

func buildImageAndConfig(g *stepgraph.Graph, req *Request) (*stepgraph.Future[*image.Image], *stepgraph.Future[*builtConfig]) {
	imgFut := buildImage(g, req)
	buildFut := stepgraph.Step(g, "BuildImageStep", func(ctx context.Context) (*builtConfig, error) {
		img, err := imgFut.Wait(ctx)
		if err != nil {
			return nil, err
		}
		return buildConfig(img)
	})
	return imgFut, buildFut
}

// LoadToDaemon implements spec.md §4.H's daemon tail: build an in-memory
// Docker-tar stream and pipe it directly into the daemon's image-load
// endpoint, reporting cumulative byte progress, grounded on the
// io.Pipe-plus-goroutine shape of the teacher's pkg/load/docker.go
// LoadViaDocker.
func LoadToDaemon(ctx context.Context, req *Request, client *daemon.Client, repoTags []string) error {
	g := stepgraph.New(ctx, req.workerPoolSize())
	imgFut, buildFut := buildImageAndConfig(g, req)

	stepgraph.Step(g, "LoadToDaemonStep", func(ctx context.Context) (struct{}, error) {
		img, err := imgFut.Wait(ctx)
		if err != nil {
			return struct{}{}, err
		}
		built, err := buildFut.Wait(ctx)
		if err != nil {
			return struct{}{}, err
		}

		pr, pw := io.Pipe()
		writeDone := make(chan error, 1)
		go func() {
			tw := tarball.NewWriter(pw)
			err := writeDockerTar(tw, img, built)
			if err == nil {
				err = tw.Finalize(repoTags)
			}
			writeDone <- pw.CloseWithError(err)
		}()

		loadErr := client.LoadImage(ctx, pr, func(n int64) {
			req.emitProgress(events.ProgressEvent{Allocation: "daemon-load", Units: n})
		})
		writeErr := <-writeDone
		if loadErr != nil {
			return struct{}{}, loadErr
		}
		return struct{}{}, writeErr
	})

	return g.Wait()
}

// SaveDockerTar implements spec.md §4.H's tar tail: write the Docker-tar
// archive atomically to destPath.
func SaveDockerTar(ctx context.Context, req *Request, destPath string, repoTags []string) error {
	g := stepgraph.New(ctx, req.workerPoolSize())
	imgFut, buildFut := buildImageAndConfig(g, req)

	stepgraph.Step(g, "SaveDockerTarStep", func(ctx context.Context) (struct{}, error) {
		img, err := imgFut.Wait(ctx)
		if err != nil {
			return struct{}{}, err
		}
		built, err := buildFut.Wait(ctx)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tarball.WriteToFile(destPath, func(w *tarball.Writer) error {
			if err := writeDockerTar(w, img, built); err != nil {
				return err
			}
			return w.Finalize(repoTags)
		})
	})

	return g.Wait()
}

// SaveOCILayout implements the save pipeline's OCI-layout variant
// (spec.md §4.I "OCI layout"): every referenced blob under
// blobs/sha256/<hash>, an index.json naming the manifest, and the
// oci-layout marker.
func SaveOCILayout(ctx context.Context, req *Request, destDir string) error {
	g := stepgraph.New(ctx, req.workerPoolSize())
	imgFut, buildFut := buildImageAndConfig(g, req)

	stepgraph.Step(g, "SaveOCILayoutStep", func(ctx context.Context) (struct{}, error) {
		img, err := imgFut.Wait(ctx)
		if err != nil {
			return struct{}{}, err
		}
		built, err := buildFut.Wait(ctx)
		if err != nil {
			return struct{}{}, err
		}

		w, err := ocilayout.Open(destDir)
		if err != nil {
			return struct{}{}, err
		}
		if err := w.WriteLayoutMarker(); err != nil {
			return struct{}{}, err
		}

		for _, l := range img.AllLayers() {
			if err := writeOCILayoutLayer(w, l); err != nil {
				return struct{}{}, err
			}
		}
		if err := w.WriteBlob(built.ConfigDesc.Digest, bytes.NewReader(built.ConfigJSON)); err != nil {
			return struct{}{}, err
		}

		manifestDigest := digest.FromBytes(built.ManifestJSON)
		if err := w.WriteBlob(manifestDigest, bytes.NewReader(built.ManifestJSON)); err != nil {
			return struct{}{}, err
		}

		idx := ocispec.Index{
			MediaType: ocispec.MediaTypeImageIndex,
			Manifests: []ocispec.Descriptor{{
				MediaType: built.Manifest.ManifestMediaType(),
				Digest:    mustOCIDigest(manifestDigest),
				Size:      int64(len(built.ManifestJSON)),
			}},
		}
		return struct{}{}, w.WriteIndex(idx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("saving oci layout: %w", err)
	}
	return nil
}

func writeOCILayoutLayer(w *ocilayout.Writer, l image.Layer) error {
	d, err := l.CompressedDigest()
	if err != nil {
		return err
	}
	r, err := l.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	return w.WriteBlob(d, r)
}
