package registry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/containerbuild/engine/pkg/blob"
	"github.com/containerbuild/engine/pkg/buildkind"
	"github.com/containerbuild/engine/pkg/digest"
	"github.com/containerbuild/engine/pkg/image"
	"github.com/containerbuild/engine/pkg/transport"
)

// manifestAccept lists every manifest media type pullManifest is willing to
// receive, in the order registries are expected to prefer when a client
// sends a multi-valued Accept header (spec.md §4.D "accepts all known
// manifest media types").
var manifestAccept = []string{
	"application/vnd.oci.image.index.v1+json",
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.v1+prettyjws",
	"application/vnd.docker.distribution.manifest.v1+json",
}

func joinAccept(types []string) string {
	out := types[0]
	for _, t := range types[1:] {
		out += ", " + t
	}
	return out
}

// PullManifest fetches the manifest identified by reference (a tag or a
// "sha256:..." digest string) and returns it alongside the digest the
// registry actually served, which the caller must verify against any
// digest it already expected (spec.md §4.D "pullManifest").
func (c *Client) PullManifest(ctx context.Context, reference string) (image.ManifestTemplate, digest.Digest, error) {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL(), c.repository, reference)
	req := transport.Request{
		Method: http.MethodGet,
		URL:    url,
		Header: http.Header{"Accept": {joinAccept(manifestAccept)}},
	}

	resp, err := c.doAuthenticated(ctx, req, c.pullScope())
	if err != nil {
		return nil, digest.Digest{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, digest.Digest{}, &buildkind.InvalidInput{Reason: fmt.Sprintf("manifest %s not found in %s", reference, c.repository)}
	}
	if resp.StatusCode/100 != 2 {
		return nil, digest.Digest{}, parseRegistryError(resp.StatusCode, resp.Body)
	}

	mt, err := image.ParseManifest(resp.Header.Get("Content-Type"), resp.Body)
	if err != nil {
		return nil, digest.Digest{}, err
	}

	served := resp.Header.Get("Docker-Content-Digest")
	if served != "" {
		d, err := digest.Parse(served)
		if err != nil {
			return nil, digest.Digest{}, &buildkind.InvalidInput{Reason: "malformed Docker-Content-Digest header", Err: err}
		}
		return mt, d, nil
	}
	return mt, digest.FromBytes(resp.Body), nil
}

// PushManifest uploads raw (the exact bytes whose digest the caller already
// computed) as the manifest for reference, tagging it under the manifest's
// own media type (spec.md §4.D "pushManifest").
func (c *Client) PushManifest(ctx context.Context, reference string, mediaType string, raw []byte) (digest.Digest, error) {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL(), c.repository, reference)
	req := transport.Request{
		Method: http.MethodPut,
		URL:    url,
		Header: http.Header{"Content-Type": {mediaType}},
		Body:   blob.Bytes{Data: raw},
	}

	resp, err := c.doAuthenticated(ctx, req, c.pushScope())
	if err != nil {
		return digest.Digest{}, err
	}
	if resp.StatusCode/100 != 2 {
		return digest.Digest{}, parseRegistryError(resp.StatusCode, resp.Body)
	}

	if served := resp.Header.Get("Docker-Content-Digest"); served != "" {
		return digest.Parse(served)
	}
	return digest.FromBytes(raw), nil
}
