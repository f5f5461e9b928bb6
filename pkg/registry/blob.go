package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/containerbuild/engine/pkg/blob"
	"github.com/containerbuild/engine/pkg/buildkind"
	"github.com/containerbuild/engine/pkg/digest"
	"github.com/containerbuild/engine/pkg/transport"
)

// resolveLocation turns a Location header value into an absolute URL:
// registries are free to return either form for upload-session endpoints.
func (c *Client) resolveLocation(location string) string {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location
	}
	if strings.HasPrefix(location, "/") {
		return c.baseURL() + location
	}
	return c.baseURL() + "/" + location
}

// CheckBlob reports whether d already exists in the repository (spec.md
// §4.D "checkBlob"), via HEAD /v2/<repo>/blobs/<digest>. A 404 is not an
// error: it means the blob needs to be pushed.
func (c *Client) CheckBlob(ctx context.Context, d digest.Digest) (exists bool, size int64, err error) {
	url := fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL(), c.repository, d.String())
	req := transport.Request{Method: http.MethodHead, URL: url}

	resp, err := c.doAuthenticated(ctx, req, c.pullScope())
	if err != nil {
		return false, 0, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return true, parseContentLength(resp.Header.Get("Content-Length")), nil
	case resp.StatusCode == http.StatusNotFound:
		return false, 0, nil
	default:
		return false, 0, parseRegistryError(resp.StatusCode, resp.Body)
	}
}

func parseContentLength(s string) int64 {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return digest.SizeUnknown
		}
		n = n*10 + int64(r-'0')
	}
	if s == "" {
		return digest.SizeUnknown
	}
	return n
}

// MountBlob attempts a cross-repository mount of d from fromRepository
// (spec.md §4.D "cross-repo blob mount"): POST .../blobs/uploads/?mount=&from=.
// A 201 means the mount succeeded and no upload is needed; a 202 means the
// registry declined the mount and started a fresh upload session instead,
// whose Location the caller must continue with pushBlob's PATCH/PUT steps.
func (c *Client) MountBlob(ctx context.Context, d digest.Digest, fromRepository string) (mounted bool, uploadLocation string, err error) {
	q := url.Values{"mount": {d.String()}, "from": {fromRepository}}
	target := fmt.Sprintf("%s/v2/%s/blobs/uploads/?%s", c.baseURL(), c.repository, q.Encode())
	req := transport.Request{Method: http.MethodPost, URL: target}

	resp, err := c.doAuthenticated(ctx, req, c.pushScope())
	if err != nil {
		return false, "", err
	}
	switch resp.StatusCode {
	case http.StatusCreated:
		return true, "", nil
	case http.StatusAccepted:
		return false, resp.Header.Get("Location"), nil
	default:
		return false, "", parseRegistryError(resp.StatusCode, resp.Body)
	}
}

// startUpload opens a fresh upload session with no mount attempt, for
// pushes that have no source repository to mount from.
func (c *Client) startUpload(ctx context.Context) (uploadLocation string, err error) {
	url := fmt.Sprintf("%s/v2/%s/blobs/uploads/", c.baseURL(), c.repository)
	req := transport.Request{Method: http.MethodPost, URL: url}

	resp, err := c.doAuthenticated(ctx, req, c.pushScope())
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", parseRegistryError(resp.StatusCode, resp.Body)
	}
	return resp.Header.Get("Location"), nil
}

// PushBlob uploads b under the given expected descriptor, attempting a
// cross-repository mount from fromRepository first when it is non-empty
// (spec.md §4.D's blob-push transition diagram: mount -> PATCH -> PUT
// commit, restarting the session on a 5xx mid-upload and reauthenticating
// once on a 401). Returns the descriptor the registry actually committed.
func (c *Client) PushBlob(ctx context.Context, expected digest.BlobDescriptor, b blob.Blob, fromRepository string) (digest.BlobDescriptor, error) {
	if exists, size, err := c.CheckBlob(ctx, expected.Digest); err != nil {
		return digest.BlobDescriptor{}, err
	} else if exists {
		return digest.BlobDescriptor{Size: size, Digest: expected.Digest}, nil
	}

	var location string
	if fromRepository != "" {
		mounted, loc, err := c.MountBlob(ctx, expected.Digest, fromRepository)
		if err != nil {
			return digest.BlobDescriptor{}, err
		}
		if mounted {
			return expected, nil
		}
		location = loc
	}
	if location == "" {
		loc, err := c.startUpload(ctx)
		if err != nil {
			return digest.BlobDescriptor{}, err
		}
		location = loc
	}

	return c.uploadToSession(ctx, location, expected, b)
}

// uploadToSession drives the PATCH(es)-then-PUT sequence against an
// already-opened upload session, restarting once from a fresh session if
// the registry returns a 5xx mid-upload (spec.md §4.D "restarts the
// session on a server error").
func (c *Client) uploadToSession(ctx context.Context, location string, expected digest.BlobDescriptor, b blob.Blob) (digest.BlobDescriptor, error) {
	desc, err := c.patchAndCommit(ctx, location, expected, b)
	if err == nil {
		return desc, nil
	}
	var regErr *buildkind.RegistryError
	if !asRegistryError(err, &regErr) || regErr.StatusCode < 500 {
		return digest.BlobDescriptor{}, err
	}

	restarted, err := c.startUpload(ctx)
	if err != nil {
		return digest.BlobDescriptor{}, err
	}
	return c.patchAndCommit(ctx, restarted, expected, b)
}

func (c *Client) patchAndCommit(ctx context.Context, location string, expected digest.BlobDescriptor, b blob.Blob) (digest.BlobDescriptor, error) {
	patchReq := transport.Request{
		Method: http.MethodPatch,
		URL:    c.resolveLocation(location),
		Header: http.Header{"Content-Type": {"application/octet-stream"}},
		Body:   b,
	}
	patchResp, err := c.doAuthenticated(ctx, patchReq, c.pushScope())
	if err != nil {
		return digest.BlobDescriptor{}, err
	}
	if patchResp.StatusCode != http.StatusAccepted && patchResp.StatusCode != http.StatusNoContent {
		return digest.BlobDescriptor{}, parseRegistryError(patchResp.StatusCode, patchResp.Body)
	}

	commitLocation := patchResp.Header.Get("Location")
	if commitLocation == "" {
		commitLocation = location
	}
	putURL := c.resolveLocation(commitLocation)
	q := url.Values{"digest": {expected.Digest.String()}}
	if strings.Contains(putURL, "?") {
		putURL += "&" + q.Encode()
	} else {
		putURL += "?" + q.Encode()
	}
	putReq := transport.Request{Method: http.MethodPut, URL: putURL}
	putResp, err := c.doAuthenticated(ctx, putReq, c.pushScope())
	if err != nil {
		return digest.BlobDescriptor{}, err
	}
	if putResp.StatusCode != http.StatusCreated {
		return digest.BlobDescriptor{}, parseRegistryError(putResp.StatusCode, putResp.Body)
	}

	size := expected.Size
	if size == digest.SizeUnknown {
		size = parseContentLength(putResp.Header.Get("Content-Length"))
	}
	return digest.BlobDescriptor{Size: size, Digest: expected.Digest}, nil
}

func asRegistryError(err error, target **buildkind.RegistryError) bool {
	re, ok := err.(*buildkind.RegistryError)
	if !ok {
		return false
	}
	*target = re
	return true
}

// PullBlob opens a streaming GET of d's bytes, for callers (the cache
// writer) that copy directly to a sink while verifying the digest rather
// than buffering the whole blob in memory (spec.md §4.D "pullBlob",
// §4.C "streaming transport").
func (c *Client) PullBlob(ctx context.Context, d digest.Digest) (transport.ReadCloser, int64, error) {
	url := fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL(), c.repository, d.String())
	req := transport.Request{Method: http.MethodGet, URL: url}

	resp, err := c.transport.DoStream(ctx, c.attachAuth(req))
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		newAuth, authErr := c.reauthenticate(ctx, c.pullScope(), resp.Header.Get("WWW-Authenticate"))
		if authErr != nil {
			return nil, 0, authErr
		}
		c.setAuth(newAuth)
		resp, err = c.transport.DoStream(ctx, c.attachAuth(req))
		if err != nil {
			return nil, 0, err
		}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, 0, &buildkind.RegistryError{StatusCode: resp.StatusCode}
	}
	return resp.Body, parseContentLength(resp.Header.Get("Content-Length")), nil
}
