package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/containerbuild/engine/pkg/buildkind"
)

// StreamResponse is the streaming counterpart of Response: Body is the live
// HTTP response body, for callers (pkg/registry's pullBlob) that need to
// copy directly to a sink while computing a digest rather than buffering
// an entire blob in memory.
type StreamResponse struct {
	StatusCode          int
	Header              http.Header
	Body                ReadCloser
	CredentialsStripped bool
	Tier                Tier
}

// ReadCloser avoids importing io just for this one local alias at call
// sites that already import io themselves under a different name.
type ReadCloser = interface {
	Read(p []byte) (n int, err error)
	Close() error
}

// DoStream performs a GET/HEAD-shaped request without buffering the
// response body, following the same failover ladder and redirect handling
// as Do. The caller owns resp.Body and must Close it.
func (c *Client) DoStream(ctx context.Context, req Request) (*StreamResponse, error) {
	u, err := parseURL(req.URL)
	if err != nil {
		return nil, &buildkind.InvalidInput{Reason: "malformed request URL", Err: err}
	}
	hostPort := hostPortOf(u)

	tier := TierHTTPS
	if memo, ok := c.memoizedTier(hostPort); ok {
		tier = memo
	}

	redirects := 0
	currentURL := u
	for {
		resp, nextTier, err := c.attemptTierStream(ctx, tier, req, currentURL, hostPort)
		if err != nil {
			return nil, err
		}

		if isRedirect(resp.StatusCode) && redirects < c.opts.MaxRedirects {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return resp, nil
			}
			next, err := resolveRedirect(currentURL, loc)
			if err != nil {
				return nil, &buildkind.Transport{Op: "redirect", Err: err}
			}
			currentURL = next
			hostPort = hostPortOf(currentURL)
			redirects++
			tier = nextTier
			if memo, ok := c.memoizedTier(hostPort); ok {
				tier = memo
			}
			continue
		}

		c.memoizeTier(hostPort, nextTier)
		resp.Tier = nextTier
		return resp, nil
	}
}

func (c *Client) attemptTierStream(ctx context.Context, startTier Tier, req Request, u *parsedURL, hostPort string) (*StreamResponse, Tier, error) {
	tier := startTier
	noPortSpecified := u.noPortSpecified

	for {
		resp, err := c.sendStream(ctx, tier, req, u)
		if err == nil {
			return resp, tier, nil
		}

		if tier == TierHTTPS && isTLSFailure(err) {
			if c.opts.Strict {
				return nil, TierHTTPS, &buildkind.InsecureConnection{HostPort: hostPort, Err: err}
			}
			tier = TierInsecureHTTPS
			continue
		}
		if tier == TierInsecureHTTPS && isTLSFailure(err) {
			if c.opts.Strict {
				return nil, TierInsecureHTTPS, &buildkind.InsecureConnection{HostPort: hostPort, Err: err}
			}
			tier = TierHTTP
			continue
		}
		if tier == TierHTTPS && noPortSpecified && isNonTimeoutConnectFailure(err) {
			if c.opts.Strict {
				return nil, TierHTTPS, &buildkind.InsecureConnection{HostPort: hostPort, Err: err}
			}
			tier = TierHTTP
			continue
		}
		return nil, tier, &buildkind.Transport{Op: fmt.Sprintf("%s %s", req.Method, req.URL), Err: err}
	}
}

func (c *Client) sendStream(ctx context.Context, tier Tier, req Request, u *parsedURL) (*StreamResponse, error) {
	target := u.withScheme(schemeFor(tier))

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, nil)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}
	httpReq.Header.Set("User-Agent", c.opts.UserAgent)

	stripped := false
	if tier == TierHTTP && httpReq.Header.Get("Authorization") != "" {
		if !c.opts.SendCredentialsOverHTTP && !req.AllowCredentialsOverHTTP {
			httpReq.Header.Del("Authorization")
			stripped = true
		}
	}

	httpResp, err := c.clients[tier].Do(httpReq)
	if err != nil {
		return nil, err
	}

	return &StreamResponse{
		StatusCode:          httpResp.StatusCode,
		Header:              httpResp.Header,
		Body:                httpResp.Body,
		CredentialsStripped: stripped,
	}, nil
}
