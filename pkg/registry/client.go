// Package registry implements the OCI Distribution wire protocol client
// (spec.md §4.D): authentication discovery, manifest pull/push, blob
// existence checks, and the chunked blob-upload state machine with
// cross-repo mount, built directly on pkg/transport.
package registry

import (
	"context"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/containerbuild/engine/pkg/buildkind"
	"github.com/containerbuild/engine/pkg/credential"
	"github.com/containerbuild/engine/pkg/transport"
)

// Authorization is the credential currently attached to requests.
type Authorization struct {
	Scheme string // "Bearer" or "Basic"; empty means anonymous.
	Value  string
}

// IsZero reports an anonymous (unauthenticated) Authorization.
func (a Authorization) IsZero() bool { return a.Scheme == "" }

// Header renders the Authorization header value, or "" when anonymous.
func (a Authorization) Header() string {
	if a.IsZero() {
		return ""
	}
	return a.Scheme + " " + a.Value
}

// Client maintains (serverURL, repository) and the current Authorization
// for one repository on one registry host (spec.md §4.D).
type Client struct {
	transport  *transport.Client
	serverURL  string // host[:port], no scheme
	repository string
	helper     credential.Helper
	logger     logrus.FieldLogger

	mu   sync.RWMutex
	auth Authorization

	refreshGroup singleflight.Group
}

// New constructs a Client for one (serverURL, repository) pair.
func New(t *transport.Client, serverURL, repository string, helper credential.Helper) *Client {
	return &Client{
		transport:  t,
		serverURL:  serverURL,
		repository: repository,
		helper:     helper,
		logger:     logrus.StandardLogger(),
	}
}

// WithLogger overrides the default logger.
func (c *Client) WithLogger(l logrus.FieldLogger) *Client {
	c.logger = l
	return c
}

func (c *Client) baseURL() string {
	return "https://" + c.serverURL
}

func (c *Client) getAuth() Authorization {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auth
}

func (c *Client) setAuth(a Authorization) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = a
}

func (c *Client) attachAuth(req transport.Request) transport.Request {
	if header := c.getAuth().Header(); header != "" {
		if req.Header == nil {
			req.Header = http.Header{}
		} else {
			req.Header = req.Header.Clone()
		}
		req.Header.Set("Authorization", header)
	}
	return req
}

// doAuthenticated sends req with the current Authorization attached,
// reauthenticating once on a 401 before surfacing a terminal auth error
// (spec.md §4.C "bearer refresh", §7 "a second 401 surfaces as
// AuthFailed").
func (c *Client) doAuthenticated(ctx context.Context, req transport.Request, scope string) (*transport.Response, error) {
	resp, err := c.transport.Do(ctx, c.attachAuth(req))
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusForbidden:
		return nil, &buildkind.AuthForbidden{Registry: c.serverURL}
	case http.StatusUnauthorized:
		if resp.CredentialsStripped {
			return nil, &buildkind.CredentialsNotSent{Registry: c.serverURL}
		}
		hadAuth := !c.getAuth().IsZero()

		wwwAuth := resp.Header.Get("WWW-Authenticate")
		newAuth, authErr := c.reauthenticate(ctx, scope, wwwAuth)
		if authErr != nil {
			return nil, authErr
		}
		c.setAuth(newAuth)

		resp2, err2 := c.transport.Do(ctx, c.attachAuth(req))
		if err2 != nil {
			return nil, err2
		}
		if resp2.StatusCode == http.StatusUnauthorized {
			if hadAuth || !newAuth.IsZero() {
				return nil, &buildkind.AuthFailed{Registry: c.serverURL}
			}
			return nil, &buildkind.AuthRequired{Registry: c.serverURL}
		}
		if resp2.StatusCode == http.StatusForbidden {
			return nil, &buildkind.AuthForbidden{Registry: c.serverURL}
		}
		return resp2, nil
	default:
		return resp, nil
	}
}

// AuthenticatePull discovers and establishes pull-scoped Authorization by
// issuing an unauthenticated GET /v2/ (spec.md §4.D "Issues an
// unauthenticated GET /v2/ to discover WWW-Authenticate"). An anonymous
// registry (200 with no challenge) leaves Authorization zero-valued,
// which is not an error.
func (c *Client) AuthenticatePull(ctx context.Context) (Authorization, error) {
	return c.discoverAuth(ctx, c.pullScope())
}

// AuthenticatePush is AuthenticatePull's push-scoped counterpart.
func (c *Client) AuthenticatePush(ctx context.Context) (Authorization, error) {
	return c.discoverAuth(ctx, c.pushScope())
}

func (c *Client) discoverAuth(ctx context.Context, scope string) (Authorization, error) {
	req := transport.Request{Method: http.MethodGet, URL: c.baseURL() + "/v2/"}
	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return Authorization{}, err
	}
	if resp.StatusCode == http.StatusOK {
		return Authorization{}, nil
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return Authorization{}, parseRegistryError(resp.StatusCode, resp.Body)
	}
	auth, err := c.reauthenticate(ctx, scope, resp.Header.Get("WWW-Authenticate"))
	if err != nil {
		return Authorization{}, err
	}
	c.setAuth(auth)
	return auth, nil
}

// reauthenticate serializes concurrent refreshes for the same scope behind
// a singleflight.Group (spec.md §5 "a single refresh is serialized so
// that concurrent 401s do not produce a thundering herd of token
// requests").
func (c *Client) reauthenticate(ctx context.Context, scope, wwwAuthenticateHint string) (Authorization, error) {
	v, err, _ := c.refreshGroup.Do(scope, func() (any, error) {
		return c.authenticate(ctx, scope, wwwAuthenticateHint)
	})
	if err != nil {
		return Authorization{}, err
	}
	return v.(Authorization), nil
}
