// Package credential defines the CredentialProvider interface the build
// engine consumes (spec.md §6 "Credential provider interface (consumed)")
// and the helpers the registry client uses to turn a registry URI into
// request headers. The core never reads credential-helper binaries or
// on-disk config directly; it only calls Helper.Get.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Helper resolves the headers to attach to requests against uri, plus an
// expiry after which the headers should be considered stale and re-fetched.
type Helper interface {
	Get(ctx context.Context, uri string) (headers map[string][]string, expiresAt time.Time, err error)
}

// Basic returns a Helper that always attaches a single Basic Authorization
// header for the given static username/password pair.
func Basic(username, password string) Helper {
	return basicHelper{username: username, password: password}
}

type basicHelper struct {
	username, password string
}

func (b basicHelper) Get(context.Context, string) (map[string][]string, time.Time, error) {
	token := basicToken(b.username, b.password)
	return map[string][]string{"Authorization": {"Basic " + token}}, time.Time{}, nil
}

// NopHelper returns a Helper that attaches no headers, for anonymous
// registries.
func NopHelper() Helper { return nopHelper{} }

type nopHelper struct{}

func (nopHelper) Get(context.Context, string) (map[string][]string, time.Time, error) {
	return nil, time.Time{}, nil
}

// External invokes an external credential-helper binary, sending it
// {"uri": ...} on stdin and reading back {"expires", "headers"} on stdout,
// the same protocol the teacher's Helper implementation speaks. Results
// are cached in-process until expiry.
func External(helperBinary string) Helper {
	return &externalHelper{
		helperBinary: helperBinary,
		cache:        make(map[string]cacheEntry),
	}
}

type externalHelper struct {
	helperBinary string

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	headers   map[string][]string
	expiresAt time.Time
}

func (e *externalHelper) Get(ctx context.Context, uri string) (map[string][]string, time.Time, error) {
	if headers, expiresAt, ok := e.fromCache(uri); ok {
		return headers, expiresAt, nil
	}

	cmd := exec.CommandContext(ctx, e.helperBinary, "get")
	stdin, err := json.Marshal(externalRequest{URI: uri})
	if err != nil {
		return nil, time.Time{}, err
	}
	cmd.Stderr = os.Stderr
	cmd.Stdin = bytes.NewReader(stdin)

	stdout, err := cmd.Output()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("invoking credential helper %s: %w", e.helperBinary, err)
	}

	var resp externalResponse
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return nil, time.Time{}, fmt.Errorf("parsing credential helper response: %w", err)
	}

	var expiresAt time.Time
	if resp.Expires != "" {
		expiresAt, err = time.Parse(time.RFC3339, resp.Expires)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("parsing credential helper expiry: %w", err)
		}
	}
	e.toCache(uri, resp.Headers, expiresAt)
	return resp.Headers, expiresAt, nil
}

func (e *externalHelper) fromCache(uri string) (map[string][]string, time.Time, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.cache[uri]
	if !ok || (!entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)) {
		return nil, time.Time{}, false
	}
	return entry.headers, entry.expiresAt, true
}

func (e *externalHelper) toCache(uri string, headers map[string][]string, expiresAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(5 * time.Minute)
	}
	e.cache[uri] = cacheEntry{headers: headers, expiresAt: expiresAt}
}

type externalRequest struct {
	URI string `json:"uri"`
}

type externalResponse struct {
	Expires string              `json:"expires,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
}

// AuthenticatingRoundTripper attaches a Helper's headers to every outgoing
// request. It exists for callers embedding credential resolution directly
// into an http.Client; pkg/registry itself calls Helper.Get directly instead.
type AuthenticatingRoundTripper struct {
	Helper Helper
	Base   http.RoundTripper
}

func (a *AuthenticatingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	headers, _, err := a.Helper.Get(req.Context(), req.URL.String())
	if err != nil {
		return nil, err
	}
	req = req.Clone(req.Context())
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	base := a.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

var _ http.RoundTripper = (*AuthenticatingRoundTripper)(nil)
