package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/containerbuild/engine/pkg/buildkind"
	"github.com/containerbuild/engine/pkg/transport"
)

// challenge is a parsed WWW-Authenticate header (spec.md §4.C "bearer
// challenge"): scheme plus the realm/service/scope a Bearer challenge
// names.
type challenge struct {
	Scheme  string // "Bearer" or "Basic"
	Realm   string
	Service string
	Scope   string
}

// parseChallenge parses one WWW-Authenticate header value. Only the first
// challenge is honored when a registry sends more than one; that matches
// every registry actually observed in the pack.
func parseChallenge(header string) (challenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return challenge{}, &buildkind.InvalidInput{Reason: "empty WWW-Authenticate header"}
	}
	sp := strings.IndexByte(header, ' ')
	if sp < 0 {
		return challenge{Scheme: header}, nil
	}
	scheme := header[:sp]
	c := challenge{Scheme: scheme}
	for _, param := range splitParams(header[sp+1:]) {
		k, v, ok := strings.Cut(param, "=")
		if !ok {
			continue
		}
		v = strings.Trim(strings.TrimSpace(v), `"`)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "realm":
			c.Realm = v
		case "service":
			c.Service = v
		case "scope":
			c.Scope = v
		}
	}
	return c, nil
}

// splitParams splits "a=\"b\", c=d" on commas that are not inside quotes.
func splitParams(s string) []string {
	var parts []string
	inQuotes := false
	start := 0
	for i, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// tokenResponse covers both the "token" (Distribution spec) and
// "access_token" (OAuth2) field names registries use interchangeably.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (r tokenResponse) bearer() string {
	if r.Token != "" {
		return r.Token
	}
	return r.AccessToken
}

// authenticate resolves a fresh Authorization for scope, given the
// WWW-Authenticate header from the 401 that triggered it. A Basic
// challenge is satisfied directly from the credential helper; a Bearer
// challenge requires a round trip to the challenge's realm (spec.md §4.C
// "token service exchange").
func (c *Client) authenticate(ctx context.Context, scope, wwwAuthenticateHeader string) (Authorization, error) {
	ch, err := parseChallenge(wwwAuthenticateHeader)
	if err != nil {
		// No usable challenge: fall back to whatever the credential
		// helper attaches directly, in case it already knows the scheme.
		return c.authorizationFromHelper(ctx)
	}

	switch strings.ToLower(ch.Scheme) {
	case "basic":
		return c.authorizationFromHelper(ctx)
	case "bearer":
		return c.exchangeBearerToken(ctx, ch, scope)
	default:
		return Authorization{}, &buildkind.AuthRequired{Registry: c.serverURL}
	}
}

// authorizationFromHelper asks the credential helper for headers to attach
// directly, used for Basic challenges and as the last resort when a
// challenge's scheme isn't recognized.
func (c *Client) authorizationFromHelper(ctx context.Context) (Authorization, error) {
	headers, _, err := c.helper.Get(ctx, c.baseURL())
	if err != nil {
		return Authorization{}, &buildkind.AuthFailed{Registry: c.serverURL, Err: err}
	}
	auth := firstHeader(headers, "Authorization")
	if auth == "" {
		return Authorization{}, &buildkind.AuthRequired{Registry: c.serverURL}
	}
	scheme, value, _ := strings.Cut(auth, " ")
	return Authorization{Scheme: scheme, Value: value}, nil
}

// exchangeBearerToken performs the Distribution token service exchange: a
// GET against ch.Realm with service/scope query parameters, credential
// helper headers attached for the registry's own auth check, parsing back
// a bearer token (spec.md §4.C).
func (c *Client) exchangeBearerToken(ctx context.Context, ch challenge, scope string) (Authorization, error) {
	if ch.Realm == "" {
		return Authorization{}, &buildkind.InvalidInput{Reason: "bearer challenge has no realm"}
	}

	realmURL, err := url.Parse(ch.Realm)
	if err != nil {
		return Authorization{}, &buildkind.InvalidInput{Reason: "malformed token realm", Err: err}
	}
	q := realmURL.Query()
	if ch.Service != "" {
		q.Set("service", ch.Service)
	}
	effectiveScope := scope
	if effectiveScope == "" {
		effectiveScope = ch.Scope
	}
	if effectiveScope != "" {
		q.Set("scope", effectiveScope)
	}
	realmURL.RawQuery = q.Encode()

	headers, _, err := c.helper.Get(ctx, c.baseURL())
	if err != nil {
		return Authorization{}, &buildkind.AuthFailed{Registry: c.serverURL, Err: err}
	}

	req := transport.Request{
		Method: "GET",
		URL:    realmURL.String(),
		Header: toHTTPHeader(headers),
	}
	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return Authorization{}, err
	}
	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		return Authorization{}, &buildkind.AuthFailed{Registry: c.serverURL}
	}
	if resp.StatusCode/100 != 2 {
		return Authorization{}, parseRegistryError(resp.StatusCode, resp.Body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return Authorization{}, &buildkind.AuthFailed{Registry: c.serverURL, Err: err}
	}
	token := tr.bearer()
	if token == "" {
		return Authorization{}, &buildkind.AuthFailed{Registry: c.serverURL}
	}
	return Authorization{Scheme: "Bearer", Value: token}, nil
}

func firstHeader(h map[string][]string, key string) string {
	for k, v := range h {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func toHTTPHeader(h map[string][]string) http.Header {
	out := http.Header{}
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// pullScope/pushScope render the Distribution scope string for this
// client's repository (spec.md §4.C "repository:name:pull" etc).
func (c *Client) pullScope() string { return fmt.Sprintf("repository:%s:pull", c.repository) }
func (c *Client) pushScope() string {
	return fmt.Sprintf("repository:%s:pull,push", c.repository)
}
