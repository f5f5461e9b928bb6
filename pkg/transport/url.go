package transport

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// parsedURL keeps the original raw string alongside a parsed form used only
// to extract host/port; withScheme substitutes the scheme textually rather
// than reassembling the URL from parsed components, so path and query are
// preserved byte-for-byte even against non-conforming registries (spec.md
// §4.C "do not sanitize the URL before requesting").
type parsedURL struct {
	raw             string
	scheme          string
	rest            string // everything after "scheme://"
	host            string
	noPortSpecified bool
}

func parseURL(raw string) (*parsedURL, error) {
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return nil, fmt.Errorf("missing scheme in URL %q", raw)
	}
	scheme := raw[:idx]
	rest := raw[idx+3:]

	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	host := parsed.Host
	_, _, splitErr := net.SplitHostPort(host)
	noPort := splitErr != nil

	return &parsedURL{
		raw:             raw,
		scheme:          scheme,
		rest:            rest,
		host:            host,
		noPortSpecified: noPort,
	}, nil
}

// withScheme returns the request URL for the given scheme without
// otherwise altering rest-of-URL bytes.
func (p *parsedURL) withScheme(scheme string) string {
	return scheme + "://" + p.rest
}

func hostPortOf(u *parsedURL) string {
	if u.noPortSpecified {
		if strings.Contains(u.host, ":") {
			return u.host
		}
		return u.host + ":443"
	}
	return u.host
}

func resolveRedirect(base *parsedURL, location string) (*parsedURL, error) {
	baseURL, err := url.Parse(base.withScheme(base.scheme))
	if err != nil {
		return nil, err
	}
	loc, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	resolved := baseURL.ResolveReference(loc)
	return parseURL(resolved.String())
}
