package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containerbuild/engine/pkg/blob"
)

func TestRedirectResolvesRelativeLocation(t *testing.T) {
	var finalPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/blobs/uploads/abc" {
			w.Header().Set("Location", "/v2/blobs/uploads/xyz")
			w.WriteHeader(http.StatusPermanentRedirect)
			return
		}
		finalPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{})
	resp, err := c.Do(context.Background(), Request{
		Method: http.MethodGet,
		URL:    srv.URL + "/v2/blobs/uploads/abc",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/v2/blobs/uploads/xyz", finalPath)
}

func TestAuthorizationStrippedOnHTTPDowngrade(t *testing.T) {
	var receivedAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{})
	hostPort := srv.Listener.Addr().String()
	c.memoizeTier(hostPort, TierHTTP)

	resp, err := c.Do(context.Background(), Request{
		Method: http.MethodGet,
		URL:    srv.URL + "/v2/",
		Header: http.Header{"Authorization": []string{"Bearer secret"}},
	})
	require.NoError(t, err)
	assert.True(t, resp.CredentialsStripped)
	assert.Empty(t, receivedAuth)
}

func TestAuthorizationKeptWhenCallerOptsIn(t *testing.T) {
	var receivedAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{})
	hostPort := srv.Listener.Addr().String()
	c.memoizeTier(hostPort, TierHTTP)

	resp, err := c.Do(context.Background(), Request{
		Method:                   http.MethodGet,
		URL:                      srv.URL + "/v2/",
		Header:                   http.Header{"Authorization": []string{"Bearer secret"}},
		AllowCredentialsOverHTTP: true,
	})
	require.NoError(t, err)
	assert.False(t, resp.CredentialsStripped)
	assert.Equal(t, "Bearer secret", receivedAuth)
}

func TestMemoizedTierIsReusedWithoutRenegotiating(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{})
	hostPort := srv.Listener.Addr().String()
	c.memoizeTier(hostPort, TierHTTP)

	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL + "/v2/"})
	require.NoError(t, err)
	assert.Equal(t, TierHTTP, resp.Tier)

	tier, ok := c.memoizedTier(hostPort)
	require.True(t, ok)
	assert.Equal(t, TierHTTP, tier)
}

func TestRetryableGating(t *testing.T) {
	c := New(Options{})

	assert.True(t, c.retryable(Request{Method: http.MethodGet}, nil))
	assert.True(t, c.retryable(Request{Method: http.MethodPost, Body: blob.Bytes{Data: []byte("x")}}, nil))
	assert.False(t, c.retryable(Request{Method: http.MethodPost, Body: blob.Callback{Retryable: false}}, nil))
	assert.False(t, c.retryable(Request{Method: http.MethodDelete}, nil))
}

func TestTierStringer(t *testing.T) {
	assert.Equal(t, "https", TierHTTPS.String())
	assert.Equal(t, "https-insecure", TierInsecureHTTPS.String())
	assert.Equal(t, "http", TierHTTP.String())
}
