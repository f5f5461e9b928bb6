package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containerbuild/engine/pkg/blob"
	"github.com/containerbuild/engine/pkg/buildkind"
	"github.com/containerbuild/engine/pkg/credential"
	"github.com/containerbuild/engine/pkg/digest"
	"github.com/containerbuild/engine/pkg/image"
	"github.com/containerbuild/engine/pkg/transport"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	host := strings.TrimPrefix(srv.URL, "http://")
	tc := transport.New(transport.Options{Strict: false, MaxRedirects: 5})
	c := New(tc, host, "library/test", credential.Basic("user", "pass"))
	return c, srv
}

func hexOf(b byte) string {
	s := make([]byte, 64)
	for i := range s {
		s[i] = b
	}
	return string(s)
}

func TestPullManifestParsesOCIManifest(t *testing.T) {
	body := `{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","config":{"digest":"sha256:` + hexOf('a') + `","size":2},"layers":[]}`
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/library/test/manifests/latest", r.URL.Path)
		w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
		w.Header().Set("Docker-Content-Digest", "sha256:"+hexOf('9'))
		w.Write([]byte(body))
	}))
	defer srv.Close()

	mt, d, err := c.PullManifest(context.Background(), "latest")
	require.NoError(t, err)
	assert.Equal(t, "sha256:"+hexOf('9'), d.String())
	_, ok := mt.(*image.OCIManifestTemplate)
	assert.True(t, ok)
}

func TestCheckBlobReportsMissingAsNotFoundNotError(t *testing.T) {
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	exists, _, err := c.CheckBlob(context.Background(), digest.MustParse("sha256:"+hexOf('0')))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPushBlobSkipsUploadWhenAlreadyPresent(t *testing.T) {
	var uploadAttempted bool
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.Header().Set("Content-Length", "5")
			w.WriteHeader(http.StatusOK)
		default:
			uploadAttempted = true
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	d := digest.MustParse("sha256:" + hexOf('1'))
	desc, err := c.PushBlob(context.Background(), digest.BlobDescriptor{Size: 5, Digest: d}, blob.Bytes{Data: []byte("hello")}, "")
	require.NoError(t, err)
	assert.Equal(t, d, desc.Digest)
	assert.False(t, uploadAttempted)
}

func TestPushBlobMountSucceedsWithoutUpload(t *testing.T) {
	d := digest.MustParse("sha256:" + hexOf('2'))
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && strings.Contains(r.URL.RawQuery, "mount="):
			assert.Contains(t, r.URL.RawQuery, "from=library%2Fsource")
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL)
		}
	}))
	defer srv.Close()

	desc, err := c.PushBlob(context.Background(), digest.BlobDescriptor{Size: 5, Digest: d}, blob.Bytes{Data: []byte("hello")}, "library/source")
	require.NoError(t, err)
	assert.Equal(t, d, desc.Digest)
}

func TestPushBlobFallsBackToUploadSessionWhenMountDeclined(t *testing.T) {
	d := digest.MustParse("sha256:" + hexOf('3'))
	var patched, committed bool
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && strings.Contains(r.URL.RawQuery, "mount="):
			w.Header().Set("Location", "/v2/library/test/blobs/uploads/session1")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPatch:
			patched = true
			w.Header().Set("Location", "/v2/library/test/blobs/uploads/session1")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPut:
			committed = true
			assert.Contains(t, r.URL.RawQuery, "digest=sha256%3A"+hexOf('3'))
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL)
		}
	}))
	defer srv.Close()

	_, err := c.PushBlob(context.Background(), digest.BlobDescriptor{Size: 5, Digest: d}, blob.Bytes{Data: []byte("hello")}, "library/source")
	require.NoError(t, err)
	assert.True(t, patched)
	assert.True(t, committed)
}

func TestDoAuthenticatedReauthenticatesOnceOn401(t *testing.T) {
	var calls int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"good-token"}`))
	}))
	defer tokenServer.Close()

	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s",service="test"`, tokenServer.URL))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer good-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, _, err := c.PullManifest(context.Background(), "latest")
	var invalid interface{ Error() string }
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDoAuthenticatedSurfacesAuthFailedOnSecond401(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"stale-token"}`))
	}))
	defer tokenServer.Close()

	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s",service="test"`, tokenServer.URL))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, _, err := c.PullManifest(context.Background(), "latest")
	require.Error(t, err)
	var failed *buildkind.AuthFailed
	require.ErrorAs(t, err, &failed)
}

func TestAuthenticatePullDiscoversChallengeAndStoresToken(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"discovered-token"}`))
	}))
	defer tokenServer.Close()

	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/", r.URL.Path)
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s",service="test"`, tokenServer.URL))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	auth, err := c.AuthenticatePull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer discovered-token", auth.Header())
}

func TestAuthenticatePullOnAnonymousRegistryReturnsZeroAuthorization(t *testing.T) {
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	auth, err := c.AuthenticatePull(context.Background())
	require.NoError(t, err)
	assert.True(t, auth.IsZero())
}

func TestParseChallengeHandlesQuotedCommaFreeParams(t *testing.T) {
	ch, err := parseChallenge(`Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:library/test:pull"`)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", ch.Scheme)
	assert.Equal(t, "https://auth.example.com/token", ch.Realm)
	assert.Equal(t, "registry.example.com", ch.Service)
	assert.Equal(t, "repository:library/test:pull", ch.Scope)
}
