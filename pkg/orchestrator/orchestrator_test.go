package orchestrator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/containerbuild/engine/pkg/cache"
	"github.com/containerbuild/engine/pkg/credential"
	"github.com/containerbuild/engine/pkg/digest"
	"github.com/containerbuild/engine/pkg/tarbuild"
	"github.com/containerbuild/engine/pkg/transport"
)

// dirLayer returns a single-directory application/base layer, avoiding
// any dependency on real files on disk.
func dirLayer(name, path string) tarbuild.FileEntriesLayer {
	return tarbuild.FileEntriesLayer{
		Name:    name,
		Entries: []tarbuild.FileEntry{{ExtractionPath: path, Directory: true}},
	}
}

func buildLayerBytes(t *testing.T, l tarbuild.FileEntriesLayer) tarbuild.Result {
	t.Helper()
	res, err := tarbuild.Build(l, tarbuild.Options{})
	require.NoError(t, err)
	return res
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestTransport() *transport.Client {
	return transport.New(transport.Options{Strict: false, MaxRedirects: 5})
}

// fakeRegistry is a minimal Distribution-protocol server covering exactly
// the endpoints the orchestrator's pull and push tails exercise, routing
// by repository name parsed out of each request path so one server can
// stand in for several repositories on one host.
type fakeRegistry struct {
	mu        sync.Mutex
	blobs     map[string]map[string][]byte // repo -> digest -> bytes
	manifests map[string]map[string]manifestEntry

	mountFrom     string // fromRepository that mounts succeed for; "" disables mounting
	uploadSession int
	putManifests  map[string][]byte
	mountRequests []string
	manifestGets  []string
}

type manifestEntry struct {
	mediaType string
	digest    digest.Digest
	body      []byte
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		blobs:        map[string]map[string][]byte{},
		manifests:    map[string]map[string]manifestEntry{},
		putManifests: map[string][]byte{},
	}
}

func (f *fakeRegistry) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(f.handle))
}

// repoPath splits "/v2/<repo>/<rest...>" into (repo, rest).
func repoPath(path string) (repo string, rest []string, ok bool) {
	const prefix = "/v2/"
	if !matchPrefix(path, prefix) {
		return "", nil, false
	}
	parts := splitPath(path[len(prefix):])
	for i, p := range parts {
		if p == "manifests" || p == "blobs" {
			return joinPath(parts[:i]), parts[i:], true
		}
	}
	return "", nil, false
}

func splitPath(p string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				out = append(out, p[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func joinPath(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

func (f *fakeRegistry) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v2/" && r.Method == http.MethodGet {
		w.WriteHeader(http.StatusOK)
		return
	}

	repo, rest, ok := repoPath(r.URL.Path)
	if !ok || len(rest) < 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case rest[0] == "manifests" && r.Method == http.MethodGet:
		ref := rest[1]
		f.manifestGets = append(f.manifestGets, repo+":"+ref)
		entry, ok := f.manifests[repo][ref]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", entry.mediaType)
		w.Header().Set("Docker-Content-Digest", entry.digest.String())
		w.Write(entry.body)

	case rest[0] == "manifests" && r.Method == http.MethodPut:
		ref := rest[1]
		body := readAll(r)
		f.putManifests[repo+":"+ref] = body
		w.Header().Set("Docker-Content-Digest", digest.FromBytes(body).String())
		w.WriteHeader(http.StatusCreated)

	case rest[0] == "blobs" && len(rest) == 2 && r.Method == http.MethodHead:
		d := rest[1]
		if body, ok := f.blobs[repo][d]; ok {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	case rest[0] == "blobs" && len(rest) == 2 && r.Method == http.MethodGet:
		d := rest[1]
		body, ok := f.blobs[repo][d]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(body)

	case rest[0] == "blobs" && len(rest) >= 2 && rest[1] == "uploads" && r.Method == http.MethodPost:
		q := r.URL.Query()
		if mount := q.Get("mount"); mount != "" {
			f.mountRequests = append(f.mountRequests, q.Get("from")+"->"+repo+":"+mount)
			if f.mountFrom != "" && q.Get("from") == f.mountFrom {
				f.putBlob(repo, mount, []byte("mounted"))
				w.WriteHeader(http.StatusCreated)
				return
			}
		}
		f.uploadSession++
		session := fmt.Sprintf("session-%d", f.uploadSession)
		w.Header().Set("Location", "/v2/"+repo+"/blobs/uploads/"+session)
		w.WriteHeader(http.StatusAccepted)

	case rest[0] == "blobs" && len(rest) >= 3 && rest[1] == "uploads" && r.Method == http.MethodPatch:
		session := rest[2]
		body := readAll(r)
		f.putBlob(repo, "__pending__"+session, body)
		w.Header().Set("Location", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)

	case rest[0] == "blobs" && len(rest) >= 3 && rest[1] == "uploads" && r.Method == http.MethodPut:
		session := rest[2]
		d := r.URL.Query().Get("digest")
		f.putBlob(repo, d, f.blobs[repo]["__pending__"+session])
		w.WriteHeader(http.StatusCreated)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeRegistry) putBlob(repo, key string, body []byte) {
	if f.blobs[repo] == nil {
		f.blobs[repo] = map[string][]byte{}
	}
	f.blobs[repo][key] = body
}

func matchPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}

func readAll(r *http.Request) []byte {
	defer r.Body.Close()
	buf := make([]byte, 0)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf
}

func (f *fakeRegistry) seedBlob(repo string, d digest.Digest, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putBlob(repo, d.String(), body)
}

func (f *fakeRegistry) seedOCIManifest(repo, ref string, manifest *ocispec.Manifest) digest.Digest {
	body, err := json.Marshal(manifest)
	if err != nil {
		panic(err)
	}
	d := digest.FromBytes(body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manifests[repo] == nil {
		f.manifests[repo] = map[string]manifestEntry{}
	}
	f.manifests[repo][ref] = manifestEntry{mediaType: ocispec.MediaTypeImageManifest, digest: d, body: body}
	return d
}

func (f *fakeRegistry) seedIndex(repo, ref string, idx *ocispec.Index) {
	body, err := json.Marshal(idx)
	if err != nil {
		panic(err)
	}
	d := digest.FromBytes(body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manifests[repo] == nil {
		f.manifests[repo] = map[string]manifestEntry{}
	}
	f.manifests[repo][ref] = manifestEntry{mediaType: ocispec.MediaTypeImageIndex, digest: d, body: body}
}
