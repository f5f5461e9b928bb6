package daemon

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadImageStreamsOverUnixSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	var received []byte
	var gotContentType string
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"stream":"Loaded image\n"}`))
	}))
	srv.Listener.Close()
	srv.Listener = listener
	srv.Start()
	defer srv.Close()

	client := NewUnix(socketPath)
	var progressed []int64
	payload := bytes.Repeat([]byte("x"), 4096)
	err = client.LoadImage(context.Background(), bytes.NewReader(payload), func(n int64) {
		progressed = append(progressed, n)
	})
	require.NoError(t, err)
	require.Equal(t, payload, received)
	require.Equal(t, "application/x-tar", gotContentType)
	require.NotEmpty(t, progressed)
	require.Equal(t, int64(len(payload)), progressed[len(progressed)-1])
}

func TestLoadImageSurfacesNon2xxAsError(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"no space left on device"}`))
	}))
	srv.Listener.Close()
	srv.Listener = listener
	srv.Start()
	defer srv.Close()

	client := NewUnix(socketPath)
	err = client.LoadImage(context.Background(), bytes.NewReader([]byte("tar bytes")), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no space left on device")
}
