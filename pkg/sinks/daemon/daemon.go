// Package daemon streams a Docker-tar archive to a container daemon's
// image-load HTTP endpoint over a Unix socket or TCP (spec.md §4.I
// "daemon's image-load endpoint"). Grounded on the Unix-socket dial idiom
// every daemon client in the corpus uses (fsouza/go-dockerclient's
// client_unix.go initializeNativeClient: a custom http.Transport.DialContext
// that ignores the requested address and always dials the configured
// socket path) and the teacher's pkg/load/docker.go progress-reporting
// shape (return an error channel from a streaming goroutine), here
// expressed with a byte-counting io.Reader instead of a CLI subprocess.
package daemon

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Client talks to a daemon's image-load endpoint.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewUnix returns a Client that dials socketPath for every request,
// matching how Docker's own unix:///var/run/docker.sock default works.
func NewUnix(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{http: &http.Client{Transport: transport}, baseURL: "http://unix"}
}

// NewTCP returns a Client that talks to a daemon reachable over plain TCP
// at addr (e.g. "127.0.0.1:2375").
func NewTCP(addr string) *Client {
	return &Client{http: &http.Client{}, baseURL: "http://" + addr}
}

// countingReader reports cumulative bytes read through onRead, the
// mechanism spec.md §4.I's "reporting written-byte progress" is built on;
// written and read coincide here because the daemon reads the tar stream
// directly from the request body as it is produced.
type countingReader struct {
	r      io.Reader
	total  int64
	onRead func(total int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.total += int64(n)
		if c.onRead != nil {
			c.onRead(c.total)
		}
	}
	return n, err
}

// LoadImage POSTs tarStream to the daemon's /images/load endpoint,
// invoking onProgress with the cumulative byte count as the stream is
// read. onProgress may be nil.
func (c *Client) LoadImage(ctx context.Context, tarStream io.Reader, onProgress func(bytesWritten int64)) error {
	body := &countingReader{r: tarStream, onRead: onProgress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/load", body)
	if err != nil {
		return fmt.Errorf("building image-load request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-tar")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("image-load request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("daemon rejected image load (%s): %s", resp.Status, string(msg))
	}
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}
