package transport

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/containerbuild/engine/pkg/blob"
)

// bufferBody materializes a Blob's bytes once per send attempt. This keeps
// Content-Length known up front (registries commonly require it for PATCH
// and the final PUT) while still respecting Blob.IsRetryable: the outer
// retry loop in Client.Do calls doOnce again — and therefore this — for a
// POST or PATCH only when the blob reported itself retryable; GET, HEAD and
// PUT are retried regardless of their body.
func bufferBody(b blob.Blob) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readAll(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
}

// maxBufferedBody bounds how much of a response body readAll will buffer
// in memory; registry manifests and error bodies are small JSON documents,
// never blob payloads (those are handled by callers that stream directly).
const maxBufferedBody = 64 << 20

func isTLSFailure(err error) bool {
	var tlsErr tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "remote error" {
		return true
	}
	return isTLSHandshakeMessage(err)
}

func isTLSHandshakeMessage(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sub := range []string{"tls:", "handshake failure", "certificate", "x509:"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

func isNonTimeoutConnectFailure(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	if opErr.Timeout() {
		return false
	}
	return opErr.Op == "dial"
}
