// Package blob defines the Blob abstraction (spec.md §4.A): a producer of
// bytes that knows how to write itself to a sink and report whether a
// failed write may be retried from the start.
package blob

import (
	"bytes"
	"encoding/json"
	"io"
	"os"

	"github.com/containerbuild/engine/pkg/digest"
)

// Blob is a one-shot (unless IsRetryable) producer of bytes.
type Blob interface {
	// WriteTo copies the blob's bytes to sink and returns the observed
	// descriptor. The returned size is authoritative, overriding any size
	// the caller previously assumed.
	WriteTo(sink io.Writer) (digest.BlobDescriptor, error)
	// IsRetryable reports whether the blob can be read again from the
	// beginning after a partial transport failure.
	IsRetryable() bool
}

// Bytes is a Blob backed by an in-memory byte slice. Always retryable.
type Bytes struct {
	Data []byte
}

func (b Bytes) WriteTo(sink io.Writer) (digest.BlobDescriptor, error) {
	return digest.ComputeDigest(bytes.NewReader(b.Data), sink)
}

func (b Bytes) IsRetryable() bool { return true }

// JSON is a Blob serialized once from a Go value into canonical JSON.
// Always retryable, since the marshaled bytes are cached on first write.
type JSON struct {
	Value any

	cached []byte
}

func (j *JSON) WriteTo(sink io.Writer) (digest.BlobDescriptor, error) {
	if j.cached == nil {
		encoded, err := json.Marshal(j.Value)
		if err != nil {
			return digest.BlobDescriptor{}, err
		}
		j.cached = encoded
	}
	return digest.ComputeDigest(bytes.NewReader(j.cached), sink)
}

func (j *JSON) IsRetryable() bool { return true }

// File is a Blob backed by a path on disk. Retryable, since the file can
// be reopened.
type File struct {
	Path string
}

func (f File) WriteTo(sink io.Writer) (digest.BlobDescriptor, error) {
	r, err := os.Open(f.Path)
	if err != nil {
		return digest.BlobDescriptor{}, err
	}
	defer r.Close()
	return digest.ComputeDigest(r, sink)
}

func (f File) IsRetryable() bool { return true }

// Callback is a Blob whose bytes are produced by invoking open() for a
// fresh io.ReadCloser each time it's written. Whether it's retryable
// depends on whether open can genuinely be called more than once (e.g. a
// network stream consumed exactly once would set Retryable = false).
type Callback struct {
	Open      func() (io.ReadCloser, error)
	Retryable bool
}

func (c Callback) WriteTo(sink io.Writer) (digest.BlobDescriptor, error) {
	r, err := c.Open()
	if err != nil {
		return digest.BlobDescriptor{}, err
	}
	defer r.Close()
	return digest.ComputeDigest(r, sink)
}

func (c Callback) IsRetryable() bool { return c.Retryable }
