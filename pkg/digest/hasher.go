package digest

import (
	"crypto/sha256"
	"hash"
	"io"
)

// Hasher streams bytes through SHA-256 while also writing them to an
// optional sink, accumulating the observed byte count. Callers must call
// Flush before reading the descriptor to ensure any buffered sink writer
// has been drained.
type Hasher struct {
	h     hash.Hash
	sink  io.Writer
	n     int64
	flush func() error
}

// NewHasher returns a Hasher that tees written bytes to sink. sink may be
// nil if only the digest and size are needed.
func NewHasher(sink io.Writer) *Hasher {
	return &Hasher{h: sha256.New(), sink: sink}
}

// WithFlush attaches a flush callback invoked by Flush, for sinks (e.g. a
// *gzip.Writer) that buffer internally.
func (h *Hasher) WithFlush(flush func() error) *Hasher {
	h.flush = flush
	return h
}

func (h *Hasher) Write(p []byte) (int, error) {
	h.h.Write(p)
	h.n += int64(len(p))
	if h.sink == nil {
		return len(p), nil
	}
	return h.sink.Write(p)
}

// Flush drains any buffered sink writer registered via WithFlush.
func (h *Hasher) Flush() error {
	if h.flush == nil {
		return nil
	}
	return h.flush()
}

// Descriptor returns the BlobDescriptor observed so far. Call Flush first.
func (h *Hasher) Descriptor() BlobDescriptor {
	sum := h.h.Sum(nil)
	d, _ := FromHex(hexEncode(sum))
	return BlobDescriptor{Size: h.n, Digest: d}
}

// ComputeDigest reads r to completion, optionally copying to sink, and
// returns the resulting BlobDescriptor. This is the shared utility used by
// the cache writer and the registry uploader (spec.md §4.A).
func ComputeDigest(r io.Reader, sink io.Writer) (BlobDescriptor, error) {
	h := NewHasher(sink)
	if _, err := io.Copy(h, r); err != nil {
		return BlobDescriptor{}, err
	}
	if err := h.Flush(); err != nil {
		return BlobDescriptor{}, err
	}
	return h.Descriptor(), nil
}

// FromBytes computes the Digest of b directly, for callers that already
// hold a manifest or config payload in memory and just need its digest.
func FromBytes(b []byte) Digest {
	sum := sha256.Sum256(b)
	d, _ := FromHex(hexEncode(sum[:]))
	return d
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}
