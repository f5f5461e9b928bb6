// Package image holds the typed representations of §3's data model: the
// polymorphic Layer, the ImageLayers collection, the Image itself, and the
// manifest/config JSON shapes (spec.md §4.F), built on
// github.com/opencontainers/image-spec and github.com/google/go-containerregistry
// types rather than hand-rolled structs wherever those libraries already
// define the wire shape.
package image

import (
	"io"

	"github.com/containerbuild/engine/pkg/blob"
	"github.com/containerbuild/engine/pkg/buildkind"
	"github.com/containerbuild/engine/pkg/digest"
)

// State is the tag of a Layer's polymorphic variant (spec.md §3 "Layer").
type State int

const (
	// Unwritten holds only the uncompressed Blob; nothing has been built
	// or cached yet.
	Unwritten State = iota
	// Cached is an on-disk compressed artifact with known digests/size.
	Cached
	// Reference has known digests/size but the bytes live remotely.
	Reference
	// DigestOnly has only a compressed digest; everything else is
	// unavailable (e.g. a schema-1 fsLayer entry before diff-id
	// resolution).
	DigestOnly
)

func (s State) String() string {
	switch s {
	case Unwritten:
		return "Unwritten"
	case Cached:
		return "Cached"
	case Reference:
		return "Reference"
	case DigestOnly:
		return "DigestOnly"
	default:
		return "Unknown"
	}
}

// Layer is the tagged variant described in spec.md §3. Construct one with
// NewUnwrittenLayer, NewCachedLayer, NewReferenceLayer, or
// NewDigestOnlyLayer; access properties through the accessor methods,
// which return a *buildkind.LayerPropertyMissing error instead of zero
// values when the current state does not carry that property.
type Layer struct {
	state            State
	unwritten        blob.Blob
	compressedDigest digest.Digest
	diffID           digest.Digest
	size             int64
	open             func() (io.ReadCloser, error)
}

// NewUnwrittenLayer wraps a Blob that has not yet been built or cached.
func NewUnwrittenLayer(b blob.Blob) Layer {
	return Layer{state: Unwritten, unwritten: b}
}

// NewCachedLayer describes a layer whose compressed bytes live in the local
// cache at a path opened by open.
func NewCachedLayer(desc digest.BlobDescriptor, diffID digest.Digest, open func() (io.ReadCloser, error)) Layer {
	return Layer{state: Cached, compressedDigest: desc.Digest, diffID: diffID, size: desc.Size, open: open}
}

// NewReferenceLayer describes a layer whose bytes live on a remote
// registry; open, if non-nil, streams them on demand.
func NewReferenceLayer(desc digest.BlobDescriptor, diffID digest.Digest, open func() (io.ReadCloser, error)) Layer {
	return Layer{state: Reference, compressedDigest: desc.Digest, diffID: diffID, size: desc.Size, open: open}
}

// NewDigestOnlyLayer describes a layer known only by its compressed
// digest (e.g. an unresolved schema-1 fsLayer).
func NewDigestOnlyLayer(compressedDigest digest.Digest) Layer {
	return Layer{state: DigestOnly, compressedDigest: compressedDigest, size: digest.SizeUnknown}
}

// State reports which variant this Layer is.
func (l Layer) State() State { return l.state }

func (l Layer) missing(property string) error {
	return &buildkind.LayerPropertyMissing{Property: property, State: l.state.String()}
}

// Blob returns the uncompressed producer for an Unwritten layer.
func (l Layer) Blob() (blob.Blob, error) {
	if l.state != Unwritten {
		return nil, l.missing("blob")
	}
	return l.unwritten, nil
}

// CompressedDigest returns the sha256 of the gzipped tar bytes. Available
// for every state except Unwritten.
func (l Layer) CompressedDigest() (digest.Digest, error) {
	if l.state == Unwritten {
		return digest.Digest{}, l.missing("compressedDigest")
	}
	return l.compressedDigest, nil
}

// DiffID returns the sha256 of the uncompressed tar bytes. Available only
// for Cached and Reference.
func (l Layer) DiffID() (digest.Digest, error) {
	if l.state != Cached && l.state != Reference {
		return digest.Digest{}, l.missing("diffId")
	}
	return l.diffID, nil
}

// Size returns the compressed byte count. Available only for Cached and
// Reference.
func (l Layer) Size() (int64, error) {
	if l.state != Cached && l.state != Reference {
		return 0, l.missing("size")
	}
	return l.size, nil
}

// Open streams the compressed bytes. Available only for Cached and
// Reference, and only when a reader was supplied at construction.
func (l Layer) Open() (io.ReadCloser, error) {
	if l.state != Cached && l.state != Reference || l.open == nil {
		return nil, l.missing("open")
	}
	return l.open()
}

// Descriptor returns the (size, digest) pair for any state that has a
// compressed digest, using digest.SizeUnknown when size isn't known.
func (l Layer) Descriptor() (digest.BlobDescriptor, error) {
	d, err := l.CompressedDigest()
	if err != nil {
		return digest.BlobDescriptor{}, err
	}
	size := digest.SizeUnknown
	if l.state == Cached || l.state == Reference {
		size = l.size
	}
	return digest.BlobDescriptor{Size: size, Digest: d}, nil
}
