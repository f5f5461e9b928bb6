// Package digest implements the engine's content-addressing primitives:
// a SHA-256-only Digest type and the BlobDescriptor pair it travels with.
package digest

import (
	"fmt"
	"regexp"

	godigest "github.com/opencontainers/go-digest"
)

// hexPattern matches a bare 64-character lowercase hex SHA-256 hash.
var hexPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Digest is an algorithm-qualified content hash. The engine only ever
// produces and accepts sha256, but the canonical string form always
// carries the "sha256:" prefix.
type Digest struct {
	inner godigest.Digest
}

// InvalidDigestError reports a malformed digest string or hex value.
type InvalidDigestError struct {
	Input string
}

func (e *InvalidDigestError) Error() string {
	return fmt.Sprintf("invalid digest: %q", e.Input)
}

// FromHex builds a Digest from a bare 64-character hex SHA-256 hash.
func FromHex(hex string) (Digest, error) {
	if !hexPattern.MatchString(hex) {
		return Digest{}, &InvalidDigestError{Input: hex}
	}
	return Digest{inner: godigest.NewDigestFromHex(godigest.SHA256.String(), hex)}, nil
}

// Parse builds a Digest from its canonical "sha256:<hex>" form.
func Parse(canonical string) (Digest, error) {
	d, err := godigest.Parse(canonical)
	if err != nil {
		return Digest{}, &InvalidDigestError{Input: canonical}
	}
	if d.Algorithm() != godigest.SHA256 {
		return Digest{}, &InvalidDigestError{Input: canonical}
	}
	if !hexPattern.MatchString(d.Hex()) {
		return Digest{}, &InvalidDigestError{Input: canonical}
	}
	return Digest{inner: d}, nil
}

// MustParse is Parse but panics on error; for use with constant literals
// in tests and fixtures.
func MustParse(canonical string) Digest {
	d, err := Parse(canonical)
	if err != nil {
		panic(err)
	}
	return d
}

// IsZero reports whether d is the zero value (no digest set).
func (d Digest) IsZero() bool {
	return d.inner == ""
}

// Hex returns the bare lowercase hex hash, without the algorithm prefix.
func (d Digest) Hex() string {
	return d.inner.Hex()
}

// String returns the canonical "sha256:<hex>" form.
func (d Digest) String() string {
	return d.inner.String()
}

// Equal reports whether two digests have the same canonical form.
func (d Digest) Equal(other Digest) bool {
	return d.inner == other.inner
}

// MarshalText implements encoding.TextMarshaler so Digest can be used
// directly as a JSON string field.
func (d Digest) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return nil, fmt.Errorf("cannot marshal zero digest")
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// BlobDescriptor pairs a size with its content digest. Size of -1 means
// "unknown"; consumers must not treat it as a real byte count.
type BlobDescriptor struct {
	Size   int64
	Digest Digest
}

// SizeUnknown is the sentinel Size value meaning "not yet known".
const SizeUnknown int64 = -1
