package blob

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesBlobWriteTo(t *testing.T) {
	b := Bytes{Data: []byte("payload")}
	var out bytes.Buffer
	desc, err := b.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(7), desc.Size)
	assert.Equal(t, "payload", out.String())
	assert.True(t, b.IsRetryable())
}

func TestJSONBlobCachesMarshal(t *testing.T) {
	j := &JSON{Value: map[string]int{"a": 1}}
	var first, second bytes.Buffer
	d1, err := j.WriteTo(&first)
	require.NoError(t, err)
	d2, err := j.WriteTo(&second)
	require.NoError(t, err)
	assert.Equal(t, first.String(), second.String())
	assert.True(t, d1.Digest.Equal(d2.Digest))
}

func TestFileBlobReopensEachWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	f := File{Path: path}
	var a, b bytes.Buffer
	_, err := f.WriteTo(&a)
	require.NoError(t, err)
	_, err = f.WriteTo(&b)
	require.NoError(t, err)
	assert.Equal(t, "hello", a.String())
	assert.Equal(t, "hello", b.String())
}

func TestCallbackBlobRetryability(t *testing.T) {
	calls := 0
	cb := Callback{
		Open: func() (io.ReadCloser, error) {
			calls++
			return io.NopCloser(bytes.NewReader([]byte("x"))), nil
		},
		Retryable: false,
	}
	assert.False(t, cb.IsRetryable())
	var out bytes.Buffer
	_, err := cb.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallbackBlobPropagatesOpenError(t *testing.T) {
	cb := Callback{Open: func() (io.ReadCloser, error) { return nil, errors.New("boom") }}
	_, err := cb.WriteTo(io.Discard)
	require.Error(t, err)
}
