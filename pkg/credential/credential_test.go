package credential

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicHelperEncodesHeader(t *testing.T) {
	h := Basic("alice", "hunter2")
	headers, _, err := h.Get(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Contains(t, headers, "Authorization")
	assert.Equal(t, []string{"Basic YWxpY2U6aHVudGVyMg=="}, headers["Authorization"])
}

func TestNopHelperReturnsNoHeaders(t *testing.T) {
	h := NopHelper()
	headers, expires, err := h.Get(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Nil(t, headers)
	assert.True(t, expires.IsZero())
}
