package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesIdentity(t *testing.T) {
	sentinel := New("sentinel")
	wrapped := Wrap(sentinel, "outer context")

	assert.True(t, Is(wrapped, sentinel))
	assert.Contains(t, wrapped.Error(), "outer context")
}

func TestDetailsAreCollected(t *testing.T) {
	err := New("base")
	err = WithDetail(err, "first detail")
	err = WithDetail(err, "second detail")

	details := GetAllDetails(err)
	require.Len(t, details, 2)
	assert.Contains(t, details, "first detail")
	assert.Contains(t, details, "second detail")
}

func TestMarkAllowsSentinelMatching(t *testing.T) {
	sentinel := New("quota exceeded")
	err := Mark(Newf("user %s over limit", "alice"), sentinel)

	assert.True(t, Is(err, sentinel))
	assert.Contains(t, err.Error(), "alice")
}
