package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelytics/dataservice/types"
)

func TestBuildKeyOrderIndependent(t *testing.T) {
	a, err := BuildKey("claims_by_region", types.Params{
		"region": "northeast",
		"year":   2025,
		"status": "open",
	})
	require.NoError(t, err)

	b, err := BuildKey("claims_by_region", types.Params{
		"status": "open",
		"year":   2025,
		"region": "northeast",
	})
	require.NoError(t, err)

	assert.Equal(t, a, b, "param order must not change the key")
}

func TestBuildKeyDistinguishesParams(t *testing.T) {
	a, err := BuildKey("claims_by_region", types.Params{"year": 2024})
	require.NoError(t, err)

	b, err := BuildKey("claims_by_region", types.Params{"year": 2025})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestBuildKeyDistinguishesOperations(t *testing.T) {
	params := types.Params{"year": 2025}

	a, err := BuildKey("claims_by_region", params)
	require.NoError(t, err)

	b, err := BuildKey("premiums_by_region", params)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestBuildKeyEmptyOperation(t *testing.T) {
	_, err := BuildKey("", types.Params{"year": 2025})
	assert.ErrorIs(t, err, types.ErrCacheOperationEmpty)
}

func TestBuildKeyNilParams(t *testing.T) {
	a, err := BuildKey("claims_total", nil)
	require.NoError(t, err)

	b, err := BuildKey("claims_total", types.Params{})
	require.NoError(t, err)

	assert.Equal(t, a, b, "nil and empty params must derive the same key")
}

func TestBuildKeyUsesOperationPrefix(t *testing.T) {
	key, err := BuildKey("claims_total", types.Params{"year": 2025})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, KeyPrefix("claims_total")),
		"keys must share the operation prefix so Invalidate(operation, nil) can match them")
}
