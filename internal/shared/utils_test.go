package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeRandHexString(t *testing.T) {
	a, err := MakeRandHexString(4)
	require.NoError(t, err)
	b, err := MakeRandHexString(4)
	require.NoError(t, err)

	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"products", "sales"}, SplitList(" products, ,sales,"))
	assert.Empty(t, SplitList(""))
}
