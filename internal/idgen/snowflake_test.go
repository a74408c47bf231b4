package idgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnowflakeIsMonotonic(t *testing.T) {
	gen, err := NewSnowflake(1)
	require.NoError(t, err)

	prev := gen.Next()
	for i := 0; i < 1000; i++ {
		next := gen.Next()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestSnowflakeRejectsInvalidNode(t *testing.T) {
	_, err := NewSnowflake(-1)
	require.Error(t, err)
}
