package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIDUnique(t *testing.T) {
	require := require.New(t)
	seen := make(map[ID]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.False(seen[id])
		seen[id] = true
	}
}

func TestIDRoundTrip(t *testing.T) {
	require := require.New(t)
	id := NewID()
	require.Equal(id, IDFromBytes(id[:]))
	require.Len(id.String(), 32)
}

func TestCompare(t *testing.T) {
	require := require.New(t)
	a := ID{0, 1}
	b := ID{0, 2}
	require.Equal(-1, Compare(a, b))
	require.Equal(1, Compare(b, a))
	require.Equal(0, Compare(a, a))
}
