package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMamReferenceOrdering(t *testing.T) {
	require := require.New(t)

	require.True(NewMamReference(2000).GreaterThan(NewMamReference(1000)))
	require.False(NewMamReference(1000).GreaterThan(NewMamReference(2000)))
	require.False(NewMamReference(1000).GreaterThan(NewMamReference(1000)))

	// At the same instant a cursor is strictly more precise than a bare
	// timestamp.
	require.True(NewMamCursor(1000, "c").GreaterThan(NewMamReference(1000)))
	require.False(NewMamReference(1000).GreaterThan(NewMamCursor(1000, "c")))
	require.False(NewMamCursor(1000, "a").GreaterThan(NewMamCursor(1000, "b")))
}

func TestMamReferenceMax(t *testing.T) {
	require := require.New(t)

	a := NewMamReference(1000)
	b := NewMamCursor(1000, "c")
	require.Equal(b, MaxMamReference(a, b))
	require.Equal(b, MaxMamReference(b, a))
	require.Equal(a, MaxMamReference(a, MamReference{}))
}

func TestMamReferenceZero(t *testing.T) {
	require := require.New(t)

	require.True(MamReference{}.Zero())
	require.False(NewMamReference(1).Zero())
	require.False(NewMamCursor(0, "c").Zero())
	require.True(NewMamCursor(1, "c").TimeOnly().HasCursor() == false)
}
