package idgen

import (
	"testing"

	require "github.com/stretchr/testify/require"
)

func TestNextRequestIDIsWithinRangeAndUnique(t *testing.T) {
	g := New()
	seen := make(map[int]struct{})
	for i := 0; i < 500; i++ {
		id := g.NextRequestID()
		require.GreaterOrEqual(t, id, minRequestID)
		require.LessOrEqual(t, id, maxRequestID)
		_, dup := seen[id]
		require.False(t, dup, "request id %d issued twice while still outstanding", id)
		seen[id] = struct{}{}
	}
}

func TestReleaseAllowsReuse(t *testing.T) {
	g := New()
	id := g.NextRequestID()
	g.Release(id)
	_, stillTaken := g.ids[id]
	require.False(t, stillTaken)
}

func TestNextRandomVaries(t *testing.T) {
	g := New()
	a := g.NextRandom()
	b := g.NextRandom()
	require.NotEqual(t, a, b, "two consecutive random draws collided, vanishingly unlikely")
}
