package memory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIsMemoryAvailable(t *testing.T) {
	s := newTestStore(t)
	require.True(t, s.IsMemoryAvailable())
}

func TestSearchMemory_ScoresByTokenOverlap(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Record("s1", "booked a table at an italian restaurant"))
	require.NoError(t, s.Record("s2", "checked tomorrow's weather forecast"))
	require.NoError(t, s.Record("s3", "reserved a table for four people"))

	hits, err := s.SearchMemory("s9", "reserve a restaurant table", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		require.NotContains(t, h.Memory, "weather", "zero-overlap memories are excluded")
		require.Greater(t, h.Score, 0.0)
	}
}

func TestSearchMemory_SameSessionBoost(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Record("mine", "ordered a large pepperoni pizza"))
	require.NoError(t, s.Record("other", "ordered a large pepperoni pizza"))

	hits, err := s.SearchMemory("mine", "pepperoni pizza order", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Greater(t, hits[0].Score, hits[1].Score, "own-session memory ranks first")
}

func TestSearchMemory_LimitApplied(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Record("s1", "visited the pricing page again"))
	}

	hits, err := s.SearchMemory("s1", "pricing page", 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
}

func TestSearchMemory_EmptyQueryMatchesNothing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Record("s1", "something happened"))

	hits, err := s.SearchMemory("s1", "", 5)
	require.NoError(t, err)
	require.Empty(t, hits)
}
