package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingBufferKeepsNewest(t *testing.T) {
	r := NewRingBuffer[int](3)
	require.Empty(t, r.Snapshot())

	r.Push(1)
	r.Push(2)
	require.Equal(t, []int{1, 2}, r.Snapshot())
	require.Equal(t, 2, r.Len())

	r.Push(3)
	r.Push(4)
	r.Push(5)
	require.Equal(t, []int{3, 4, 5}, r.Snapshot())
	require.Equal(t, []int{4, 5}, r.Last(2))
	require.Equal(t, []int{3, 4, 5}, r.Last(10))
	require.Nil(t, r.Last(0))
	require.Equal(t, 3, r.Len())
}

func TestRingBufferMinimumSize(t *testing.T) {
	r := NewRingBuffer[string](0)
	r.Push("a")
	r.Push("b")
	require.Equal(t, []string{"b"}, r.Snapshot())
}

func TestResolvePath(t *testing.T) {
	require.Equal(t, "/etc/careline/token", ResolvePath("/srv", "/etc/careline/token"))
	require.Equal(t, "/srv/data/cache.db", ResolvePath("/srv", "data/cache.db"))
}

func TestRedact(t *testing.T) {
	require.Equal(t, "****", Redact("abcd"))
	require.Equal(t, "eyJhbG…", Redact("eyJhbGciOiJIUzI1NiJ9"))
}
