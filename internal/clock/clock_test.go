package clock

import "testing"

import "github.com/stretchr/testify/require"

func TestLamportTickMonotonic(t *testing.T) {
	l := NewLamport()
	a := l.Tick()
	b := l.Tick()
	require.Equal(t, uint64(1), a)
	require.Equal(t, uint64(2), b)
}

func TestLamportUpdateTakesMax(t *testing.T) {
	l := NewLamport()
	l.Tick() // 1
	got := l.Update(10)
	require.Equal(t, uint64(11), got)
}

func TestVersionVectorCompare(t *testing.T) {
	a := VersionVector{"A": 2, "B": 1}
	b := VersionVector{"A": 2, "B": 1}
	require.Equal(t, Identical, Compare(a, b))

	c := VersionVector{"A": 3, "B": 1}
	require.Equal(t, Before, Compare(a, c))
	require.Equal(t, After, Compare(c, a))

	d := VersionVector{"A": 1, "B": 5}
	require.Equal(t, Concurrent, Compare(a, d))
}

func TestVersionVectorMergeAndObserves(t *testing.T) {
	a := VersionVector{"A": 2}
	b := VersionVector{"A": 1, "B": 3}
	m := Merge(a, b)
	require.Equal(t, uint64(2), m["A"])
	require.Equal(t, uint64(3), m["B"])

	require.True(t, m.Observes("A", 2))
	require.False(t, m.Observes("B", 4))
}
