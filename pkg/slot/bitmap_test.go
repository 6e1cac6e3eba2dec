package slot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmapSetIsSetClear(t *testing.T) {
	b := NewBitmap(10)
	require.False(t, b.IsSet(3))
	b.Set(3)
	require.True(t, b.IsSet(3))
	b.Clear(3)
	require.False(t, b.IsSet(3))
}

func TestBitmapGrowsOnSetPastInitialSize(t *testing.T) {
	b := NewBitmap(4)
	b.Set(200)
	require.True(t, b.IsSet(200))
	require.Equal(t, 201, b.Len())
}

func TestBitmapOutOfRangeReadsAsUnset(t *testing.T) {
	b := NewBitmap(4)
	require.False(t, b.IsSet(-1))
	require.False(t, b.IsSet(100))
}

func TestBitmapPopCountAcrossWords(t *testing.T) {
	b := NewBitmap(130)
	b.Set(0)
	b.Set(63)
	b.Set(64)
	b.Set(129)
	require.Equal(t, 4, b.PopCount())
}

func TestBitmapSuperset(t *testing.T) {
	a := NewBitmap(8)
	b := NewBitmap(8)
	a.Set(1)
	a.Set(2)
	b.Set(1)
	require.True(t, a.Superset(b))
	require.False(t, b.Superset(a))
}

func TestBitmapForEachSetVisitsInOrder(t *testing.T) {
	b := NewBitmap(70)
	b.Set(65)
	b.Set(1)
	b.Set(64)

	var got []int
	b.ForEachSet(func(i int) { got = append(got, i) })
	require.Equal(t, []int{1, 64, 65}, got)
}

func TestBitmapFirstUnset(t *testing.T) {
	b := NewBitmap(4)
	b.Set(0)
	b.Set(1)
	idx, ok := b.FirstUnset(4)
	require.True(t, ok)
	require.Equal(t, 2, idx)

	b.Set(2)
	b.Set(3)
	_, ok = b.FirstUnset(4)
	require.False(t, ok)
}

func TestBitmapReset(t *testing.T) {
	b := NewBitmap(8)
	b.Set(1)
	b.Set(5)
	b.Reset()
	require.Equal(t, 0, b.PopCount())
}
