package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intCmp(a, b interface{}) int { return a.(int) - b.(int) }

func TestAddSortedOrder(t *testing.T) {
	c := New(intCmp)
	for _, v := range []int{5, 1, 3, 2, 4} {
		c.Add(v)
	}
	require.Equal(t, 5, c.Count())
	assert.Equal(t, []interface{}{1, 2, 3, 4, 5}, c.Slice())
}

func TestAddMonotonicFastPath(t *testing.T) {
	c := New(intCmp)
	for i := 0; i < 100; i++ {
		c.Add(i)
	}
	assert.Equal(t, 100, c.Count())
	for i, v := range c.Slice() {
		assert.Equal(t, i, v)
	}
}

func TestFindAndCursor(t *testing.T) {
	c := New(intCmp)
	for _, v := range []int{10, 20, 30} {
		c.Add(v)
	}
	got, ok := c.Find(20)
	require.True(t, ok)
	assert.Equal(t, 20, got)
	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, 20, cur)

	_, ok = c.Find(99)
	assert.False(t, ok)
	_, ok = c.Current()
	assert.False(t, ok)
}

func TestNextPrev(t *testing.T) {
	c := New(intCmp)
	for _, v := range []int{1, 2, 3} {
		c.Add(v)
	}
	first, ok := c.First()
	require.True(t, ok)
	assert.Equal(t, 1, first)

	n, ok := c.Next()
	require.True(t, ok)
	assert.Equal(t, 2, n)

	n, ok = c.Next()
	require.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = c.Next()
	assert.False(t, ok)

	p, ok := c.Prev()
	require.True(t, ok)
	assert.Equal(t, 3, p)
}

func TestRemoveShiftsCursor(t *testing.T) {
	c := New(intCmp)
	for _, v := range []int{1, 2, 3, 4} {
		c.Add(v)
	}
	_, _ = c.Find(3)
	removed := c.Remove(2)
	require.True(t, removed)
	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, 3, cur)
	assert.Equal(t, []interface{}{1, 3, 4}, c.Slice())
}

func TestRemoveMissing(t *testing.T) {
	c := New(intCmp)
	c.Add(1)
	assert.False(t, c.Remove(42))
}

func TestDuplicateIsIndependent(t *testing.T) {
	c := New(intCmp)
	c.Add(1)
	c.Add(2)
	dup := c.Duplicate()
	dup.Add(3)
	assert.Equal(t, 2, c.Count())
	assert.Equal(t, 3, dup.Count())
}

func TestClear(t *testing.T) {
	c := New(intCmp)
	c.Add(1)
	c.Add(2)
	c.Clear()
	assert.Equal(t, 0, c.Count())
	_, ok := c.First()
	assert.False(t, ok)
}

// TestGrowthPolicy mirrors spec.md §8's documented example: inserting 2049
// elements yields capacity 2048+1024=3072 after the eighth reallocation
// (16, 32, 64, 128, 256, 512, 1024, 2048, 3072).
func TestGrowthPolicy(t *testing.T) {
	c := New(intCmp)
	for i := 0; i < 2049; i++ {
		c.Add(i)
	}
	assert.Equal(t, 2049, c.Count())
	assert.Equal(t, 3072, cap(c.items))
}

func TestNilComparatorAppendsOnly(t *testing.T) {
	c := New(nil)
	c.Add(3)
	c.Add(1)
	c.Add(2)
	assert.Equal(t, []interface{}{3, 1, 2}, c.Slice())

	got, ok := c.Find(1)
	require.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestEach(t *testing.T) {
	c := New(intCmp)
	for _, v := range []int{3, 1, 2} {
		c.Add(v)
	}
	var out []int
	c.Each(func(e interface{}) { out = append(out, e.(int)) })
	assert.Equal(t, []int{1, 2, 3}, out)
}
