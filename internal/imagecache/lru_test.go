package imagecache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	var evicted []string
	c := NewLRU(3, func(key string, _ int) { evicted = append(evicted, key) })

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Set("d", 4)

	assert.Equal(t, []string{"a"}, evicted)
	assert.Equal(t, 3, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestLRU_GetProtectsFromEviction(t *testing.T) {
	t.Parallel()

	var evicted []string
	c := NewLRU(3, func(key string, _ int) { evicted = append(evicted, key) })

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Set("d", 4)
	assert.Equal(t, []string{"b"}, evicted)
	assert.True(t, c.Contains("a"))
}

func TestLRU_ReplaceDoesNotEvict(t *testing.T) {
	t.Parallel()

	evictions := 0
	c := NewLRU(2, func(string, int) { evictions++ })

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)

	assert.Zero(t, evictions)
	v, _ := c.Get("a")
	assert.Equal(t, 10, v)
}

func TestLRU_ContainsDoesNotTouchRecency(t *testing.T) {
	t.Parallel()

	var evicted []string
	c := NewLRU(2, func(key string, _ int) { evicted = append(evicted, key) })

	c.Set("a", 1)
	c.Set("b", 2)
	assert.True(t, c.Contains("a"))
	c.Set("c", 3)

	assert.Equal(t, []string{"a"}, evicted)
}

func TestLRU_ClearCallsCallbackOldestFirst(t *testing.T) {
	t.Parallel()

	var evicted []string
	c := NewLRU(5, func(key string, _ int) { evicted = append(evicted, key) })
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	c.Clear()
	assert.Equal(t, []string{"a", "b", "c"}, evicted)
	assert.Zero(t, c.Len())
}

func TestLRU_RemoveSkipsCallback(t *testing.T) {
	t.Parallel()

	called := false
	c := NewLRU(2, func(string, int) { called = true })
	c.Set("a", 1)

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	assert.False(t, called)
}

func TestLRU_PanickingCallbackIsContained(t *testing.T) {
	t.Parallel()

	c := NewLRU(1, func(string, int) { panic("diagnostics bug") })
	c.Set("a", 1)

	assert.NotPanics(t, func() { c.Set("b", 2) })
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Contains("b"))
}

func TestLRU_MinimumCapacity(t *testing.T) {
	t.Parallel()

	c := NewLRU[int](0, nil)
	c.Set("a", 1)
	c.Set("b", 2)
	assert.Equal(t, 1, c.Cap())
	assert.Equal(t, 1, c.Len())
}
