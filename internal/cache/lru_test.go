package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/paperdex/resource"
)

func TestLRU_Eviction(t *testing.T) {
	c := NewLRU(10, nil)

	c.Set(Key{Path: "a"}, []byte("12345"))
	c.Set(Key{Path: "b"}, []byte("12345"))

	_, ok := c.Get(Key{Path: "a"}) // a becomes most recent
	require.True(t, ok)

	c.Set(Key{Path: "c"}, []byte("123"))

	_, ok = c.Get(Key{Path: "b"})
	assert.False(t, ok, "b should be evicted")
	_, ok = c.Get(Key{Path: "a"})
	assert.True(t, ok)
	assert.Equal(t, int64(8), c.Size())

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}

func TestLRU_OversizedIgnored(t *testing.T) {
	c := NewLRU(4, nil)
	c.Set(Key{Path: "big"}, []byte("12345"))
	assert.Equal(t, 0, c.Len())
}

func TestLRU_Invalidate(t *testing.T) {
	c := NewLRU(100, nil)
	c.Set(Key{Path: "x", Offset: 0}, []byte("a"))
	c.Set(Key{Path: "x", Offset: 1}, []byte("b"))
	c.Set(Key{Path: "y", Offset: 0}, []byte("c"))

	c.Invalidate(func(k Key) bool { return k.Path == "x" })
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(1), c.Size())
}

func TestLRU_ResourceController(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 6})
	c := NewLRU(100, rc)

	c.Set(Key{Path: "a"}, []byte("1234"))
	c.Set(Key{Path: "b"}, []byte("1234")) // denied by controller
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(4), rc.MemoryUsage())

	c.Invalidate(func(Key) bool { return true })
	assert.Equal(t, int64(0), rc.MemoryUsage())
}
