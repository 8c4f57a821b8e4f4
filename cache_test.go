package mango

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(n uint64) Fingerprint { return Fingerprint{Hi: n, Lo: n} }

func TestLRUCache_GetPutBasics(t *testing.T) {
	c := newLRUCache(2)

	_, ok := c.Get(fp(1))
	assert.False(t, ok)

	c.Put(fp(1), MangoQueryDoc{UseIndex: "a"})
	doc, ok := c.Get(fp(1))
	require.True(t, ok)
	assert.Equal(t, "a", doc.UseIndex)
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newLRUCache(2)
	c.Put(fp(1), MangoQueryDoc{UseIndex: "one"})
	c.Put(fp(2), MangoQueryDoc{UseIndex: "two"})

	// touch key 1 so key 2 becomes the LRU entry
	_, _ = c.Get(fp(1))

	c.Put(fp(3), MangoQueryDoc{UseIndex: "three"})

	_, ok := c.Get(fp(2))
	assert.False(t, ok, "key 2 should have been evicted as least recently used")

	_, ok = c.Get(fp(1))
	assert.True(t, ok, "key 1 was touched and should survive eviction")

	_, ok = c.Get(fp(3))
	assert.True(t, ok)

	assert.Equal(t, 2, c.Len())
}

func TestLRUCache_PutOverwritesAndPromotes(t *testing.T) {
	c := newLRUCache(2)
	c.Put(fp(1), MangoQueryDoc{UseIndex: "old"})
	c.Put(fp(1), MangoQueryDoc{UseIndex: "new"})

	doc, ok := c.Get(fp(1))
	require.True(t, ok)
	assert.Equal(t, "new", doc.UseIndex)
	assert.Equal(t, 1, c.Len())
}

func TestLRUCache_HitRate(t *testing.T) {
	c := newLRUCache(4)
	assert.Equal(t, float64(0), c.HitRate())

	c.Put(fp(1), MangoQueryDoc{})
	_, _ = c.Get(fp(1)) // hit
	_, _ = c.Get(fp(2)) // miss

	assert.InDelta(t, 0.5, c.HitRate(), 0.0001)
}

func TestLRUCache_ZeroOrNegativeCapacityFallsBackToDefault(t *testing.T) {
	c := newLRUCache(0)
	assert.Equal(t, 256, c.capacity)

	c = newLRUCache(-5)
	assert.Equal(t, 256, c.capacity)
}
