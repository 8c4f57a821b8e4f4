package mango

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompiler_CompileCachesByFingerprint(t *testing.T) {
	c := NewCompiler(ClientConfig{PropertyCaseStyle: CaseLower, QueryCacheSize: 8})
	p := NewPipeline().Where(Eq("Name", "Luke")).OrderBy("Age")

	doc1, err := c.Compile(p)
	require.NoError(t, err)
	assert.Equal(t, 0.0, c.CacheHitRate())

	doc2, err := c.Compile(p)
	require.NoError(t, err)
	assert.Equal(t, doc1, doc2)
	assert.Greater(t, c.CacheHitRate(), 0.0)
	assert.Equal(t, 1, c.CacheLen())
}

func TestCompiler_DistinctPipelinesDoNotShareEntries(t *testing.T) {
	c := NewCompiler(ClientConfig{})
	_, err := c.Compile(NewPipeline().Where(Eq("Name", "Luke")))
	require.NoError(t, err)
	_, err = c.Compile(NewPipeline().Where(Eq("Name", "Leia")))
	require.NoError(t, err)
	assert.Equal(t, 2, c.CacheLen())
}

func TestCompiler_TranslationFailureIsNotCached(t *testing.T) {
	c := NewCompiler(ClientConfig{})
	bad := NewPipeline().OrderByDesc("Age").ThenBy("Name")

	_, err := c.Compile(bad)
	require.Error(t, err)
	assert.Equal(t, 0, c.CacheLen())

	_, err = c.Compile(bad)
	require.Error(t, err, "a second attempt at the same bad pipeline must still fail, not return a stale cached success")
}

func TestCompiler_DefaultCacheSize(t *testing.T) {
	c := NewCompiler(ClientConfig{})
	assert.Equal(t, 256, c.cache.capacity)
}
