package mango

import "fmt"

// Compiler turns Pipelines into cached MangoQueryDocs. It owns one
// pathResolver (built from the owning Client's ClientConfig) and one
// lruCache keyed by Pipeline.Fingerprint, so two pipelines built from
// unrelated call sites that happen to describe the same query share one
// cache entry and one Translate call.
type Compiler struct {
	resolver *pathResolver
	cache    *lruCache
}

// NewCompiler builds a Compiler for the given config. cacheSize falls back
// to ClientConfig's own default (256) when unset.
func NewCompiler(cfg ClientConfig) *Compiler {
	return &Compiler{
		resolver: newPathResolver(cfg),
		cache:    newLRUCache(cfg.cacheSize()),
	}
}

// Compile returns the MangoQueryDoc for p, translating and caching it on a
// miss. A translation failure (unsupported query shape, bad property path)
// is never cached — retrying the identical pipeline after fixing the config
// should not be shadowed by a stale failure.
func (c *Compiler) Compile(p Pipeline) (MangoQueryDoc, error) {
	fp := p.Fingerprint()
	if doc, ok := c.cache.Get(fp); ok {
		Logger.Debug("mango: compile cache hit")
		return doc, nil
	}
	Logger.Debug("mango: compile cache miss")

	doc, err := Translate(p, c.resolver)
	if err != nil {
		return MangoQueryDoc{}, fmt.Errorf("mango: compile: %w", err)
	}

	c.cache.Put(fp, doc)
	return doc, nil
}

// CacheHitRate reports the fraction of Compile calls since construction that
// were satisfied from cache, for observability.
func (c *Compiler) CacheHitRate() float64 {
	return c.cache.HitRate()
}

// CacheLen reports the number of distinct compiled queries currently cached.
func (c *Compiler) CacheLen() int {
	return c.cache.Len()
}
