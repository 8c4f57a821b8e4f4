package mango

import "strconv"

// SortDir is the direction of a single OrderBy/ThenBy tier.
type SortDir int

const (
	Ascending SortDir = iota
	Descending
)

func (d SortDir) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// sortTier is one OrderBy/ThenBy entry in a pipeline's sort chain.
type sortTier struct {
	Field string
	Dir   SortDir
}

// stageKind discriminates the immutable op nodes a Pipeline accumulates.
type stageKind int

const (
	stageWhere stageKind = iota
	stageSort
	stageSkip
	stageTake
	stageSelect
	stageUseBookmark
	stageUseIndex
	stageReadQuorum
	stageUpdateIndex
	stageFromStable
)

// stage is one link of the pipeline's op chain. Only the fields relevant to
// Kind are populated.
type stage struct {
	kind    stageKind
	expr    Expr
	sort    sortTier
	n       int
	fields  []string
	s       string
	b       bool
}

// Pipeline is the immutable, ordered chain of query operations:
// Where narrows the selector, OrderBy/ThenBy build the sort chain,
// Skip/Take page the result set, Select projects fields, and the
// UseBookmark/UseIndex/WithReadQuorum/UpdateIndex/FromStable stages carry
// Mango's execution hints through to the translator untouched. Every method
// returns a new Pipeline; the receiver is never mutated, so a Pipeline value
// can be shared and extended from multiple call sites safely.
type Pipeline struct {
	stages []stage
}

// NewPipeline returns the empty pipeline: no selector, no sort, no paging.
func NewPipeline() Pipeline {
	return Pipeline{}
}

func (p Pipeline) extend(s stage) Pipeline {
	next := make([]stage, len(p.stages)+1)
	copy(next, p.stages)
	next[len(p.stages)] = s
	return Pipeline{stages: next}
}

// Where adds a predicate. Multiple Where calls on the same pipeline combine
// conjunctively.
func (p Pipeline) Where(e Expr) Pipeline {
	return p.extend(stage{kind: stageWhere, expr: e})
}

// OrderBy adds an ascending tier on field. It is recorded exactly like
// ThenBy: a later OrderBy appends a tier rather than restarting the chain.
func (p Pipeline) OrderBy(field string) Pipeline {
	return p.extend(stage{kind: stageSort, sort: sortTier{Field: field, Dir: Ascending}})
}

// OrderByDesc starts the sort chain descending on field.
func (p Pipeline) OrderByDesc(field string) Pipeline {
	return p.extend(stage{kind: stageSort, sort: sortTier{Field: field, Dir: Descending}})
}

// ThenBy appends an ascending tier to the sort chain.
func (p Pipeline) ThenBy(field string) Pipeline {
	return p.extend(stage{kind: stageSort, sort: sortTier{Field: field, Dir: Ascending}})
}

// ThenByDesc appends a descending tier to the sort chain.
func (p Pipeline) ThenByDesc(field string) Pipeline {
	return p.extend(stage{kind: stageSort, sort: sortTier{Field: field, Dir: Descending}})
}

// Skip sets the number of matching rows to skip, emitted as Mango's "skip".
func (p Pipeline) Skip(n int) Pipeline {
	return p.extend(stage{kind: stageSkip, n: n})
}

// Take sets the maximum number of rows to return, emitted as Mango's "limit".
func (p Pipeline) Take(n int) Pipeline {
	return p.extend(stage{kind: stageTake, n: n})
}

// Select projects the given fields, populating Mango's "fields" array. Every
// entry must resolve to a Field leaf; the Optimizer rejects anything else.
func (p Pipeline) Select(fields ...string) Pipeline {
	cp := make([]string, len(fields))
	copy(cp, fields)
	return p.extend(stage{kind: stageSelect, fields: cp})
}

// UseBookmark carries a previous response's bookmark into the next request,
// used for stable pagination over text indexes.
func (p Pipeline) UseBookmark(bookmark string) Pipeline {
	return p.extend(stage{kind: stageUseBookmark, s: bookmark})
}

// UseIndex pins execution to a specific design document / index name.
func (p Pipeline) UseIndex(name string) Pipeline {
	return p.extend(stage{kind: stageUseIndex, s: name})
}

// WithReadQuorum sets the number of replicas that must agree before a row is
// returned.
func (p Pipeline) WithReadQuorum(n int) Pipeline {
	return p.extend(stage{kind: stageReadQuorum, n: n})
}

// UpdateIndex controls whether a stale index is updated before the query
// runs: "true" (default), "false", or "lazy".
func (p Pipeline) UpdateIndex(mode string) Pipeline {
	return p.extend(stage{kind: stageUpdateIndex, s: mode})
}

// FromStable allows (stable=true) or forbids reading from a possibly-stale
// index shard.
func (p Pipeline) FromStable(stable bool) Pipeline {
	return p.extend(stage{kind: stageFromStable, b: stable})
}

// predicate folds every Where stage into a single conjunctive Expr, or nil if
// the pipeline has no Where stages.
func (p Pipeline) predicate() Expr {
	var preds []Expr
	for _, s := range p.stages {
		if s.kind == stageWhere && s.expr != nil {
			preds = append(preds, s.expr)
		}
	}
	if len(preds) == 0 {
		return nil
	}
	return And(preds...)
}

// sortChain collects the ordered OrderBy/ThenBy tiers.
func (p Pipeline) sortChain() []sortTier {
	var tiers []sortTier
	for _, s := range p.stages {
		if s.kind == stageSort {
			tiers = append(tiers, s.sort)
		}
	}
	return tiers
}

// Fingerprint computes the structural identity of the whole pipeline —
// predicate, sort chain, paging, projection, and execution hints — used as
// the Query Compiler's cache key.
func (p Pipeline) Fingerprint() Fingerprint {
	w := newFingerprintWriter()
	for _, s := range p.stages {
		w.str("#stage")
		w.str(strconv.Itoa(int(s.kind)))
		switch s.kind {
		case stageWhere:
			if s.expr != nil {
				s.expr.writeFingerprint(w)
			}
		case stageSort:
			w.str(s.sort.Field)
			w.str(s.sort.Dir.String())
		case stageSkip, stageTake, stageReadQuorum:
			w.str(strconv.Itoa(s.n))
		case stageSelect:
			for _, f := range s.fields {
				w.str(f)
			}
		case stageUseBookmark, stageUseIndex, stageUpdateIndex:
			w.str(s.s)
		case stageFromStable:
			w.bool(s.b)
		}
	}
	return w.finish()
}
