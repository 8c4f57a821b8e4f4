package mango

import (
	"fmt"
	"reflect"
)

// Optimize rewrites e to a normalized, logically-equivalent tree: De Morgan's
// laws push Not inward, double negations cancel, and nested And/Or nodes
// flatten into a single n-ary node each. Rewriting runs to a fixed point —
// repeated passes until a pass produces no further change — since a single
// pass over e.g. Not(And(Not(And(a,b)), c)) can expose a new rewrite
// opportunity one level up.
//
// Optimize never touches the distinction between "field equals null" and
// "field is missing": Binary{OpEq, field, Const{nil}} and Exists{field,
// false} are different selectors on the wire and stay different nodes here.
func Optimize(e Expr) Expr {
	if e == nil {
		return nil
	}
	for {
		next := optimizePass(e)
		if sameShape(next, e) {
			return next
		}
		e = next
	}
}

func optimizePass(e Expr) Expr {
	switch x := e.(type) {
	case Not:
		inner := optimizePass(x.Operand)
		switch in := inner.(type) {
		case Not:
			// double negation: Not(Not(a)) -> a
			return in.Operand
		case AndExpr:
			// De Morgan: Not(And(a,b,...)) -> Or(Not a, Not b, ...)
			negated := make([]Expr, len(in.Operands))
			for i, o := range in.Operands {
				negated[i] = optimizePass(Not{Operand: o})
			}
			return flattenOr(negated)
		case OrExpr:
			// De Morgan: Not(Or(a,b,...)) -> And(Not a, Not b, ...)
			negated := make([]Expr, len(in.Operands))
			for i, o := range in.Operands {
				negated[i] = optimizePass(Not{Operand: o})
			}
			return flattenAnd(negated)
		case Binary:
			// Not(eq) -> ne and friends: every comparison has a complement,
			// so a Not never wraps a bare comparison in the normal form.
			return Binary{Op: complementOp(in.Op), Left: in.Left, Right: in.Right}
		case In:
			return In{Field: in.Field, Values: in.Values, Negate: !in.Negate}
		case Exists:
			return Exists{Field: in.Field, Want: !in.Want}
		case Const:
			if b, ok := in.Value.(bool); ok {
				return Const{Value: !b}
			}
			return Not{Operand: inner}
		default:
			return Not{Operand: inner}
		}
	case AndExpr:
		operands := make([]Expr, len(x.Operands))
		for i, o := range x.Operands {
			operands[i] = optimizePass(o)
		}
		operands, short := pruneBoolLiterals(operands, true)
		if short != nil {
			return short
		}
		if len(operands) == 0 {
			return Const{Value: true}
		}
		flat := flattenAnd(operands)
		return dedupTautology(flat, true)
	case OrExpr:
		operands := make([]Expr, len(x.Operands))
		for i, o := range x.Operands {
			operands[i] = optimizePass(o)
		}
		operands, short := pruneBoolLiterals(operands, false)
		if short != nil {
			return short
		}
		if len(operands) == 0 {
			return Const{Value: false}
		}
		flat := flattenOr(operands)
		return dedupTautology(flat, false)
	case ElemMatch:
		return ElemMatch{Field: x.Field, All: x.All, Predicate: optimizePass(x.Predicate)}
	case Binary:
		left := optimizePass(x.Left)
		right := optimizePass(x.Right)
		if lc, lok := left.(Const); lok {
			if rc, rok := right.(Const); rok {
				if v, ok := foldComparison(x.Op, lc.Value, rc.Value); ok {
					return Const{Value: v}
				}
			}
		}
		return Binary{Op: x.Op, Left: left, Right: right}
	case In, Exists, TypeIs, RegexMatch, Field, Const:
		return x
	default:
		return e
	}
}

// complementOp returns the comparison whose truth table is the negation of
// op's.
func complementOp(op BinaryOp) BinaryOp {
	switch op {
	case OpEq:
		return OpNe
	case OpNe:
		return OpEq
	case OpGt:
		return OpLte
	case OpGte:
		return OpLt
	case OpLt:
		return OpGte
	default:
		return OpGt
	}
}

// foldComparison evaluates a comparison whose operands are both literals.
// Equality folds for any JSON value; ordering folds only when both sides
// are numbers or both are strings — mixed-type ordering is left on the wire
// for the server to judge.
func foldComparison(op BinaryOp, a, b interface{}) (bool, bool) {
	switch op {
	case OpEq:
		return reflect.DeepEqual(a, b), true
	case OpNe:
		return !reflect.DeepEqual(a, b), true
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch op {
			case OpGt:
				return af > bf, true
			case OpGte:
				return af >= bf, true
			case OpLt:
				return af < bf, true
			case OpLte:
				return af <= bf, true
			}
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			switch op {
			case OpGt:
				return as > bs, true
			case OpGte:
				return as >= bs, true
			case OpLt:
				return as < bs, true
			case OpLte:
				return as <= bs, true
			}
		}
	}
	return false, false
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

// pruneBoolLiterals drops the identity literal from a combinator's operands
// (true in a conjunction, false in a disjunction). When the absorbing
// literal appears instead, the whole node collapses to it and the second
// return carries the replacement.
func pruneBoolLiterals(operands []Expr, isAnd bool) ([]Expr, Expr) {
	var kept []Expr
	for _, o := range operands {
		c, ok := o.(Const)
		if !ok {
			kept = append(kept, o)
			continue
		}
		b, ok := c.Value.(bool)
		if !ok {
			kept = append(kept, o)
			continue
		}
		if b == isAnd {
			continue
		}
		return nil, Const{Value: b}
	}
	return kept, nil
}

// flattenAnd merges any nested AndExpr operands into a single operand list,
// so AndExpr{AndExpr{a,b}, c} becomes AndExpr{a,b,c}.
func flattenAnd(operands []Expr) Expr {
	var flat []Expr
	for _, o := range operands {
		if inner, ok := o.(AndExpr); ok {
			flat = append(flat, inner.Operands...)
		} else {
			flat = append(flat, o)
		}
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return AndExpr{Operands: flat}
}

func flattenOr(operands []Expr) Expr {
	var flat []Expr
	for _, o := range operands {
		if inner, ok := o.(OrExpr); ok {
			flat = append(flat, inner.Operands...)
		} else {
			flat = append(flat, o)
		}
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return OrExpr{Operands: flat}
}

// dedupTautology drops exact duplicate operands (by fingerprint) from an
// And/Or node. It does not attempt general tautology detection (e.g.
// recognizing gt(x,5) as implying gte(x,5)) — only structural duplicates,
// which are the common case left behind by query-builder code composing the
// same sub-predicate from two code paths.
func dedupTautology(e Expr, isAnd bool) Expr {
	var operands []Expr
	switch x := e.(type) {
	case AndExpr:
		operands = x.Operands
	case OrExpr:
		operands = x.Operands
	default:
		return e
	}

	seen := make(map[Fingerprint]bool, len(operands))
	var kept []Expr
	for _, o := range operands {
		fp := fingerprintExpr(o)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		kept = append(kept, o)
	}
	if len(kept) == 1 {
		return kept[0]
	}
	if isAnd {
		return AndExpr{Operands: kept}
	}
	return OrExpr{Operands: kept}
}

func sameShape(a, b Expr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fingerprintExpr(a) == fingerprintExpr(b)
}

// ValidateSortChain requires every tier in a single OrderBy/ThenBy chain to
// share one direction. CouchDB's own Mango executor cannot mix ascending and
// descending tiers in one sort array, so a mixed chain is rejected here
// rather than silently truncated or reordered.
func ValidateSortChain(tiers []sortTier) error {
	if len(tiers) < 2 {
		return nil
	}
	want := tiers[0].Dir
	for _, t := range tiers[1:] {
		if t.Dir != want {
			return fmt.Errorf("mixed sort directions in one chain: tier %q is %s, chain started %s", t.Field, t.Dir, want)
		}
	}
	return nil
}

// ValidateSelect enforces that every projected field in a Select stage names
// a plain property path, not an expression. Since Pipeline.Select already
// only accepts strings, this mainly guards against empty/malformed paths
// slipping through a programmatic builder.
func ValidateSelect(fields []string) error {
	for _, f := range fields {
		if f == "" {
			return fmt.Errorf("select: empty field path")
		}
		if _, err := splitPath(f); err != nil {
			return fmt.Errorf("select: %w", err)
		}
	}
	return nil
}
