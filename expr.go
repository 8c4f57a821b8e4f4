package mango

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Expr is a node in the typed predicate tree. Every concrete node
// type is immutable once constructed — combinators like And/Or/Not build new
// nodes rather than mutating their operands, so a tree built once can be
// safely reused and cached by fingerprint across goroutines.
type Expr interface {
	exprNode()
	writeFingerprint(w *fingerprintWriter)
}

// BinaryOp enumerates the comparison operators a Binary can carry; logical
// combination is AndExpr/OrExpr/Not.
type BinaryOp int

const (
	OpEq BinaryOp = iota
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
)

func (op BinaryOp) String() string {
	switch op {
	case OpEq:
		return "eq"
	case OpNe:
		return "ne"
	case OpGt:
		return "gt"
	case OpGte:
		return "gte"
	case OpLt:
		return "lt"
	case OpLte:
		return "lte"
	default:
		return "unknown"
	}
}

// Field references a document property by its Go-side path, e.g. "Address.City"
// or "Tags[0]". Resolution to a wire path is the path resolver's job, not
// this node's.
type Field struct {
	Path string
}

func (Field) exprNode() {}
func (f Field) writeFingerprint(w *fingerprintWriter) {
	w.tag("field")
	w.str(f.Path)
}

// Const wraps a literal comparison value. Value must be a JSON-representable
// type: string, float64, int, bool, nil, or a []interface{}/map for $in/$elemMatch
// operands.
type Const struct {
	Value interface{}
}

func (Const) exprNode() {}
func (c Const) writeFingerprint(w *fingerprintWriter) {
	w.tag("const")
	w.value(c.Value)
}

// Binary combines two operands with a comparison operator.
// eq(field, Const{nil}) is distinct from Exists{Field: field, Want: false} and
// the optimizer must never conflate the two — "equals null" and "field
// missing" are different Mango selectors.
type Binary struct {
	Op          BinaryOp
	Left, Right Expr
}

func (Binary) exprNode() {}
func (b Binary) writeFingerprint(w *fingerprintWriter) {
	w.tag("binary")
	w.str(b.Op.String())
	b.Left.writeFingerprint(w)
	b.Right.writeFingerprint(w)
}

// Not negates its operand.
type Not struct {
	Operand Expr
}

func (Not) exprNode() {}
func (n Not) writeFingerprint(w *fingerprintWriter) {
	w.tag("not")
	n.Operand.writeFingerprint(w)
}

// AndExpr is the n-ary conjunction node, matching $and's array shape directly
// so the Optimizer can flatten nested conjunctions without rebalancing a
// binary tree.
type AndExpr struct {
	Operands []Expr
}

func (AndExpr) exprNode() {}
func (a AndExpr) writeFingerprint(w *fingerprintWriter) {
	w.tag("and")
	w.str(strconv.Itoa(len(a.Operands)))
	for _, o := range sortedByFingerprint(a.Operands) {
		o.writeFingerprint(w)
	}
}

// OrExpr is the n-ary disjunction node, the $or counterpart to AndExpr.
type OrExpr struct {
	Operands []Expr
}

func (OrExpr) exprNode() {}
func (o OrExpr) writeFingerprint(w *fingerprintWriter) {
	w.tag("or")
	w.str(strconv.Itoa(len(o.Operands)))
	for _, operand := range sortedByFingerprint(o.Operands) {
		operand.writeFingerprint(w)
	}
}

// sortedByFingerprint orders commutative operands canonically, so And(a,b)
// and Or(b,a) fingerprint the same as their swapped twins. The operand slice
// itself is never reordered — translation still emits clauses in the order
// the caller wrote them.
func sortedByFingerprint(operands []Expr) []Expr {
	out := make([]Expr, len(operands))
	copy(out, operands)
	sort.SliceStable(out, func(i, j int) bool {
		fi, fj := fingerprintExpr(out[i]), fingerprintExpr(out[j])
		if fi.Hi != fj.Hi {
			return fi.Hi < fj.Hi
		}
		return fi.Lo < fj.Lo
	})
	return out
}

// In tests field membership in a fixed set of values. Negate produces $nin.
type In struct {
	Field  Field
	Values []interface{}
	Negate bool
}

func (In) exprNode() {}
func (in In) writeFingerprint(w *fingerprintWriter) {
	w.tag("in")
	in.Field.writeFingerprint(w)
	w.bool(in.Negate)
	for _, v := range in.Values {
		w.value(v)
	}
}

// Exists tests whether a field is present in the document.
type Exists struct {
	Field Field
	Want  bool
}

func (Exists) exprNode() {}
func (e Exists) writeFingerprint(w *fingerprintWriter) {
	w.tag("exists")
	e.Field.writeFingerprint(w)
	w.bool(e.Want)
}

// TypeIs tests a field's Mango/JSON type ("null", "boolean", "number",
// "string", "array", "object").
type TypeIs struct {
	Field Field
	Type  string
}

func (TypeIs) exprNode() {}
func (t TypeIs) writeFingerprint(w *fingerprintWriter) {
	w.tag("typeis")
	t.Field.writeFingerprint(w)
	w.str(t.Type)
}

// RegexMatch tests a string field against a regular expression pattern.
type RegexMatch struct {
	Field   Field
	Pattern string
}

func (RegexMatch) exprNode() {}
func (r RegexMatch) writeFingerprint(w *fingerprintWriter) {
	w.tag("regex")
	r.Field.writeFingerprint(w)
	w.str(r.Pattern)
}

// ElemMatch tests whether any (or, with All set, every) element of an array
// field satisfies Predicate. All=false emits $elemMatch, All=true emits
// $allMatch, matching CouchDB's documented operator semantics.
type ElemMatch struct {
	Field     Field
	Predicate Expr
	All       bool
}

func (ElemMatch) exprNode() {}
func (e ElemMatch) writeFingerprint(w *fingerprintWriter) {
	w.tag("elemmatch")
	e.Field.writeFingerprint(w)
	w.bool(e.All)
	e.Predicate.writeFingerprint(w)
}

// Eq, Ne, Gt, Gte, Lt, Lte are convenience constructors for the common case of
// comparing a field against a literal.
func Eq(field string, value interface{}) Expr  { return Binary{Op: OpEq, Left: Field{field}, Right: Const{value}} }
func Ne(field string, value interface{}) Expr  { return Binary{Op: OpNe, Left: Field{field}, Right: Const{value}} }
func Gt(field string, value interface{}) Expr  { return Binary{Op: OpGt, Left: Field{field}, Right: Const{value}} }
func Gte(field string, value interface{}) Expr { return Binary{Op: OpGte, Left: Field{field}, Right: Const{value}} }
func Lt(field string, value interface{}) Expr  { return Binary{Op: OpLt, Left: Field{field}, Right: Const{value}} }
func Lte(field string, value interface{}) Expr { return Binary{Op: OpLte, Left: Field{field}, Right: Const{value}} }

// And/Or combine expressions into an n-ary node. A single-operand call
// returns the operand unchanged so callers can build up predicates in a loop
// without special-casing the first iteration; a zero-operand call returns nil.
func And(exprs ...Expr) Expr {
	switch len(exprs) {
	case 0:
		return nil
	case 1:
		return exprs[0]
	default:
		return AndExpr{Operands: exprs}
	}
}

func Or(exprs ...Expr) Expr {
	switch len(exprs) {
	case 0:
		return nil
	case 1:
		return exprs[0]
	default:
		return OrExpr{Operands: exprs}
	}
}

// InValues and NotInValues build In nodes.
func InValues(field string, values ...interface{}) Expr {
	return In{Field: Field{field}, Values: values}
}
func NotInValues(field string, values ...interface{}) Expr {
	return In{Field: Field{field}, Values: values, Negate: true}
}

// ExistsField and MissingField build Exists nodes.
func ExistsField(field string) Expr  { return Exists{Field: Field{field}, Want: true} }
func MissingField(field string) Expr { return Exists{Field: Field{field}, Want: false} }

// ElementEquals builds the predicate for an ElemMatch/AllMatch over an array
// of scalars, e.g. Friends.Any(f => f == "Leia"): the array element is
// compared directly, with no sub-field to key by.
func ElementEquals(value interface{}) Expr { return Binary{Op: OpEq, Left: Field{""}, Right: Const{value}} }

// Fingerprint is the structural identity of a compiled query used as the
// Query Compiler's cache key (4.F). Two pipelines that are structurally
// identical (same ops, same operand values, same order) always produce the
// same Fingerprint; And/Or operand order does not count. The fingerprint is
// taken from the pipeline as built, before optimization, so logically
// equivalent but structurally different predicates (e.g. Not(Not(a)) and a)
// get distinct Fingerprints.
type Fingerprint struct {
	Hi, Lo uint64
}

// fingerprintWriter accumulates a canonical byte walk of an Expr/Pipeline
// tree into two independent xxhash digests, producing a 128-bit fingerprint
// from a single walk instead of hashing twice.
type fingerprintWriter struct {
	a, b *xxhash.Digest
}

// fingerprintSalt is mixed into the second digest only, so the two halves of
// a Fingerprint diverge instead of two deterministic hashes of identical
// input producing the same Sum64 twice.
const fingerprintSalt = "mango-fingerprint-v1"

func newFingerprintWriter() *fingerprintWriter {
	w := &fingerprintWriter{a: xxhash.New(), b: xxhash.New()}
	_, _ = w.b.WriteString(fingerprintSalt)
	return w
}

func (w *fingerprintWriter) tag(s string) { w.str("#" + s) }

func (w *fingerprintWriter) str(s string) {
	_, _ = w.a.WriteString(s)
	_, _ = w.b.WriteString(s)
	_, _ = w.a.Write([]byte{0})
	_, _ = w.b.Write([]byte{0})
}

func (w *fingerprintWriter) bool(b bool) {
	if b {
		w.str("T")
	} else {
		w.str("F")
	}
}

func (w *fingerprintWriter) value(v interface{}) {
	switch x := v.(type) {
	case nil:
		w.str("null")
	case string:
		w.tag("s")
		w.str(x)
	case bool:
		w.tag("b")
		w.bool(x)
	case float64:
		w.tag("n")
		w.str(strconv.FormatFloat(x, 'g', -1, 64))
	case int:
		w.tag("n")
		w.str(strconv.Itoa(x))
	case []interface{}:
		w.tag("arr")
		w.str(strconv.Itoa(len(x)))
		for _, e := range x {
			w.value(e)
		}
	case map[string]interface{}:
		w.tag("obj")
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			w.str(k)
			w.value(x[k])
		}
	default:
		w.tag("?")
		w.str(fmt.Sprintf("%v", x))
	}
}

func (w *fingerprintWriter) finish() Fingerprint {
	return Fingerprint{Hi: w.a.Sum64(), Lo: w.b.Sum64()}
}

func fingerprintExpr(e Expr) Fingerprint {
	w := newFingerprintWriter()
	if e != nil {
		e.writeFingerprint(w)
	}
	return w.finish()
}
