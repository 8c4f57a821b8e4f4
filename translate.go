package mango

import (
	"fmt"
	"strings"
)

// MangoQueryDoc is the literal wire shape of a CouchDB Mango find request.
// Fields are declared in CouchDB's own documented order and tagged
// omitempty so a minimal query serializes to a minimal document — no
// "limit":0 or "sort":null noise — and encoding/json's alphabetical map-key
// ordering gives the Selector field a deterministic byte layout on top.
type MangoQueryDoc struct {
	Selector    map[string]interface{} `json:"selector"`
	Fields      []string               `json:"fields,omitempty"`
	Sort        []interface{}          `json:"sort,omitempty"`
	Limit       *int                   `json:"limit,omitempty"`
	Skip        *int                   `json:"skip,omitempty"`
	Bookmark    string                 `json:"bookmark,omitempty"`
	UseIndex    string                 `json:"use_index,omitempty"`
	ReadQuorum  *int                   `json:"r,omitempty"`
	UpdateIndex interface{}            `json:"update,omitempty"`
	Stable      *bool                  `json:"stable,omitempty"`
}

// Translate optimizes the pipeline's predicate and compiles the pipeline into
// its wire document.
// Callers normally go through Compiler.Compile, which adds fingerprint
// caching on top of this function.
func Translate(p Pipeline, resolver *pathResolver) (MangoQueryDoc, error) {
	doc := MangoQueryDoc{}

	pred := Optimize(p.predicate())
	// A predicate folded down to the literal `true` matches everything, the
	// same as no predicate at all.
	if c, ok := pred.(Const); ok {
		if b, ok := c.Value.(bool); ok && b {
			pred = nil
		}
	}
	selector, err := buildSelector(pred, resolver)
	if err != nil {
		return MangoQueryDoc{}, unsupportedQueryError("Translate", err.Error())
	}
	doc.Selector = selector

	tiers := p.sortChain()
	if err := ValidateSortChain(tiers); err != nil {
		return MangoQueryDoc{}, unsupportedQueryError("Translate", err.Error())
	}
	for _, t := range tiers {
		wirePath, err := resolver.Resolve(t.Field)
		if err != nil {
			return MangoQueryDoc{}, fmt.Errorf("mango: translate sort field: %w", err)
		}
		// Sort entries are bare field-name strings for ascending tiers and
		// {field: "desc"} objects for descending ones, never a uniform shape.
		if t.Dir == Descending {
			doc.Sort = append(doc.Sort, map[string]string{wirePath: t.Dir.String()})
		} else {
			doc.Sort = append(doc.Sort, wirePath)
		}
	}

	for _, s := range p.stages {
		switch s.kind {
		case stageSelect:
			if err := ValidateSelect(s.fields); err != nil {
				return MangoQueryDoc{}, unsupportedQueryError("Translate", err.Error())
			}
			fields := make([]string, 0, len(s.fields))
			for _, f := range s.fields {
				wirePath, err := resolver.Resolve(f)
				if err != nil {
					return MangoQueryDoc{}, fmt.Errorf("mango: translate select field: %w", err)
				}
				fields = append(fields, wirePath)
			}
			doc.Fields = fields
		case stageSkip:
			// skip: 0 is the server default; omit it rather than send noise.
			if s.n > 0 {
				n := s.n
				doc.Skip = &n
			}
		case stageTake:
			n := s.n
			doc.Limit = &n
		case stageUseBookmark:
			doc.Bookmark = s.s
		case stageUseIndex:
			doc.UseIndex = s.s
		case stageReadQuorum:
			n := s.n
			doc.ReadQuorum = &n
		case stageUpdateIndex:
			doc.UpdateIndex = s.s
		case stageFromStable:
			b := s.b
			doc.Stable = &b
		}
	}

	return doc, nil
}

// buildSelector walks an optimized Expr tree into Mango's nested-object
// selector form. A nil predicate yields an empty selector, CouchDB's
// match-everything convention.
func buildSelector(e Expr, resolver *pathResolver) (map[string]interface{}, error) {
	if e == nil {
		return map[string]interface{}{}, nil
	}

	switch x := e.(type) {
	case Binary:
		field, ok := x.Left.(Field)
		if !ok {
			return nil, fmt.Errorf("binary selector left operand must be a field, got %T", x.Left)
		}
		constVal, ok := x.Right.(Const)
		if !ok {
			return nil, fmt.Errorf("binary selector right operand must be a constant, got %T", x.Right)
		}
		// An empty Field path is the "element itself" sentinel used inside an
		// ElemMatch/AllMatch predicate over an array of scalars (e.g.
		// Friends.Any(f => f == "Leia")): there is no sub-field to key by, so
		// the operator applies directly to the array element's value.
		if field.Path == "" {
			return map[string]interface{}{binaryOperator(x.Op): constVal.Value}, nil
		}
		wirePath, err := resolver.Resolve(field.Path)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			wirePath: map[string]interface{}{binaryOperator(x.Op): constVal.Value},
		}, nil

	case Not:
		inner, err := buildSelector(x.Operand, resolver)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"$not": inner}, nil

	case AndExpr:
		clauses, err := buildSelectorList(x.Operands, resolver)
		if err != nil {
			return nil, err
		}
		if merged, ok := mergeDistinctFieldClauses(clauses); ok {
			return merged, nil
		}
		return map[string]interface{}{"$and": clauses}, nil

	case OrExpr:
		clauses, err := buildSelectorList(x.Operands, resolver)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"$or": clauses}, nil

	case In:
		wirePath, err := resolver.Resolve(x.Field.Path)
		if err != nil {
			return nil, err
		}
		op := "$in"
		if x.Negate {
			op = "$nin"
		}
		values := make([]interface{}, len(x.Values))
		copy(values, x.Values)
		return map[string]interface{}{wirePath: map[string]interface{}{op: values}}, nil

	case Exists:
		wirePath, err := resolver.Resolve(x.Field.Path)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{wirePath: map[string]interface{}{"$exists": x.Want}}, nil

	case TypeIs:
		wirePath, err := resolver.Resolve(x.Field.Path)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{wirePath: map[string]interface{}{"$type": x.Type}}, nil

	case RegexMatch:
		wirePath, err := resolver.Resolve(x.Field.Path)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{wirePath: map[string]interface{}{"$regex": x.Pattern}}, nil

	case ElemMatch:
		wirePath, err := resolver.Resolve(x.Field.Path)
		if err != nil {
			return nil, err
		}
		inner, err := buildSelector(x.Predicate, resolver)
		if err != nil {
			return nil, err
		}
		// All=false is $elemMatch (any element matches), All=true is
		// $allMatch (every element matches).
		operator := "$elemMatch"
		if x.All {
			operator = "$allMatch"
		}
		return map[string]interface{}{wirePath: map[string]interface{}{operator: inner}}, nil

	default:
		return nil, fmt.Errorf("unsupported expression node %T in selector position", e)
	}
}

// mergeDistinctFieldClauses collapses a conjunction whose clauses each key
// exactly one distinct field into a single selector object, the compact form
// CouchDB reads as an implicit $and. Clauses keyed by an operator ($or, $not)
// or repeating a field stay under an explicit $and — merging those would
// silently drop a predicate.
func mergeDistinctFieldClauses(clauses []interface{}) (map[string]interface{}, bool) {
	merged := make(map[string]interface{}, len(clauses))
	for _, c := range clauses {
		m, ok := c.(map[string]interface{})
		if !ok || len(m) != 1 {
			return nil, false
		}
		for k, v := range m {
			if strings.HasPrefix(k, "$") {
				return nil, false
			}
			if _, dup := merged[k]; dup {
				return nil, false
			}
			merged[k] = v
		}
	}
	return merged, true
}

func buildSelectorList(exprs []Expr, resolver *pathResolver) ([]interface{}, error) {
	out := make([]interface{}, len(exprs))
	for i, e := range exprs {
		sel, err := buildSelector(e, resolver)
		if err != nil {
			return nil, err
		}
		out[i] = sel
	}
	return out, nil
}

func binaryOperator(op BinaryOp) string {
	switch op {
	case OpEq:
		return "$eq"
	case OpNe:
		return "$ne"
	case OpGt:
		return "$gt"
	case OpGte:
		return "$gte"
	case OpLt:
		return "$lt"
	case OpLte:
		return "$lte"
	default:
		return "$eq"
	}
}
