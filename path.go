package mango

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// bypassedPathSegments never go through a CaseStyle transform: CouchDB's own
// metadata fields are wire names, not Go-side property names the resolver
// should be translating.
var bypassedPathSegments = map[string]bool{
	"_id":  true,
	"_rev": true,
}

// pathResolver turns a Go-side Field.Path (dot/bracket segments) into the
// wire-side dotted Mango path. Each Compiler owns exactly one resolver, built
// once from its ClientConfig's CaseStyle, ArrayIndexStyle, and
// PropertyOverrides.
type pathResolver struct {
	caseStyle  CaseStyle
	arrayStyle ArrayIndexStyle
	overrides  map[string]string
}

func newPathResolver(cfg ClientConfig) *pathResolver {
	return &pathResolver{
		caseStyle:  cfg.PropertyCaseStyle,
		arrayStyle: cfg.ArrayIndexStyle,
		overrides:  cfg.PropertyOverrides,
	}
}

// Resolve converts a Go-side path like "Address.City" or "Tags[0].Name" into
// its wire form, e.g. "address.city" or "tags.0.name" (ArrayDot) / "tags[0].name"
// (ArrayBracket), honoring per-segment overrides and the _id/_rev bypass.
func (r *pathResolver) Resolve(path string) (string, error) {
	segments, err := splitPath(path)
	if err != nil {
		return "", fmt.Errorf("mango: invalid property path %q: %w", path, err)
	}

	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg.index != nil {
			idx := strconv.Itoa(*seg.index)
			switch r.arrayStyle {
			case ArrayDot:
				out = append(out, idx)
			default:
				if len(out) == 0 {
					out = append(out, "["+idx+"]")
				} else {
					out[len(out)-1] = out[len(out)-1] + "[" + idx + "]"
				}
			}
			continue
		}
		out = append(out, r.resolveName(seg.name))
	}
	return strings.Join(out, "."), nil
}

func (r *pathResolver) resolveName(name string) string {
	if bypassedPathSegments[name] {
		return name
	}
	if override, ok := r.overrides[name]; ok {
		return override
	}
	return applyCaseStyle(name, r.caseStyle)
}

type pathSegment struct {
	name  string
	index *int
}

// splitPath tokenizes "Foo.Bar[3].Baz" into [{Foo} {Bar} {index:3} {Baz}].
func splitPath(path string) ([]pathSegment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	var segments []pathSegment
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			segments = append(segments, pathSegment{name: cur.String()})
			cur.Reset()
		}
	}
	i := 0
	for i < len(path) {
		c := path[i]
		switch c {
		case '.':
			flush()
			i++
		case '[':
			flush()
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated '[' at offset %d", i)
			}
			idxStr := path[i+1 : i+end]
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return nil, fmt.Errorf("non-numeric array index %q", idxStr)
			}
			segments = append(segments, pathSegment{index: &idx})
			i += end + 1
		default:
			cur.WriteByte(c)
			i++
		}
	}
	flush()
	if len(segments) == 0 {
		return nil, fmt.Errorf("path %q resolved to no segments", path)
	}
	return segments, nil
}

// applyCaseStyle rewrites a single path segment according to style. Segments
// that are already bypassed (e.g. _id) never reach this function.
func applyCaseStyle(name string, style CaseStyle) string {
	switch style {
	case CaseLower:
		return strings.ToLower(name)
	case CaseSnake:
		return toSnakeCase(name)
	case CaseKebab:
		return strings.ReplaceAll(toSnakeCase(name), "_", "-")
	case CaseCamel:
		return toCamelCase(name)
	default: // CaseAsIs
		return name
	}
}

func toSnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimPrefix(b.String(), "_")
}

func toCamelCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}
