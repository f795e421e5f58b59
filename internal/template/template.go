// Package template implements the `{{ path }}` substitution grammar used in
// node parameter strings, plus a small boolean expression grammar reused by
// condition nodes (see expr.go).
package template

import (
	"fmt"
	"strconv"
	"strings"
)

// Context is the tree substitutions are resolved against: a nested map of
// strings, float64/int, bool, nil, []any, and map[string]any — the shape
// produced by decoding arbitrary JSON.
type Context map[string]any

// Render replaces every `{{ path }}` segment in s with its resolved value.
// Missing keys resolve to empty string; this never returns an error, matching
// the "missing key is not an error" invariant.
func Render(s string, ctx Context) string {
	var b strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "{{")
		if start < 0 {
			b.WriteString(s[i:])
			break
		}
		start += i
		b.WriteString(s[i:start])

		end := strings.Index(s[start:], "}}")
		if end < 0 {
			// Unterminated `{{`: emit the rest verbatim.
			b.WriteString(s[start:])
			break
		}
		end += start

		path := strings.TrimSpace(s[start+2 : end])
		b.WriteString(Stringify(Lookup(ctx, path)))
		i = end + 2
	}
	return b.String()
}

// Lookup resolves a dotted/indexed path (`a.b[0].c`) against ctx. Any
// resolution failure — missing key, out-of-range index, wrong shape —
// returns nil rather than an error.
func Lookup(ctx Context, path string) any {
	segs, err := splitPath(path)
	if err != nil {
		return nil
	}

	var cur any = map[string]any(ctx)
	for _, seg := range segs {
		switch s := cur.(type) {
		case map[string]any:
			cur = s[seg.key]
		case Context:
			cur = map[string]any(s)[seg.key]
		default:
			return nil
		}
		for _, idx := range seg.indices {
			arr, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil
			}
			cur = arr[idx]
		}
	}
	return cur
}

type pathSeg struct {
	key     string
	indices []int
}

// splitPath parses `a.b[0][1].c` into segments, each an optional field name
// followed by zero or more bracketed integer indices.
func splitPath(path string) ([]pathSeg, error) {
	var segs []pathSeg
	for _, field := range strings.Split(path, ".") {
		field = strings.TrimSpace(field)
		if field == "" {
			return nil, fmt.Errorf("empty path segment")
		}

		key := field
		var indices []int
		if br := strings.IndexByte(field, '['); br >= 0 {
			key = field[:br]
			rest := field[br:]
			for len(rest) > 0 {
				if rest[0] != '[' {
					return nil, fmt.Errorf("malformed index in %q", field)
				}
				close := strings.IndexByte(rest, ']')
				if close < 0 {
					return nil, fmt.Errorf("unterminated index in %q", field)
				}
				n, err := strconv.Atoi(strings.TrimSpace(rest[1:close]))
				if err != nil {
					return nil, fmt.Errorf("non-integer index in %q: %w", field, err)
				}
				indices = append(indices, n)
				rest = rest[close+1:]
			}
		}
		segs = append(segs, pathSeg{key: key, indices: indices})
	}
	return segs, nil
}

// Stringify converts a resolved value to its substitution text using stable
// JSON-ish rules: minimal numeric representation, true/false for booleans,
// empty string for nil, and json.Marshal for composite values.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return marshalFallback(v)
	}
}
