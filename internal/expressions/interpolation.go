package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/flowengine/pkg/schema"
)

// Reserved template namespaces. Any other first segment is a node ID.
const (
	NamespaceTrigger = "trigger"
	NamespaceSys     = "sys"
	NamespaceNodes   = "nodes"
)

// Interpolator resolves ${{ ... }} references in node params against a
// run's expression data (see execution.Context.Data).
//
//	${{ trigger.content }}       trigger payload
//	${{ sys.run_id }}            run metadata
//	${{ 9527.user_prompt }}      field saved by node 9527
//	${{ loop.item.name }}        nested access, list indexes as segments
//
// A template that is exactly one reference yields the raw value; anything
// else renders to a string.
type Interpolator struct{}

// NewInterpolator creates an Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Render resolves every reference in s.
func (interp *Interpolator) Render(s string, data map[string]any) (any, error) {
	if !HasInterpolation(s) {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 && strings.Index(trimmed, "}}") == len(trimmed)-2 {
		ref := strings.TrimSpace(trimmed[3 : len(trimmed)-2])
		if ref == "" {
			return nil, schema.NewError(schema.ErrCodeExpression, "empty variable reference: ${{  }}")
		}
		return interp.resolveRef(ref, data)
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}
		result.WriteString(s[i : i+idx])
		start := i + idx + 3

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeExpression, "unclosed ${{ expression")
		}
		end += start

		ref := strings.TrimSpace(s[start:end])
		if strings.Contains(ref, "${{") {
			return nil, schema.NewError(schema.ErrCodeExpression,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if ref == "" {
			return nil, schema.NewError(schema.ErrCodeExpression, "empty variable reference: ${{  }}")
		}

		val, err := interp.resolveRef(ref, data)
		if err != nil {
			return nil, err
		}
		result.WriteString(Stringify(val))
		i = end + 2
	}

	return result.String(), nil
}

// RenderString is Render with the result stringified.
func (interp *Interpolator) RenderString(s string, data map[string]any) (string, error) {
	v, err := interp.Render(s, data)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// RenderValue walks maps and slices and renders every string leaf.
func (interp *Interpolator) RenderValue(v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return interp.Render(val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interp.RenderValue(item, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.RenderValue(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderMap renders each value of m.
func (interp *Interpolator) RenderMap(m map[string]any, data map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	out, err := interp.RenderValue(m, data)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// resolveRef resolves one dotted reference.
func (interp *Interpolator) resolveRef(ref string, data map[string]any) (any, error) {
	head, rest, _ := strings.Cut(ref, ".")

	switch head {
	case NamespaceTrigger, NamespaceSys:
		ns, _ := data[head].(map[string]any)
		if rest == "" {
			return ns, nil
		}
		return traversePath(ns, rest, ref)
	case NamespaceNodes:
		if rest == "" {
			return data[NamespaceNodes], nil
		}
		head, rest, _ = strings.Cut(rest, ".")
	}

	nodes, _ := data[NamespaceNodes].(map[string]any)
	fields, ok := nodes[head]
	if !ok {
		available := mapKeys(nodes)
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"node %q not found in ${{%s}}; available: [%s]", head, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": ref, "available_nodes": available})
	}
	if rest == "" {
		return fields, nil
	}
	return traversePath(fields, rest, ref)
}

// traversePath navigates nested maps and slices along a dot-delimited path.
// A missing field is a VALIDATION_ERROR so the referencing branch aborts.
func traversePath(root any, path, ref string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"empty segment in path %q at position %d", ref, i).
				WithDetails(map[string]any{"expression": ref})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				available := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"field %q not found in %q; available: [%s]", seg, ref, strings.Join(available, ", ")).
					WithDetails(map[string]any{"expression": ref, "available_fields": available})
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"index %q out of range in %q (length %d)", seg, ref, len(v)).
					WithDetails(map[string]any{"expression": ref})
			}
			current = v[idx]
		default:
			normalized := Normalize(current)
			switch normalized.(type) {
			case map[string]any, []any:
				current = normalized
				rest := strings.Join(segments[i:], ".")
				return traversePath(current, rest, ref)
			}
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current).
				WithDetails(map[string]any{"expression": ref})
		}
	}

	return current, nil
}

// Stringify renders a resolved value for embedding in text. Strings are
// embedded as is, scalars in their literal form and collections as JSON.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasInterpolation checks if s contains any ${{...}} references.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

// References returns the node IDs referenced by s, sorted and deduplicated.
// Reserved namespaces are skipped.
func References(s string) []string {
	seen := make(map[string]bool)
	for {
		idx := strings.Index(s, "${{")
		if idx == -1 {
			break
		}
		rest := s[idx+3:]
		closeIdx := strings.Index(rest, "}}")
		if closeIdx == -1 {
			break
		}
		ref := strings.TrimSpace(rest[:closeIdx])
		head, tail, _ := strings.Cut(ref, ".")
		if head == NamespaceNodes {
			head, _, _ = strings.Cut(tail, ".")
		}
		if head != "" && head != NamespaceTrigger && head != NamespaceSys {
			seen[head] = true
		}
		s = rest[closeIdx+2:]
	}
	return mapKeys(toAnyMap(seen))
}

func toAnyMap(m map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

// mapKeys returns the sorted keys of m.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
