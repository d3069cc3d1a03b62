package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// placeholderRe matches {{name}} and {{name.path.0}} references.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_-]*(?:\.[A-Za-z0-9_-]+)*)\s*\}\}`)

// Resolve substitutes variable references in template. Missing paths resolve
// to Undefined, which renders as an empty string.
func Resolve(template string, vars map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		return marshalInline(Lookup(sub[1], vars))
	})
}

// MissingPaths returns the references in template that do not resolve, in
// order of appearance and without duplicates.
func MissingPaths(template string, vars map[string]any) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, sub := range placeholderRe.FindAllStringSubmatch(template, -1) {
		path := sub[1]
		if seen[path] {
			continue
		}
		seen[path] = true
		if IsUndefined(Lookup(path, vars)) {
			missing = append(missing, path)
		}
	}
	return missing
}

// RenderValue interpolates every string inside v, walking maps and slices.
// A string that is exactly one reference yields the referenced value with
// its type preserved; an unresolved one yields nil.
func RenderValue(v any, vars map[string]any) any {
	switch val := v.(type) {
	case string:
		if m := placeholderRe.FindStringSubmatch(val); m != nil && strings.TrimSpace(val) == m[0] {
			ref := Lookup(m[1], vars)
			if IsUndefined(ref) {
				return nil
			}
			return ref
		}
		return Resolve(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = RenderValue(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = RenderValue(item, vars)
		}
		return out
	default:
		return v
	}
}

// marshalInline converts a resolved value to its text form for embedding.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil, undefined:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
