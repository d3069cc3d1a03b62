package expressions

import (
	"strconv"
	"strings"
)

type undefined struct{}

func (undefined) String() string { return "" }

// MarshalJSON renders the sentinel as null when it leaks into a trace.
func (undefined) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// Undefined is the value of a variable path that does not resolve. It is
// distinct from nil: a variable explicitly set to null is defined.
var Undefined any = undefined{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// Lookup resolves a dotted path such as "order.items.0.sku" against vars.
// Map segments are keys, slice segments are decimal indexes.
func Lookup(path string, vars map[string]any) any {
	path = strings.TrimSpace(path)
	if path == "" {
		return Undefined
	}
	return lookupSegments(strings.Split(path, "."), vars)
}

func lookupSegments(segments []string, vars map[string]any) any {
	var cur any = vars
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return Undefined
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return Undefined
			}
			cur = node[idx]
		default:
			return Undefined
		}
	}
	return cur
}
