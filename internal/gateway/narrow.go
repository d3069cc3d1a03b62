package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Narrow selects path from an integration result using gjson syntax. An
// empty path returns the result unchanged. found is false when the path does
// not exist.
func Narrow(result any, path string) (value any, found bool, err error) {
	if path == "" {
		return result, true, nil
	}
	var raw []byte
	switch r := result.(type) {
	case []byte:
		raw = r
	case string:
		if !gjson.Valid(r) {
			return nil, false, fmt.Errorf("result is not JSON, cannot apply path %q", path)
		}
		raw = []byte(r)
	default:
		raw, err = json.Marshal(result)
		if err != nil {
			return nil, false, fmt.Errorf("encode result for path %q: %w", path, err)
		}
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, false, nil
	}
	return res.Value(), true, nil
}
