package resultstore

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Combine joins a closed manifest's parts into one logical JSON value
// according to strategy. arrayPath, when non-empty, is a dotted path into
// each part used only by StrategyConcat to locate the array to splice
// together (e.g. a paginated HTTP tool returning {"items":[...]} per page).
func Combine(parts [][]byte, strategy Strategy, arrayPath string) (json.RawMessage, error) {
	switch strategy {
	case StrategyReplace:
		if len(parts) == 0 {
			return json.RawMessage("null"), nil
		}
		return json.RawMessage(parts[len(parts)-1]), nil

	case StrategyMerge:
		merged := make(map[string]any)
		for _, p := range parts {
			var obj map[string]any
			if err := json.Unmarshal(p, &obj); err != nil {
				return nil, fmt.Errorf("resultstore: merge part: %w", err)
			}
			for k, v := range obj {
				merged[k] = v
			}
		}
		return json.Marshal(merged)

	case StrategyConcat:
		var out []any
		for _, p := range parts {
			arr, err := extractArray(p, arrayPath)
			if err != nil {
				return nil, err
			}
			out = append(out, arr...)
		}
		return json.Marshal(out)

	case StrategyAppend, "":
		var out []json.RawMessage
		for _, p := range parts {
			out = append(out, json.RawMessage(p))
		}
		return json.Marshal(out)

	default:
		return nil, fmt.Errorf("resultstore: unknown combination strategy %q", strategy)
	}
}

// extractArray walks a dotted path (e.g. "data.items") into a JSON document
// and returns the array found there as []any. An empty path expects the
// document itself to be a JSON array.
func extractArray(payload []byte, path string) ([]any, error) {
	if path == "" {
		var arr []any
		if err := json.Unmarshal(payload, &arr); err != nil {
			return nil, fmt.Errorf("resultstore: concat part is not an array: %w", err)
		}
		return arr, nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("resultstore: concat part: %w", err)
	}
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("resultstore: concat path %q: not an object at %q", path, seg)
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, fmt.Errorf("resultstore: concat path %q: missing key %q", path, seg)
		}
	}
	arr, ok := cur.([]any)
	if !ok {
		return nil, fmt.Errorf("resultstore: concat path %q: not an array", path)
	}
	return arr, nil
}
