// Package sanitize guards every value entering a room's shared storage.
// Strings lose their angle-bracket characters recursively through maps and
// slices, and the whole value must stay under the serialized size cap.
package sanitize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wrightlabs/syncroom/internal/v1/types"
)

// bracketStripper removes the two characters that would let a stored value
// smuggle markup into a rendering client.
var bracketStripper = strings.NewReplacer("<", "", ">", "")

// Value walks v, strips '<' and '>' from every string, and enforces the
// serialized size cap on the result. Values are plain trees of primitives,
// maps, and slices; anything cyclic fails the size check while serializing.
//
// The returned value is the canonical JSON decoding of the input, so a
// locally authored int and the same number arriving off the wire are the
// same Go value on every replica. A nil input passes through untouched.
func Value(v any) (any, error) {
	cleaned := strip(v)

	raw, err := json.Marshal(cleaned)
	if err != nil {
		return nil, fmt.Errorf("value is not serializable: %w", err)
	}
	if len(raw) > types.MaxValueBytes {
		return nil, fmt.Errorf("%w: %d bytes", types.ErrValueTooLarge, len(raw))
	}

	var canonical any
	if err := json.Unmarshal(raw, &canonical); err != nil {
		return nil, fmt.Errorf("value is not serializable: %w", err)
	}
	return canonical, nil
}

// strip rebuilds the tree with sanitized strings. Containers are copied so
// the caller's value is never mutated in place.
func strip(v any) any {
	switch val := v.(type) {
	case string:
		return bracketStripper.Replace(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = strip(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = strip(elem)
		}
		return out
	default:
		return v
	}
}
