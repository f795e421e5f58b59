package template

import "encoding/json"

// marshalFallback stringifies composite values (arrays, objects) using
// encoding/json, falling back to an empty string if it somehow fails (it
// shouldn't, given the input always originated from json.Unmarshal).
func marshalFallback(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
