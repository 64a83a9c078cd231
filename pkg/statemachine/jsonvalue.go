package statemachine

import (
	"bytes"
	"encoding/json"
)

// toJSONValue round-trips v through encoding/json so schema validation sees
// the same shapes a decoded request body would have.
func toJSONValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return out
}
