package ledger

import (
	"bytes"
	"encoding/json"
)

func decodeObject(raw []byte, out *map[string]any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}
