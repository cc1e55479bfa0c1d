package signing

import (
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes v as canonical JSON for signing: an object with
// its "signatures" and "unsigned" fields stripped, keys sorted, no
// insignificant whitespace.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("signing: canonical form requires a JSON object: %w", err)
	}
	delete(obj, "signatures")
	delete(obj, "unsigned")
	// encoding/json writes map keys in sorted order, which together with
	// compact output yields the canonical form.
	return json.Marshal(obj)
}
