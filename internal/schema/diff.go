package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

// Diff returns only the fields whose values differ between prev and next.
// Comparison is structural: two lists with the same elements are equal.
func Diff(prev, next domain.State) domain.Delta {
	delta := domain.Delta{}
	for _, f := range fields {
		a, b := f.value(&prev), f.value(&next)
		if !cmp.Equal(a, b, cmpopts.EquateEmpty()) {
			delta[f.key] = b
		}
	}
	return delta
}

// DecodeRaw parses stored JSON values into plain Go values. Entries that fail
// to parse are skipped, which the engine then treats as missing.
func DecodeRaw(raw map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			continue
		}
		out[k] = decoded
	}
	return out
}

// EncodeFields marshals the named fields of s for persistence.
func EncodeFields(s domain.State, keys []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		v, ok := Value(s, k)
		if !ok {
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		out[k] = data
	}
	return out, nil
}

// JSONEqual compares two JSON documents structurally, ignoring formatting.
func JSONEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return cmp.Equal(va, vb, cmpopts.EquateEmpty())
}
