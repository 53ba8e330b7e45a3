// Package codec provides the canonical encoding used for CRC checks,
// merge comparisons, and snapshot hashing (spec §9 "Dynamic typing of
// payloads"). Payloads are JSON-shaped in user space, but every place
// that needs a deterministic byte form — WAL CRC32, replay-state
// equality (P3), field-merge comparison — goes through this package
// instead of relying on map iteration order or language-level dynamic
// dispatch.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Payload is a JSON object: field name to arbitrary JSON value.
type Payload map[string]interface{}

// Canonical returns the canonical byte encoding of v: object keys
// sorted recursively, no insignificant whitespace. Two values that are
// deep-equal as JSON always produce identical canonical bytes,
// regardless of map iteration order or original key ordering.
func Canonical(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// MustCanonical is Canonical, panicking on error. Used only where v is
// known-good (already unmarshaled JSON).
func MustCanonical(v interface{}) []byte {
	b, err := Canonical(v)
	if err != nil {
		panic(fmt.Sprintf("codec: canonical encode: %v", err))
	}
	return b
}

// Equal reports whether a and b encode to the same canonical bytes.
func Equal(a, b interface{}) bool {
	ab, errA := Canonical(a)
	bb, errB := Canonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// normalize walks v (the result of json.Unmarshal into interface{}, or
// a Go value about to be marshaled) and returns a value whose map keys
// will serialize in sorted order. encoding/json already sorts
// map[string]interface{} keys on Marshal, so normalize's only real job
// is to recurse into slices/maps uniformly regardless of input shape
// (map[string]interface{} vs Payload vs a concrete struct).
func normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case Payload:
		return normalizeMap(t)
	case map[string]interface{}:
		return normalizeMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		// Round-trip anything else (structs, primitives) through JSON so
		// struct field ordering never leaks into the canonical form.
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}
		if m, ok := generic.(map[string]interface{}); ok {
			return normalizeMap(m)
		}
		return generic, nil
	}
}

func normalizeMap(m map[string]interface{}) (map[string]interface{}, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]interface{}, len(m))
	for _, k := range keys {
		n, err := normalize(m[k])
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

// DecodePayload parses a JSON object into a Payload, validating that
// the top-level value is indeed an object (spec §3: "payload: JSON
// object").
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("codec: payload must be a JSON object: %w", err)
	}
	return p, nil
}

// Clone deep-copies a Payload via its canonical round trip, so callers
// can hold a mutation-safe snapshot of record state.
func Clone(p Payload) Payload {
	raw := MustCanonical(p)
	var out Payload
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("codec: clone: %v", err))
	}
	return out
}
