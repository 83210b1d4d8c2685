package models

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Payload is the opaque record body handled by the sync engine. Records are
// schema-agnostic: the engine never interprets fields beyond comparing them
// for divergence.
type Payload map[string]interface{}

// Clone returns a deep copy of the payload. Nested values are copied via a
// JSON round trip since payloads are JSON-shaped by contract.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		// Payloads always originate from JSON; a marshal failure here means
		// a caller handed us a non-serializable value.
		out := make(Payload, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	}
	var out Payload
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Equal reports whether two payloads hold the same fields and values.
func (p Payload) Equal(other Payload) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || !reflect.DeepEqual(normalize(v), normalize(ov)) {
			return false
		}
	}
	return true
}

// ValueEqual reports whether two field values are equal after numeric
// normalization, so payloads built in code compare equal to payloads decoded
// from JSON.
func ValueEqual(a, b interface{}) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// ChangedFields returns the set of field names on which next differs from
// base, including fields added or removed.
func ChangedFields(base, next Payload) map[string]struct{} {
	changed := make(map[string]struct{})
	for k, v := range next {
		bv, ok := base[k]
		if !ok || !reflect.DeepEqual(normalize(v), normalize(bv)) {
			changed[k] = struct{}{}
		}
	}
	for k := range base {
		if _, ok := next[k]; !ok {
			changed[k] = struct{}{}
		}
	}
	return changed
}

// normalize maps numeric values to float64 so that payloads built in code
// (int fields) compare equal to payloads decoded from JSON (float64 fields).
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return v
		}
		return f
	default:
		return v
	}
}

// MarshalPayload serializes a payload for storage. Nil payloads serialize to
// an empty JSON object.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload deserializes a stored payload. Empty input yields nil.
func UnmarshalPayload(data []byte) (Payload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return p, nil
}
