// Package candy models the typed metadata values carried by bounties:
// challenge parameters, bounty metadata entries and claim annotations.
// The engine treats values as opaque except for equality and map lookup.
package candy

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is a recursive variant: exactly one field is set.
// The JSON form mirrors the variant tag: {"Text":"..."}, {"Nat":5}, etc.
type Value struct {
	Text      *string `json:"Text,omitempty"`
	Nat       *uint64 `json:"Nat,omitempty"`
	Int       *int64  `json:"Int,omitempty"`
	Principal *string `json:"Principal,omitempty"`
	Blob      []byte  `json:"Blob,omitempty"`
	Map       []Entry `json:"Map,omitempty"`
	Array     []Value `json:"Array,omitempty"`
}

// Entry is one key/value pair of an ordered, key-unique Map.
type Entry struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

func TextValue(s string) Value      { return Value{Text: &s} }
func NatValue(n uint64) Value       { return Value{Nat: &n} }
func IntValue(n int64) Value        { return Value{Int: &n} }
func PrincipalValue(p string) Value { return Value{Principal: &p} }
func BlobValue(b []byte) Value      { return Value{Blob: b} }
func MapValue(entries ...Entry) Value {
	if entries == nil {
		entries = []Entry{}
	}
	return Value{Map: entries}
}
func ArrayValue(vals ...Value) Value {
	if vals == nil {
		vals = []Value{}
	}
	return Value{Array: vals}
}

// IsZero reports whether no variant arm is set.
func (v Value) IsZero() bool {
	return v.Text == nil && v.Nat == nil && v.Int == nil && v.Principal == nil &&
		v.Blob == nil && v.Map == nil && v.Array == nil
}

// Kind returns the variant tag name, or "" for the zero value.
func (v Value) Kind() string {
	switch {
	case v.Text != nil:
		return "Text"
	case v.Nat != nil:
		return "Nat"
	case v.Int != nil:
		return "Int"
	case v.Principal != nil:
		return "Principal"
	case v.Blob != nil:
		return "Blob"
	case v.Map != nil:
		return "Map"
	case v.Array != nil:
		return "Array"
	}
	return ""
}

// Equal reports deep equality. Map entries compare in order; two maps with the
// same pairs in different order are not equal.
func (v Value) Equal(o Value) bool {
	if v.Kind() != o.Kind() {
		return false
	}
	switch v.Kind() {
	case "Text":
		return *v.Text == *o.Text
	case "Nat":
		return *v.Nat == *o.Nat
	case "Int":
		return *v.Int == *o.Int
	case "Principal":
		return *v.Principal == *o.Principal
	case "Blob":
		return bytes.Equal(v.Blob, o.Blob)
	case "Map":
		if len(v.Map) != len(o.Map) {
			return false
		}
		for i := range v.Map {
			if v.Map[i].Key != o.Map[i].Key || !v.Map[i].Value.Equal(o.Map[i].Value) {
				return false
			}
		}
		return true
	case "Array":
		if len(v.Array) != len(o.Array) {
			return false
		}
		for i := range v.Array {
			if !v.Array[i].Equal(o.Array[i]) {
				return false
			}
		}
		return true
	}
	return true
}

// Get looks up a key in a Map value. The second result is false when the value
// is not a Map or the key is absent.
func (v Value) Get(key string) (Value, bool) {
	for _, e := range v.Map {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Set returns a copy of the Map value with key set, replacing an existing
// entry in place or appending a new one. Key uniqueness is preserved.
func (v Value) Set(key string, val Value) Value {
	entries := make([]Entry, len(v.Map))
	copy(entries, v.Map)
	for i := range entries {
		if entries[i].Key == key {
			entries[i].Value = val
			return Value{Map: entries}
		}
	}
	return Value{Map: append(entries, Entry{Key: key, Value: val})}
}

// TextOf returns the Text arm of the value at key, if both exist.
func (v Value) TextOf(key string) (string, bool) {
	e, ok := v.Get(key)
	if !ok || e.Text == nil {
		return "", false
	}
	return *e.Text, true
}

// NatOf returns the Nat arm of the value at key, if both exist.
func (v Value) NatOf(key string) (uint64, bool) {
	e, ok := v.Get(key)
	if !ok || e.Nat == nil {
		return 0, false
	}
	return *e.Nat, true
}

// PrincipalOf returns the Principal arm of the value at key, if both exist.
func (v Value) PrincipalOf(key string) (string, bool) {
	e, ok := v.Get(key)
	if !ok || e.Principal == nil {
		return "", false
	}
	return *e.Principal, true
}

// MarshalJSON emits the single set arm by name. Struct-tag marshaling with
// omitempty would drop an empty Map, Array or Blob arm and break the
// round trip: {"Map":[]} must not come back as the zero value.
func (v Value) MarshalJSON() ([]byte, error) {
	kind := v.Kind()
	var arm any
	switch kind {
	case "Text":
		arm = v.Text
	case "Nat":
		arm = v.Nat
	case "Int":
		arm = v.Int
	case "Principal":
		arm = v.Principal
	case "Blob":
		arm = v.Blob
	case "Map":
		arm = v.Map
	case "Array":
		arm = v.Array
	default:
		return []byte("{}"), nil
	}
	b, err := json.Marshal(arm)
	if err != nil {
		return nil, err
	}
	return []byte(`{"` + kind + `":` + string(b) + `}`), nil
}

// Encode renders the value as compact JSON. The encoding is deterministic:
// map order is preserved and keys are never reordered, so it doubles as the
// canonical form hashed by the audit ledger.
func (v Value) Encode() (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode candy value: %w", err)
	}
	return string(b), nil
}

// Decode parses a value previously produced by Encode.
func Decode(data string) (Value, error) {
	var v Value
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return Value{}, fmt.Errorf("decode candy value: %w", err)
	}
	return v, nil
}
