package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is a JSON value that preserves object key-insertion order. The wire
// protocol round-trips a device's dps object verbatim; encoding/json's map
// type does not preserve insertion order, so outbound frames would otherwise
// reorder keys on every hop.
type Value struct {
	raw json.RawMessage
	obj *Object
}

// Object is an ordered sequence of key/value pairs.
type Object struct {
	keys   []string
	values map[string]Value
}

// NewObject returns an empty ordered object.
func NewObject() *Object {
	return &Object{values: make(map[string]Value)}
}

// Set assigns key to v, appending key to the insertion order if new.
func (o *Object) Set(key string, v Value) {
	if _, exists := o.values[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

// SetString is a convenience wrapper around Set for string values.
func (o *Object) SetString(key, s string) {
	o.Set(key, ValueFromString(s))
}

// SetRaw stores any Go value, marshaled through encoding/json, under key.
func (o *Object) SetRaw(key string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte("null")
	}
	o.Set(key, Value{raw: b})
}

// Delete removes key if present.
func (o *Object) Delete(key string) {
	if _, exists := o.values[key]; !exists {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Get returns the value for key and whether it was present.
func (o *Object) Get(key string) (Value, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (o *Object) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Len reports the number of keys.
func (o *Object) Len() int {
	return len(o.keys)
}

// MarshalJSON writes the object with keys in insertion order.
func (o *Object) MarshalJSON() ([]byte, error) {
	if o == nil || len(o.keys) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		v := o.values[k]
		vb, err := v.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses an object while recording key order as it appears on
// the wire.
func (o *Object) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return fmt.Errorf("wire: expected object, got %v", tok)
	}
	*o = Object{values: make(map[string]Value)}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("wire: expected string key, got %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		v := Value{raw: raw}
		if len(raw) > 0 && raw[0] == '{' {
			sub := NewObject()
			if err := sub.UnmarshalJSON(raw); err == nil {
				v.obj = sub
			}
		}
		o.Set(key, v)
	}
	return nil
}

// ValueFromObject wraps an *Object as a Value.
func ValueFromObject(o *Object) Value {
	return Value{obj: o}
}

// ValueFromString wraps a Go string as a Value.
func ValueFromString(s string) Value {
	b, _ := json.Marshal(s)
	return Value{raw: b}
}

// ValueFromRaw wraps any Go value, marshaled through encoding/json.
func ValueFromRaw(v interface{}) Value {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte("null")
	}
	return Value{raw: b}
}

// Null is the JSON null value.
var Null = Value{raw: json.RawMessage("null")}

// IsNull reports whether v is the literal JSON null.
func (v Value) IsNull() bool {
	return len(v.raw) == 4 && string(v.raw) == "null"
}

// Object returns the ordered object view of v, decoding lazily if v was
// parsed from raw bytes.
func (v Value) Object() (*Object, bool) {
	if v.obj != nil {
		return v.obj, true
	}
	if len(v.raw) == 0 || v.raw[0] != '{' {
		return nil, false
	}
	o := NewObject()
	if err := o.UnmarshalJSON(v.raw); err != nil {
		return nil, false
	}
	return o, true
}

// String returns the decoded string value and whether v held a JSON string.
func (v Value) String() (string, bool) {
	if len(v.raw) < 2 || v.raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Bool returns the decoded bool value and whether v held a JSON bool.
func (v Value) Bool() (bool, bool) {
	if string(v.raw) == "true" {
		return true, true
	}
	if string(v.raw) == "false" {
		return false, true
	}
	return false, false
}

// Float64 returns the decoded numeric value and whether v held a JSON number.
func (v Value) Float64() (float64, bool) {
	var f float64
	if err := json.Unmarshal(v.raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

// Raw returns the underlying encoded bytes.
func (v Value) Raw() json.RawMessage {
	if v.obj != nil {
		b, _ := v.obj.MarshalJSON()
		return b
	}
	if v.raw == nil {
		return json.RawMessage("null")
	}
	return v.raw
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.obj != nil {
		return v.obj.MarshalJSON()
	}
	if v.raw == nil {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	cp := make(json.RawMessage, len(data))
	copy(cp, data)
	*v = Value{raw: cp}
	if len(data) > 0 && data[0] == '{' {
		o := NewObject()
		if err := o.UnmarshalJSON(data); err == nil {
			v.obj = o
		}
	}
	return nil
}
