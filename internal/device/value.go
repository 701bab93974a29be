package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the concrete type carried by a Value.
type Kind string

const (
	KindBool   Kind = "bool"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindString Kind = "string"
)

// Value is a closed variant holding exactly one setting value.
// The zero Value is invalid; construct values with Bool, Int, Float or Str.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
}

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Int returns an integer Value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float returns a float Value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// Str returns a string Value.
func Str(v string) Value { return Value{kind: KindString, s: v} }

// Kind returns the variant kind. The zero Value reports an empty Kind.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v is the zero (unset) Value.
func (v Value) IsZero() bool { return v.kind == "" }

// AsBool returns the boolean payload, with ok=false for non-bool values.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the integer payload. Float values with a zero fractional
// part convert losslessly; ok is false otherwise.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		if v.f == math.Trunc(v.f) {
			return int64(v.f), true
		}
	}
	return 0, false
}

// AsFloat returns the numeric payload as float64 for int and float values.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// AsString returns the string payload, with ok=false for non-string values.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// IsNumeric reports whether v carries an int or float.
func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindFloat }

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool { return v == o }

// String renders the payload for logs and audit records.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	}
	return "<unset>"
}

// valueEnvelope is the typed wire/storage form of a Value.
type valueEnvelope struct {
	Type  Kind            `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as a typed envelope, e.g.
// {"type":"int","value":5}, so int and float round-trip unambiguously.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.kind {
	case KindBool:
		payload = v.b
	case KindInt:
		payload = v.i
	case KindFloat:
		payload = v.f
	case KindString:
		payload = v.s
	default:
		return nil, fmt.Errorf("cannot marshal unset value")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueEnvelope{Type: v.kind, Value: raw})
}

// UnmarshalJSON accepts either the typed envelope or a bare JSON scalar.
// Bare numbers with a zero fractional part decode as ints.
func (v *Value) UnmarshalJSON(data []byte) error {
	var env valueEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Type != "" {
		return v.decodeEnvelope(env)
	}
	return v.decodeScalar(data)
}

func (v *Value) decodeEnvelope(env valueEnvelope) error {
	switch env.Type {
	case KindBool:
		var b bool
		if err := json.Unmarshal(env.Value, &b); err != nil {
			return fmt.Errorf("invalid bool value: %w", err)
		}
		*v = Bool(b)
	case KindInt:
		var i int64
		if err := json.Unmarshal(env.Value, &i); err != nil {
			return fmt.Errorf("invalid int value: %w", err)
		}
		*v = Int(i)
	case KindFloat:
		var f float64
		if err := json.Unmarshal(env.Value, &f); err != nil {
			return fmt.Errorf("invalid float value: %w", err)
		}
		*v = Float(f)
	case KindString:
		var s string
		if err := json.Unmarshal(env.Value, &s); err != nil {
			return fmt.Errorf("invalid string value: %w", err)
		}
		*v = Str(s)
	default:
		return fmt.Errorf("unknown value type: %s", env.Type)
	}
	return nil
}

func (v *Value) decodeScalar(data []byte) error {
	var scalar any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&scalar); err != nil {
		return fmt.Errorf("invalid setting value: %w", err)
	}
	switch t := scalar.(type) {
	case bool:
		*v = Bool(t)
	case string:
		*v = Str(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			*v = Int(i)
			return nil
		}
		f, err := t.Float64()
		if err != nil {
			return fmt.Errorf("invalid numeric value %q", t.String())
		}
		*v = Float(f)
	default:
		return fmt.Errorf("unsupported setting value type %T", scalar)
	}
	return nil
}
