package codec

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Value is a structured payload. It is a closed sum type: the only
// implementations are Null, Bool, Number, String, List and Map.
type Value interface {
	isValue()
	json.Marshaler
}

// Null is the absent value.
type Null struct{}

// Bool is a boolean scalar.
type Bool bool

// Number is a numeric scalar stored as its literal text, so long integer
// ids survive without float rounding.
type Number string

// String is a text scalar.
type String string

// List is an ordered sequence of values.
type List []Value

// Map is an ordered keyed mapping. Keys keep their input order.
type Map []Entry

// Entry is one key/value pair of a Map.
type Entry struct {
	Key   string
	Value Value
}

func (Null) isValue()   {}
func (Bool) isValue()   {}
func (Number) isValue() {}
func (String) isValue() {}
func (List) isValue()   {}
func (Map) isValue()    {}

// Int returns a Number for an integer.
func Int(n int64) Number {
	return Number(strconv.FormatInt(n, 10))
}

// Float returns a Number for a float, using the shortest exact representation.
func Float(f float64) Number {
	return Number(strconv.FormatFloat(f, 'f', -1, 64))
}

// Get returns the value stored under key. When the key occurs more than once
// the last occurrence wins.
func (m Map) Get(key string) (Value, bool) {
	for i := len(m) - 1; i >= 0; i-- {
		if m[i].Key == key {
			return m[i].Value, true
		}
	}
	return nil, false
}

// Text returns the wire text of a scalar value. Composite values and Null
// report false.
func Text(v Value) (string, bool) {
	switch t := v.(type) {
	case Bool:
		return strconv.FormatBool(bool(t)), true
	case Number:
		return string(t), true
	case String:
		return string(t), true
	default:
		return "", false
	}
}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// MarshalJSON implements json.Marshaler.
func (b Bool) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(b))
}

// MarshalJSON implements json.Marshaler.
func (n Number) MarshalJSON() ([]byte, error) {
	if !json.Valid([]byte(n)) {
		// Not a JSON number literal; emit it as a string instead of breaking the document.
		return json.Marshal(string(n))
	}
	return []byte(n), nil
}

// MarshalJSON implements json.Marshaler.
func (s String) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// MarshalJSON implements json.Marshaler.
func (l List) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Value(l))
}

// MarshalJSON implements json.Marshaler. Key order is preserved.
func (m Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		val := e.Value
		if val == nil {
			val = Null{}
		}
		data, err := val.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
