package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Field is one decoded key with its optional value.
type Field struct {
	Key string
	// Value is nil when the element carried no '='.
	Value *string
}

// Message is a decoded inbound message.
type Message struct {
	// Size is twice the total character length of the raw elements,
	// counted in Unicode code points. A character outside the Basic
	// Multilingual Plane counts once, so Size is 2 smaller per such
	// character than a count of UTF-16 code units.
	Size int

	// Fields holds one entry per distinct key in first-seen order; a repeated
	// key overwrites the earlier value in place.
	Fields []Field
}

// Get returns the value for key. ok is false if the key is absent; a present
// key without a value returns ("", true) with isNull true.
func (m Message) Get(key string) (value string, isNull bool, ok bool) {
	for _, f := range m.Fields {
		if f.Key == key {
			if f.Value == nil {
				return "", true, true
			}
			return *f.Value, false, true
		}
	}
	return "", false, false
}

// Value returns the message as a Map of String and Null values.
func (m Message) Value() Map {
	out := make(Map, 0, len(m.Fields))
	for _, f := range m.Fields {
		if f.Value == nil {
			out = append(out, Entry{Key: f.Key, Value: Null{}})
			continue
		}
		out = append(out, Entry{Key: f.Key, Value: String(*f.Value)})
	}
	return out
}

// MarshalJSON encodes the message as its key/value object.
func (m Message) MarshalJSON() ([]byte, error) {
	return m.Value().MarshalJSON()
}

// Decode interprets raw inbound elements. Strings are used verbatim; bool and
// numeric scalars are stringified. Any other element aborts the decode with
// ErrDecode.
func Decode(elements []any) (Message, error) {
	texts := make([]string, 0, len(elements))
	for i, el := range elements {
		text, err := elementText(el)
		if err != nil {
			return Message{}, fmt.Errorf("%w: element %d: %w", ErrDecode, i, err)
		}
		texts = append(texts, text)
	}
	return DecodeStrings(texts), nil
}

// DecodeStrings decodes elements that are already text. It cannot fail.
func DecodeStrings(elements []string) Message {
	var msg Message
	index := make(map[string]int, len(elements))

	for _, el := range elements {
		msg.Size += 2 * utf8.RuneCountInString(el)

		key, rest, found := strings.Cut(el, "=")
		var value *string
		if found {
			v := rest
			value = &v
		}

		if i, seen := index[key]; seen {
			msg.Fields[i].Value = value
			continue
		}
		index[key] = len(msg.Fields)
		msg.Fields = append(msg.Fields, Field{Key: key, Value: value})
	}

	return msg
}

func elementText(el any) (string, error) {
	switch v := el.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case json.Number:
		return v.String(), nil
	case Value:
		if text, ok := Text(v); ok {
			return text, nil
		}
		return "", fmt.Errorf("unsupported %s element", kind(v))
	case nil:
		return "", fmt.Errorf("null element")
	default:
		return "", fmt.Errorf("unsupported element type %T", el)
	}
}
