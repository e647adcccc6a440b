package codec

import "fmt"

// ErrorSentinel is prepended to an encoded message when at least one element
// could not be serialised.
const ErrorSentinel = "error=true"

// Encoded is the result of Encode.
type Encoded struct {
	// Elements is the wire message, ready for transmission.
	Elements []string

	// Errors describes every element that was dropped. Each wraps ErrSerialize.
	Errors []error
}

// Partial reports whether any element was dropped during encoding.
func (e Encoded) Partial() bool {
	return len(e.Errors) > 0
}

// Empty reports whether there is nothing to transmit.
func (e Encoded) Empty() bool {
	return len(e.Elements) == 0
}

// Encode flattens v into the wire format. A non-empty messageType is placed at
// element 0, ahead of the error sentinel. A nil or Null payload contributes no
// elements.
func Encode(v Value, messageType string) Encoded {
	var out Encoded

	switch t := v.(type) {
	case nil, Null:
		// nothing to add
	case Bool, Number, String:
		text, _ := Text(t)
		out.Elements = append(out.Elements, text)
	case List:
		for i, el := range t {
			text, ok := Text(el)
			if !ok {
				out.Errors = append(out.Errors, fmt.Errorf("%w: list index %d holds %s", ErrSerialize, i, kind(el)))
				continue
			}
			out.Elements = append(out.Elements, text)
		}
	case Map:
		for _, e := range t {
			if e.Key == "" {
				continue
			}
			text, ok := Text(e.Value)
			if !ok {
				out.Errors = append(out.Errors, fmt.Errorf("%w: key %q holds %s", ErrSerialize, e.Key, kind(e.Value)))
				continue
			}
			out.Elements = append(out.Elements, e.Key+"="+text)
		}
	}

	prefix := make([]string, 0, 2)
	if messageType != "" {
		prefix = append(prefix, messageType)
	}
	if out.Partial() {
		prefix = append(prefix, ErrorSentinel)
	}
	if len(prefix) > 0 {
		out.Elements = append(prefix, out.Elements...)
	}

	return out
}

// kind names a value's variant for error messages.
func kind(v Value) string {
	switch v.(type) {
	case nil, Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case List:
		return "list"
	case Map:
		return "map"
	default:
		return fmt.Sprintf("%T", v)
	}
}
