// Package codec converts structured payloads to and from the flat
// ordered-string-list wire format carried by the wearable transport.
//
// Some device firmwares only carry flat lists of strings reliably, so every
// outbound payload is flattened before transmission:
//
//	{"a":1,"b":"x"}  with type "cmd"  →  ["cmd", "a=1", "b=x"]
//
// # Encoding
//
// Scalars become their literal text, strings are kept verbatim, lists are
// stringified element by element (one level only) and maps become
// "key=value" elements in insertion order. Elements that cannot be
// stringified are dropped and the list is prefixed with "error=true" so the
// receiver can detect partial transmission. An optional message type tag is
// always element 0.
//
// # Decoding
//
// Inbound lists are split on the first '=' of each element. Elements without
// '=' decode to a key with a null value, duplicate keys keep the last value,
// and the message size is reported as twice the total element length.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package codec
