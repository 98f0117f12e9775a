package tree

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// B64Marker prefixes stored string values that were base64-wrapped
// because their raw bytes are unsafe for the storage encoding.
const B64Marker = "b64:"

// Encode renders a value in canonical form. Value equality throughout
// the engine is defined as equality of this encoding, never reference
// or reflect equality. Encoding is JSON with Go's sorted map keys;
// string values whose bytes are unsafe for storage are base64-wrapped
// behind B64Marker before marshalling, keeping every encoded form valid
// UTF-8.
func Encode(v any) string {
	data, err := json.Marshal(wrapUnsafe(normalize(v)))
	if err != nil {
		// Only non-encodable values (channels, funcs) reach this,
		// and those never enter a Tree.
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// Decode is the inverse of Encode. Numbers decode to int64 when
// integral, float64 otherwise. Base64-wrapped strings are unwrapped.
func Decode(encoded string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(encoded)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode value %q: %w", encoded, err)
	}
	return convertNumbers(raw), nil
}

// Equal reports whether two values have identical canonical encodings.
func Equal(a, b any) bool {
	return Encode(a) == Encode(b)
}

func wrapUnsafe(v any) any {
	switch val := v.(type) {
	case string:
		if storageSafe(val) {
			return val
		}
		return B64Marker + base64.StdEncoding.EncodeToString([]byte(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = wrapUnsafe(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, el := range val {
			out[i] = wrapUnsafe(el)
		}
		return out
	default:
		return val
	}
}

func unwrapString(s string) string {
	if strings.HasPrefix(s, B64Marker) {
		raw, err := base64.StdEncoding.DecodeString(s[len(B64Marker):])
		if err == nil {
			return string(raw)
		}
	}
	return s
}

// storageSafe reports whether a string can be stored without wrapping:
// valid UTF-8 with no control characters beyond tab and newline.
func storageSafe(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	if strings.HasPrefix(s, B64Marker) {
		return false
	}
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

func convertNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = convertNumbers(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, el := range val {
			out[i] = convertNumbers(el)
		}
		return out
	case string:
		return unwrapString(val)
	default:
		return val
	}
}
