package message

import (
	"fmt"

	"procbridge/codec"
)

// Body is a JSON object. Numbers decode as float64, nested objects as map[string]any.
type Body map[string]any

// Get returns the value stored under key.
func (b Body) Get(key string) (any, bool) {
	v, ok := b[key]
	return v, ok
}

// Set stores v under key and returns b so calls can be chained.
// Setting on a nil Body allocates a new one.
func (b Body) Set(key string, v any) Body {
	if b == nil {
		b = Body{}
	}
	b[key] = v
	return b
}

// Decode copies the body into v (a pointer to a struct or map) by re-encoding it as JSON.
func (b Body) Decode(v any) error {
	cdc := codec.Default()
	data, err := cdc.Marshal(b)
	if err != nil {
		return err
	}
	return cdc.Unmarshal(data, v)
}

// ParseBody parses text as a JSON object. Anything other than an object is rejected.
func ParseBody(text string) (Body, error) {
	var b Body
	if err := codec.Default().Unmarshal([]byte(text), &b); err != nil {
		return nil, fmt.Errorf("body is not a JSON object: %w", err)
	}
	if b == nil {
		return nil, fmt.Errorf("body is not a JSON object: %q", text)
	}
	return b, nil
}

// FromValue converts any JSON-encodable value (typically a struct) into a Body.
func FromValue(v any) (Body, error) {
	cdc := codec.Default()
	data, err := cdc.Marshal(v)
	if err != nil {
		return nil, err
	}
	return ParseBody(string(data))
}
