package codec

import (
	jsoniter "github.com/json-iterator/go"
)

// JSONIterCodec uses json-iterator configured to behave exactly like encoding/json
// (sorted map keys, HTML escaping, float64 numbers), but avoids most of its reflection cost.
type JSONIterCodec struct{}

var iter = jsoniter.ConfigCompatibleWithStandardLibrary

func (c *JSONIterCodec) Marshal(v any) ([]byte, error) {
	return iter.Marshal(v)
}

func (c *JSONIterCodec) Unmarshal(data []byte, v any) error {
	return iter.Unmarshal(data, v)
}

func (c *JSONIterCodec) Type() CodecType {
	return CodecTypeJSONIter
}
