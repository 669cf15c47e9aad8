// Package codec provides the JSON serializers used for frame payloads.
//
// Both implementations produce and accept plain JSON, so peers may pick different ones
// without affecting the wire format.
package codec

import (
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON     CodecType = 0 // encoding/json
	CodecTypeJSONIter CodecType = 1 // github.com/json-iterator/go
)

func (t CodecType) String() string {
	if t == CodecTypeJSONIter {
		return "jsoniter"
	}
	return "json"
}

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Type() CodecType
}

var (
	jsonCodec     = &JSONCodec{}
	jsonIterCodec = &JSONIterCodec{}
)

// GetCodec returns the codec for codecType, falling back to encoding/json.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSONIter {
		return jsonIterCodec
	}

	return jsonCodec
}

// Default returns the encoding/json codec.
func Default() Codec {
	return jsonCodec
}

// Parse maps a configuration name ("json", "jsoniter") to a codec type.
func Parse(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json", "std":
		return CodecTypeJSON, nil
	case "jsoniter", "json-iterator":
		return CodecTypeJSONIter, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}
