package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"procbridge/codec"
	"procbridge/message"
)

const (
	keyAPI  = "api"
	keyBody = "body"
	keyMsg  = "msg"
)

// Marshal serializes msg into a frame payload.
func Marshal(cdc codec.Codec, msg message.Message) ([]byte, error) {
	var wire map[string]any

	switch m := msg.(type) {
	case *message.Request:
		if m.API == "" {
			return nil, fmt.Errorf("%w: %w", ErrEncoding, message.ErrEmptyAPI)
		}
		body := m.Body
		if body == nil {
			body = message.Body{}
		}
		wire = map[string]any{keyAPI: m.API, keyBody: body}
	case *message.GoodResponse:
		wire = map[string]any{}
		if m.Body != nil {
			wire[keyBody] = m.Body
		}
	case *message.BadResponse:
		wire = map[string]any{keyMsg: m.Msg}
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrEncoding, msg)
	}

	payload, err := cdc.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return payload, nil
}

// Unmarshal parses a payload into the message shape selected by status.
// Requests are strict about the api name; responses are lenient about missing fields.
func Unmarshal(cdc codec.Codec, status message.Kind, payload []byte) (message.Message, error) {
	var fields map[string]json.RawMessage
	if err := cdc.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformed)
	}

	switch status {
	case message.KindRequest:
		raw, ok := fields[keyAPI]
		if !ok {
			return nil, fmt.Errorf("%w: missing api", ErrMalformed)
		}
		var api string
		if err := cdc.Unmarshal(raw, &api); err != nil {
			return nil, fmt.Errorf("%w: api is not a string", ErrMalformed)
		}
		if api == "" {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, message.ErrEmptyAPI)
		}
		body, err := decodeBody(cdc, fields)
		if err != nil {
			return nil, err
		}
		if body == nil {
			body = message.Body{}
		}
		return &message.Request{API: api, Body: body}, nil

	case message.KindGoodResponse:
		body, err := decodeBody(cdc, fields)
		if err != nil {
			return nil, err
		}
		return &message.GoodResponse{Body: body}, nil

	case message.KindBadResponse:
		resp := &message.BadResponse{}
		if raw, ok := fields[keyMsg]; ok && !isNull(raw) {
			if err := cdc.Unmarshal(raw, &resp.Msg); err != nil {
				resp.Msg = string(raw)
			}
		}
		return resp, nil
	}

	return nil, fmt.Errorf("%w: invalid status code %d", ErrMalformed, status)
}

// Encode serializes msg and writes it as one frame.
func Encode(w io.Writer, cdc codec.Codec, msg message.Message) error {
	payload, err := Marshal(cdc, msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, msg.Kind(), payload)
}

// Decode reads one frame and parses its payload.
func Decode(r io.Reader, cdc codec.Codec) (message.Message, error) {
	status, payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Unmarshal(cdc, status, payload)
}

// DecodeRequest reads one frame that must be a Request.
func DecodeRequest(r io.Reader, cdc codec.Codec) (*message.Request, error) {
	msg, err := Decode(r, cdc)
	if err != nil {
		return nil, err
	}
	req, ok := msg.(*message.Request)
	if !ok {
		return nil, fmt.Errorf("%w: expected request, got %s", ErrMalformed, msg.Kind())
	}
	return req, nil
}

func decodeBody(cdc codec.Codec, fields map[string]json.RawMessage) (message.Body, error) {
	raw, ok := fields[keyBody]
	if !ok || isNull(raw) {
		return nil, nil
	}
	var body message.Body
	if err := cdc.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrMalformed)
	}
	return body, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
