package protocol

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrUnexpectedEndOfStream means the stream ended before a whole frame arrived.
	// A clean close at a frame boundary also wraps io.EOF.
	ErrUnexpectedEndOfStream = errors.New("unexpected end of stream")
	// ErrMalformed covers bad magic, unknown status codes, invalid lengths and payloads
	// that are not the expected JSON shape.
	ErrMalformed = errors.New("malformed input data")
	// ErrIncompatibleVersion means the peer speaks another protocol version.
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
	// ErrEncoding means a message could not be serialized.
	ErrEncoding = errors.New("encoding error")
)

// IsProtocolError reports whether err is one of the codec-level error kinds.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrUnexpectedEndOfStream) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrIncompatibleVersion) ||
		errors.Is(err, ErrEncoding)
}

func endOfStream(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrUnexpectedEndOfStream, err)
	}
	return err
}
