// Package protocol implements the procbridge frame format.
//
// Every message travels in a fixed 11-byte header followed by a JSON payload. The
// receiver reads the header first to learn the payload length, then reads exactly
// that many bytes, so JSON containing any character can be framed without a delimiter scan.
//
// Frame format:
//
//	0    2     4   5      7         11
//	┌────┬─────┬───┬──────┬─────────┬───────────────┐
//	│ pb │1│0  │st │ 0 0  │ length  │  payload ...  │
//	│    │ver  │   │rsvd  │ uint32le│  UTF-8 JSON   │
//	└────┴─────┴───┴──────┴─────────┴───────────────┘
//
// The reserved bytes and the version pair leave room for later revisions to add
// flags without changing the framing.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"procbridge/message"
)

const (
	MagicByte1   byte = 'p'
	MagicByte2   byte = 'b'
	VersionMajor byte = 1
	VersionMinor byte = 0
	HeaderSize   int  = 11 // 2 (magic) + 2 (version) + 1 (status) + 2 (reserved) + 4 (length)

	// payloads above this size are buffered as they arrive rather than allocated up front
	readChunk = 64 << 10
)

// Header is the decoded fixed-size part of a frame.
type Header struct {
	Status message.Kind
	Length uint32 // Payload length in bytes
}

// WriteFrame writes a complete frame (header + payload) to w with a single Write call.
// Callers sharing w between goroutines must still serialize calls.
func WriteFrame(w io.Writer, status message.Kind, payload []byte) error {
	if !status.Valid() {
		return fmt.Errorf("%w: invalid status code %d", ErrEncoding, status)
	}
	if len(payload) == 0 || len(payload) > math.MaxInt32 {
		return fmt.Errorf("%w: payload length %d out of range", ErrEncoding, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = VersionMajor
	buf[3] = VersionMinor
	buf[4] = byte(status)
	// buf[5], buf[6]: reserved, left zero
	binary.LittleEndian.PutUint32(buf[7:11], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates the fixed 11-byte header.
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, endOfStream(err)
	}

	if buf[0] != MagicByte1 || buf[1] != MagicByte2 {
		return nil, fmt.Errorf("%w: invalid magic %x", ErrMalformed, buf[0:2])
	}

	if buf[2] != VersionMajor || buf[3] != VersionMinor {
		return nil, fmt.Errorf("%w: got %d.%d, want %d.%d",
			ErrIncompatibleVersion, buf[2], buf[3], VersionMajor, VersionMinor)
	}

	status := message.Kind(buf[4])
	if !status.Valid() {
		return nil, fmt.Errorf("%w: invalid status code %d", ErrMalformed, buf[4])
	}

	// buf[5:7] is reserved and deliberately not checked.

	length := binary.LittleEndian.Uint32(buf[7:11])
	if int32(length) <= 0 {
		return nil, fmt.Errorf("%w: invalid payload length %d", ErrMalformed, int32(length))
	}

	return &Header{Status: status, Length: length}, nil
}

// ReadFrame reads one complete frame from r and returns its status and raw payload.
func ReadFrame(r io.Reader) (message.Kind, []byte, error) {
	header, err := ReadHeader(r)
	if err != nil {
		return 0, nil, err
	}

	payload, err := readPayload(r, header.Length)
	if err != nil {
		return 0, nil, err
	}

	return header.Status, payload, nil
}

// readPayload reads exactly n bytes. The declared length comes from the peer, so
// memory grows with the bytes received, not with the length claimed.
func readPayload(r io.Reader, n uint32) ([]byte, error) {
	if n <= readChunk {
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, endOfStream(err)
		}
		return payload, nil
	}

	var buf bytes.Buffer
	buf.Grow(readChunk)
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		return nil, endOfStream(err)
	}
	return buf.Bytes(), nil
}
