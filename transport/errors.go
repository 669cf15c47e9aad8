package transport

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// ErrClosed is returned when writing to a connection that was already shut down.
var ErrClosed = errors.New("channel closed")

// IsClosed reports whether err comes from using a connection after it was closed locally.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, net.ErrClosed)
}

// IsConnReset reports whether the peer reset or abandoned the connection.
func IsConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

// IsEOF reports a clean end of stream at a frame boundary.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// IsTimeout reports whether err is a deadline expiry on the socket.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
