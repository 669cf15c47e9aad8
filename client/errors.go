package client

import (
	"context"
	"errors"
	"fmt"

	"procbridge/guard"
	"procbridge/protocol"
	"procbridge/transport"
)

var (
	// ErrTransport wraps connect, read and write failures.
	ErrTransport = errors.New("transport error")
	// ErrChannelClosed is returned by Session.Send after the session shut down.
	ErrChannelClosed = transport.ErrClosed
	ErrReservedAPI   = errors.New("reserved api name")
	ErrStopTimeout   = errors.New("timeout waiting for receiver to exit")
)

// RemoteError carries the message of a BadResponse.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return e.Msg }

func newRemoteError(msg string) *RemoteError {
	if msg == "" {
		msg = "server error"
	}
	return &RemoteError{Msg: msg}
}

// Retryable reports whether a failed Call may succeed when repeated: transport
// failures and guard timeouts. Remote errors and codec errors are final.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, guard.ErrTimeout)
}

// ioError classifies a read or write failure. Codec violations keep their own
// kind; everything else is a transport failure.
func ioError(ctx context.Context, err error) error {
	if protocol.IsProtocolError(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrTransport, ctxErr)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
