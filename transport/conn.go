// Package transport implements the framed connection shared by clients and the server.
//
// A Conn has exactly one reader goroutine and any number of writers. Writers share
// the socket through a mutex so that one frame (header + payload) is always written
// whole; without it two frames could interleave and corrupt the stream.
//
//	goroutine-1 ──WriteMessage──┐
//	goroutine-2 ──WriteMessage──┼──→ Conn ──→ peer
//	goroutine-3 ──WriteMessage──┘
//
//	reader: ←── ReadMessage (single goroutine, sequential frames)
package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"procbridge/codec"
	"procbridge/message"
	"procbridge/protocol"
)

type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	codec   codec.Codec
	sending sync.Mutex // serializes frame writes
	closed  atomic.Bool
}

// NewConn wraps an established connection. A nil codec selects codec.Default().
func NewConn(conn net.Conn, cdc codec.Codec) *Conn {
	if cdc == nil {
		cdc = codec.Default()
	}
	return &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		codec:  cdc,
	}
}

// Dial connects to addr over TCP. A positive timeout bounds the connect phase.
func Dial(ctx context.Context, addr string, timeout time.Duration, cdc codec.Codec) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, cdc), nil
}

// Frame is a message already encoded for the wire.
type Frame struct {
	Kind    message.Kind
	Payload []byte
}

// EncodeFrame serializes msg with cdc without writing it.
func EncodeFrame(cdc codec.Codec, msg message.Message) (Frame, error) {
	payload, err := protocol.Marshal(cdc, msg)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: msg.Kind(), Payload: payload}, nil
}

// Encode serializes msg with the connection's codec.
func (c *Conn) Encode(msg message.Message) (Frame, error) {
	return EncodeFrame(c.codec, msg)
}

// WriteMessage encodes msg and writes it as one frame. Safe for concurrent use.
func (c *Conn) WriteMessage(msg message.Message) error {
	f, err := c.Encode(msg)
	if err != nil {
		return err
	}
	return c.WriteFrame(f)
}

// WriteFrame writes a pre-encoded frame. Safe for concurrent use.
func (c *Conn) WriteFrame(f Frame) error {
	c.sending.Lock()
	defer c.sending.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	return protocol.WriteFrame(c.conn, f.Kind, f.Payload)
}

// ReadMessage reads the next frame. Only one goroutine may read at a time.
func (c *Conn) ReadMessage() (message.Message, error) {
	return protocol.Decode(c.reader, c.codec)
}

// ReadRequest reads the next frame and requires it to be a Request.
func (c *Conn) ReadRequest() (*message.Request, error) {
	return protocol.DecodeRequest(c.reader, c.codec)
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close closes the socket once. Later calls return nil. A reader blocked in
// ReadMessage unblocks with a closed-connection error.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Conn) Closed() bool {
	return c.closed.Load()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}
