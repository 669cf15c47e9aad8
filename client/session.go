package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"procbridge/message"
	"procbridge/protocol"
	"procbridge/transport"
)

// MessageHandler receives what arrives on a Session. Both methods run on the
// session's receiver goroutine, one call at a time.
type MessageHandler interface {
	// OnMessage gets the body of every GoodResponse: replies and server pushes alike.
	OnMessage(body message.Body)
	// OnError gets a *RemoteError for every BadResponse, and the final read
	// error when the connection breaks.
	OnError(err error)
}

// HandlerFuncs adapts plain functions to MessageHandler. Nil fields ignore their events.
type HandlerFuncs struct {
	Message func(body message.Body)
	Error   func(err error)
}

func (h HandlerFuncs) OnMessage(body message.Body) {
	if h.Message != nil {
		h.Message(body)
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

// Session is a long-lived connection. Send never waits for a reply; responses
// come back through the MessageHandler in the order the server queued them.
type Session struct {
	id       string
	conn     *transport.Conn
	handler  MessageHandler
	logger   *zap.Logger
	stopWait time.Duration

	stopping atomic.Bool
	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// Dial connects to addr and starts receiving. A nil h discards every event.
func Dial(ctx context.Context, addr string, h MessageHandler, opts ...Option) (*Session, error) {
	return dial(ctx, addr, h, buildOptions(opts))
}

func dial(ctx context.Context, addr string, h MessageHandler, o options) (*Session, error) {
	if h == nil {
		h = HandlerFuncs{}
	}
	conn, err := transport.Dial(ctx, addr, o.timeout, o.codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	id := uuid.NewString()
	s := &Session{
		id:       id,
		conn:     conn,
		handler:  h,
		logger:   o.logger.With(zap.String("session", id), zap.String("remote", addr)),
		stopWait: o.stopWait,
		done:     make(chan struct{}),
	}
	go s.receiveLoop()
	s.logger.Debug("session opened")
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Done is closed once the receiver goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) receiveLoop() {
	defer close(s.done)
	defer s.conn.Close()

	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.stopping.Load() && (transport.IsClosed(err) || transport.IsEOF(err) || transport.IsConnReset(err)) {
				return
			}
			s.logger.Debug("session receiver exiting", zap.Error(err))
			s.handler.OnError(ioError(context.Background(), err))
			return
		}

		switch m := msg.(type) {
		case *message.GoodResponse:
			s.handler.OnMessage(m.Body)
		case *message.BadResponse:
			s.handler.OnError(newRemoteError(m.Msg))
		default:
			s.handler.OnError(fmt.Errorf("%w: unexpected %s frame", protocol.ErrMalformed, msg.Kind()))
			return
		}
	}
}

// Send writes one request. Safe for concurrent use.
func (s *Session) Send(api string, body message.Body) error {
	if api == "" {
		return message.ErrEmptyAPI
	}
	if message.IsReserved(api) {
		return fmt.Errorf("%w: %s", ErrReservedAPI, api)
	}
	return s.write(api, body)
}

// RequestClientID asks the server for this connection's id. The answer arrives
// through OnMessage as {"clientID": n}.
func (s *Session) RequestClientID() error {
	return s.write(message.ClientIDAPI, message.Body{})
}

func (s *Session) write(api string, body message.Body) error {
	if s.stopping.Load() {
		return ErrChannelClosed
	}
	err := s.conn.WriteMessage(&message.Request{API: api, Body: body})
	switch {
	case err == nil:
		return nil
	case transport.IsClosed(err):
		return ErrChannelClosed
	case protocol.IsProtocolError(err):
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// Stop tells the server the session is ending, closes the socket and waits for
// the receiver to exit. Later calls return the first call's result.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)

		err := s.conn.WriteMessage(&message.Request{API: message.CloseAPI, Body: message.Body{}})
		if err != nil && !transport.IsClosed(err) {
			s.logger.Debug("close request not sent", zap.Error(err))
		}
		s.conn.Close()

		select {
		case <-s.done:
		case <-time.After(s.stopWait):
			s.logger.Warn("receiver did not exit in time", zap.Duration("wait", s.stopWait))
			s.stopErr = ErrStopTimeout
		}
		s.logger.Debug("session closed")
	})
	return s.stopErr
}
