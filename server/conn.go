package server

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"procbridge/guard"
	"procbridge/message"
	"procbridge/protocol"
	"procbridge/transport"
)

// connection is one entry of the connection table.
type connection struct {
	id        uint64
	conn      *transport.Conn
	outbox    *transport.Outbox
	logger    *zap.Logger
	closeOnce sync.Once
}

type clientIDKey struct{}

// ClientID returns the id of the connection a handler is serving.
func ClientID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(clientIDKey{}).(uint64)
	return id, ok
}

func (s *Server) addConnection(raw net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stop may have snapshotted the table already
	if !s.running.Load() {
		raw.Close()
		return
	}
	if s.cfg.MaxConns > 0 && len(s.conns) >= s.cfg.MaxConns {
		s.logger.Warn("connection limit reached, rejecting",
			zap.Int("max_conns", s.cfg.MaxConns), zap.String("remote", raw.RemoteAddr().String()))
		s.metrics.rejected.Inc()
		raw.Close()
		return
	}

	id := s.nextID.Add(1)
	c := &connection{
		id:     id,
		conn:   transport.NewConn(raw, s.cfg.Codec),
		outbox: transport.NewOutbox(),
		logger: s.logger.With(zap.Uint64("client_id", id), zap.String("remote", raw.RemoteAddr().String())),
	}
	s.conns[id] = c
	s.metrics.accepted.Inc()
	s.metrics.conns.Inc()
	c.logger.Debug("client connected")

	s.wg.Add(2)
	go s.receiveLoop(c)
	go s.sendLoop(c)
}

// closeConnection closes the socket, releases the sender and drops the table entry. Idempotent.
func (s *Server) closeConnection(c *connection) {
	c.closeOnce.Do(func() {
		c.conn.Close()
		c.outbox.Close()

		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()

		s.metrics.conns.Dec()
		c.logger.Debug("client disconnected")
	})
}

func (s *Server) receiveLoop(c *connection) {
	defer s.wg.Done()
	defer s.closeConnection(c)

	for s.running.Load() && !c.conn.Closed() {
		req, err := c.conn.ReadRequest()
		if err != nil {
			s.logReadError(c, err)
			return
		}

		switch req.API {
		case message.CloseAPI:
			return
		case message.ClientIDAPI:
			c.reply(&message.GoodResponse{Body: message.Body{"clientID": c.id}})
			continue
		}

		c.reply(s.dispatch(c, req))
	}
}

func (s *Server) logReadError(c *connection, err error) {
	switch {
	case !s.running.Load() || transport.IsClosed(err):
		// local shutdown
	case transport.IsEOF(err):
		c.logger.Debug("client closed connection")
	case transport.IsConnReset(err):
		c.logger.Warn("connection reset by peer", zap.Error(err))
	case protocol.IsProtocolError(err):
		c.logger.Warn("protocol error, closing connection", zap.Error(err))
	default:
		c.logger.Warn("read failed", zap.Error(err))
	}
}

// dispatch runs one request through the middleware chain and the handler
// registry, bounded by RequestTimeout.
func (s *Server) dispatch(c *connection, req *message.Request) message.Message {
	ctx := context.WithValue(s.ctx, clientIDKey{}, c.id)
	start := time.Now()

	body, err := guard.Execute(ctx, s.cfg.RequestTimeout, func(ctx context.Context) (message.Body, error) {
		return s.handler(ctx, req.API, req.Body)
	})
	s.metrics.observe(req.API, err, time.Since(start))

	if err != nil {
		c.logger.Debug("request failed", zap.String("api", req.API), zap.Error(err))
		return &message.BadResponse{Msg: err.Error()}
	}
	return &message.GoodResponse{Body: body}
}

// reply queues msg for the sender. A response whose body cannot be encoded is
// replaced by a BadResponse carrying the encoding error.
func (c *connection) reply(msg message.Message) {
	f, err := c.conn.Encode(msg)
	if err != nil {
		c.logger.Warn("response not encodable", zap.Error(err))
		if f, err = c.conn.Encode(&message.BadResponse{Msg: err.Error()}); err != nil {
			return
		}
	}
	c.outbox.Push(f)
}

func (s *Server) sendLoop(c *connection) {
	defer s.wg.Done()

	if err := c.outbox.Pump(c.conn); err != nil {
		if !transport.IsClosed(err) {
			c.logger.Warn("write failed, closing connection", zap.Error(err))
		}
		s.closeConnection(c)
	}
}
