// Package server exposes a handler registry over TCP.
//
// Connection lifecycle:
//
//	Accept → new client id → table entry
//	  → receiver goroutine: ReadRequest → guard(middleware → handler.Invoke) → encode → outbox.Push
//	  → sender goroutine:   outbox.Pump → WriteFrame (FIFO)
//
// Requests on one connection are handled one at a time in arrival order. Responses and
// pushed messages share the outbox, so the client sees them in the order they were queued.
package server

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"procbridge/codec"
	"procbridge/discovery"
	"procbridge/handler"
	"procbridge/message"
	"procbridge/middleware"
	"procbridge/transport"
)

var (
	ErrAlreadyStarted = errors.New("server already started")
	ErrNotStarted     = errors.New("server not started")
	ErrNoDelegate     = errors.New("no handler registry set")
	ErrUnknownClient  = errors.New("unknown client")
	ErrStopTimeout    = errors.New("timeout waiting for connections to close")
)

const defaultStopTimeout = 5 * time.Second

type Config struct {
	Addr string
	// RequestTimeout bounds every handler call. Zero means no limit.
	RequestTimeout time.Duration
	// StopTimeout is how long Stop waits for connection goroutines. Defaults to 5s.
	StopTimeout time.Duration
	// MaxConns caps live connections. Zero means unlimited.
	MaxConns int
	Codec    codec.Codec
	Logger   *zap.Logger
	// Registerer receives the server's Prometheus collectors when set.
	Registerer prometheus.Registerer
	Discovery  *DiscoveryConfig
}

// DiscoveryConfig makes the server announce itself while running.
type DiscoveryConfig struct {
	Registry discovery.Registry
	Service  string
	// Advertise is the routable address published for clients. Defaults to the
	// bound listener address.
	Advertise string
	TTL       time.Duration
	Weight    int
	Version   string
}

type Server struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics

	mu          sync.Mutex
	registry    handler.Registry
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // chain built on Start
	listener    net.Listener
	conns       map[uint64]*connection
	advertise   string
	ctx         context.Context // cancelled on Stop; parent of every handler context
	cancel      context.CancelFunc

	running atomic.Bool
	nextID  atomic.Uint64
	wg      sync.WaitGroup // accept loop + per-connection goroutines
}

func New(cfg Config) *Server {
	if cfg.Codec == nil {
		cfg.Codec = codec.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: newMetrics(cfg.Registerer),
		conns:   make(map[uint64]*connection),
	}
}

// SetRegistry sets the handler registry requests are dispatched to. It takes
// effect on the next Start.
func (s *Server) SetRegistry(reg handler.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = reg
}

// Use appends middlewares; the first one added is the outermost. Takes effect on the next Start.
func (s *Server) Use(mws ...middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mws...)
}

// Start binds the listener and begins accepting connections in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return ErrAlreadyStarted
	}
	if s.registry == nil {
		return ErrNoDelegate
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	if d := s.cfg.Discovery; d != nil && d.Registry != nil {
		s.advertise = d.Advertise
		if s.advertise == "" {
			s.advertise = ln.Addr().String()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := d.Registry.Register(ctx, d.Service, discovery.Instance{
			Addr:    s.advertise,
			Weight:  d.Weight,
			Version: d.Version,
		}, d.TTL)
		cancel()
		if err != nil {
			ln.Close()
			return err
		}
	}

	registry := s.registry
	s.handler = middleware.Chain(s.middlewares...)(func(ctx context.Context, api string, body message.Body) (message.Body, error) {
		return handler.Invoke(ctx, registry, api, body)
	})
	s.listener = ln
	s.conns = make(map[uint64]*connection)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before the first Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Running() bool {
	return s.running.Load()
}

// Stop deregisters from discovery, closes the listener and every live connection,
// then waits up to Config.StopTimeout for their goroutines. Handlers still running
// see their context cancelled.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.running.Store(false)
	ln := s.listener
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if d := s.cfg.Discovery; d != nil && d.Registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.Registry.Deregister(ctx, d.Service, s.advertise); err != nil {
			s.logger.Warn("deregister failed", zap.String("service", d.Service), zap.Error(err))
		}
		cancel()
	}

	ln.Close()
	for _, c := range conns {
		s.closeConnection(c)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("server stopped", zap.String("addr", ln.Addr().String()))
		return nil
	case <-time.After(s.cfg.StopTimeout):
		return ErrStopTimeout
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.running.Load() {
				s.logger.Debug("accept loop exiting", zap.Error(err))
			}
			return
		}
		s.addConnection(raw)
	}
}

// SendMessage pushes body to one client as a GoodResponse, outside any request.
// A body that cannot be encoded is rejected with an ErrEncoding error and nothing is queued.
func (s *Server) SendMessage(clientID uint64, body message.Body) error {
	f, err := transport.EncodeFrame(s.cfg.Codec, &message.GoodResponse{Body: body})
	if err != nil {
		return err
	}

	s.mu.Lock()
	c, ok := s.conns[clientID]
	s.mu.Unlock()

	if !ok || !c.outbox.Push(f) {
		return ErrUnknownClient
	}
	s.metrics.pushed.Inc()
	return nil
}

// Broadcast pushes body to every connected client and returns how many were reached.
// The body is encoded once; an encoding failure reaches no client.
func (s *Server) Broadcast(body message.Body) (int, error) {
	f, err := transport.EncodeFrame(s.cfg.Codec, &message.GoodResponse{Body: body})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	n := 0
	for _, c := range conns {
		if c.outbox.Push(f) {
			n++
		}
	}
	s.metrics.pushed.Add(float64(n))
	return n, nil
}

// Clients returns the ids of live connections in ascending order.
func (s *Server) Clients() []uint64 {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
