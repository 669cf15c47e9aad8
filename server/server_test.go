package server

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"procbridge/discovery"
	"procbridge/handler"
	"procbridge/message"
	"procbridge/middleware"
	"procbridge/protocol"
	"procbridge/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testRegistry(t *testing.T) *handler.Map {
	t.Helper()
	m := handler.NewMap()
	m.MustRegister("echo", func(ctx context.Context, body message.Body) (message.Body, error) {
		return body, nil
	})
	m.MustRegister("whoami", func(ctx context.Context, body message.Body) (message.Body, error) {
		id, ok := ClientID(ctx)
		if !ok {
			return nil, errors.New("no client id")
		}
		return message.Body{"id": id}, nil
	})
	m.MustRegister("block", func(ctx context.Context, body message.Body) (message.Body, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m.MustRegister("inf", func(ctx context.Context, body message.Body) (message.Body, error) {
		return message.Body{"x": math.Inf(1)}, nil
	})
	m.MustRegister("fail", func(ctx context.Context, body message.Body) (message.Body, error) {
		return nil, errors.New("boom")
	})
	return m
}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	srv := New(cfg)
	srv.SetRegistry(testRegistry(t))
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		if srv.Running() {
			assert.NoError(t, srv.Stop())
		}
	})
	return srv
}

func dial(t *testing.T, srv *Server) *transport.Conn {
	t.Helper()
	conn, err := transport.Dial(context.Background(), srv.Addr().String(), time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *transport.Conn, api string, body message.Body) message.Message {
	t.Helper()
	require.NoError(t, conn.WriteMessage(&message.Request{API: api, Body: body}))
	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return msg
}

func TestStartStopErrors(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0"})
	assert.ErrorIs(t, srv.Start(), ErrNoDelegate)
	assert.ErrorIs(t, srv.Stop(), ErrNotStarted)
	assert.Nil(t, srv.Addr())

	srv.SetRegistry(testRegistry(t))
	require.NoError(t, srv.Start())
	assert.ErrorIs(t, srv.Start(), ErrAlreadyStarted)
	assert.NotNil(t, srv.Addr())

	require.NoError(t, srv.Stop())
	assert.ErrorIs(t, srv.Stop(), ErrNotStarted)

	// a stopped server can be started again
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop())
}

func TestStartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv := New(Config{Addr: ln.Addr().String()})
	srv.SetRegistry(testRegistry(t))
	assert.Error(t, srv.Start())
	assert.False(t, srv.Running())
}

func TestRequestResponse(t *testing.T) {
	srv := startServer(t, Config{})
	conn := dial(t, srv)

	assert.Equal(t, &message.GoodResponse{Body: message.Body{"a": 1.0}}, roundTrip(t, conn, "echo", message.Body{"a": 1.0}))
	assert.Equal(t, &message.BadResponse{Msg: "unknown api: nope"}, roundTrip(t, conn, "nope", nil))
	assert.Equal(t, &message.BadResponse{Msg: "boom"}, roundTrip(t, conn, "fail", nil))

	// a handler error leaves the connection usable
	assert.Equal(t, &message.GoodResponse{Body: message.Body{}}, roundTrip(t, conn, "echo", nil))
}

func TestResponsesInRequestOrder(t *testing.T) {
	srv := startServer(t, Config{})
	conn := dial(t, srv)

	for i := 0; i < 20; i++ {
		require.NoError(t, conn.WriteMessage(&message.Request{API: "echo", Body: message.Body{"seq": float64(i)}}))
	}
	for i := 0; i < 20; i++ {
		msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, float64(i), msg.(*message.GoodResponse).Body["seq"])
	}
}

func TestClientIDs(t *testing.T) {
	srv := startServer(t, Config{})
	first, second := dial(t, srv), dial(t, srv)

	assert.Equal(t, &message.GoodResponse{Body: message.Body{"clientID": 1.0}}, roundTrip(t, first, message.ClientIDAPI, nil))
	assert.Equal(t, &message.GoodResponse{Body: message.Body{"clientID": 2.0}}, roundTrip(t, second, message.ClientIDAPI, nil))

	// handlers see the id of the connection they serve
	assert.Equal(t, &message.GoodResponse{Body: message.Body{"id": 2.0}}, roundTrip(t, second, "whoami", nil))
	assert.Equal(t, []uint64{1, 2}, srv.Clients())
}

func TestCloseRequest(t *testing.T) {
	srv := startServer(t, Config{})
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(&message.Request{API: message.CloseAPI, Body: message.Body{}}))
	_, err := conn.ReadMessage()
	assert.True(t, transport.IsEOF(err), "got %v", err)
	require.Eventually(t, func() bool { return len(srv.Clients()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	srv := startServer(t, Config{})

	raw, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	require.NoError(t, raw.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = raw.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = raw.Read(buf)
	assert.Error(t, err, "server should close the connection")
}

func TestResponseFrameFromClientClosesConnection(t *testing.T) {
	srv := startServer(t, Config{})
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(&message.GoodResponse{Body: message.Body{}}))
	_, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestPush(t *testing.T) {
	srv := startServer(t, Config{})
	first, second := dial(t, srv), dial(t, srv)
	roundTrip(t, first, "echo", nil)
	roundTrip(t, second, "echo", nil)

	require.NoError(t, srv.SendMessage(1, message.Body{"only": "first"}))
	msg, err := first.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, &message.GoodResponse{Body: message.Body{"only": "first"}}, msg)

	n, err := srv.Broadcast(message.Body{"to": "all"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, conn := range []*transport.Conn{first, second} {
		msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, &message.GoodResponse{Body: message.Body{"to": "all"}}, msg)
	}

	assert.ErrorIs(t, srv.SendMessage(99, message.Body{}), ErrUnknownClient)
}

func TestUnencodableResultKeepsConnection(t *testing.T) {
	srv := startServer(t, Config{})
	conn := dial(t, srv)

	bad, ok := roundTrip(t, conn, "inf", nil).(*message.BadResponse)
	require.True(t, ok)
	assert.Contains(t, bad.Msg, protocol.ErrEncoding.Error())

	assert.Equal(t, &message.GoodResponse{Body: message.Body{"v": "after"}},
		roundTrip(t, conn, "echo", message.Body{"v": "after"}))
}

func TestUnencodablePushRejected(t *testing.T) {
	srv := startServer(t, Config{})
	conn := dial(t, srv)
	roundTrip(t, conn, "echo", nil)

	assert.ErrorIs(t, srv.SendMessage(1, message.Body{"x": math.NaN()}), protocol.ErrEncoding)
	n, err := srv.Broadcast(message.Body{"ch": make(chan int)})
	assert.ErrorIs(t, err, protocol.ErrEncoding)
	assert.Zero(t, n)

	// nothing was queued and the connection still serves requests
	require.NoError(t, srv.SendMessage(1, message.Body{"push": "ok"}))
	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, &message.GoodResponse{Body: message.Body{"push": "ok"}}, msg)
	assert.Equal(t, &message.GoodResponse{Body: message.Body{}}, roundTrip(t, conn, "echo", message.Body{}))
}

func TestRequestTimeout(t *testing.T) {
	srv := startServer(t, Config{RequestTimeout: 30 * time.Millisecond})
	conn := dial(t, srv)

	assert.Equal(t, &message.BadResponse{Msg: "timeout"}, roundTrip(t, conn, "block", nil))
	assert.Equal(t, &message.GoodResponse{Body: message.Body{}}, roundTrip(t, conn, "echo", message.Body{}))
}

func TestMaxConns(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := startServer(t, Config{MaxConns: 1, Registerer: reg})

	first := dial(t, srv)
	roundTrip(t, first, "echo", nil)

	second := dial(t, srv)
	_, err := second.ReadMessage()
	assert.Error(t, err, "extra connection should be closed")
	assert.Equal(t, 1.0, metricValue(t, reg, "procbridge_server_connections_rejected_total", nil))

	// the first connection is unaffected
	roundTrip(t, first, "echo", nil)
}

func TestStopClosesConnections(t *testing.T) {
	srv := startServer(t, Config{StopTimeout: time.Second})
	conn := dial(t, srv)
	require.NoError(t, conn.WriteMessage(&message.Request{API: "block", Body: message.Body{}}))

	// wait until the request is in flight
	require.Eventually(t, func() bool { return len(srv.Clients()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, srv.Stop())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	_, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, srv.Clients())
}

func TestMiddlewareOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	mark := func(name string) middleware.Middleware {
		return func(next middleware.HandlerFunc) middleware.HandlerFunc {
			return func(ctx context.Context, api string, body message.Body) (message.Body, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next(ctx, api, body)
			}
		}
	}

	srv := New(Config{Addr: "127.0.0.1:0"})
	srv.SetRegistry(testRegistry(t))
	srv.Use(mark("outer"), mark("inner"))
	srv.Use(middleware.RateLimitMiddleware(1, 1))
	require.NoError(t, srv.Start())
	defer srv.Stop()

	conn := dial(t, srv)
	assert.IsType(t, &message.GoodResponse{}, roundTrip(t, conn, "echo", nil))
	mu.Lock()
	assert.Equal(t, []string{"outer", "inner"}, order)
	mu.Unlock()

	assert.Equal(t, &message.BadResponse{Msg: "rate limit exceeded"}, roundTrip(t, conn, "echo", nil))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := startServer(t, Config{Registerer: reg})
	conn := dial(t, srv)

	roundTrip(t, conn, "echo", nil)
	roundTrip(t, conn, "echo", nil)
	roundTrip(t, conn, "fail", nil)
	roundTrip(t, conn, "nope", nil)

	assert.Equal(t, 2.0, metricValue(t, reg, "procbridge_server_requests_total", map[string]string{"api": "echo", "outcome": "ok"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "procbridge_server_requests_total", map[string]string{"api": "fail", "outcome": "error"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "procbridge_server_requests_total", map[string]string{"api": "unknown", "outcome": "unknown_api"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "procbridge_server_connections", nil))
	assert.Equal(t, 1.0, metricValue(t, reg, "procbridge_server_connections_accepted_total", nil))
}

func TestDiscoveryRegistration(t *testing.T) {
	reg := discovery.NewStatic("bridge")
	srv := startServer(t, Config{Discovery: &DiscoveryConfig{
		Registry:  reg,
		Service:   "bridge",
		Advertise: "10.0.0.1:8000",
		Weight:    3,
	}})

	instances, err := reg.Discover(context.Background(), "bridge")
	require.NoError(t, err)
	assert.Equal(t, []discovery.Instance{{Addr: "10.0.0.1:8000", Weight: 3}}, instances)

	require.NoError(t, srv.Stop())
	instances, err = reg.Discover(context.Background(), "bridge")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

// metricValue returns the counter or gauge value of the series of name whose
// labels include want.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	series:
		for _, m := range family.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue series
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s %v not found", name, want)
	return 0
}
