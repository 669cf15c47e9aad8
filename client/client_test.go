package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procbridge/codec"
	"procbridge/discovery"
	"procbridge/guard"
	"procbridge/loadbalance"
	"procbridge/message"
	"procbridge/middleware"
	"procbridge/server"
)

func TestCallEcho(t *testing.T) {
	srv := startServer(t, server.Config{})
	cli := New(srv.Addr().String())

	body := message.Body{"text": "héllo", "n": 3.0, "nested": map[string]any{"ok": true}}
	out, err := cli.Call(context.Background(), "echo", body)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestCallAdd(t *testing.T) {
	srv := startServer(t, server.Config{})

	for _, cdc := range []codec.Codec{codec.GetCodec(codec.CodecTypeJSON), codec.GetCodec(codec.CodecTypeJSONIter)} {
		cli := New(srv.Addr().String(), WithCodec(cdc))
		out, err := cli.Call(context.Background(), "add", message.Body{"elements": []any{1, 2, 3, 4, 5}})
		require.NoError(t, err)
		assert.Equal(t, 15.0, out["result"])
	}
}

func TestCallNullResult(t *testing.T) {
	srv := startServer(t, server.Config{})

	out, err := New(srv.Addr().String()).Call(context.Background(), "retNull", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestCallRemoteErrors(t *testing.T) {
	srv := startServer(t, server.Config{})
	cli := New(srv.Addr().String())

	_, err := cli.Call(context.Background(), "nope", message.Body{})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "unknown api: nope", remote.Msg)
	assert.False(t, Retryable(err))

	_, err = cli.Call(context.Background(), "fail", nil)
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "disk full", remote.Msg)

	// a sum that overflows to +Inf cannot be encoded as JSON
	_, err = cli.Call(context.Background(), "add", message.Body{"elements": []any{1e308, 1e308}})
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Msg, "unsupported value")

	// the server keeps serving after handler failures
	out, err := cli.Call(context.Background(), "echo", message.Body{"v": 1.0})
	require.NoError(t, err)
	assert.Equal(t, message.Body{"v": 1.0}, out)
}

func TestCallEmptyAPI(t *testing.T) {
	// nothing listens here; the call must fail before dialing
	cli := New("127.0.0.1:1")
	_, err := cli.Call(context.Background(), "", nil)
	assert.ErrorIs(t, err, message.ErrEmptyAPI)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestCallConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = New(addr, WithTimeout(time.Second)).Call(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, Retryable(err))
}

func TestCallReadTimeout(t *testing.T) {
	srv := startServer(t, server.Config{})

	_, err := New(srv.Addr().String(), WithTimeout(50*time.Millisecond)).Call(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestCallGuardTimeout(t *testing.T) {
	srv := startServer(t, server.Config{})

	start := time.Now()
	_, err := New(srv.Addr().String(), WithGuard(50*time.Millisecond)).Call(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, guard.ErrTimeout)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.True(t, Retryable(err))
}

func TestCallServerRequestTimeout(t *testing.T) {
	srv := startServer(t, server.Config{RequestTimeout: 50 * time.Millisecond})

	_, err := New(srv.Addr().String()).Call(context.Background(), "slow", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "timeout", remote.Msg)
}

func TestCallContextCancelled(t *testing.T) {
	srv := startServer(t, server.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(srv.Addr().String()).Call(ctx, "slow", nil)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallConcurrent(t *testing.T) {
	srv := startServer(t, server.Config{})
	cli := New(srv.Addr().String())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := cli.Call(context.Background(), "echo", message.Body{"i": float64(i)})
			if assert.NoError(t, err) {
				assert.Equal(t, float64(i), out["i"])
			}
		}(i)
	}
	wg.Wait()
}

func TestCallDiscovered(t *testing.T) {
	srv1 := startServer(t, server.Config{})
	srv2 := startServer(t, server.Config{})

	reg := discovery.NewStatic("bridge",
		discovery.Instance{Addr: srv1.Addr().String()},
		discovery.Instance{Addr: srv2.Addr().String()},
	)
	cli := NewDiscovered(reg, "bridge", &loadbalance.RoundRobinBalancer{})

	for i := 0; i < 4; i++ {
		out, err := cli.Call(context.Background(), "add", message.Body{"elements": []any{i, 1}})
		require.NoError(t, err)
		assert.Equal(t, float64(i+1), out["result"])
	}

	_, err := NewDiscovered(reg, "missing", &loadbalance.RoundRobinBalancer{}).Call(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, loadbalance.ErrNoInstances)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestCallServerRegistersItself(t *testing.T) {
	reg := discovery.NewStatic("bridge")
	srv := startServer(t, server.Config{Discovery: &server.DiscoveryConfig{Registry: reg, Service: "bridge"}})

	instances, err := reg.Discover(context.Background(), "bridge")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, srv.Addr().String(), instances[0].Addr)

	out, err := NewDiscovered(reg, "bridge", loadbalance.NewConsistentHashBalancer()).Call(context.Background(), "echo", message.Body{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, message.Body{"a": "b"}, out)

	require.NoError(t, srv.Stop())
	instances, err = reg.Discover(context.Background(), "bridge")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestCallWithRetryMiddleware(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	var attempts atomic.Int32
	counter := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, api string, body message.Body) (message.Body, error) {
			attempts.Add(1)
			return next(ctx, api, body)
		}
	}

	cli := New(addr, WithTimeout(time.Second), WithMiddleware(
		middleware.RetryMiddleware(2, time.Millisecond, Retryable),
		counter,
	))
	_, err = cli.Call(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(errors.New("other")))
	assert.False(t, Retryable(&RemoteError{Msg: "x"}))
	assert.True(t, Retryable(guard.ErrTimeout))
	assert.False(t, Retryable(context.Canceled))
}

func TestRemoteErrorDefaultMessage(t *testing.T) {
	assert.Equal(t, "server error", newRemoteError("").Error())
	assert.Equal(t, "boom", newRemoteError("boom").Error())
}
