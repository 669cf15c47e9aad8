// Package client calls procbridge servers.
//
// A Client makes one connection per Call: connect, write the request, read one
// response, close. A Session keeps one connection open, sends requests without
// waiting, and receives responses and server pushes on a background goroutine.
package client

import (
	"context"
	"fmt"
	"time"

	"procbridge/discovery"
	"procbridge/guard"
	"procbridge/loadbalance"
	"procbridge/message"
	"procbridge/middleware"
	"procbridge/protocol"
	"procbridge/transport"
)

// resolver picks the address for one call. key is the api name.
type resolver interface {
	resolve(ctx context.Context, key string) (string, error)
}

type staticResolver string

func (r staticResolver) resolve(context.Context, string) (string, error) {
	return string(r), nil
}

type discoveredResolver struct {
	registry discovery.Registry
	service  string
	balancer loadbalance.Balancer
}

func (r *discoveredResolver) resolve(ctx context.Context, key string) (string, error) {
	instances, err := r.registry.Discover(ctx, r.service)
	if err != nil {
		return "", err
	}
	inst, err := r.balancer.Pick(key, instances)
	if err != nil {
		return "", fmt.Errorf("service %q: %w", r.service, err)
	}
	return inst.Addr, nil
}

type Client struct {
	resolver resolver
	opts     options
	call     middleware.HandlerFunc
}

// New returns a client for the server at addr.
func New(addr string, opts ...Option) *Client {
	return newClient(staticResolver(addr), opts)
}

// NewDiscovered returns a client that looks service up in reg before every call
// and lets balancer choose among its instances, keyed by api name.
func NewDiscovered(reg discovery.Registry, service string, balancer loadbalance.Balancer, opts ...Option) *Client {
	return newClient(&discoveredResolver{registry: reg, service: service, balancer: balancer}, opts)
}

func newClient(r resolver, opts []Option) *Client {
	c := &Client{resolver: r, opts: buildOptions(opts)}
	c.call = middleware.Chain(c.opts.middlewares...)(c.roundTrip)
	return c
}

// Call sends one request and waits for its response. A BadResponse is returned
// as *RemoteError; the body of a GoodResponse may be nil.
func (c *Client) Call(ctx context.Context, api string, body message.Body) (message.Body, error) {
	if api == "" {
		return nil, message.ErrEmptyAPI
	}
	return c.call(ctx, api, body)
}

func (c *Client) roundTrip(ctx context.Context, api string, body message.Body) (message.Body, error) {
	if c.opts.guard > 0 {
		return guard.Execute(ctx, c.opts.guard, func(ctx context.Context) (message.Body, error) {
			return c.exchange(ctx, api, body)
		})
	}
	return c.exchange(ctx, api, body)
}

func (c *Client) exchange(ctx context.Context, api string, body message.Body) (message.Body, error) {
	addr, err := c.resolver.resolve(ctx, api)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	conn, err := transport.Dial(ctx, addr, c.opts.timeout, c.opts.codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer conn.Close()

	// unblocks the read when ctx ends first
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if c.opts.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.opts.timeout)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}

	if err := conn.WriteMessage(&message.Request{API: api, Body: body}); err != nil {
		return nil, ioError(ctx, err)
	}

	msg, err := conn.ReadMessage()
	if err != nil {
		return nil, ioError(ctx, err)
	}

	switch m := msg.(type) {
	case *message.GoodResponse:
		return m.Body, nil
	case *message.BadResponse:
		return nil, newRemoteError(m.Msg)
	}
	return nil, fmt.Errorf("%w: unexpected %s frame", protocol.ErrMalformed, msg.Kind())
}

// Open starts a persistent session with the server Call would use.
func (c *Client) Open(ctx context.Context, h MessageHandler) (*Session, error) {
	addr, err := c.resolver.resolve(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return dial(ctx, addr, h, c.opts)
}
