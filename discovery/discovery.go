// Package discovery keeps track of which addresses serve a named procbridge service.
//
// Servers register themselves on Start and deregister on Stop; discovered clients
// look instances up per call and hand them to a load balancer.
package discovery

import (
	"context"
	"errors"
	"sort"
	"time"
)

var ErrEmptyAddr = errors.New("instance address is empty")

type Instance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // relative share for weighted balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register publishes inst under service. Entries with a positive ttl expire
	// unless the registering process stays alive.
	Register(ctx context.Context, service string, inst Instance, ttl time.Duration) error
	Deregister(ctx context.Context, service, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list once and again after every change,
	// until ctx is done.
	Watch(ctx context.Context, service string) <-chan []Instance
}

func sortInstances(instances []Instance) []Instance {
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Addr < instances[j].Addr
	})
	return instances
}
