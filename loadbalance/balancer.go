// Package loadbalance picks one discovered instance per call.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  instances with different capacity
//   - ConsistentHash:  the same api keeps landing on the same instance
package loadbalance

import (
	"errors"
	"fmt"
	"strings"

	"procbridge/discovery"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer selects a target instance. key is the api name of the call; only
// key-aware strategies look at it. Implementations are safe for concurrent use.
type Balancer interface {
	Pick(key string, instances []discovery.Instance) (*discovery.Instance, error)
	Name() string
}

// New returns the strategy registered under name: "round_robin", "weighted_random"
// or "consistent_hash".
func New(name string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", "round_robin", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "weightedrandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash", "consistenthash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
