package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"procbridge/discovery"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps keys to instances on a hash ring. Each instance owns
// replicas virtual nodes hashed from "{addr}#{i}" so that load spreads evenly.
// The ring is rebuilt whenever Pick sees a different instance set.
//
//	         B ●───────● A
//	          │  key ◆──►│   (clockwise to the nearest node: A)
//	         C ●───────● A'  (virtual node of A)
type ConsistentHashBalancer struct {
	replicas int

	mu      sync.Mutex
	members string   // sorted addrs the ring was built from
	ring    []uint32 // sorted virtual node hashes
	nodes   map[uint32]discovery.Instance
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: defaultReplicas,
		nodes:    make(map[uint32]discovery.Instance),
	}
}

func membership(instances []discovery.Instance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}

func (b *ConsistentHashBalancer) rebuild(members string, instances []discovery.Instance) {
	b.members = members
	b.ring = b.ring[:0]
	clear(b.nodes)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick hashes key and walks clockwise to the first virtual node, wrapping around
// past the largest hash.
func (b *ConsistentHashBalancer) Pick(key string, instances []discovery.Instance) (*discovery.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if members := membership(instances); members != b.members {
		b.rebuild(members, instances)
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
