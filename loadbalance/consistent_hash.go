package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"spi-rpc/message"
)

// ConsistentHashBalancer maps calls to instances using a hash ring.
// The same service key and parameters always map to the same instance (until the ring
// changes), providing cache affinity for stateful services.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring so that a
// handful of instances still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	rings map[string]*hashRing // service key -> ring of its current address list
}

type hashRing struct {
	signature string            // joined address list the ring was built from
	ring      []uint32          // sorted hash values on the ring
	nodes     map[uint32]string // hash value -> address
}

// NewConsistentHashBalancer creates a balancer with 160 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 160,
		rings:    make(map[string]*hashRing),
	}
}

func (b *ConsistentHashBalancer) Select(addrs []string, req *message.Request) (string, error) {
	if len(addrs) == 0 {
		return "", ErrNoInstances
	}
	serviceKey, key := "", ""
	if req != nil {
		serviceKey = req.ServiceKey()
		key = serviceKey + fmt.Sprint(req.Parameters...)
	}
	return b.ring(serviceKey, addrs).pick(key), nil
}

// ring returns the ring for serviceKey, rebuilding it when the address list changed.
func (b *ConsistentHashBalancer) ring(serviceKey string, addrs []string) *hashRing {
	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)
	signature := strings.Join(sorted, ",")

	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rings[serviceKey]; ok && r.signature == signature {
		return r
	}
	r := &hashRing{signature: signature, nodes: make(map[uint32]string)}
	for _, addr := range sorted {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
			r.ring = append(r.ring, hash)
			r.nodes[hash] = addr
		}
	}
	// Keep the ring sorted for binary search in pick()
	sort.Slice(r.ring, func(i, j int) bool {
		return r.ring[i] < r.ring[j]
	})
	b.rings[serviceKey] = r
	return r
}

// pick hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node.
func (r *hashRing) pick(key string) string {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(r.ring), func(i int) bool {
		return r.ring[i] >= hash
	})
	if idx == len(r.ring) {
		idx = 0
	}
	return r.nodes[r.ring[idx]]
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
