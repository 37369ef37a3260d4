package loadbalance

import (
	"sync/atomic"

	"spi-rpc/message"
)

// RoundRobinBalancer distributes requests evenly across all instances in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
//
// Best for: stateless services where all instances have similar capacity.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // incremented on each Select()
}

// Select picks the next address in round-robin order.
func (b *RoundRobinBalancer) Select(addrs []string, req *message.Request) (string, error) {
	if len(addrs) == 0 {
		return "", ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(addrs))
	return addrs[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
