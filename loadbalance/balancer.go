// Package loadbalance provides the policies that pick one address out of the list the
// registry holds for a service key.
//
// Three strategies are implemented:
//   - Random:          stateless, the default
//   - RoundRobin:      even spread over equal-capacity instances
//   - ConsistentHash:  the same call parameters land on the same instance
package loadbalance

import (
	"errors"

	"spi-rpc/message"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for address selection strategies.
// The registry calls Select on every lookup, so implementations must be goroutine-safe
// and must only return an element of addrs.
type Balancer interface {
	Select(addrs []string, req *message.Request) (string, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
