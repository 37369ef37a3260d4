package loadbalance

import (
	"math/rand"

	"spi-rpc/message"
)

// RandomBalancer picks a uniformly random address.
type RandomBalancer struct{}

func (b *RandomBalancer) Select(addrs []string, req *message.Request) (string, error) {
	if len(addrs) == 0 {
		return "", ErrNoInstances
	}
	return addrs[rand.Intn(len(addrs))], nil
}

func (b *RandomBalancer) Name() string {
	return "Random"
}
