package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spi-rpc/message"
)

var testAddrs = []string{"10.0.0.1:9999", "10.0.0.2:9999", "10.0.0.3:9999"}

func testRequest(params ...any) *message.Request {
	return &message.Request{InterfaceName: "com.x.Hello", Group: "g", Version: "v1", Parameters: params}
}

func TestBalancersRejectEmpty(t *testing.T) {
	for _, b := range []Balancer{&RandomBalancer{}, &RoundRobinBalancer{}, NewConsistentHashBalancer()} {
		_, err := b.Select(nil, testRequest())
		assert.ErrorIs(t, err, ErrNoInstances, b.Name())
	}
}

func TestBalancersPickFromList(t *testing.T) {
	for _, b := range []Balancer{&RandomBalancer{}, &RoundRobinBalancer{}, NewConsistentHashBalancer()} {
		for i := 0; i < 50; i++ {
			addr, err := b.Select(testAddrs, testRequest(i))
			require.NoError(t, err)
			assert.Contains(t, testAddrs, addr, b.Name())
		}
	}
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		addr, err := b.Select(testAddrs, nil)
		require.NoError(t, err)
		results[i] = addr
	}
	assert.ElementsMatch(t, testAddrs, results)

	// Pick again, should wrap around to first
	addr, _ := b.Select(testAddrs, nil)
	assert.Equal(t, results[0], addr)
}

func TestRandomSpread(t *testing.T) {
	b := &RandomBalancer{}
	seen := map[string]int{}
	for i := 0; i < 1000; i++ {
		addr, err := b.Select(testAddrs, nil)
		require.NoError(t, err)
		seen[addr]++
	}
	assert.Len(t, seen, len(testAddrs))
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	// Same parameters should always map to the same instance
	first, _ := b.Select(testAddrs, testRequest("user-123"))
	second, _ := b.Select(testAddrs, testRequest("user-123"))
	assert.Equal(t, first, second)

	// Order of the address list does not matter
	reordered := []string{testAddrs[2], testAddrs[0], testAddrs[1]}
	third, _ := b.Select(reordered, testRequest("user-123"))
	assert.Equal(t, first, third)

	// Different keys should spread over the instances
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		addr, _ := b.Select(testAddrs, testRequest(fmt.Sprintf("key-%d", i)))
		seen[addr] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashRebuildsOnChange(t *testing.T) {
	b := NewConsistentHashBalancer()
	_, err := b.Select(testAddrs, testRequest("k"))
	require.NoError(t, err)

	shrunk := testAddrs[:1]
	for i := 0; i < 20; i++ {
		addr, err := b.Select(shrunk, testRequest(i))
		require.NoError(t, err)
		assert.Equal(t, shrunk[0], addr)
	}
}
