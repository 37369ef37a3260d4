package command

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().String()
}

func TestServeAndCall(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		root := NewRootCommand()
		root.SetArgs([]string{"server", "--registry", "memory", "--addr", addr, "--advertise", addr})
		served <- root.ExecuteContext(ctx)
	}()
	defer func() {
		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	}()

	var out bytes.Buffer
	require.Eventually(t, func() bool {
		out.Reset()
		root := NewRootCommand()
		root.SetOut(&out)
		root.SetArgs([]string{"call", "--registry", "memory", "--server", addr, "--description", "world", "--timeout", "2s"})
		return root.Execute() == nil
	}, 10*time.Second, 100*time.Millisecond)
	assert.Equal(t, "Hello description is world\n", out.String())
}

func TestCallRejectsBadConfig(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"call", "--config", "/nonexistent/spirpc.yaml"})
	assert.Error(t, root.Execute())
}

func TestAdvertiseAddr(t *testing.T) {
	assert.Equal(t, "10.0.0.1:9999", advertiseAddr("10.0.0.1:9999", &net.TCPAddr{Port: 1}))
	assert.Equal(t, "127.0.0.1:9999", advertiseAddr("", &net.TCPAddr{IP: net.IPv4zero, Port: 9999}))
	assert.Equal(t, "192.168.1.2:80", advertiseAddr("", &net.TCPAddr{IP: net.ParseIP("192.168.1.2"), Port: 80}))
}
