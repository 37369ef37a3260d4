package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spi-rpc/message"
)

func TestPendingCompleteOnce(t *testing.T) {
	p := NewPendingCalls(nil)
	f := newFuture("req-1")
	require.NoError(t, p.Put(f, nil))
	assert.Equal(t, 1, p.Len())

	require.NoError(t, p.Complete(message.Success("ok", "req-1")))
	resp, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Data)
	assert.Zero(t, p.Len())

	err = p.Complete(message.Success("again", "req-1"))
	assert.ErrorIs(t, err, ErrUnknownRequest)
	assert.False(t, p.Fail("req-1", errors.New("late")))
}

func TestPendingUnknownID(t *testing.T) {
	p := NewPendingCalls(nil)
	err := p.Complete(message.Success("ok", "never-sent"))
	assert.ErrorIs(t, err, ErrUnknownRequest)
	assert.Contains(t, err.Error(), "never-sent")
}

func TestPendingDuplicate(t *testing.T) {
	p := NewPendingCalls(nil)
	first := newFuture("req-1")
	require.NoError(t, p.Put(first, nil))
	assert.ErrorIs(t, p.Put(newFuture("req-1"), nil), ErrDuplicateRequest)

	// the live entry is untouched
	require.NoError(t, p.Complete(message.Success("ok", "req-1")))
	resp, _ := first.Result()
	assert.Equal(t, "ok", resp.Data)
}

func TestPendingRacingCompletions(t *testing.T) {
	p := NewPendingCalls(nil)
	const n = 200
	futures := make([]*Future, n)
	for i := range futures {
		futures[i] = newFuture(string(rune('a'+i%26)) + "-" + string(rune('0'+i/26)))
		require.NoError(t, p.Put(futures[i], nil))
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, f := range futures {
		id := f.RequestID()
		wg.Add(3)
		go func() {
			defer wg.Done()
			if p.Complete(message.Success("ok", id)) == nil {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if p.Fail(id, ErrCallTimeout) {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			wins.Add(int32(p.FailAll(ErrClientClosed)))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(n), wins.Load())
	assert.Zero(t, p.Len())
	for _, f := range futures {
		select {
		case <-f.Done():
		default:
			t.Fatalf("future %s not completed", f.RequestID())
		}
	}
}

func TestPendingFailChannel(t *testing.T) {
	p := NewPendingCalls(nil)
	a, b := &Channel{}, &Channel{}
	fa, fb := newFuture("a"), newFuture("b")
	require.NoError(t, p.Put(fa, a))
	require.NoError(t, p.Put(fb, b))

	assert.Equal(t, 1, p.FailChannel(a, ErrConnectionClosed))
	_, err := fa.Result()
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, 1, p.Len())

	select {
	case <-fb.Done():
		t.Fatal("call on another channel failed")
	default:
	}
}

func TestFutureHooks(t *testing.T) {
	f := newFuture("x")
	var ran atomic.Int32
	f.onComplete(func() { ran.Add(1) })
	assert.True(t, f.complete(nil, ErrCallTimeout))
	assert.False(t, f.complete(message.Success(1, "x"), nil))
	f.onComplete(func() { ran.Add(1) })
	assert.Equal(t, int32(2), ran.Load())

	_, err := f.Result()
	assert.ErrorIs(t, err, ErrCallTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newFuture("y").Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
