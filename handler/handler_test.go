package handler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"spi-rpc/message"
)

type Point struct {
	X, Y int
}

type Geometry struct{ calls int }

func (g *Geometry) Hello(name string) string { return "hello " + name }

func (g *Geometry) Add(ctx context.Context, a, b int) (int, error) {
	if ctx == nil {
		return 0, errors.New("missing context")
	}
	return a + b, nil
}

func (g *Geometry) Move(p Point, dx int) (Point, error) {
	return Point{X: p.X + dx, Y: p.Y}, nil
}

func (g *Geometry) Fail() error { return errors.New("always fails") }

func (g *Geometry) Touch() { g.calls++ }

func (g *Geometry) Crash(i int) int {
	var m map[string]int
	m["x"] = i
	return i
}

func (g *Geometry) Sum(xs ...int) int { return 0 }

func (g *Geometry) Three() (int, int, error) { return 0, 0, nil }

type services map[string]*Service

func (s services) GetService(key string) (*Service, error) {
	svc, ok := s[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, key)
	}
	return svc, nil
}

const geometryKey = "geometry" + "g" + "v1"

func newTestHandler(t *testing.T, g *Geometry) *RequestHandler {
	t.Helper()
	svc, err := NewService(geometryKey, g)
	require.NoError(t, err)
	return New(services{geometryKey: svc}, zaptest.NewLogger(t))
}

func call(method string, params ...any) *message.Request {
	return &message.Request{
		RequestID:     "req-1",
		InterfaceName: "geometry",
		MethodName:    method,
		Parameters:    params,
		Version:       "v1",
		Group:         "g",
	}
}

func TestMethodTable(t *testing.T) {
	svc, err := NewService(geometryKey, &Geometry{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Add", "Crash", "Fail", "Hello", "Move", "Touch"}, svc.Methods())
}

func TestNoCallableMethods(t *testing.T) {
	_, err := NewService("empty", &struct{}{})
	assert.Error(t, err)
	_, err = NewService("nil", nil)
	assert.Error(t, err)
}

func TestHandle(t *testing.T) {
	g := &Geometry{}
	h := newTestHandler(t, g)
	ctx := context.Background()

	resp := h.Handle(ctx, call("hello", "a"))
	assert.True(t, resp.OK())
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "hello a", resp.Data)

	// JSON-decoded numbers arrive as float64
	resp = h.Handle(ctx, call("Add", float64(2), float64(3)))
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, 5, resp.Data)

	// structs arrive as maps
	resp = h.Handle(ctx, call("Move", map[string]any{"X": 1.0, "Y": 2.0}, 3))
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, Point{X: 4, Y: 2}, resp.Data)

	resp = h.Handle(ctx, call("Touch"))
	assert.True(t, resp.OK())
	assert.Nil(t, resp.Data)
	assert.Equal(t, 1, g.calls)
}

func TestHandleFailures(t *testing.T) {
	h := newTestHandler(t, &Geometry{})
	ctx := context.Background()

	resp := h.Handle(ctx, call("Fail"))
	assert.Equal(t, message.CodeFail, resp.Code)
	assert.Equal(t, "always fails", resp.Message)

	resp = h.Handle(ctx, call("Missing"))
	assert.Equal(t, message.CodeNotFound, resp.Code)

	resp = h.Handle(ctx, call("Sum", 1, 2))
	assert.Equal(t, message.CodeNotFound, resp.Code)

	resp = h.Handle(ctx, call("Hello"))
	assert.Equal(t, message.CodeFail, resp.Code)
	assert.Contains(t, resp.Message, "takes 1 arguments, got 0")

	resp = h.Handle(ctx, call("Add", "two", 3))
	assert.Equal(t, message.CodeFail, resp.Code)
	assert.Contains(t, resp.Message, "bad arguments")

	req := call("Hello", "a")
	req.Version = "v2"
	resp = h.Handle(ctx, req)
	assert.Equal(t, message.CodeNotFound, resp.Code)
	assert.Contains(t, resp.Message, "service not found")
}

func TestHandlePanic(t *testing.T) {
	h := newTestHandler(t, &Geometry{})
	resp := h.Handle(context.Background(), call("Crash", 1))
	assert.Equal(t, message.CodeFail, resp.Code)
	assert.Contains(t, resp.Message, "panicked")
	assert.Equal(t, "req-1", resp.RequestID)
}
