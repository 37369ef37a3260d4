package registry

import (
	"context"
	"errors"
	"path"
	"strings"
)

var (
	ErrNoNode      = errors.New("registry: node does not exist")
	ErrNotEmpty    = errors.New("registry: node has children")
	ErrInvalidPath = errors.New("registry: invalid path")
	ErrClosed      = errors.New("registry: closed")
	ErrUnavailable = errors.New("registry: coordination service unavailable")
	ErrNoAddress   = errors.New("registry: no address for service")
)

// Store is the client of a hierarchical coordination service. Paths are absolute,
// slash-separated, without a trailing slash. All nodes are durable: they outlive the
// session that created them.
type Store interface {
	// Create creates path and any missing ancestors. Creating an existing node is not
	// an error.
	Create(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	// Children lists the names of the direct children of path, sorted.
	Children(ctx context.Context, path string) ([]string, error)
	// Delete removes a leaf node.
	Delete(ctx context.Context, path string) error
	// Watch calls fn after every change to the children of path until the store is
	// closed. Each call to Watch adds one more standing watch.
	Watch(ctx context.Context, path string, fn func()) error
	Close() error
}

func validatePath(p string) error {
	if p == "" || p[0] != '/' || (len(p) > 1 && strings.HasSuffix(p, "/")) || path.Clean(p) != p {
		return ErrInvalidPath
	}
	return nil
}

// ancestors returns every proper ancestor of p, root first, excluding "/".
func ancestors(p string) []string {
	var out []string
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return out
}
