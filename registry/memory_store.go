package registry

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store. Watches fire synchronously, after the change is
// applied and before the mutating call returns. It backs tests and single-process
// deployments where caller and service share one registry.
type MemoryStore struct {
	mu      sync.Mutex
	nodes   map[string]struct{}
	watches map[string][]func()
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[string]struct{}),
		watches: make(map[string][]func()),
	}
}

func (s *MemoryStore) Create(ctx context.Context, p string) error {
	if err := validatePath(p); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var changed []string
	for _, n := range append(ancestors(p), p) {
		if _, ok := s.nodes[n]; ok {
			continue
		}
		s.nodes[n] = struct{}{}
		changed = append(changed, path.Dir(n))
	}
	fns := s.watchersLocked(changed)
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, p string) (bool, error) {
	if err := validatePath(p); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.nodes[p]
	return ok, nil
}

func (s *MemoryStore) Children(ctx context.Context, p string) ([]string, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.nodes[p]; !ok {
		return nil, ErrNoNode
	}
	return s.childrenLocked(p), nil
}

func (s *MemoryStore) childrenLocked(p string) []string {
	prefix := p + "/"
	children := []string{}
	for n := range s.nodes {
		if rest, ok := strings.CutPrefix(n, prefix); ok && !strings.Contains(rest, "/") {
			children = append(children, rest)
		}
	}
	sort.Strings(children)
	return children
}

func (s *MemoryStore) Delete(ctx context.Context, p string) error {
	if err := validatePath(p); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.nodes[p]; !ok {
		s.mu.Unlock()
		return ErrNoNode
	}
	if len(s.childrenLocked(p)) > 0 {
		s.mu.Unlock()
		return ErrNotEmpty
	}
	delete(s.nodes, p)
	fns := s.watchersLocked([]string{path.Dir(p)})
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context, p string, fn func()) error {
	if err := validatePath(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.watches[p] = append(s.watches[p], fn)
	return nil
}

func (s *MemoryStore) watchersLocked(parents []string) []func() {
	var fns []func()
	for _, p := range parents {
		fns = append(fns, s.watches[p]...)
	}
	return fns
}

// Close drops every watch; later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.watches = nil
	return nil
}
