package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"spi-rpc/loadbalance"
	"spi-rpc/message"
	"spi-rpc/metrics"
)

const DefaultRoot = "/my-rpc"

// StoreFactory creates the coordination service client on first use.
type StoreFactory func() (Store, error)

// Options configures a Registry.
type Options struct {
	Root     string               // defaults to DefaultRoot
	Balancer loadbalance.Balancer // defaults to random selection
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Registry publishes and discovers service addresses.
//
// Lookups are answered from an address cache. The first lookup of a service key fetches
// the child list synchronously and installs a standing watch on the service node; from
// then on every change notification replaces the cached list with a fresh child list.
type Registry struct {
	root     string
	balancer loadbalance.Balancer
	logger   *zap.Logger
	metrics  *metrics.Metrics

	newStore StoreFactory
	storeMu  sync.Mutex
	store    Store
	closed   bool

	cacheMu sync.RWMutex
	cache   map[string][]string // service key -> addresses

	watchMu sync.Mutex
	watched map[string]struct{}

	fetches singleflight.Group

	registered sync.Map // node path -> struct{}
}

// New returns a registry whose store is created by newStore on first use.
func New(newStore StoreFactory, opts Options) *Registry {
	if opts.Root == "" {
		opts.Root = DefaultRoot
	}
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RandomBalancer{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		root:     strings.TrimSuffix(opts.Root, "/"),
		balancer: opts.Balancer,
		logger:   opts.Logger.Named("registry"),
		metrics:  opts.Metrics,
		newStore: newStore,
		cache:    make(map[string][]string),
		watched:  make(map[string]struct{}),
	}
}

// Store returns the shared store, creating it on first use.
func (r *Registry) Store() (Store, error) {
	r.storeMu.Lock()
	defer r.storeMu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.store != nil {
		return r.store, nil
	}
	s, err := r.newStore()
	if err != nil {
		return nil, err
	}
	r.store = s
	return s, nil
}

// ServicePath is the namespace node of a service key.
func (r *Registry) ServicePath(serviceKey string) string {
	return r.root + "/" + serviceKey
}

// PublishService creates the durable node {root}/{serviceKey}/{addr}. Publishing the
// same pair again is a no-op. Failures are logged and returned; callers treating
// registration as best-effort may ignore them.
func (r *Registry) PublishService(ctx context.Context, serviceKey, addr string) error {
	p := r.ServicePath(serviceKey) + "/" + addr
	logger := r.logger.With(zap.String("path", p))

	if _, ok := r.registered.Load(p); ok {
		logger.Info("node already exists")
		return nil
	}
	store, err := r.Store()
	if err != nil {
		logger.Error("create persistent node failed", zap.Error(err))
		return err
	}
	exists, err := store.Exists(ctx, p)
	if err != nil {
		logger.Error("create persistent node failed", zap.Error(err))
		return fmt.Errorf("registry: publish %s: %w", p, err)
	}
	if exists {
		logger.Info("node already exists")
	} else {
		if err := store.Create(ctx, p); err != nil {
			logger.Error("create persistent node failed", zap.Error(err))
			return fmt.Errorf("registry: publish %s: %w", p, err)
		}
		logger.Info("node created")
	}
	r.registered.Store(p, struct{}{})
	return nil
}

// LookupService selects an address serving req's service key.
func (r *Registry) LookupService(ctx context.Context, req *message.Request) (string, error) {
	return r.lookup(ctx, req.ServiceKey(), req)
}

// Lookup selects an address serving serviceKey.
func (r *Registry) Lookup(ctx context.Context, serviceKey string) (string, error) {
	return r.lookup(ctx, serviceKey, nil)
}

func (r *Registry) lookup(ctx context.Context, serviceKey string, req *message.Request) (string, error) {
	addrs, err := r.addresses(ctx, serviceKey)
	if err != nil {
		return "", err
	}
	addr, err := r.balancer.Select(addrs, req)
	if err != nil {
		return "", fmt.Errorf("%w %s: %w", ErrNoAddress, serviceKey, err)
	}
	r.logger.Debug("service address found", zap.String("service", serviceKey), zap.String("addr", addr))
	return addr, nil
}

// Addresses returns the cached address list of a service key.
func (r *Registry) Addresses(serviceKey string) ([]string, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	addrs, ok := r.cache[serviceKey]
	return append([]string(nil), addrs...), ok
}

func (r *Registry) addresses(ctx context.Context, serviceKey string) ([]string, error) {
	r.cacheMu.RLock()
	addrs, ok := r.cache[serviceKey]
	r.cacheMu.RUnlock()
	if ok {
		r.metrics.RegistryLookup("cache")
		return addrs, nil
	}
	r.metrics.RegistryLookup("registry")

	v, err, _ := r.fetches.Do(serviceKey, func() (any, error) {
		return r.populate(ctx, serviceKey)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// populate installs the watch, then fetches the child list and caches it unless a
// watch notification got there first. A change made between the two steps still
// reaches the cache through the watch.
func (r *Registry) populate(ctx context.Context, serviceKey string) ([]string, error) {
	p := r.ServicePath(serviceKey)
	store, err := r.Store()
	if err != nil {
		return nil, err
	}
	if err := r.watch(ctx, store, serviceKey); err != nil {
		r.logger.Warn("register watcher failed", zap.String("path", p), zap.Error(err))
	}
	children, err := store.Children(ctx, p)
	if err != nil {
		r.logger.Error("get children nodes failed", zap.String("path", p), zap.Error(err))
		return nil, fmt.Errorf("%w %s: %w", ErrNoAddress, serviceKey, err)
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[serviceKey]; ok {
		children = cached
	} else {
		r.cache[serviceKey] = children
	}
	r.cacheMu.Unlock()
	return children, nil
}

// watch installs the standing watch of a service key once.
func (r *Registry) watch(ctx context.Context, store Store, serviceKey string) error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if _, ok := r.watched[serviceKey]; ok {
		return nil
	}
	p := r.ServicePath(serviceKey)
	err := store.Watch(ctx, p, func() {
		children, err := store.Children(context.Background(), p)
		if err != nil {
			r.logger.Warn("refresh children nodes failed", zap.String("path", p), zap.Error(err))
			return
		}
		r.cacheMu.Lock()
		r.cache[serviceKey] = children
		r.cacheMu.Unlock()
		r.logger.Info("service addresses changed", zap.String("service", serviceKey), zap.Strings("addrs", children))
	})
	if err != nil {
		return err
	}
	r.watched[serviceKey] = struct{}{}
	r.logger.Info("watching service", zap.String("path", p))
	return nil
}

// Registered lists the node paths this process created or confirmed, sorted.
func (r *Registry) Registered() []string {
	var paths []string
	r.registered.Range(func(k, _ any) bool {
		paths = append(paths, k.(string))
		return true
	})
	sort.Strings(paths)
	return paths
}

// Cleanup deletes every registered node whose last segment is addr. A failing node is
// logged and skipped; the returned error combines all failures.
func (r *Registry) Cleanup(ctx context.Context, addr string) error {
	store, err := r.Store()
	if err != nil {
		return err
	}
	suffix := "/" + addr
	var errs error
	for _, p := range r.Registered() {
		if !strings.HasSuffix(p, suffix) {
			continue
		}
		if err := store.Delete(ctx, p); err != nil {
			r.logger.Error("clear registry failed", zap.String("path", p), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("registry: delete %s: %w", p, err))
			continue
		}
		r.registered.Delete(p)
	}
	r.logger.Info("registered services cleared", zap.String("addr", addr))
	return errs
}

// Close closes the store. The registry cannot be used afterwards.
func (r *Registry) Close() error {
	r.storeMu.Lock()
	defer r.storeMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}
