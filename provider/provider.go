// Package provider keeps the services a process exposes and publishes them to the
// registry.
package provider

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"spi-rpc/handler"
	"spi-rpc/message"
)

var ErrServiceNotFound = handler.ErrServiceNotFound

// ServiceConfig describes one exposed service.
type ServiceConfig struct {
	Group   string
	Version string
	// Interface is the interface name callers use; it defaults to the name of the
	// service's concrete type.
	Interface string
	Service   any
}

// InterfaceName returns Interface or the concrete type name of Service.
func (c ServiceConfig) InterfaceName() string {
	if c.Interface != "" {
		return c.Interface
	}
	t := reflect.TypeOf(c.Service)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.Name()
}

// ServiceName is the service key: interface name + group + version.
func (c ServiceConfig) ServiceName() string {
	return message.ServiceKey(c.InterfaceName(), c.Group, c.Version)
}

// Publisher is the registry capability used to announce services.
type Publisher interface {
	PublishService(ctx context.Context, serviceKey, addr string) error
}

type Options struct {
	Registry Publisher // nil keeps services local
	Address  string    // host:port announced for every service
	Logger   *zap.Logger
}

// Provider maps service keys to their method tables.
type Provider struct {
	registry Publisher
	logger   *zap.Logger

	mu       sync.RWMutex
	address  string
	services map[string]*handler.Service
}

func New(opts Options) *Provider {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Provider{
		registry: opts.Registry,
		address:  opts.Address,
		logger:   opts.Logger.Named("provider"),
		services: make(map[string]*handler.Service),
	}
}

// AddService builds the method table of cfg.Service. Adding a key twice keeps the
// first service.
func (p *Provider) AddService(cfg ServiceConfig) error {
	key := cfg.ServiceName()
	p.mu.RLock()
	_, exists := p.services[key]
	p.mu.RUnlock()
	if exists {
		return nil
	}
	svc, err := handler.NewService(key, cfg.Service)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.services[key]; ok {
		return nil
	}
	p.services[key] = svc
	p.logger.Info("service added", zap.String("service", key), zap.Strings("methods", svc.Methods()))
	return nil
}

// GetService returns the method table registered under serviceKey.
func (p *Provider) GetService(serviceKey string) (*handler.Service, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	svc, ok := p.services[serviceKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceKey)
	}
	return svc, nil
}

// Services lists the registered service keys, sorted.
func (p *Provider) Services() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.services))
	for k := range p.services {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetAddress sets the announced address; services published later use it.
func (p *Provider) SetAddress(addr string) {
	p.mu.Lock()
	p.address = addr
	p.mu.Unlock()
}

func (p *Provider) Address() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.address
}

// PublishService adds cfg and announces it at the provider's address. A failed
// announcement is logged and returned; the service stays registered locally.
func (p *Provider) PublishService(ctx context.Context, cfg ServiceConfig) error {
	if err := p.AddService(cfg); err != nil {
		return err
	}
	return p.publish(ctx, cfg.ServiceName())
}

// PublishAll announces every registered service.
func (p *Provider) PublishAll(ctx context.Context) error {
	var errs error
	for _, key := range p.Services() {
		errs = multierr.Append(errs, p.publish(ctx, key))
	}
	return errs
}

func (p *Provider) publish(ctx context.Context, key string) error {
	addr := p.Address()
	if p.registry == nil || addr == "" {
		return nil
	}
	if err := p.registry.PublishService(ctx, key, addr); err != nil {
		p.logger.Warn("publish service failed", zap.String("service", key), zap.String("addr", addr), zap.Error(err))
		return err
	}
	return nil
}
