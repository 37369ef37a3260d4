// Package plugins wires the builtin implementations into an extension catalog.
//
// The name tables live in extensions/<kind>, embedded at build time. Adding a builtin
// means providing a factory here and a name=id line in the file of its kind.
package plugins

import (
	"embed"

	"go.uber.org/zap"

	"spi-rpc/codec"
	"spi-rpc/compress"
	"spi-rpc/extension"
	"spi-rpc/loadbalance"
	"spi-rpc/registry"
)

//go:embed extensions
var builtin embed.FS

// Options configures the factories that need external settings.
type Options struct {
	Etcd   registry.EtcdConfig
	Logger *zap.Logger
}

// NewCatalog returns a catalog holding every builtin implementation.
func NewCatalog(opts Options) (*extension.Catalog, error) {
	c := extension.NewCatalog(opts.Logger)

	c.Provide("codec.json", func() (any, error) { return &codec.JSONCodec{}, nil })
	c.Provide("codec.gob", func() (any, error) { return &codec.GobCodec{}, nil })

	c.Provide("compress.none", func() (any, error) { return compress.Noop{}, nil })
	c.Provide("compress.gzip", func() (any, error) { return compress.NewGzip(), nil })
	c.Provide("compress.zstd", func() (any, error) { return compress.NewZstd() })

	c.Provide("loadbalance.random", func() (any, error) { return &loadbalance.RandomBalancer{}, nil })
	c.Provide("loadbalance.roundrobin", func() (any, error) { return &loadbalance.RoundRobinBalancer{}, nil })
	c.Provide("loadbalance.consistenthash", func() (any, error) { return loadbalance.NewConsistentHashBalancer(), nil })

	c.Provide("registry.memory", func() (any, error) { return registry.NewMemoryStore(), nil })
	c.Provide("registry.etcd", func() (any, error) {
		cfg := opts.Etcd
		if cfg.Logger == nil {
			cfg.Logger = opts.Logger
		}
		return registry.NewEtcdStore(cfg)
	})

	if err := c.LoadFS(builtin, "extensions"); err != nil {
		return nil, err
	}
	return c, nil
}

// StoreFactory returns a registry.StoreFactory resolving the named store from c.
func StoreFactory(c *extension.Catalog, name string) registry.StoreFactory {
	return func() (registry.Store, error) {
		return extension.Resolve[registry.Store](c, extension.KindStore, name)
	}
}

// Balancer resolves the named balancer from c.
func Balancer(c *extension.Catalog, name string) (loadbalance.Balancer, error) {
	return extension.Resolve[loadbalance.Balancer](c, extension.KindBalancer, name)
}
