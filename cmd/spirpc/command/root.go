// Package command implements the spirpc command line.
package command

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"spi-rpc/codec"
	"spi-rpc/compress"
	"spi-rpc/config"
	"spi-rpc/extension"
	"spi-rpc/metrics"
	"spi-rpc/plugins"
	"spi-rpc/protocol"
	"spi-rpc/registry"
	"spi-rpc/transport"
)

// app carries what the root command prepares for its subcommands.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
}

func NewRootCommand() *cobra.Command {
	a := &app{v: config.NewViper()}
	root := &cobra.Command{
		Use:           "spirpc",
		Short:         "Serve and call services over spi-rpc",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				a.v.Set("log.level", "debug")
			}
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(a.v, path)
			if err != nil {
				return err
			}
			logger, err := cfg.Log.Build()
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			logger.Debug("config loaded", zap.String("file", path), zap.Any("config", cfg))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				a.logger.Sync()
			}
		},
	}
	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "configuration file (yaml, json, toml or properties)")
	flags.String("registry", "", "registry backend: etcd or memory")
	flags.StringSlice("endpoints", nil, "etcd endpoints")
	flags.BoolP("verbose", "v", false, "log at debug level")
	a.v.BindPFlag("registry.type", flags.Lookup("registry"))
	a.v.BindPFlag("registry.endpoints", flags.Lookup("endpoints"))

	root.AddCommand(newServerCommand(a), newCallCommand(a))
	return root
}

// stack is the shared plumbing both subcommands build from the config.
type stack struct {
	catalog  *extension.Catalog
	codec    *protocol.Codec
	registry *registry.Registry
	metrics  *metrics.Metrics
}

func (a *app) newStack(reg prometheus.Registerer) (*stack, error) {
	catalog, err := plugins.NewCatalog(plugins.Options{Etcd: a.cfg.Registry.Etcd(a.logger), Logger: a.logger})
	if err != nil {
		return nil, err
	}
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	balancer, err := plugins.Balancer(catalog, a.cfg.Registry.Balancer)
	if err != nil {
		return nil, err
	}
	return &stack{
		catalog: catalog,
		codec:   protocol.NewCodec(catalog, m),
		registry: registry.New(plugins.StoreFactory(catalog, a.cfg.Registry.Type), registry.Options{
			Root:     a.cfg.Registry.Root,
			Balancer: balancer,
			Logger:   a.logger,
			Metrics:  m,
		}),
		metrics: m,
	}, nil
}

func (a *app) transportOptions(s *stack, d transport.Discovery) (transport.Options, error) {
	serializer, err := codec.TypeOf(a.cfg.Transport.Serializer)
	if err != nil {
		return transport.Options{}, err
	}
	compressor, err := compress.TypeOf(a.cfg.Transport.Compressor)
	if err != nil {
		return transport.Options{}, err
	}
	return transport.Options{
		Codec:          s.codec,
		Discovery:      d,
		Serializer:     serializer,
		Compressor:     compressor,
		ConnectTimeout: a.cfg.Transport.ConnectTimeout,
		WriterIdle:     a.cfg.Transport.WriterIdle,
		CallTimeout:    a.cfg.Client.CallTimeout,
		Logger:         a.logger,
		Metrics:        s.metrics,
	}, nil
}

// Close closes the registry and with it the store the catalog created.
func (s *stack) Close() error {
	return s.registry.Close()
}
