// Package config loads process settings from defaults, an optional file and
// SPIRPC_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"spi-rpc/codec"
	"spi-rpc/compress"
	"spi-rpc/registry"
)

const EnvPrefix = "SPIRPC"

type Config struct {
	Registry  RegistryConfig  `mapstructure:"registry"`
	Transport TransportConfig `mapstructure:"transport"`
	Server    ServerConfig    `mapstructure:"server"`
	Client    ClientConfig    `mapstructure:"client"`
	Log       LogConfig       `mapstructure:"log"`
}

type RegistryConfig struct {
	Type           string        `mapstructure:"type"` // store extension name: etcd, memory
	Endpoints      []string      `mapstructure:"endpoints"`
	Root           string        `mapstructure:"root"`
	Balancer       string        `mapstructure:"balancer"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RetryBaseSleep time.Duration `mapstructure:"retry_base_sleep"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

type TransportConfig struct {
	Serializer     string        `mapstructure:"serializer"`
	Compressor     string        `mapstructure:"compressor"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WriterIdle     time.Duration `mapstructure:"writer_idle"`
}

type ServerConfig struct {
	Bind       string        `mapstructure:"bind"`
	Port       int           `mapstructure:"port"`
	Advertise  string        `mapstructure:"advertise"` // host:port announced to the registry
	Workers    int           `mapstructure:"workers"`
	ReaderIdle time.Duration `mapstructure:"reader_idle"`
	RateLimit  float64       `mapstructure:"rate_limit"` // calls per second; 0 disables
	RateBurst  int           `mapstructure:"rate_burst"`
}

type ClientConfig struct {
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"` // json or console
}

func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			Type:           "etcd",
			Endpoints:      []string{"127.0.0.1:2379"},
			Root:           registry.DefaultRoot,
			Balancer:       "random",
			DialTimeout:    5 * time.Second,
			ConnectTimeout: 30 * time.Second,
			RetryBaseSleep: time.Second,
			MaxRetries:     3,
		},
		Transport: TransportConfig{
			Serializer:     "json",
			Compressor:     "gzip",
			ConnectTimeout: 5 * time.Second,
			WriterIdle:     5 * time.Second,
		},
		Server: ServerConfig{
			Bind:       "0.0.0.0",
			Port:       9999,
			Workers:    2 * runtime.NumCPU(),
			ReaderIdle: 30 * time.Second,
		},
		Client: ClientConfig{
			CallTimeout:    30 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

// NewViper returns a viper instance holding every default and reading overrides from
// the environment, e.g. SPIRPC_REGISTRY_ENDPOINTS=a:2379,b:2379.
func NewViper() *viper.Viper {
	v := viper.New()
	d := Default()
	defaults := map[string]any{
		"registry.type":             d.Registry.Type,
		"registry.endpoints":        d.Registry.Endpoints,
		"registry.root":             d.Registry.Root,
		"registry.balancer":         d.Registry.Balancer,
		"registry.dial_timeout":     d.Registry.DialTimeout,
		"registry.connect_timeout":  d.Registry.ConnectTimeout,
		"registry.retry_base_sleep": d.Registry.RetryBaseSleep,
		"registry.max_retries":      d.Registry.MaxRetries,
		"transport.serializer":      d.Transport.Serializer,
		"transport.compressor":      d.Transport.Compressor,
		"transport.connect_timeout": d.Transport.ConnectTimeout,
		"transport.writer_idle":     d.Transport.WriterIdle,
		"server.bind":               d.Server.Bind,
		"server.port":               d.Server.Port,
		"server.advertise":          d.Server.Advertise,
		"server.workers":            d.Server.Workers,
		"server.reader_idle":        d.Server.ReaderIdle,
		"server.rate_limit":         d.Server.RateLimit,
		"server.rate_burst":         d.Server.RateBurst,
		"client.call_timeout":       d.Client.CallTimeout,
		"client.max_retries":        d.Client.MaxRetries,
		"client.retry_base_delay":   d.Client.RetryBaseDelay,
		"log.level":                 d.Log.Level,
		"log.development":           d.Log.Development,
		"log.encoding":              d.Log.Encoding,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path into v when path is not empty and returns the validated result. The
// file format follows the extension: yaml, json, toml or properties.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error
	positive := map[string]time.Duration{
		"registry.dial_timeout":     c.Registry.DialTimeout,
		"registry.connect_timeout":  c.Registry.ConnectTimeout,
		"registry.retry_base_sleep": c.Registry.RetryBaseSleep,
		"transport.connect_timeout": c.Transport.ConnectTimeout,
		"transport.writer_idle":     c.Transport.WriterIdle,
		"server.reader_idle":        c.Server.ReaderIdle,
		"client.call_timeout":       c.Client.CallTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("config: %s must be positive, got %s", key, d))
		}
	}
	names := map[string]string{
		"registry.type":     c.Registry.Type,
		"registry.root":     c.Registry.Root,
		"registry.balancer": c.Registry.Balancer,
	}
	for key, name := range names {
		if strings.TrimSpace(name) == "" {
			errs = multierr.Append(errs, fmt.Errorf("config: %s must not be empty", key))
		}
	}
	if c.Registry.Type == "etcd" && len(c.Registry.Endpoints) == 0 {
		errs = multierr.Append(errs, errors.New("config: registry.endpoints must not be empty for etcd"))
	}
	if _, err := codec.TypeOf(c.Transport.Serializer); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("config: transport.serializer: %w", err))
	}
	if _, err := compress.TypeOf(c.Transport.Compressor); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("config: transport.compressor: %w", err))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("config: server.port out of range: %d", c.Server.Port))
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		errs = multierr.Append(errs, errors.New("config: server.rate_burst must be at least 1 when server.rate_limit is set"))
	}
	if c.Client.MaxRetries < 0 {
		errs = multierr.Append(errs, errors.New("config: client.max_retries must not be negative"))
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("config: log.level: %w", err))
	}
	return errs
}

// ListenAddr is the server's bind host and port.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Bind, s.Port)
}

// Etcd converts the registry section into etcd client settings.
func (r RegistryConfig) Etcd(logger *zap.Logger) registry.EtcdConfig {
	return registry.EtcdConfig{
		Endpoints:      r.Endpoints,
		DialTimeout:    r.DialTimeout,
		ConnectTimeout: r.ConnectTimeout,
		RetryBaseSleep: r.RetryBaseSleep,
		MaxRetries:     r.MaxRetries,
		Logger:         logger,
	}
}

// Build creates the process logger.
func (l LogConfig) Build() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if l.Encoding != "" {
		zc.Encoding = l.Encoding
	}
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}
