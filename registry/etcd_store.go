// Package registry publishes service addresses to, and discovers them from, a
// hierarchical coordination service.
//
// Layout (every node is durable):
//
//	{root}/{serviceKey}              namespace node of one logical service
//	{root}/{serviceKey}/{host:port}  one node per instance serving it
//
// EtcdStore maps this tree onto etcd keys: a node is a key with an empty value, the
// children of a node are the distinct next path segments under "{node}/", and a watch is
// an etcd prefix watch. Nodes are written without leases, so an instance that dies
// without running Cleanup stays listed.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// EtcdConfig configures the etcd client.
type EtcdConfig struct {
	Endpoints      []string
	DialTimeout    time.Duration // per dial attempt
	ConnectTimeout time.Duration // bound on waiting for initial connectivity
	RetryBaseSleep time.Duration // first backoff sleep, doubled on every retry
	MaxRetries     int
	Logger         *zap.Logger
}

// EtcdStore implements Store on etcd v3.
type EtcdStore struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	retryBase  time.Duration
	maxRetries int

	ctx    context.Context // cancelled by Close, ends every watch
	cancel context.CancelFunc

	closeOnce sync.Once
}

// NewEtcdStore connects to etcd and blocks until the cluster answers or
// cfg.ConnectTimeout elapses, in which case it fails with ErrUnavailable.
func NewEtcdStore(cfg EtcdConfig) (*EtcdStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if _, err := c.Get(ctx, "/", clientv3.WithCountOnly()); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: no answer from %v within %s: %w", ErrUnavailable, cfg.Endpoints, cfg.ConnectTimeout, err)
	}

	s := &EtcdStore{
		client:     c,
		logger:     logger.Named("etcd-store"),
		retryBase:  cfg.RetryBaseSleep,
		maxRetries: cfg.MaxRetries,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.logger.Info("connected to etcd", zap.Strings("endpoints", cfg.Endpoints))
	return s, nil
}

// Create writes path and its missing ancestors. Each key is created in a transaction
// guarded by CreateRevision == 0, so concurrent creators never overwrite each other.
func (s *EtcdStore) Create(ctx context.Context, p string) error {
	if err := validatePath(p); err != nil {
		return err
	}
	for _, key := range append(ancestors(p), p) {
		err := s.retry(ctx, "create", func(ctx context.Context) error {
			_, err := s.client.Txn(ctx).
				If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
				Then(clientv3.OpPut(key, "")).
				Commit()
			return err
		})
		if err != nil {
			return fmt.Errorf("registry: create %s: %w", key, err)
		}
	}
	return nil
}

func (s *EtcdStore) Exists(ctx context.Context, p string) (bool, error) {
	if err := validatePath(p); err != nil {
		return false, err
	}
	var exists bool
	err := s.retry(ctx, "exists", func(ctx context.Context) error {
		resp, err := s.client.Get(ctx, p, clientv3.WithCountOnly())
		if err != nil {
			return err
		}
		exists = resp.Count > 0
		return nil
	})
	return exists, err
}

func (s *EtcdStore) Children(ctx context.Context, p string) ([]string, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	prefix := p + "/"
	var children []string
	err := s.retry(ctx, "children", func(ctx context.Context) error {
		resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
		if err != nil {
			return err
		}
		seen := make(map[string]struct{})
		children = children[:0]
		for _, kv := range resp.Kvs {
			name, _, _ := strings.Cut(strings.TrimPrefix(string(kv.Key), prefix), "/")
			if _, dup := seen[name]; name == "" || dup {
				continue
			}
			seen[name] = struct{}{}
			children = append(children, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		exists, err := s.Exists(ctx, p)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNoNode
		}
		return []string{}, nil
	}
	sort.Strings(children)
	return children, nil
}

func (s *EtcdStore) Delete(ctx context.Context, p string) error {
	if err := validatePath(p); err != nil {
		return err
	}
	return s.retry(ctx, "delete", func(ctx context.Context) error {
		resp, err := s.client.Delete(ctx, p)
		if err != nil {
			return err
		}
		if resp.Deleted == 0 {
			return ErrNoNode
		}
		return nil
	})
}

// Watch uses etcd's Watch API (server-push) on the "{path}/" prefix. Every watch
// response, whatever the event kinds in it, triggers one fn call.
func (s *EtcdStore) Watch(ctx context.Context, p string, fn func()) error {
	if err := validatePath(p); err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	watchChan := s.client.Watch(s.ctx, p+"/", clientv3.WithPrefix(), clientv3.WithCreatedNotify())
	created := make(chan error, 1)
	go func() {
		pending := true
		for resp := range watchChan {
			if resp.Created {
				if pending {
					created <- resp.Err()
					pending = false
				}
				continue
			}
			if err := resp.Err(); err != nil {
				s.logger.Warn("watch error", zap.String("path", p), zap.Error(err))
				continue
			}
			fn()
		}
		if pending {
			created <- ErrClosed
		}
		s.logger.Debug("watch stopped", zap.String("path", p))
	}()
	// changes made after Watch returns are always delivered
	select {
	case err := <-created:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every watch and closes the client.
func (s *EtcdStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.client.Close()
	})
	return err
}

// retry runs op with exponential backoff while it fails with a transient error.
func (s *EtcdStore) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !isTransient(err) || attempt >= s.maxRetries {
			return err
		}
		sleep := s.retryBase * time.Duration(1<<attempt)
		s.logger.Warn("retry etcd operation",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("backoff", sleep), zap.Error(err))
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isTransient reports whether err means etcd is temporarily unreachable.
func isTransient(err error) bool {
	var etcdErr rpctypes.EtcdError
	if errors.As(err, &etcdErr) {
		return etcdErr.Code() == codes.Unavailable
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
