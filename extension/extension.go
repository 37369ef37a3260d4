// Package extension resolves pluggable implementations (serializers, compressors,
// balancers, registry stores) by a short name.
//
// A Catalog is populated in two steps. Implementation factories are provided under an
// implementation id, and declarative sources map short names onto those ids, one source
// per capability kind:
//
//	# extensions/compressor
//	gzip = compress.gzip
//	zstd = compress.zstd
//
// Every kind gets exactly one Loader. A Loader builds its name table once, on first use,
// and caches one instance per name. Instances are additionally cached per implementation
// id, so two names (or two kinds) pointing at the same implementation share one instance.
package extension

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Kind names a capability interface.
type Kind string

const (
	KindSerializer Kind = "serializer"
	KindCompressor Kind = "compressor"
	KindBalancer   Kind = "balancer"
	KindStore      Kind = "store"
)

var (
	ErrNoSuchExtension = errors.New("extension: no such extension")
	ErrInvalidName     = errors.New("extension: name must not be empty")
	ErrWrongType       = errors.New("extension: implementation has unexpected type")
)

// Factory builds a new implementation instance.
type Factory func() (any, error)

type source struct {
	name string
	data []byte
}

// Catalog owns the factories, declarative sources and instance caches of a process.
type Catalog struct {
	logger *zap.Logger

	mu        sync.RWMutex
	factories map[string]Factory
	sources   map[Kind][]source

	loaders   sync.Map // Kind -> *Loader
	instances sync.Map // implementation id -> *holder
}

// NewCatalog returns an empty catalog. A nil logger disables logging.
func NewCatalog(logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		logger:    logger.Named("extension"),
		factories: make(map[string]Factory),
		sources:   make(map[Kind][]source),
	}
}

// Provide registers the factory for an implementation id, replacing any previous one.
func (c *Catalog) Provide(id string, f Factory) {
	c.mu.Lock()
	c.factories[id] = f
	c.mu.Unlock()
}

// AddSource adds a declarative name=implementation source for kind. Sources added after
// the kind's loader has been used are ignored by that loader.
func (c *Catalog) AddSource(kind Kind, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("extension: read source %s: %w", name, err)
	}
	c.mu.Lock()
	c.sources[kind] = append(c.sources[kind], source{name: name, data: data})
	c.mu.Unlock()
	return nil
}

// LoadFS adds every regular file in dir as a source; the file name is the kind.
func (c *Catalog) LoadFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("extension: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := path.Join(dir, e.Name())
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("extension: read %s: %w", p, err)
		}
		if err := c.AddSource(Kind(e.Name()), p, bytes.NewReader(data)); err != nil {
			return err
		}
	}
	return nil
}

// Loader returns the single loader for kind.
func (c *Catalog) Loader(kind Kind) *Loader {
	if l, ok := c.loaders.Load(kind); ok {
		return l.(*Loader)
	}
	l, _ := c.loaders.LoadOrStore(kind, &Loader{kind: kind, catalog: c})
	return l.(*Loader)
}

// Resolve returns the instance registered under name for kind.
func (c *Catalog) Resolve(kind Kind, name string) (any, error) {
	return c.Loader(kind).Get(name)
}

// Resolve is the typed form of Catalog.Resolve.
func Resolve[T any](c *Catalog, kind Kind, name string) (T, error) {
	var zero T
	v, err := c.Resolve(kind, name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s/%s is %T", ErrWrongType, kind, name, v)
	}
	return t, nil
}

func (c *Catalog) factory(id string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[id]
	return f, ok
}

func (c *Catalog) snapshot(kind Kind) []source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]source(nil), c.sources[kind]...)
}

// instance returns the shared instance of an implementation id.
func (c *Catalog) instance(id string, f Factory) (any, error) {
	h, _ := c.instances.LoadOrStore(id, new(holder))
	return h.(*holder).get(f)
}

// Loader resolves names of one kind.
type Loader struct {
	kind    Kind
	catalog *Catalog

	once  sync.Once
	names map[string]string // name -> implementation id

	instances sync.Map // name -> *holder
}

// Kind returns the capability kind served by the loader.
func (l *Loader) Kind() Kind { return l.kind }

// Get returns the instance for name, creating it on first use.
func (l *Loader) Get(name string) (any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	l.load()
	id, ok := l.names[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoSuchExtension, l.kind, name)
	}
	h, ok := l.instances.Load(name)
	if !ok {
		h, _ = l.instances.LoadOrStore(name, new(holder))
	}
	return h.(*holder).get(func() (any, error) { return l.create(name, id) })
}

// Names lists the names known to the loader, sorted.
func (l *Loader) Names() []string {
	l.load()
	names := make([]string, 0, len(l.names))
	for n := range l.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (l *Loader) create(name, id string) (any, error) {
	f, ok := l.catalog.factory(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s (implementation %s)", ErrNoSuchExtension, l.kind, name, id)
	}
	return l.catalog.instance(id, f)
}

func (l *Loader) load() {
	l.once.Do(func() {
		l.names = make(map[string]string)
		for _, src := range l.catalog.snapshot(l.kind) {
			l.parse(src)
		}
	})
}

func (l *Loader) parse(src source) {
	logger := l.catalog.logger.With(zap.String("kind", string(l.kind)), zap.String("source", src.name))
	sc := bufio.NewScanner(bytes.NewReader(src.data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, id, found := strings.Cut(line, "=")
		name, id = strings.TrimSpace(name), strings.TrimSpace(id)
		if !found || name == "" || id == "" {
			logger.Warn("skip malformed extension entry", zap.Int("line", lineNo), zap.String("entry", line))
			continue
		}
		if _, ok := l.catalog.factory(id); !ok {
			logger.Warn("skip extension with unknown implementation",
				zap.Int("line", lineNo), zap.String("name", name), zap.String("implementation", id))
			continue
		}
		l.names[name] = id
	}
	if err := sc.Err(); err != nil {
		logger.Warn("stop reading extension source", zap.Error(err))
	}
}

type box struct{ v any }

// holder caches one lazily created value. Failed creations are not cached.
type holder struct {
	mu    sync.Mutex
	value atomic.Pointer[box]
}

func (h *holder) get(create Factory) (any, error) {
	if b := h.value.Load(); b != nil {
		return b.v, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if b := h.value.Load(); b != nil {
		return b.v, nil
	}
	v, err := create()
	if err != nil {
		return nil, err
	}
	h.value.Store(&box{v: v})
	return v, nil
}
