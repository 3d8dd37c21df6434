package lookup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// ErrAllBackendsFailed is returned when no backend produced a hit and every
// consulted backend failed, so absence cannot be trusted.
var ErrAllBackendsFailed = errors.New("every lookup backend failed")

// Caller identifies on whose behalf a key is resolved.
type Caller struct {
	UserID  string `json:"user_id"`
	FileURL string `json:"file_url,omitempty"`
}

// Backend is one lookup capability. found=false with a nil error is a miss.
type Backend interface {
	Name() string
	Lookup(ctx context.Context, key string, caller Caller) (value string, found bool, err error)
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Key     string            `json:"key"`
	Value   string            `json:"value,omitempty"`
	Found   bool              `json:"found"`
	Backend string            `json:"backend,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// ResolverOptions holds the backends in their fixed slots. Nil slots are skipped.
type ResolverOptions struct {
	Cache  Backend // confirmed values of this session
	Store  Backend // persisted store scoped to the caller
	Remote Backend // delegated search over the configured file
	Index  Backend // local index of a directly loaded file
	Logger *log.Logger
}

// Resolver tries its backends in priority order and stops at the first hit.
type Resolver struct {
	backends []Backend
	logger   *log.Logger
}

// NewResolver orders the backends cache, store, remote, index.
func NewResolver(opts ResolverOptions) *Resolver {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	r := &Resolver{logger: opts.Logger}
	for _, b := range []Backend{opts.Cache, opts.Store, opts.Remote, opts.Index} {
		if b != nil {
			r.backends = append(r.backends, b)
		}
	}
	return r
}

// Backends returns the backend names in the order they are consulted.
func (r *Resolver) Backends() []string {
	names := make([]string, len(r.backends))
	for i, b := range r.backends {
		names[i] = b.Name()
	}
	return names
}

// Resolve returns the first hit. A failing backend counts as a miss; only
// when all of them failed is ErrAllBackendsFailed returned.
func (r *Resolver) Resolve(ctx context.Context, key string, caller Caller) (Resolution, error) {
	key = strings.TrimSpace(key)
	res := Resolution{Key: key}
	if key == "" {
		return res, fmt.Errorf("resolve: empty key")
	}

	for _, b := range r.backends {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		value, found, err := b.Lookup(ctx, key, caller)
		if err != nil {
			if res.Errors == nil {
				res.Errors = make(map[string]string)
			}
			res.Errors[b.Name()] = err.Error()
			r.logger.Warn("lookup backend failed", "backend", b.Name(), "key", key, "err", err)
			continue
		}
		if found {
			res.Value = value
			res.Found = true
			res.Backend = b.Name()
			return res, nil
		}
	}

	if len(r.backends) > 0 && len(res.Errors) == len(r.backends) {
		return res, ErrAllBackendsFailed
	}
	return res, nil
}

// Cache holds values the user confirmed during this session.
type Cache struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{values: make(map[string]string)}
}

func (c *Cache) Name() string { return "cache" }

// Confirm records a confirmed value for key.
func (c *Cache) Confirm(key, value string) {
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
}

func (c *Cache) Lookup(_ context.Context, key string, _ Caller) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok, nil
}

// ContactStore is a persisted key/value store partitioned by user.
type ContactStore interface {
	LookupContact(ctx context.Context, userID, key string) (string, bool, error)
}

// StoreBackend adapts a ContactStore. Callers without a user ID miss.
type StoreBackend struct {
	Store ContactStore
}

func (s StoreBackend) Name() string { return "store" }

func (s StoreBackend) Lookup(ctx context.Context, key string, caller Caller) (string, bool, error) {
	if caller.UserID == "" || s.Store == nil {
		return "", false, nil
	}
	return s.Store.LookupContact(ctx, caller.UserID, key)
}

// IndexReader answers point lookups, like Worker.
type IndexReader interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// IndexBackend adapts the local index.
type IndexBackend struct {
	Reader IndexReader
}

func (i IndexBackend) Name() string { return "index" }

func (i IndexBackend) Lookup(ctx context.Context, key string, _ Caller) (string, bool, error) {
	return i.Reader.Get(ctx, key)
}
