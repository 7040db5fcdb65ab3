package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize is the number of opened modules kept by a Cache
const DefaultCacheSize = 64

const maxOpenAttempts = 3

// Cache keeps opened modules so the frames of one trace that land in the same
// binary open its debug data once.
//
// Concurrent misses for one path share a single Open. Open failures are cached
// too, so a binary without debug data is reported once. Evicted modules are
// closed as soon as no caller holds them.
type Cache struct {
	provider Provider
	logger   *zap.Logger

	mu       sync.Mutex
	modules  *lru.Cache[string, *cacheEntry]
	group    singleflight.Group
	closeErr *multierror.Error
	closed   bool
}

type cacheEntry struct {
	path    string
	module  Module
	err     error
	refs    int
	evicted bool
	done    bool // module closed
}

// NewCache wraps provider with a cache of at most size modules
func NewCache(provider Provider, size int, logger *zap.Logger) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Cache{
		provider: provider,
		logger:   logger,
	}
	modules, err := lru.NewWithEvict(size, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create module cache: %w", err)
	}
	c.modules = modules
	return c, nil
}

// Acquire returns the opened module for path. The caller must call release
// once it is done with the module.
func (c *Cache) Acquire(ctx context.Context, path string) (Module, func(), error) {
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, nil, errors.New("module cache is closed")
		}
		if e, ok := c.modules.Get(path); ok {
			m, release, err := c.hold(e)
			c.mu.Unlock()
			return m, release, err
		}
		c.mu.Unlock()

		v, err, _ := c.group.Do(path, func() (interface{}, error) {
			return c.open(ctx, path), nil
		})
		if err != nil {
			return nil, nil, err
		}
		e := v.(*cacheEntry)

		if isContextErr(e.err) && ctx.Err() == nil && attempt < maxOpenAttempts {
			// The caller that ran the shared open gave up; open again under
			// this caller's context.
			continue
		}

		c.mu.Lock()
		if e.done {
			// Evicted and closed before this caller got hold of it.
			c.mu.Unlock()
			continue
		}
		m, release, err := c.hold(e)
		c.mu.Unlock()
		return m, release, err
	}
}

func (c *Cache) open(ctx context.Context, path string) *cacheEntry {
	c.mu.Lock()
	if existing, ok := c.modules.Peek(path); ok {
		c.mu.Unlock()
		return existing
	}
	c.mu.Unlock()

	m, err := c.provider.Open(ctx, path)
	e := &cacheEntry{path: path, module: m, err: err}

	if isContextErr(err) {
		return e
	}
	if err != nil {
		c.logger.Warn("Could not open debug metadata", zap.String("module", path), zap.Error(err))
	} else {
		c.logger.Debug("Opened debug metadata", zap.String("module", path))
	}

	c.mu.Lock()
	if c.closed {
		e.done = true
		c.mu.Unlock()
		c.recordClose(e)
		return e
	}
	if existing, ok := c.modules.Peek(path); ok {
		// Another caller opened the same path between our lookup and Do.
		e.done = true
		c.mu.Unlock()
		c.recordClose(e)
		return existing
	}
	c.modules.Add(path, e)
	c.mu.Unlock()
	return e
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// hold takes a reference on e; c.mu must be held
func (c *Cache) hold(e *cacheEntry) (Module, func(), error) {
	if e.err != nil {
		return nil, nil, e.err
	}
	e.refs++

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.mu.Lock()
			e.refs--
			closeNow := e.evicted && e.refs == 0 && !e.done
			if closeNow {
				e.done = true
			}
			c.mu.Unlock()
			if closeNow {
				c.recordClose(e)
			}
		})
	}
	return e.module, release, nil
}

// onEvict runs synchronously inside lru calls made with c.mu held
func (c *Cache) onEvict(_ string, e *cacheEntry) {
	e.evicted = true
	if e.refs == 0 && !e.done {
		e.done = true
		if err := c.closeModule(e); err != nil {
			c.closeErr = multierror.Append(c.closeErr, err)
		}
	}
}

func (c *Cache) closeModule(e *cacheEntry) error {
	if e.module == nil {
		return nil
	}
	if err := e.module.Close(); err != nil {
		c.logger.Warn("Failed to close debug metadata", zap.String("module", e.path), zap.Error(err))
		return fmt.Errorf("failed to close %s: %w", e.path, err)
	}
	return nil
}

func (c *Cache) recordClose(e *cacheEntry) {
	if err := c.closeModule(e); err != nil {
		c.mu.Lock()
		c.closeErr = multierror.Append(c.closeErr, err)
		c.mu.Unlock()
	}
}

// Invalidate drops path from the cache, e.g. after the binary changed on disk
func (c *Cache) Invalidate(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modules.Remove(path)
}

// Len returns the number of cached modules, failures included
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modules.Len()
}

// Close drops every cached module and returns the errors of closing them.
// Modules still held are closed when released.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.modules.Purge()

	err := c.closeErr.ErrorOrNil()
	c.closeErr = nil
	return err
}
