package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// NewMemoryStorage 返回进程内存储，重启即丢失，主要用于测试与临时部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{
		caches: make(map[string]*memoryCache),
	}
}

type memoryStorage struct {
	mu     sync.RWMutex
	order  []string
	caches map[string]*memoryCache
}

type memoryCache struct {
	name    string
	mu      sync.RWMutex
	deleted bool
	entries map[string]Entry
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	c := &memoryCache{name: name, entries: make(map[string]Entry)}
	s.caches[name] = c
	s.order = append(s.order, name)
	return c, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		return false, nil
	}
	delete(s.caches, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	c.mu.Lock()
	c.deleted = true
	c.entries = nil
	c.mu.Unlock()
	return true, nil
}

func (s *memoryStorage) Match(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	names := append([]string(nil), s.order...)
	s.mu.RUnlock()
	return matchInOrder(ctx, names, key, func(ctx context.Context, name, key string) (*Entry, error) {
		s.mu.RLock()
		c, ok := s.caches[name]
		s.mu.RUnlock()
		if !ok {
			return nil, ErrCacheNotFound
		}
		return c.Match(ctx, key)
	})
}

func (s *memoryStorage) Close() error {
	return nil
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(ctx context.Context, key string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.deleted {
		return nil, ErrCacheNotFound
	}
	entry, ok := c.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	cloned := entry.Clone()
	return &cloned, nil
}

func (c *memoryCache) Put(ctx context.Context, entry Entry) error {
	if entry.Key == "" {
		return errors.New("entry key required")
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return ErrCacheNotFound
	}
	c.entries[entry.Key] = entry.Clone()
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return false, ErrCacheNotFound
	}
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.deleted {
		return nil, ErrCacheNotFound
	}
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
