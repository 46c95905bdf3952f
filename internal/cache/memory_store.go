package cache

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStorage 将条目保存在进程内存中，进程退出即丢失。
type MemoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
}

// NewMemoryStorage 创建空的内存存储。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{stores: make(map[string]*memoryStore)}
}

type memoryEntry struct {
	method   string
	url      string
	size     int64
	storedAt time.Time
	data     []byte
}

type memoryStore struct {
	name string

	mu      sync.RWMutex
	deleted bool
	entries map[string]memoryEntry
}

func (s *MemoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("cache name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[name]
	if !ok {
		store = &memoryStore{name: name, entries: make(map[string]memoryEntry)}
		s.stores[name] = store
	}
	return store, nil
}

func (s *MemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *MemoryStorage) Names(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	store, ok := s.stores[name]
	delete(s.stores, name)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	store.mu.Lock()
	store.deleted = true
	store.entries = nil
	store.mu.Unlock()
	return true, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	s.mu.RLock()
	entry, ok := s.entries[RequestKey(req)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return matchEntry(entry.data, req)
}

func (s *memoryStore) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	data, size, err := encodeEntry(ctx, req, resp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return ErrStoreDeleted
	}
	s.entries[RequestKey(req)] = memoryEntry{
		method:   req.Method,
		url:      normalizeURL(req.URL),
		size:     size,
		storedAt: time.Now().UTC(),
		data:     data,
	}
	return nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]Key, error) {
	s.mu.RLock()
	keys := make([]Key, 0, len(s.entries))
	for _, entry := range s.entries {
		keys = append(keys, Key{
			Method:    entry.method,
			URL:       entry.url,
			SizeBytes: entry.size,
			StoredAt:  entry.storedAt,
		})
	}
	s.mu.RUnlock()
	sortKeys(keys)
	return keys, nil
}

func (s *memoryStore) Remove(ctx context.Context, req *http.Request) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := RequestKey(req)
	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}
