package backend

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Backend used for development and tests.
type Memory struct {
	mu    sync.RWMutex
	items map[string]Item
	now   func() time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]Item),
		now:   time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (*Item, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !item.ExpiresAt.IsZero() && !item.ExpiresAt.After(m.now()) {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	return &item, nil
}

func (m *Memory) Put(_ context.Context, key string, item Item) error {
	m.mu.Lock()
	m.items[key] = item
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) BatchGet(ctx context.Context, keys []string) (map[string]bool, error) {
	results := make(map[string]bool, len(keys))
	for _, key := range keys {
		_, err := m.Get(ctx, key)
		switch {
		case err == nil:
			results[key] = true
		case err == ErrNotFound:
			results[key] = false
		default:
			return nil, err
		}
	}
	return results, nil
}

func (m *Memory) BatchPut(ctx context.Context, keys []string, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	for _, key := range keys {
		if err := m.Put(ctx, key, Item{ExpiresAt: expires}); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored entries, counting expired ones not yet
// evicted by a read.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

var _ Backend = (*Memory)(nil)
