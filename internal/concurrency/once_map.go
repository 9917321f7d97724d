package concurrency

import "sync"

// OnceMap lazily initializes one value per key with the double-checked
// pattern: a lock-free read first, then the map-wide init lock, then a
// re-read before initializing. For any key at most one initialization
// completes, and readers never observe a partially built value because
// publication happens after the initializer returns.
type OnceMap[V any] struct {
	mu     sync.RWMutex
	initMu sync.Mutex
	values map[string]V
}

// NewOnceMap creates an empty map.
func NewOnceMap[V any]() *OnceMap[V] {
	return &OnceMap[V]{values: make(map[string]V)}
}

// Get returns the value for key if it has been initialized.
func (m *OnceMap[V]) Get(key string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// GetOrInit returns the value for key, running init at most once per key.
// A failed init publishes nothing, so the next caller retries.
func (m *OnceMap[V]) GetOrInit(key string, init func() (V, error)) (V, error) {
	if v, ok := m.Get(key); ok {
		return v, nil
	}

	m.initMu.Lock()
	defer m.initMu.Unlock()

	if v, ok := m.Get(key); ok {
		return v, nil
	}

	v, err := init()
	if err != nil {
		var zero V
		return zero, err
	}

	m.mu.Lock()
	m.values[key] = v
	m.mu.Unlock()
	return v, nil
}

// Delete removes key, returning whether it was present.
func (m *OnceMap[V]) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	delete(m.values, key)
	return ok
}

// Keys returns a snapshot of the present keys.
func (m *OnceMap[V]) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of initialized values.
func (m *OnceMap[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
