// Package kb owns the multi-tenant knowledge bases: the per-KB working
// directory (KV stores, vector index, entity graph), the manager that
// creates, switches and deletes them, and the ingest pipeline that turns
// raw text into chunks, vectors and graph updates.
package kb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	apperrors "ragserve/internal/errors"
)

// KVStore is a JSON-file-backed map. Every mutation persists through a
// temp-file rename so readers never observe a half-written file.
type KVStore[V any] struct {
	mu   sync.RWMutex
	path string
	data map[string]V
}

// OpenKVStore loads the store at path, creating an empty file when none
// exists yet.
func OpenKVStore[V any](path string) (*KVStore[V], error) {
	s := &KVStore[V]{path: path, data: make(map[string]V)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, apperrors.Storage("read %s", filepath.Base(path)).WithCause(err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, apperrors.Storage("%s is corrupted", filepath.Base(path)).WithCause(err)
		}
	}
	return s, nil
}

// Get returns the value for key.
func (s *KVStore[V]) Get(key string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Has reports whether key is present.
func (s *KVStore[V]) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}

// Set stores the value and persists.
func (s *KVStore[V]) Set(key string, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return s.persistLocked()
}

// SetMany stores a batch under one persist.
func (s *KVStore[V]) SetMany(entries map[string]V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range entries {
		s.data[k] = v
	}
	return s.persistLocked()
}

// Delete removes keys and persists. Missing keys are not an error.
func (s *KVStore[V]) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return s.persistLocked()
}

// Update applies fn to the value under key while holding the write lock,
// then persists. fn receives the zero value when the key is absent.
func (s *KVStore[V]) Update(key string, fn func(V) V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = fn(s.data[key])
	return s.persistLocked()
}

// Len returns the entry count.
func (s *KVStore[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Keys returns all keys, sorted.
func (s *KVStore[V]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot copies the full map.
func (s *KVStore[V]) Snapshot() map[string]V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]V, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Clear drops everything and persists the empty map.
func (s *KVStore[V]) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]V)
	return s.persistLocked()
}

func (s *KVStore[V]) persistLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return apperrors.Storage("encode %s", filepath.Base(s.path)).WithCause(err)
	}
	return atomicWrite(s.path, raw)
}

// atomicWrite lands bytes at path via a same-directory temp file rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Storage("create directory %s", dir).WithCause(err)
	}
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%s-*", filepath.Base(path)))
	if err != nil {
		return apperrors.Storage("create temp file in %s", dir).WithCause(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.Storage("write %s", filepath.Base(path)).WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.Storage("close %s", filepath.Base(path)).WithCause(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return apperrors.Storage("replace %s", filepath.Base(path)).WithCause(err)
	}
	return nil
}
