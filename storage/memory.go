// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store used by tests and by --devmode runs
// that should leave no state behind.
type MemStore struct {
	mtx  sync.RWMutex
	data map[string][]byte
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Get returns a copy of the value for key.
func (m *MemStore) Get(key string) ([]byte, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put stores a copy of value under key.
func (m *MemStore) Put(key string, value []byte, _ bool) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key.
func (m *MemStore) Delete(key string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.data, key)
	return nil
}

// ForEachPrefix visits matching keys in sorted order.
func (m *MemStore) ForEachPrefix(prefix string, fn func(key string, value []byte) error) error {
	m.mtx.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte(nil), m.data[k]...)
	}
	m.mtx.RUnlock()

	for i, k := range keys {
		if err := fn(k, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op.
func (m *MemStore) Close() error { return nil }
