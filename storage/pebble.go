// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStore persists records in a Pebble LSM at a directory.
type PebbleStore struct {
	db *pebble.DB
}

var _ Store = (*PebbleStore)(nil)

// OpenPebble opens (creating if needed) the store at dir.
func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open pebble at %s: %w", dir, err)
	}
	log.Infof("Record store open at %s", dir)
	return &PebbleStore{db: db}, nil
}

// Get returns a copy of the value; the backing buffer is only valid
// until the closer is released.
func (p *PebbleStore) Get(key string) ([]byte, error) {
	value, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("storage: get %s: %w", key, err)
	}
	out := make([]byte, len(value))
	copy(out, value)
	if err := closer.Close(); err != nil {
		return nil, fmt.Errorf("storage: get %s: %w", key, err)
	}
	return out, nil
}

// Put writes value under key.
func (p *PebbleStore) Put(key string, value []byte, sync bool) error {
	opts := pebble.NoSync
	if sync {
		opts = pebble.Sync
	}
	if err := p.db.Set([]byte(key), value, opts); err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (p *PebbleStore) Delete(key string) error {
	if err := p.db.Delete([]byte(key), pebble.NoSync); err != nil {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// ForEachPrefix scans keys sharing prefix in lexical order.
func (p *PebbleStore) ForEachPrefix(prefix string, fn func(key string, value []byte) error) error {
	lower := []byte(prefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return fmt.Errorf("storage: iterator for %s: %w", prefix, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close flushes and closes the database.
func (p *PebbleStore) Close() error {
	return p.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key
// with the given prefix, or nil when no bound exists.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
