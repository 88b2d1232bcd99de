// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package storage is the durable keyed record store under the actor
// engine. Drops, participants, ledgers, queue snapshots, and lottery
// proofs are JSON records written here; per-key single-writer ordering
// is the engine's job, so the store only promises atomic single-key
// reads and writes.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned when a key has no value.
var ErrKeyNotFound = errors.New("storage: key not found")

// Store is a flat keyed byte store with lexicographic prefix scans.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(key string) ([]byte, error)
	// Put writes value under key. When sync is set the write is
	// durable before Put returns; lottery results and purchases use
	// this, projections do not need it.
	Put(key string, value []byte, sync bool) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// ForEachPrefix calls fn for every key with the given prefix in
	// lexical order. Returning an error stops the scan.
	ForEachPrefix(prefix string, fn func(key string, value []byte) error) error
	// Close releases the store.
	Close() error
}

// GetJSON unmarshals the record at key into v.
func GetJSON(s Store, key string, v interface{}) error {
	raw, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return nil
}

// PutJSON marshals v and writes it under key.
func PutJSON(s Store, key string, v interface{}, sync bool) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return s.Put(key, raw, sync)
}
