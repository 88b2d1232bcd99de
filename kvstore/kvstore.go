// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package kvstore provides the TTL'd key/value buckets backing the
// ephemeral half of the system: proof-of-work challenges, rate-limit
// windows, queue tokens, and queue counters. Everything here is
// in-memory; durable state lives in the storage package. All
// operations are safe for concurrent use.
package kvstore

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Bucket names used across the daemon.
const (
	BucketRateLimits    = "rate_limits"
	BucketQueueTokens   = "queue_tokens"
	BucketQueueCounters = "queue_counters"
)

type entry struct {
	value     []byte
	count     int64
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is a bucketed TTL map. A janitor goroutine sweeps expired
// entries once a second; reads also expire lazily so callers never see
// stale values between sweeps.
type Store struct {
	mtx     sync.Mutex
	buckets map[string]map[string]*entry
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewStore returns a running store. Call Close to stop the janitor.
func NewStore() *Store {
	s := &Store{
		buckets: make(map[string]map[string]*entry),
		quit:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.janitor()
	return s
}

func (s *Store) janitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.mtx.Lock()
			for _, bucket := range s.buckets {
				for key, e := range bucket {
					if e.expired(now) {
						delete(bucket, key)
					}
				}
			}
			s.mtx.Unlock()
		case <-s.quit:
			return
		}
	}
}

// Close stops the janitor.
func (s *Store) Close() {
	close(s.quit)
	s.wg.Wait()
}

func (s *Store) bucket(name string) map[string]*entry {
	b, ok := s.buckets[name]
	if !ok {
		b = make(map[string]*entry)
		s.buckets[name] = b
	}
	return b
}

// get returns a live entry or nil. Caller holds the lock.
func (s *Store) get(bucket, key string, now time.Time) *entry {
	b, ok := s.buckets[bucket]
	if !ok {
		return nil
	}
	e, ok := b[key]
	if !ok {
		return nil
	}
	if e.expired(now) {
		delete(b, key)
		return nil
	}
	return e
}

// Set stores value under bucket/key. A zero ttl means no expiry.
func (s *Store) Set(bucket, key string, value []byte, ttl time.Duration) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.bucket(bucket)[key] = e
}

// Get returns the value under bucket/key if present and unexpired.
func (s *Store) Get(bucket, key string) ([]byte, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	e := s.get(bucket, key, time.Now())
	if e == nil {
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

// Take atomically removes and returns the value under bucket/key. At
// most one caller observes any given entry.
func (s *Store) Take(bucket, key string) ([]byte, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	e := s.get(bucket, key, time.Now())
	if e == nil {
		return nil, false
	}
	delete(s.buckets[bucket], key)
	return e.value, true
}

// Delete removes bucket/key if present.
func (s *Store) Delete(bucket, key string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if b, ok := s.buckets[bucket]; ok {
		delete(b, key)
	}
}

// Incr bumps a windowed counter. The first increment of a window
// stamps its expiry at now+ttl and returns 1; later increments within
// the window leave the expiry alone. Used for rate limiting and
// per-fingerprint/IP join caps.
func (s *Store) Incr(bucket, key string, ttl time.Duration) int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	now := time.Now()
	e := s.get(bucket, key, now)
	if e == nil {
		e = &entry{count: 0}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		s.bucket(bucket)[key] = e
	}
	e.count++
	return e.count
}

// Add adjusts a persistent counter by delta, clamping at zero, and
// returns the new value. Counters created by Add never expire.
func (s *Store) Add(bucket, key string, delta int64) int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	now := time.Now()
	e := s.get(bucket, key, now)
	if e == nil {
		e = &entry{}
		s.bucket(bucket)[key] = e
	}
	e.count += delta
	if e.count < 0 {
		e.count = 0
	}
	return e.count
}

// Counter reads a counter without creating it.
func (s *Store) Counter(bucket, key string) int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	e := s.get(bucket, key, time.Now())
	if e == nil {
		return 0
	}
	return e.count
}

// TTL returns the remaining lifetime of bucket/key, zero if the entry
// is absent or has no expiry.
func (s *Store) TTL(bucket, key string) time.Duration {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	now := time.Now()
	e := s.get(bucket, key, now)
	if e == nil || e.expiresAt.IsZero() {
		return 0
	}
	return e.expiresAt.Sub(now)
}

// Len reports the live entry count of a bucket.
func (s *Store) Len(bucket string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	now := time.Now()
	n := 0
	for key, e := range s.buckets[bucket] {
		if e.expired(now) {
			delete(s.buckets[bucket], key)
			continue
		}
		n++
	}
	return n
}

// ChallengeCache holds outstanding proof-of-work challenges. It is a
// separate structure because challenges share one uniform TTL and need
// a hard cap on outstanding entries, which an expirable LRU gives us
// directly. Take is the one-time consume: the second Take of a
// challenge always reports false.
type ChallengeCache struct {
	lru *expirable.LRU[string, int64]
}

// NewChallengeCache caps outstanding challenges at maxEntries, each
// expiring ttl after issue.
func NewChallengeCache(maxEntries int, ttl time.Duration) *ChallengeCache {
	return &ChallengeCache{
		lru: expirable.NewLRU[string, int64](maxEntries, nil, ttl),
	}
}

// Put registers an issued challenge.
func (c *ChallengeCache) Put(challenge string, issuedAtMs int64) {
	c.lru.Add(challenge, issuedAtMs)
}

// Take consumes a challenge, reporting whether it was outstanding.
func (c *ChallengeCache) Take(challenge string) bool {
	return c.lru.Remove(challenge)
}

// Len reports outstanding challenges.
func (c *ChallengeCache) Len() int {
	return c.lru.Len()
}
