// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kvstore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.Set("b", "k", []byte("v"), 0)
	v, ok := s.Get("b", "k")
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	// Values are copied in and out.
	v[0] = 'x'
	v2, ok := s.Get("b", "k")
	require.True(t, ok)
	require.Equal(t, []byte("v"), v2)

	s.Delete("b", "k")
	_, ok = s.Get("b", "k")
	require.False(t, ok)
}

func TestLazyExpiry(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.Set("b", "k", []byte("v"), 30*time.Millisecond)
	_, ok := s.Get("b", "k")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = s.Get("b", "k")
	require.False(t, ok, "entry should lapse without waiting for the janitor")
}

func TestTakeIsOneTime(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.Set("b", "k", []byte("v"), time.Minute)

	var wg sync.WaitGroup
	taken := make(chan []byte, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, ok := s.Take("b", "k"); ok {
				taken <- v
			}
		}()
	}
	wg.Wait()
	close(taken)

	var n int
	for v := range taken {
		require.Equal(t, []byte("v"), v)
		n++
	}
	require.Equal(t, 1, n, "exactly one taker wins")
}

func TestIncrWindow(t *testing.T) {
	s := NewStore()
	defer s.Close()

	require.EqualValues(t, 1, s.Incr("rl", "ip1", 40*time.Millisecond))
	require.EqualValues(t, 2, s.Incr("rl", "ip1", 40*time.Millisecond))
	require.EqualValues(t, 3, s.Incr("rl", "ip1", 40*time.Millisecond))
	require.EqualValues(t, 1, s.Incr("rl", "ip2", 40*time.Millisecond))

	ttl := s.TTL("rl", "ip1")
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, 40*time.Millisecond)

	// A fresh window opens after expiry.
	time.Sleep(80 * time.Millisecond)
	require.EqualValues(t, 1, s.Incr("rl", "ip1", 40*time.Millisecond))
}

func TestAddClampsAtZero(t *testing.T) {
	s := NewStore()
	defer s.Close()

	require.EqualValues(t, 2, s.Add("qc", "ready", 2))
	require.EqualValues(t, 1, s.Add("qc", "ready", -1))
	require.EqualValues(t, 0, s.Add("qc", "ready", -5))
	require.EqualValues(t, 0, s.Counter("qc", "ready"))
	require.EqualValues(t, 0, s.Counter("qc", "missing"))
}

func TestLen(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.Set("b", "a", nil, 30*time.Millisecond)
	s.Set("b", "b", nil, time.Minute)
	require.Equal(t, 2, s.Len("b"))

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, s.Len("b"))
}

func TestChallengeCacheSingleUse(t *testing.T) {
	c := NewChallengeCache(16, time.Minute)
	c.Put("1700000000000:deadbeef", 1700000000000)
	require.Equal(t, 1, c.Len())

	require.True(t, c.Take("1700000000000:deadbeef"))
	require.False(t, c.Take("1700000000000:deadbeef"), "second take must fail")
	require.False(t, c.Take("never-issued"))
}

func TestChallengeCacheExpiry(t *testing.T) {
	c := NewChallengeCache(16, 50*time.Millisecond)
	c.Put("ch", 0)
	time.Sleep(200 * time.Millisecond)
	require.False(t, c.Take("ch"), "expired challenge must not verify")
}

func TestChallengeCacheCap(t *testing.T) {
	c := NewChallengeCache(4, time.Minute)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		c.Put(k, 0)
	}
	require.LessOrEqual(t, c.Len(), 4)
	require.False(t, c.Take("a"), "oldest entry evicted at cap")
	require.True(t, c.Take("e"))
}
