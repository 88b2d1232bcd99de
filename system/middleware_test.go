// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropforge/dropd/dropapi"
	"github.com/dropforge/dropd/kvstore"
)

func TestRateLimiterPerKey(t *testing.T) {
	kv := kvstore.NewStore()
	defer kv.Close()

	rl := NewRateLimiter(kv, "pow_rate", 1000, 1000, 2, time.Minute)
	require.NoError(t, rl.Allow("ip-a"))
	require.NoError(t, rl.Allow("ip-a"))

	err := rl.Allow("ip-a")
	apiErr := dropapi.AsError(err)
	require.Equal(t, dropapi.KindRateLimited, apiErr.Kind)
	require.Positive(t, apiErr.RetryAfter)

	// Other keys are unaffected.
	require.NoError(t, rl.Allow("ip-b"))
	// The empty key only counts against the global bucket.
	require.NoError(t, rl.Allow(""))
}

func TestRateLimiterGlobal(t *testing.T) {
	kv := kvstore.NewStore()
	defer kv.Close()

	// Zero refill: only the initial burst of one passes.
	rl := NewRateLimiter(kv, "g", 0, 1, 100, time.Minute)
	require.NoError(t, rl.Allow("ip-a"))
	err := rl.Allow("ip-b")
	require.Equal(t, dropapi.KindRateLimited, dropapi.AsError(err).Kind)
}
