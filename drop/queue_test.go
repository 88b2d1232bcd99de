// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package drop

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropforge/dropd/dropapi"
	"github.com/dropforge/dropd/kvstore"
)

func TestQueueDisabledImmediateReady(t *testing.T) {
	te := newTestEngine(t, Config{})
	mustInitialize(t, te, testDropConfig("qd", te.clock()))

	q, err := te.eng.Queue("qd")
	require.NoError(t, err)
	require.False(t, q.QueueEnabled())

	resp, err := q.Join("fp-1", "ip-1")
	require.NoError(t, err)
	require.NotEmpty(t, resp.QueueToken)
	require.Equal(t, QueueReady, resp.Status)
	require.Zero(t, resp.Position)

	st, err := q.Status(resp.QueueToken)
	require.NoError(t, err)
	require.Equal(t, QueueReady, st.Status)
	require.NotNil(t, st.ExpiresAt)

	require.NoError(t, q.MarkUsed(resp.QueueToken))
	err = q.MarkUsed(resp.QueueToken)
	require.Equal(t, dropapi.KindValidation, dropapi.AsError(err).Kind)

	_, err = q.Join("", "ip-1")
	require.Equal(t, dropapi.KindValidation, dropapi.AsError(err).Kind)

	_, err = q.Status("no-such-token")
	require.Equal(t, dropapi.KindNotFound, dropapi.AsError(err).Kind)
}

func TestQueueBackPressure(t *testing.T) {
	te := newTestEngine(t, Config{
		Queue: QueueConfig{
			Enabled:                true,
			AdmissionRatePerSecond: 1,
			MaxConcurrentReady:     2,
			AdmissionTickMs:        1000,
		},
	})
	// Suppress the real admission timer; every tick below is explicit.
	te.eng.Close()

	mustInitialize(t, te, testDropConfig("qb", te.clock()))
	q, err := te.eng.Queue("qb")
	require.NoError(t, err)
	require.True(t, q.QueueEnabled())

	tokens := make([]string, 10)
	for i := range tokens {
		resp, err := q.Join(fmt.Sprintf("fp-%d", i), fmt.Sprintf("ip-%d", i))
		require.NoError(t, err)
		require.Equal(t, QueueWaiting, resp.Status)
		require.Equal(t, i+1, resp.Position)
		require.Equal(t, i+1, resp.EstimatedWaitSeconds) // ceil(pos / min(rate, maxReady))
		tokens[i] = resp.QueueToken
	}

	statusOf := func(tok string) string {
		st, err := q.Status(tok)
		require.NoError(t, err)
		return st.Status
	}

	te.advance(time.Second)
	q.admitTick()
	require.Equal(t, QueueReady, statusOf(tokens[0]))
	require.Equal(t, QueueWaiting, statusOf(tokens[1]))

	te.advance(time.Second)
	q.admitTick()
	require.Equal(t, QueueReady, statusOf(tokens[1]))

	// Both ready slots are occupied: further ticks admit nobody.
	te.advance(time.Second)
	q.admitTick()
	require.Equal(t, QueueWaiting, statusOf(tokens[2]))
	_, admitted, waiting := q.Stats()
	require.Equal(t, 2, admitted)
	require.Equal(t, 8, waiting)

	st2, err := q.Status(tokens[2])
	require.NoError(t, err)
	require.Equal(t, 1, st2.Position)
	st9, err := q.Status(tokens[9])
	require.NoError(t, err)
	require.Equal(t, 8, st9.Position)
	require.Equal(t, 8, st9.WaitingCount)

	// As holders pass through, the freed slots admit the rest in
	// arrival order, still one per tick.
	var order []string
	order = append(order, tokens[0], tokens[1])
	require.NoError(t, q.MarkUsed(tokens[0]))
	require.NoError(t, q.MarkUsed(tokens[1]))

	for tick := 0; tick < 20; tick++ {
		_, admitted, _ := q.Stats()
		if admitted == 10 {
			break
		}
		te.advance(time.Second)
		q.admitTick()
		for _, tok := range tokens {
			if statusOf(tok) == QueueReady {
				order = append(order, tok)
				require.NoError(t, q.MarkUsed(tok))
			}
		}
	}

	issued, admitted, waiting := q.Stats()
	require.Equal(t, 10, issued)
	require.Equal(t, 10, admitted)
	require.Zero(t, waiting)
	require.Equal(t, tokens, order)
	for _, tok := range tokens {
		require.Equal(t, QueueUsed, statusOf(tok))
	}
}

func TestQueueReadyExpiry(t *testing.T) {
	te := newTestEngine(t, Config{})
	te.eng.Close()

	cfg := testDropConfig("qe", te.clock())
	cfg.Queue = &QueueConfig{
		Enabled:                true,
		AdmissionRatePerSecond: 5,
		MaxConcurrentReady:     5,
		ReadyWindowSeconds:     120,
	}
	mustInitialize(t, te, cfg)
	q, err := te.eng.Queue("qe")
	require.NoError(t, err)

	resp, err := q.Join("fp-exp", "")
	require.NoError(t, err)
	tok := resp.QueueToken

	err = q.MarkUsed(tok)
	require.Equal(t, dropapi.KindQueueNotReady, dropapi.AsError(err).Kind)
	require.Positive(t, dropapi.AsError(err).RetryAfter)

	te.advance(time.Second)
	q.admitTick()
	st, err := q.Status(tok)
	require.NoError(t, err)
	require.Equal(t, QueueReady, st.Status)
	require.NotNil(t, st.ReadyAt)
	require.NotNil(t, st.ExpiresAt)

	// Not yet past the window: expiry is a no-op.
	require.NoError(t, q.MarkExpired(tok))
	st, err = q.Status(tok)
	require.NoError(t, err)
	require.Equal(t, QueueReady, st.Status)

	te.advance(121 * time.Second)
	require.NoError(t, q.MarkExpired(tok))
	st, err = q.Status(tok)
	require.NoError(t, err)
	require.Equal(t, QueueExpired, st.Status)

	err = q.MarkUsed(tok)
	require.Equal(t, dropapi.KindTokenExpired, dropapi.AsError(err).Kind)
	// Settled tokens stay settled.
	require.NoError(t, q.MarkExpired(tok))
	st, _ = q.Status(tok)
	require.Equal(t, QueueExpired, st.Status)
}

// A ready holder who walks away must hand their slot to the next in
// line. Real timers drive admission and expiry here, and the KV lapses
// on the wall clock, so the token record has to outlive its window for
// the expiry sweep to find it and release the slot.
func TestQueueReadySlotReclaimedAfterLapse(t *testing.T) {
	eng, _, kv := newWallClockEngine(t, Config{})

	cfg := testDropConfig("q-lapse", time.Now().UTC())
	cfg.Queue = &QueueConfig{
		Enabled:                true,
		AdmissionRatePerSecond: 50,
		MaxConcurrentReady:     1,
		AdmissionTickMs:        20,
		ReadyWindowSeconds:     1,
	}
	_, err := eng.InitializeDrop(cfg)
	require.NoError(t, err)
	q, err := eng.Queue("q-lapse")
	require.NoError(t, err)

	first, err := q.Join("fp-first", "")
	require.NoError(t, err)
	second, err := q.Join("fp-second", "")
	require.NoError(t, err)

	statusOf := func(tok string) string {
		st, err := q.Status(tok)
		if err != nil {
			return ""
		}
		return st.Status
	}

	require.Eventually(t, func() bool { return statusOf(first.QueueToken) == QueueReady },
		5*time.Second, 10*time.Millisecond)
	require.Equal(t, QueueWaiting, statusOf(second.QueueToken))
	require.EqualValues(t, 1, kv.Counter(bucketQueueCounters, q.readyCountKey()))

	// Only the lapse of the first window frees the single slot.
	require.Eventually(t, func() bool { return statusOf(second.QueueToken) == QueueReady },
		10*time.Second, 10*time.Millisecond)
	require.Equal(t, QueueExpired, statusOf(first.QueueToken))
	require.EqualValues(t, 1, kv.Counter(bucketQueueCounters, q.readyCountKey()))

	require.NoError(t, q.MarkUsed(second.QueueToken))
	require.Zero(t, kv.Counter(bucketQueueCounters, q.readyCountKey()))
}

// With the queue disabled the pass is issued ready on the spot; left
// unclaimed it must still settle to expired on its own and release the
// ready slot it was counted against.
func TestQueueDisabledReadyLapse(t *testing.T) {
	eng, _, kv := newWallClockEngine(t, Config{})

	cfg := testDropConfig("q-dlapse", time.Now().UTC())
	cfg.Queue = &QueueConfig{ReadyWindowSeconds: 1}
	_, err := eng.InitializeDrop(cfg)
	require.NoError(t, err)
	q, err := eng.Queue("q-dlapse")
	require.NoError(t, err)

	resp, err := q.Join("fp-lapse", "")
	require.NoError(t, err)
	require.Equal(t, QueueReady, resp.Status)
	require.EqualValues(t, 1, kv.Counter(bucketQueueCounters, q.readyCountKey()))

	require.Eventually(t, func() bool {
		st, err := q.Status(resp.QueueToken)
		return err == nil && st.Status == QueueExpired
	}, 10*time.Second, 10*time.Millisecond)
	require.Zero(t, kv.Counter(bucketQueueCounters, q.readyCountKey()))
}

func TestQueueUsedNotExpirable(t *testing.T) {
	te := newTestEngine(t, Config{})
	te.eng.Close()

	cfg := testDropConfig("qu", te.clock())
	cfg.Queue = &QueueConfig{Enabled: true, AdmissionRatePerSecond: 5, MaxConcurrentReady: 5}
	mustInitialize(t, te, cfg)
	q, err := te.eng.Queue("qu")
	require.NoError(t, err)

	resp, err := q.Join("fp-used", "")
	require.NoError(t, err)
	te.advance(time.Second)
	q.admitTick()
	require.NoError(t, q.MarkUsed(resp.QueueToken))

	te.advance(time.Hour)
	require.NoError(t, q.MarkExpired(resp.QueueToken))
	st, err := q.Status(resp.QueueToken)
	require.NoError(t, err)
	require.Equal(t, QueueUsed, st.Status)
}

func TestQueueFingerprintAndIPLimits(t *testing.T) {
	te := newTestEngine(t, Config{})
	te.eng.Close()

	cfg := testDropConfig("ql", te.clock())
	cfg.Queue = &QueueConfig{
		Enabled:                 true,
		MaxTokensPerFingerprint: 3,
		MaxTokensPerIP:          4,
	}
	mustInitialize(t, te, cfg)
	q, err := te.eng.Queue("ql")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := q.Join("fp-same", fmt.Sprintf("ip-%d", i))
		require.NoError(t, err)
	}
	_, err = q.Join("fp-same", "ip-9")
	apiErr := dropapi.AsError(err)
	require.Equal(t, dropapi.KindRateLimited, apiErr.Kind)
	require.Positive(t, apiErr.RetryAfter)

	for i := 0; i < 4; i++ {
		_, err := q.Join(fmt.Sprintf("fp-ip-%d", i), "ip-shared")
		require.NoError(t, err)
	}
	_, err = q.Join("fp-ip-9", "ip-shared")
	require.Equal(t, dropapi.KindRateLimited, dropapi.AsError(err).Kind)
}

func TestQueueRestoreOnRestart(t *testing.T) {
	te := newTestEngine(t, Config{
		Queue: QueueConfig{Enabled: true, AdmissionRatePerSecond: 1, MaxConcurrentReady: 2},
	})
	mustInitialize(t, te, testDropConfig("qr", te.clock()))
	te.eng.Close() // no admission ticks; the line must survive untouched
	q, err := te.eng.Queue("qr")
	require.NoError(t, err)

	tokens := make([]string, 3)
	for i := range tokens {
		resp, err := q.Join(fmt.Sprintf("fp-r%d", i), "")
		require.NoError(t, err)
		tokens[i] = resp.QueueToken
	}

	// Token records live in the volatile KV; sharing it across the
	// restart models a warm handover and keeps the line intact.
	eng2 := restartEngine(t, te, Config{
		Queue: QueueConfig{Enabled: true, AdmissionRatePerSecond: 1, MaxConcurrentReady: 2},
	})
	eng2.Close()
	q2, err := eng2.Queue("qr")
	require.NoError(t, err)
	_, _, waiting := q2.Stats()
	require.Equal(t, 3, waiting)
	st, err := q2.Status(tokens[1])
	require.NoError(t, err)
	require.Equal(t, QueueWaiting, st.Status)
	require.Equal(t, 2, st.Position)

	// A cold restart loses the KV: lapsed tokens are pruned from the
	// restored line instead of blocking it.
	freshKV := kvstore.NewStore()
	t.Cleanup(freshKV.Close)
	eng3, err := NewEngine(Config{
		PurchaseTokenSecret: testPurchaseSecret,
		Queue:               QueueConfig{Enabled: true, AdmissionRatePerSecond: 1, MaxConcurrentReady: 2},
	}, te.store, nil, freshKV)
	require.NoError(t, err)
	eng3.now = te.clock
	t.Cleanup(eng3.Close)
	require.NoError(t, eng3.Start())
	eng3.Close()

	q3, err := eng3.Queue("qr")
	require.NoError(t, err)
	_, _, waiting = q3.Stats()
	require.Zero(t, waiting)
	_, err = q3.Status(tokens[0])
	require.Equal(t, dropapi.KindNotFound, dropapi.AsError(err).Kind)
}
