// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package system

import (
	"net/http"
	"time"

	"github.com/zenazn/goji/web"
	gojimw "github.com/zenazn/goji/web/middleware"
	"github.com/zenazn/goji/web/mutil"
	"golang.org/x/time/rate"

	"github.com/dropforge/dropd/dropapi"
	"github.com/dropforge/dropd/kvstore"
)

// Logger is a middleware that logs the start and end of each request,
// along with some useful data about what was requested, what the
// response status was, and how long it took to return. This should be
// used after the RequestID middleware.
func Logger(realIPHeader string) func(c *web.C, h http.Handler) http.Handler {
	return func(c *web.C, h http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			reqID := gojimw.GetReqID(*c)

			log.Tracef("[%s] Started %s %q, from %s", reqID, r.Method,
				r.URL.String(), ClientIP(r, realIPHeader))

			lw := mutil.WrapWriter(w)

			t1 := time.Now()
			h.ServeHTTP(lw, r)

			if lw.Status() == 0 {
				lw.WriteHeader(http.StatusOK)
			}
			t2 := time.Now()

			log.Tracef("[%s] Returning %03d in %s", reqID, lw.Status(), t2.Sub(t1))
		}
		return http.HandlerFunc(fn)
	}
}

// RateLimiter bounds an endpoint two ways: a global token bucket so a
// thundering herd cannot saturate the process, and a fixed-window
// counter per client key in the volatile KV store.
type RateLimiter struct {
	global *rate.Limiter
	kv     *kvstore.Store
	bucket string
	perKey int64
	window time.Duration
}

// NewRateLimiter builds a limiter writing its window counters under
// bucket in kv.
func NewRateLimiter(kv *kvstore.Store, bucket string, globalPerSecond float64, burst, perKey int, window time.Duration) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		global: rate.NewLimiter(rate.Limit(globalPerSecond), burst),
		kv:     kv,
		bucket: bucket,
		perKey: int64(perKey),
		window: window,
	}
}

// Allow records one hit for key and reports whether it may proceed.
// The returned error carries the retry hint for the 429 response.
func (rl *RateLimiter) Allow(key string) error {
	if !rl.global.Allow() {
		return dropapi.RateLimited("Server busy", 1)
	}
	if key == "" {
		return nil
	}
	if n := rl.kv.Incr(rl.bucket, key, rl.window); n > rl.perKey {
		retry := int(rl.window / time.Second)
		if ttl := rl.kv.TTL(rl.bucket, key); ttl > 0 {
			retry = int(ttl/time.Second) + 1
		}
		return dropapi.RateLimited("Too many requests", retry)
	}
	return nil
}
