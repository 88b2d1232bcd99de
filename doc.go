/*
 * Copyright (c) 2025-2026 The Dropforge developers
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

// dropd runs scarcity-constrained product drops: it admits buyers
// through a throttled waiting queue, filters automation with a
// proof-of-work and behavior trust gate, takes weighted ticket
// registrations, draws winners with a publicly verifiable commit-reveal
// lottery, and hands winners bounded purchase windows with backup
// promotion when a window lapses.
//
// Two HTTP listeners are served. The JSON API (--apilisten, default
// :8080) carries the queue, registration, purchase, proof, and admin
// endpoints. The event stream listener (--sselisten, default :8081)
// carries the server-sent event projections of drop, participant, and
// queue state.
//
// Quick start for local development:
//
//	dropd --devmode -d debug
//
// Dev mode keeps all state in memory and generates the secrets that are
// otherwise required. A production process wants at least:
//
//	dropd --purchasetokensecret=<hex> --adminpasshash=<bcrypt> \
//	    --apisecret=<hex> --appdata=/var/lib/dropd
//
// Create a drop (the admin API is enabled by --adminpasshash):
//
//	curl -s -X POST :8080/api/admin/login -d '{"password":"..."}'
//	curl -s -X POST :8080/api/admin/drop -H "Authorization: Bearer <token>" \
//	    -d '{"inventory":100,"registrationEnd":"2026-09-01T17:00:00Z"}'
//
// Drop state persists in a pebble database under --appdata; completed
// drops can additionally be copied to MySQL with --archivedsn. Sending
// SIGUSR1 logs engine and queue counters without interrupting service.
package main
