// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ptoken mints and verifies the purchase authorizations handed
// to lottery winners. A token is self-verifying: the expiry and an
// HMAC over (drop, user, shortId, expiry) travel inside it, so the
// purchase edge needs only the shared secret, not stored token state.
// That keeps purchases working across engine restarts.
package ptoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// Format: base64url(12 random bytes) "." base36(expiry seconds) "."
// first 16 chars of base64url(HMAC-SHA256(secret, payload)).
const sigChars = 16

// Result reports a verification outcome.
type Result struct {
	Valid     bool
	Expired   bool
	ExpiresAt time.Time
	Reason    string
}

func sign(secret, dropID, userID, shortID, exp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(dropID + ":" + userID + ":" + shortID + ":" + exp))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return sig[:sigChars]
}

// Assemble builds a token from an already-chosen short id. Generate is
// the usual entry point; Assemble exists so a recovering engine can
// rebuild the exact token recorded in participant state.
func Assemble(secret, dropID, userID, shortID string, expiresAt time.Time) string {
	exp := strconv.FormatInt(expiresAt.Unix(), 36)
	return shortID + "." + exp + "." + sign(secret, dropID, userID, shortID, exp)
}

// Generate mints a fresh token for a winner.
func Generate(secret, dropID, userID string, expiresAt time.Time) (string, error) {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	shortID := base64.RawURLEncoding.EncodeToString(raw[:])
	return Assemble(secret, dropID, userID, shortID, expiresAt), nil
}

// Verify checks a presented token. The signature comparison is
// constant time and runs before the expiry check, so a forger learns
// nothing from timing.
func Verify(secret, dropID, userID, token string, now time.Time) Result {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Result{Reason: "malformed token"}
	}
	want := sign(secret, dropID, userID, parts[0], parts[1])
	if subtle.ConstantTimeCompare([]byte(want), []byte(parts[2])) != 1 {
		return Result{Reason: "signature mismatch"}
	}
	expSec, err := strconv.ParseInt(parts[1], 36, 64)
	if err != nil {
		return Result{Reason: "bad expiry"}
	}
	expiresAt := time.Unix(expSec, 0)
	if now.Unix() > expSec {
		return Result{Expired: true, ExpiresAt: expiresAt, Reason: "Token expired"}
	}
	return Result{Valid: true, ExpiresAt: expiresAt}
}
