// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package trust gates registrations: a one-time proof-of-work check
// composed with fingerprint confidence, request timing, behavior
// telemetry, and an optional anomaly model into a 0-100 trust score.
// The gate is advisory input to the drop engine; it holds no
// per-drop state of its own.
package trust

import (
	"context"
	"fmt"
	"time"
)

// Rejection codes surfaced with 403 responses.
const (
	CodePowFailed     = "POW_FAILED"
	CodeBotDetected   = "BOT_DETECTED"
	CodeTrustScoreLow = "TRUST_SCORE_LOW"
)

const neutralScore = 50.0

// Weights blends the four components; they must sum to 1.
type Weights struct {
	Fingerprint float64
	Timing      float64
	Behavior    float64
	ML          float64
}

// DefaultWeights is the documented neutral tuning.
var DefaultWeights = Weights{Fingerprint: 0.35, Timing: 0.20, Behavior: 0.25, ML: 0.20}

func (w Weights) sum() float64 {
	return w.Fingerprint + w.Timing + w.Behavior + w.ML
}

// Config tunes a Gate.
type Config struct {
	MinTrustScore    float64
	MinBehaviorScore float64
	Weights          Weights
	Scorer           Scorer // nil disables the ML component
	ScorerTimeout    time.Duration
}

// Validation is the botValidation block of a registration request.
type Validation struct {
	Fingerprint           string  `json:"fingerprint"`
	FingerprintConfidence float64 `json:"fingerprintConfidence"`
	TimingMs              int64   `json:"timingMs"`
	PowChallenge          string  `json:"powChallenge"`
	PowSolution           string  `json:"powSolution"`
}

// Result is the gate's verdict.
type Result struct {
	Allowed    bool    `json:"allowed"`
	TrustScore float64 `json:"trustScore"`
	Code       string  `json:"code,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// Gate evaluates registrations.
type Gate struct {
	cfg        Config
	challenger *Challenger
}

// NewGate wires a gate. A zero ScorerTimeout defaults to 250ms; an
// invalid weight set falls back to DefaultWeights.
func NewGate(cfg Config, challenger *Challenger) *Gate {
	if cfg.ScorerTimeout <= 0 {
		cfg.ScorerTimeout = 250 * time.Millisecond
	}
	if s := cfg.Weights.sum(); s < 0.999 || s > 1.001 {
		log.Warnf("trust weights sum to %.3f, using defaults", s)
		cfg.Weights = DefaultWeights
	}
	return &Gate{cfg: cfg, challenger: challenger}
}

// Challenger exposes the PoW mint for the challenge endpoint.
func (g *Gate) Challenger() *Challenger {
	return g.challenger
}

// MinTrustScore returns the allow threshold.
func (g *Gate) MinTrustScore() float64 {
	return g.cfg.MinTrustScore
}

// Check verifies the proof-of-work (consuming the challenge) and
// composes the trust score. The proof-of-work is a hard gate; the
// rest blends into a score compared against MinTrustScore.
func (g *Gate) Check(ctx context.Context, v Validation, sig *BehaviorSignals) Result {
	if !g.challenger.Verify(v.PowChallenge, v.PowSolution) {
		return Result{Code: CodePowFailed, Reason: "Invalid proof-of-work"}
	}

	fp := clamp(v.FingerprintConfidence, 0, 100)
	timing := timingComponent(v.TimingMs)

	behavior := neutralScore
	if sig != nil {
		behavior = 100 * (1 - ruleAnomaly(sig.FeatureVector()))
		if behavior < g.cfg.MinBehaviorScore {
			return Result{
				Code:   CodeBotDetected,
				Reason: "Suspicious behavior",
			}
		}
	}

	ml := g.mlComponent(ctx, sig)

	w := g.cfg.Weights
	score := clamp(
		w.Fingerprint*fp+w.Timing*timing+w.Behavior*behavior+w.ML*ml,
		0, 100)

	if score < g.cfg.MinTrustScore {
		return Result{
			TrustScore: score,
			Code:       CodeTrustScoreLow,
			Reason:     fmt.Sprintf("Trust score %.0f below minimum %.0f", score, g.cfg.MinTrustScore),
		}
	}
	return Result{Allowed: true, TrustScore: score}
}

// mlComponent runs the configured scorer under its deadline. Absent
// signals, a missing scorer, errors, and timeouts all yield the
// neutral 50 so the gate keeps working when the model does not.
func (g *Gate) mlComponent(ctx context.Context, sig *BehaviorSignals) float64 {
	if g.cfg.Scorer == nil || sig == nil {
		return neutralScore
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ScorerTimeout)
	defer cancel()

	done := make(chan float64, 1)
	go func() {
		anomaly, err := g.cfg.Scorer.Score(ctx, sig.FeatureVector())
		if err != nil {
			log.Debugf("scorer unavailable, using neutral: %v", err)
			done <- neutralScore
			return
		}
		done <- 100 * (1 - clamp(anomaly, 0, 1))
	}()
	select {
	case v := <-done:
		return v
	case <-ctx.Done():
		log.Debugf("scorer timed out after %v, using neutral", g.cfg.ScorerTimeout)
		return neutralScore
	}
}

// timingComponent penalises implausibly fast submissions and stale
// sessions: under 200ms no human has read the page, over ten minutes
// the session is likely farmed.
func timingComponent(ms int64) float64 {
	switch {
	case ms < 200:
		return 15
	case ms > 10*60*1000:
		return 25
	default:
		return 85
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
