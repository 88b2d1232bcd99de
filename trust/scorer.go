// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package trust

import "context"

// BehaviorSignals is the client-reported interaction telemetry
// attached to a registration. All fields are optional; a missing block
// scores neutrally.
type BehaviorSignals struct {
	MouseMoves         int     `json:"mouseMoves"`
	Clicks             int     `json:"clicks"`
	Scrolls            int     `json:"scrolls"`
	KeyPresses         int     `json:"keyPresses"`
	TouchEvents        int     `json:"touchEvents"`
	DwellMs            int64   `json:"dwellMs"`
	InterEventMeanMs   float64 `json:"interEventMeanMs"`
	InterEventStddevMs float64 `json:"interEventStddevMs"`
	PointerSpeedMean   float64 `json:"pointerSpeedMean"`
	PointerSpeedStddev float64 `json:"pointerSpeedStddev"`
}

// FeatureVector flattens the signals for a Scorer.
func (s *BehaviorSignals) FeatureVector() [10]float64 {
	return [10]float64{
		float64(s.MouseMoves),
		float64(s.Clicks),
		float64(s.Scrolls),
		float64(s.KeyPresses),
		float64(s.TouchEvents),
		float64(s.DwellMs),
		s.InterEventMeanMs,
		s.InterEventStddevMs,
		s.PointerSpeedMean,
		s.PointerSpeedStddev,
	}
}

// Scorer is the anomaly-model surface: 0 is clean, 1 is certainly
// automated. Implementations must respect the context deadline; the
// gate falls back to a neutral score when they do not answer in time.
type Scorer interface {
	Score(ctx context.Context, features [10]float64) (float64, error)
}

// ruleAnomaly is the shared heuristic over the feature vector. Each
// clause flags one automation tell.
func ruleAnomaly(f [10]float64) float64 {
	var a float64
	if f[0]+f[1]+f[2]+f[3]+f[4] == 0 {
		// No human input events at all.
		a += 0.4
	}
	if f[0] > 5 && f[7] == 0 {
		// Many mouse moves with perfectly regular timing.
		a += 0.25
	}
	if f[5] < 1000 {
		// Less than a second on the page.
		a += 0.2
	}
	if f[8] > 0 && f[9] == 0 {
		// Pointer moving at constant speed.
		a += 0.15
	}
	if a > 1 {
		a = 1
	}
	return a
}

// RuleScorer is the built-in scorer: the same heuristics as the
// explicit behavior score, usable where no trained model is deployed.
type RuleScorer struct{}

var _ Scorer = RuleScorer{}

// Score evaluates the rule set.
func (RuleScorer) Score(ctx context.Context, features [10]float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return ruleAnomaly(features), nil
}
