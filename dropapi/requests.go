// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dropapi

import (
	"time"

	"github.com/dropforge/dropd/geo"
	"github.com/dropforge/dropd/trust"
)

// JoinQueueRequest asks for admission to a drop's waiting queue. The
// drop id rides in the path; the caller's IP is taken from the request.
type JoinQueueRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// RegisterRequest files a ticket registration for an admitted user.
// BotValidation echoes a previously minted proof-of-work challenge and
// the device fingerprint; Location is only consulted when the drop
// carries a geographic fence.
type RegisterRequest struct {
	UserID          string                 `json:"userId"`
	Tickets         int                    `json:"tickets"`
	BotValidation   trust.Validation       `json:"botValidation"`
	QueueToken      string                 `json:"queueToken,omitempty"`
	BehaviorSignals *trust.BehaviorSignals `json:"behaviorSignals,omitempty"`
	Location        *geo.Point             `json:"location,omitempty"`
	CaptchaID       string                 `json:"captchaId,omitempty"`
	CaptchaSolution string                 `json:"captchaSolution,omitempty"`
}

// PurchaseStartRequest opens the checkout window for a winner.
type PurchaseStartRequest struct {
	UserID string `json:"userId"`
}

// PurchaseRequest completes a purchase inside the checkout window.
type PurchaseRequest struct {
	UserID        string `json:"userId"`
	PurchaseToken string `json:"purchaseToken"`
}

// AdminLoginRequest exchanges the operator password for a session
// token.
type AdminLoginRequest struct {
	Password string `json:"password"`
}

// AdminLoginResponse carries the signed session token.
type AdminLoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

// JoinQueueResponse acknowledges queue admission or enqueueing.
type JoinQueueResponse struct {
	QueueToken           string `json:"token"`
	Status               string `json:"status"`
	Position             int    `json:"position,omitempty"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds,omitempty"`
}

// QueueStatusResponse reports where a queue token currently stands.
type QueueStatusResponse struct {
	Status               string     `json:"status"`
	Position             int        `json:"position,omitempty"`
	EstimatedWaitSeconds int        `json:"estimatedWaitSeconds,omitempty"`
	WaitingCount         int        `json:"waitingCount,omitempty"`
	ReadyAt              *time.Time `json:"readyAt,omitempty"`
	ExpiresAt            *time.Time `json:"expiresAt,omitempty"`
}

// PurchaseStartResponse hands a winner their standing token.
type PurchaseStartResponse struct {
	PurchaseToken string    `json:"purchaseToken"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// PurchaseResponse acknowledges a durable purchase.
type PurchaseResponse struct {
	Success bool `json:"success"`
}

// RolloverResponse reports a user's cross-drop balance.
type RolloverResponse struct {
	UserID  string `json:"userId"`
	Balance int    `json:"balance"`
}

// CaptchaResponse hands out a freshly minted captcha id.
type CaptchaResponse struct {
	CaptchaID string `json:"captchaId"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	ActiveDrops   int    `json:"activeDrops"`
}
