// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package drop

import "time"

// Event types published on the bus and re-emitted over SSE. Publishing
// is fire and forget; clients bootstrap from the authoritative state on
// connect, so a lost message is never load-bearing.
const (
	EventConnected     = "connected"
	EventDrop          = "drop"
	EventUser          = "user"
	EventProof         = "proof"
	EventQueuePosition = "queue_position"
	EventQueueReady    = "queue_ready"
	EventQueueExpired  = "queue_expired"
)

// QueueEvent is the payload for the queue_* events.
type QueueEvent struct {
	Token                string     `json:"token"`
	Status               string     `json:"status"`
	Position             int        `json:"position,omitempty"`
	EstimatedWaitSeconds int        `json:"estimatedWaitSeconds,omitempty"`
	ReadyAt              *time.Time `json:"readyAt,omitempty"`
	ExpiresAt            *time.Time `json:"expiresAt,omitempty"`
}
