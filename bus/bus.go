// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bus fans drop, participant, and queue events out to live
// subscribers. Publishing is fire-and-forget: a slow or absent
// subscriber never blocks a state write, and lost messages are fine
// because SSE clients bootstrap from an authoritative snapshot on
// connect. The in-process MemBus is the default; NatsBus carries the
// same topics over a NATS server when one is configured.
package bus

import (
	"encoding/json"
	"strings"
)

// Topic shapes. Segments are dot-separated so they map one-to-one onto
// NATS subjects.
//
//	drop.{dropId}.state
//	drop.{dropId}.user.{userId}
//	queue.{dropId}.{tokenId}

// Message is one delivered event.
type Message struct {
	Topic string
	Type  string
	Data  []byte // JSON payload
}

// Subscription is a live stream of messages matching one pattern. C is
// closed on Unsubscribe (and on bus shutdown), so receivers can simply
// range over it.
type Subscription struct {
	C      <-chan Message
	cancel func()
}

// Unsubscribe tears the subscription down. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Bus is the publish side plus pattern subscribe. Patterns use `*` to
// match exactly one segment: `queue.d1.*` matches every token channel
// of drop d1.
type Bus interface {
	Publish(topic, eventType string, payload interface{})
	Subscribe(pattern string) (*Subscription, error)
	Close() error
}

// envelope is the wire form shared by both bus implementations.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

// sanitizeSegment keeps caller-supplied ids (user ids, tokens) from
// splitting or wildcarding a topic.
func sanitizeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '-'
		}
		return r
	}, s)
}

// TopicDropState names a drop's public state channel.
func TopicDropState(dropID string) string {
	return "drop." + sanitizeSegment(dropID) + ".state"
}

// TopicDropUser names the per-user channel within a drop.
func TopicDropUser(dropID, userID string) string {
	return "drop." + sanitizeSegment(dropID) + ".user." + sanitizeSegment(userID)
}

// TopicQueueToken names a queue token's channel.
func TopicQueueToken(dropID, tokenID string) string {
	return "queue." + sanitizeSegment(dropID) + "." + sanitizeSegment(tokenID)
}

// matchPattern reports whether a concrete topic matches a subscribe
// pattern, segment by segment.
func matchPattern(pattern, topic string) bool {
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	if len(ps) != len(ts) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != ts[i] {
			return false
		}
	}
	return true
}

// NoOpBus discards publishes and yields empty subscriptions. It keeps
// call sites unconditional when eventing is irrelevant, mirroring the
// pattern of an always-on publisher interface with a no-op fallback.
type NoOpBus struct{}

var _ Bus = (*NoOpBus)(nil)

// Publish discards the event.
func (*NoOpBus) Publish(string, string, interface{}) {}

// Subscribe returns a subscription that never fires.
func (*NoOpBus) Subscribe(string) (*Subscription, error) {
	ch := make(chan Message)
	return &Subscription{C: ch, cancel: func() { close(ch) }}, nil
}

// Close is a no-op.
func (*NoOpBus) Close() error { return nil }
