// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bus

import (
	"errors"
	"sync"
)

// subBuffer is the per-subscriber channel depth. When a subscriber
// falls this far behind, the oldest buffered message is dropped to
// make room; durable state, not the bus, is the source of truth.
const subBuffer = 64

// ErrBusClosed is returned by Subscribe after Close.
var ErrBusClosed = errors.New("bus: closed")

// MemBus is the in-process hub used when no NATS url is configured.
type MemBus struct {
	mtx    sync.RWMutex
	subs   map[uint64]*memSub
	nextID uint64
	closed bool
}

type memSub struct {
	pattern string
	ch      chan Message
}

var _ Bus = (*MemBus)(nil)

// NewMemBus returns an empty hub.
func NewMemBus() *MemBus {
	return &MemBus{subs: make(map[uint64]*memSub)}
}

// Publish delivers the event to every matching subscriber without
// blocking. Marshal failures are logged and dropped.
func (b *MemBus) Publish(topic, eventType string, payload interface{}) {
	data, err := encodePayload(payload)
	if err != nil {
		log.Errorf("dropping event %s on %s: %v", eventType, topic, err)
		return
	}
	msg := Message{Topic: topic, Type: eventType, Data: data}

	b.mtx.RLock()
	defer b.mtx.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !matchPattern(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Full buffer: shed the oldest message, then retry
			// once. Never block the publisher.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
}

// Subscribe registers a pattern subscription.
func (b *MemBus) Subscribe(pattern string) (*Subscription, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	id := b.nextID
	b.nextID++
	sub := &memSub{pattern: pattern, ch: make(chan Message, subBuffer)}
	b.subs[id] = sub

	cancel := func() {
		b.mtx.Lock()
		defer b.mtx.Unlock()
		if _, ok := b.subs[id]; !ok {
			return
		}
		delete(b.subs, id)
		// Publishers send only under RLock, so after removal under
		// the write lock nobody can still send here.
		close(sub.ch)
	}
	return &Subscription{C: sub.ch, cancel: cancel}, nil
}

// Close drops every subscription and closes their channels.
func (b *MemBus) Close() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	return nil
}
