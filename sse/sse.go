// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sse projects engine pub/sub traffic onto server-sent event
// streams. Each stream bootstraps from the authoritative in-memory
// state before tailing the bus, so a client that connects mid-drop
// still sees a complete picture.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dropforge/dropd/bus"
	"github.com/dropforge/dropd/drop"
)

// defaultHeartbeat is the comment interval keeping idle connections
// alive through proxies.
const defaultHeartbeat = 25 * time.Second

// Streamer serves SSE sessions over a shared event bus.
type Streamer struct {
	bus       bus.Bus
	heartbeat time.Duration
}

// NewStreamer returns a Streamer tailing b.
func NewStreamer(b bus.Bus) *Streamer {
	return &Streamer{bus: b, heartbeat: defaultHeartbeat}
}

// session wraps a response writer that has been switched to the
// text/event-stream protocol. Every event is flushed immediately.
type session struct {
	w  http.ResponseWriter
	fl http.Flusher
}

func newSession(w http.ResponseWriter) (*session, error) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("sse: streaming unsupported by connection")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fl.Flush()
	return &session{w: w, fl: fl}, nil
}

func (s *session) event(eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.raw(eventType, data)
}

func (s *session) raw(eventType string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	s.fl.Flush()
	return nil
}

func (s *session) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ":%s\n\n", text); err != nil {
		return err
	}
	s.fl.Flush()
	return nil
}

// ServeDrop streams drop state and the user's own participant updates
// until the client disconnects. The bootstrap snapshot is taken after
// subscribing, so no transition can fall between snapshot and tail; a
// client may see an update twice, never not at all.
func (s *Streamer) ServeDrop(w http.ResponseWriter, r *http.Request, d *drop.Drop, userID string) error {
	stateSub, err := s.bus.Subscribe(bus.TopicDropState(d.ID()))
	if err != nil {
		return err
	}
	defer stateSub.Unsubscribe()
	userSub, err := s.bus.Subscribe(bus.TopicDropUser(d.ID(), userID))
	if err != nil {
		return err
	}
	defer userSub.Unsubscribe()

	sess, err := newSession(w)
	if err != nil {
		return err
	}
	if err := sess.event(drop.EventConnected, d.State()); err != nil {
		return err
	}
	part, ok := d.Participant(userID)
	if !ok {
		part = drop.Participant{
			DropID: d.ID(),
			UserID: userID,
			Status: drop.StatusNotRegistered,
		}
	}
	if err := sess.event(drop.EventUser, part); err != nil {
		return err
	}
	log.Debugf("drop stream open: drop=%s user=%s", d.ID(), userID)

	return s.tail(r, sess, stateSub, userSub)
}

// ServeQueue streams a queue token's position and admission updates.
// The bootstrap event mirrors the token's current status, so a client
// reconnecting after its token went ready learns that immediately.
func (s *Streamer) ServeQueue(w http.ResponseWriter, r *http.Request, q *drop.QueueAdmission, token string) error {
	sub, err := s.bus.Subscribe(bus.TopicQueueToken(q.DropID(), token))
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	st, err := q.Status(token)
	if err != nil {
		return err
	}
	sess, err := newSession(w)
	if err != nil {
		return err
	}
	if err := sess.event(queueEventType(st.Status), st); err != nil {
		return err
	}
	log.Debugf("queue stream open: drop=%s token=%s status=%s", q.DropID(), token, st.Status)

	return s.tail(r, sess, sub, nil)
}

// tail forwards bus messages to the session until the request context
// is done or a write fails. A nil secondary subscription is legal.
func (s *Streamer) tail(r *http.Request, sess *session, primary, secondary *bus.Subscription) error {
	hb := time.NewTicker(s.heartbeat)
	defer hb.Stop()

	var secondaryC <-chan bus.Message
	if secondary != nil {
		secondaryC = secondary.C
	}
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-primary.C:
			if !ok {
				return nil
			}
			if err := sess.raw(msg.Type, msg.Data); err != nil {
				return err
			}
		case msg, ok := <-secondaryC:
			if !ok {
				return nil
			}
			if err := sess.raw(msg.Type, msg.Data); err != nil {
				return err
			}
		case <-hb.C:
			if err := sess.comment("heartbeat"); err != nil {
				return err
			}
		}
	}
}

func queueEventType(status string) string {
	switch status {
	case drop.QueueReady:
		return drop.EventQueueReady
	case drop.QueueExpired:
		return drop.EventQueueExpired
	default:
		return drop.EventQueuePosition
	}
}
