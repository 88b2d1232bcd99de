// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsBus carries the topic space over a NATS server so multiple dropd
// instances can share one event plane. Topic segments are NATS subject
// tokens and the `*` wildcard translates directly.
type NatsBus struct {
	conn *nats.Conn
}

var _ Bus = (*NatsBus)(nil)

// NewNatsBus connects to the given NATS url.
func NewNatsBus(url string) (*NatsBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("dropd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NatsBus{conn: conn}, nil
}

// Publish sends the enveloped event; delivery is best effort.
func (b *NatsBus) Publish(topic, eventType string, payload interface{}) {
	data, err := encodePayload(payload)
	if err != nil {
		log.Errorf("dropping event %s on %s: %v", eventType, topic, err)
		return
	}
	wire, err := json.Marshal(envelope{Type: eventType, Data: data})
	if err != nil {
		log.Errorf("dropping event %s on %s: %v", eventType, topic, err)
		return
	}
	if err := b.conn.Publish(topic, wire); err != nil {
		log.Warnf("nats publish %s: %v", topic, err)
	}
}

// Subscribe bridges a NATS subscription onto the bus message channel.
func (b *NatsBus) Subscribe(pattern string) (*Subscription, error) {
	raw := make(chan *nats.Msg, subBuffer)
	natsSub, err := b.conn.ChanSubscribe(pattern, raw)
	if err != nil {
		return nil, err
	}
	out := make(chan Message, subBuffer)
	quit := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case m, ok := <-raw:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal(m.Data, &env); err != nil {
					log.Warnf("bad event on %s: %v", m.Subject, err)
					continue
				}
				select {
				case out <- Message{Topic: m.Subject, Type: env.Type, Data: env.Data}:
				default:
					// Slow consumer: shed.
				}
			case <-quit:
				return
			}
		}
	}()

	cancel := func() {
		if err := natsSub.Unsubscribe(); err != nil {
			log.Debugf("nats unsubscribe %s: %v", pattern, err)
		}
		close(quit)
	}
	return &Subscription{C: out, cancel: cancel}, nil
}

// Close drains and closes the connection.
func (b *NatsBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
