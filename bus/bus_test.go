// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-sub.C:
		require.True(t, ok, "subscription closed early")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := NewMemBus()
	defer b.Close()

	sub, err := b.Subscribe(TopicDropState("d1"))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	b.Publish(TopicDropState("d1"), "drop", map[string]int{"inventory": 5})
	m := recv(t, sub)
	require.Equal(t, "drop.d1.state", m.Topic)
	require.Equal(t, "drop", m.Type)

	var payload map[string]int
	require.NoError(t, json.Unmarshal(m.Data, &payload))
	require.Equal(t, 5, payload["inventory"])
}

func TestTopicIsolation(t *testing.T) {
	b := NewMemBus()
	defer b.Close()

	d1, err := b.Subscribe(TopicDropState("d1"))
	require.NoError(t, err)
	d2, err := b.Subscribe(TopicDropState("d2"))
	require.NoError(t, err)

	b.Publish(TopicDropState("d2"), "drop", nil)
	m := recv(t, d2)
	require.Equal(t, "drop.d2.state", m.Topic)

	select {
	case m := <-d1.C:
		t.Fatalf("d1 received foreign message %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardSubscribe(t *testing.T) {
	b := NewMemBus()
	defer b.Close()

	all, err := b.Subscribe("queue.d1.*")
	require.NoError(t, err)

	b.Publish(TopicQueueToken("d1", "tok1"), "queue_ready", nil)
	b.Publish(TopicQueueToken("d1", "tok2"), "queue_position", nil)
	b.Publish(TopicQueueToken("d2", "tok3"), "queue_ready", nil)

	first := recv(t, all)
	second := recv(t, all)
	require.ElementsMatch(t,
		[]string{"queue.d1.tok1", "queue.d1.tok2"},
		[]string{first.Topic, second.Topic})

	select {
	case m := <-all.C:
		t.Fatalf("wildcard leaked across drops: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewMemBus()
	defer b.Close()

	sub, err := b.Subscribe("drop.d1.state")
	require.NoError(t, err)
	sub.Unsubscribe()
	sub.Unsubscribe() // second call is a no-op

	_, ok := <-sub.C
	require.False(t, ok, "channel should be closed")

	// Publishing after unsubscribe must not panic or block.
	b.Publish("drop.d1.state", "drop", nil)
}

func TestSlowSubscriberShedsOldest(t *testing.T) {
	b := NewMemBus()
	defer b.Close()

	sub, err := b.Subscribe("drop.d1.state")
	require.NoError(t, err)

	total := subBuffer + 10
	for i := 0; i < total; i++ {
		b.Publish("drop.d1.state", "drop", map[string]int{"seq": i})
	}

	// Nothing consumed while publishing: the first messages were shed,
	// the latest survives.
	var last int
	n := 0
	for {
		select {
		case m := <-sub.C:
			var payload map[string]int
			require.NoError(t, json.Unmarshal(m.Data, &payload))
			last = payload["seq"]
			n++
			continue
		default:
		}
		break
	}
	require.Equal(t, subBuffer, n, "buffer holds the newest window")
	require.Equal(t, total-1, last, "newest message kept")
}

func TestCloseEndsSubscriptions(t *testing.T) {
	b := NewMemBus()
	sub, err := b.Subscribe("drop.d1.state")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, ok := <-sub.C
	require.False(t, ok)

	_, err = b.Subscribe("drop.d1.state")
	require.ErrorIs(t, err, ErrBusClosed)
}

func TestSanitizedTopics(t *testing.T) {
	require.Equal(t, "drop.d1.user.a-b-c", TopicDropUser("d1", "a.b*c"))
	require.Equal(t, "queue.d-1.tok", TopicQueueToken("d.1", "tok"))
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"drop.d1.state", "drop.d1.state", true},
		{"drop.*.state", "drop.d2.state", true},
		{"drop.d1.user.*", "drop.d1.user.alice", true},
		{"drop.d1.user.*", "drop.d1.state", false},
		{"queue.d1.*", "queue.d1.t1", true},
		{"queue.d1.*", "queue.d2.t1", false},
		{"queue.d1.*", "queue.d1.t1.extra", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, matchPattern(tt.pattern, tt.topic),
			"%s vs %s", tt.pattern, tt.topic)
	}
}

func TestNoOpBus(t *testing.T) {
	var b Bus = (*NoOpBus)(nil)
	b.Publish("drop.d1.state", "drop", nil)
	sub, err := b.Subscribe("drop.d1.state")
	require.NoError(t, err)
	select {
	case <-sub.C:
		t.Fatal("noop subscription fired")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, b.Close())
}
