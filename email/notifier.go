// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package email

import (
	"strings"
	"sync"
	"time"
)

// Courier delivers a single notification. *Sender implements it over
// SMTP; tests substitute a recorder.
type Courier interface {
	WinnerNotification(addr, dropID string, expiresAt time.Time) error
	PromotionNotification(addr, dropID string, expiresAt time.Time) error
	ExpiryNotification(addr, dropID string) error
}

// defaultQueueSize bounds pending notifications before new ones are
// shed.
const defaultQueueSize = 256

type jobKind int

const (
	jobWinner jobKind = iota
	jobPromoted
	jobExpired
)

type job struct {
	kind    jobKind
	dropID  string
	userID  string
	expires time.Time
}

// Notifier adapts a Courier to the engine's notification hooks. The
// hooks run inside lottery and sweep handlers, so they only enqueue;
// a single worker drains the queue. When the queue is full the
// notification is dropped, never the caller blocked.
//
// User ids are opaque to the engine; only ids that look like mail
// addresses get a delivery attempt.
type Notifier struct {
	courier Courier
	ch      chan job
	wg      sync.WaitGroup
	once    sync.Once
}

// NewNotifier starts the delivery worker.
func NewNotifier(courier Courier, queueSize int) *Notifier {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	n := &Notifier{
		courier: courier,
		ch:      make(chan job, queueSize),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for j := range n.ch {
		var err error
		switch j.kind {
		case jobWinner:
			err = n.courier.WinnerNotification(j.userID, j.dropID, j.expires)
		case jobPromoted:
			err = n.courier.PromotionNotification(j.userID, j.dropID, j.expires)
		case jobExpired:
			err = n.courier.ExpiryNotification(j.userID, j.dropID)
		}
		if err != nil {
			log.Warnf("drop %s: mail to %s failed: %v", j.dropID, j.userID, err)
		}
	}
}

func (n *Notifier) enqueue(j job) {
	if !strings.Contains(j.userID, "@") {
		return
	}
	select {
	case n.ch <- j:
	default:
		log.Warnf("drop %s: mail queue full, shedding notification for %s",
			j.dropID, j.userID)
	}
}

// WinnerSelected queues a winner mail.
func (n *Notifier) WinnerSelected(dropID, userID string, expiresAt time.Time) {
	n.enqueue(job{kind: jobWinner, dropID: dropID, userID: userID, expires: expiresAt})
}

// BackupPromoted queues a promotion mail.
func (n *Notifier) BackupPromoted(dropID, userID string, expiresAt time.Time) {
	n.enqueue(job{kind: jobPromoted, dropID: dropID, userID: userID, expires: expiresAt})
}

// WinnerExpired queues an expiry mail.
func (n *Notifier) WinnerExpired(dropID, userID string) {
	n.enqueue(job{kind: jobExpired, dropID: dropID, userID: userID})
}

// Close stops accepting work and waits for queued mail to drain.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.ch) })
	n.wg.Wait()
}
