// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package drop

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dropforge/dropd/bus"
	"github.com/dropforge/dropd/dropapi"
)

// Queue token statuses. A token moves waiting -> ready -> used or
// expired and never backwards.
const (
	QueueWaiting = "waiting"
	QueueReady   = "ready"
	QueueUsed    = "used"
	QueueExpired = "expired"
)

// kvstore buckets backing the queue.
const (
	bucketQueueTokens   = "queue_tokens"
	bucketQueueCounters = "queue_counters"
)

// usedTokenRetention keeps settled tokens visible to status polls for a
// little while after they leave the queue. Ready records carry the same
// padding past their window: the expiry timer that settles them must
// still find the record to release its ready slot.
const usedTokenRetention = 5 * time.Minute

// QueueConfig tunes a drop's admission queue. The zero value is
// normalized to the documented defaults.
type QueueConfig struct {
	Enabled                 bool    `json:"enabled"`
	AdmissionRatePerSecond  float64 `json:"admissionRatePerSecond,omitempty"`
	MaxConcurrentReady      int     `json:"maxConcurrentReady,omitempty"`
	AdmissionTickMs         int     `json:"admissionTickMs,omitempty"`
	ReadyWindowSeconds      int     `json:"readyWindowSeconds,omitempty"`
	MaxQueueAgeMinutes      int     `json:"maxQueueAgeMinutes,omitempty"`
	MaxTokensPerFingerprint int     `json:"maxTokensPerFingerprint,omitempty"`
	MaxTokensPerIP          int     `json:"maxTokensPerIP,omitempty"`
}

func (c *QueueConfig) normalize() {
	if c.AdmissionRatePerSecond <= 0 {
		c.AdmissionRatePerSecond = 5.0
	}
	if c.MaxConcurrentReady <= 0 {
		c.MaxConcurrentReady = 100
	}
	if c.AdmissionTickMs <= 0 {
		c.AdmissionTickMs = 1000
	}
	if c.ReadyWindowSeconds <= 0 {
		c.ReadyWindowSeconds = 300
	}
	if c.MaxQueueAgeMinutes <= 0 {
		c.MaxQueueAgeMinutes = 60
	}
	if c.MaxTokensPerFingerprint <= 0 {
		c.MaxTokensPerFingerprint = 3
	}
	if c.MaxTokensPerIP <= 0 {
		c.MaxTokensPerIP = 10
	}
}

func (c *QueueConfig) tick() time.Duration {
	return time.Duration(c.AdmissionTickMs) * time.Millisecond
}

func (c *QueueConfig) readyWindow() time.Duration {
	return time.Duration(c.ReadyWindowSeconds) * time.Second
}

func (c *QueueConfig) maxQueueAge() time.Duration {
	return time.Duration(c.MaxQueueAgeMinutes) * time.Minute
}

// eta estimates the wait for a queue position from the effective drain
// rate.
func (c *QueueConfig) eta(position int) int {
	rate := math.Min(c.AdmissionRatePerSecond, float64(c.MaxConcurrentReady))
	if rate <= 0 {
		rate = 1
	}
	return int(math.Ceil(float64(position) / rate))
}

// QueueToken is the TTL'd record behind one queue pass.
type QueueToken struct {
	Token       string     `json:"token"`
	DropID      string     `json:"dropId"`
	Position    int64      `json:"position"`
	Fingerprint string     `json:"fingerprint"`
	IPHash      string     `json:"ipHash"`
	Status      string     `json:"status"`
	IssuedAt    time.Time  `json:"issuedAt"`
	ReadyAt     *time.Time `json:"readyAt,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// queueSnapshot is the durable actor state. Token records themselves
// live in the TTL KV and lapse across restarts; the snapshot is pruned
// against it on recovery.
type queueSnapshot struct {
	Waiting       []string `json:"waiting"`
	TotalIssued   int      `json:"totalIssued"`
	TotalAdmitted int      `json:"totalAdmitted"`
}

// QueueAdmission serializes one drop's waiting queue. All mutators run
// under mu, which is what keeps currentReady under the cap: admit,
// used, and expired settle one at a time.
type QueueAdmission struct {
	dropID string
	cfg    QueueConfig
	eng    *Engine

	mu            sync.Mutex
	waiting       []string
	loopActive    bool
	totalIssued   int
	totalAdmitted int
}

func newQueueAdmission(eng *Engine, dropID string, cfg QueueConfig) *QueueAdmission {
	cfg.normalize()
	return &QueueAdmission{dropID: dropID, cfg: cfg, eng: eng}
}

// DropID returns the drop this queue admits into.
func (q *QueueAdmission) DropID() string {
	return q.dropID
}

func (q *QueueAdmission) tokenKey(token string) string {
	return q.dropID + ":" + token
}

func (q *QueueAdmission) readyCountKey() string {
	return q.dropID + ":ready"
}

func (q *QueueAdmission) loadToken(token string) (*QueueToken, bool) {
	raw, ok := q.eng.kv.Get(bucketQueueTokens, q.tokenKey(token))
	if !ok {
		return nil, false
	}
	var rec QueueToken
	if err := json.Unmarshal(raw, &rec); err != nil {
		log.Errorf("queue %s: corrupt token record %s: %v", q.dropID, token, err)
		return nil, false
	}
	return &rec, true
}

func (q *QueueAdmission) storeToken(rec *QueueToken, ttl time.Duration) {
	raw, err := json.Marshal(rec)
	if err != nil {
		log.Errorf("queue %s: encode token %s: %v", q.dropID, rec.Token, err)
		return
	}
	q.eng.kv.Set(bucketQueueTokens, q.tokenKey(rec.Token), raw, ttl)
}

func (q *QueueAdmission) persistLocked() {
	snap := queueSnapshot{
		Waiting:       append([]string(nil), q.waiting...),
		TotalIssued:   q.totalIssued,
		TotalAdmitted: q.totalAdmitted,
	}
	if err := q.eng.putJSON(queueKey(q.dropID), snap, false); err != nil {
		log.Errorf("queue %s: persist: %v", q.dropID, err)
	}
}

// restore rehydrates the actor from its snapshot, keeping only waiting
// tokens whose KV records survived. It restarts the admission loop when
// any remain.
func (q *QueueAdmission) restore(snap queueSnapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.totalIssued = snap.TotalIssued
	q.totalAdmitted = snap.TotalAdmitted
	for _, tok := range snap.Waiting {
		if _, ok := q.loadToken(tok); ok {
			q.waiting = append(q.waiting, tok)
		}
	}
	if len(q.waiting) > 0 && !q.loopActive {
		q.loopActive = true
		q.eng.afterFunc(q.cfg.tick(), q.admitTick)
	}
}

// Join admits or enqueues one caller. With the queue disabled the
// token is ready immediately; otherwise the caller takes the next FIFO
// slot, bounded by per-fingerprint and per-IP token counts.
func (q *QueueAdmission) Join(fingerprint, ipHash string) (*dropapi.JoinQueueResponse, error) {
	if fingerprint == "" {
		return nil, dropapi.MissingField("fingerprint")
	}
	now := q.eng.clock()
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.cfg.Enabled {
		rec := &QueueToken{
			Token:       uuid.NewString(),
			DropID:      q.dropID,
			Fingerprint: fingerprint,
			IPHash:      ipHash,
			Status:      QueueReady,
			IssuedAt:    now,
			ReadyAt:     &now,
			ExpiresAt:   now.Add(q.cfg.readyWindow()),
		}
		q.storeToken(rec, q.cfg.readyWindow()+usedTokenRetention)
		q.eng.kv.Add(bucketQueueCounters, q.readyCountKey(), 1)
		q.totalIssued++
		q.totalAdmitted++
		q.scheduleExpiry(rec.Token, q.cfg.readyWindow())
		q.persistLocked()
		return &dropapi.JoinQueueResponse{
			QueueToken: rec.Token,
			Status:     QueueReady,
		}, nil
	}

	fpKey := q.dropID + ":fp:" + fingerprint
	ipKey := q.dropID + ":ip:" + ipHash
	if q.eng.kv.Counter(bucketQueueCounters, fpKey) >= int64(q.cfg.MaxTokensPerFingerprint) {
		return nil, dropapi.RateLimited("Too many queue tokens for this fingerprint", q.cfg.MaxQueueAgeMinutes*60)
	}
	if ipHash != "" && q.eng.kv.Counter(bucketQueueCounters, ipKey) >= int64(q.cfg.MaxTokensPerIP) {
		return nil, dropapi.RateLimited("Too many queue tokens for this address", q.cfg.MaxQueueAgeMinutes*60)
	}
	q.eng.kv.Incr(bucketQueueCounters, fpKey, q.cfg.maxQueueAge())
	if ipHash != "" {
		q.eng.kv.Incr(bucketQueueCounters, ipKey, q.cfg.maxQueueAge())
	}

	seq := q.eng.kv.Add(bucketQueueCounters, q.dropID+":position", 1)
	rec := &QueueToken{
		Token:       uuid.NewString(),
		DropID:      q.dropID,
		Position:    seq,
		Fingerprint: fingerprint,
		IPHash:      ipHash,
		Status:      QueueWaiting,
		IssuedAt:    now,
		ExpiresAt:   now.Add(q.cfg.maxQueueAge()),
	}
	q.storeToken(rec, q.cfg.maxQueueAge())
	q.waiting = append(q.waiting, rec.Token)
	q.totalIssued++
	if !q.loopActive {
		q.loopActive = true
		q.eng.afterFunc(q.cfg.tick(), q.admitTick)
	}
	q.persistLocked()

	pos := len(q.waiting)
	return &dropapi.JoinQueueResponse{
		QueueToken:           rec.Token,
		Status:               QueueWaiting,
		Position:             pos,
		EstimatedWaitSeconds: q.cfg.eta(pos),
	}, nil
}

// admitTick flips the next batch of waiters to ready: bounded by free
// ready slots and by the per-tick admission rate, FIFO. It reschedules
// itself while waiters remain.
func (q *QueueAdmission) admitTick() {
	now := q.eng.clock()
	q.mu.Lock()
	defer q.mu.Unlock()

	ready := q.eng.kv.Counter(bucketQueueCounters, q.readyCountKey())
	slots := q.cfg.MaxConcurrentReady - int(ready)
	if slots < 0 {
		slots = 0
	}
	rateSlice := int(math.Ceil(q.cfg.AdmissionRatePerSecond * float64(q.cfg.AdmissionTickMs) / 1000.0))
	toAdmit := slots
	if rateSlice < toAdmit {
		toAdmit = rateSlice
	}

	admitted := 0
	for admitted < toAdmit && len(q.waiting) > 0 {
		token := q.waiting[0]
		q.waiting = q.waiting[1:]
		rec, ok := q.loadToken(token)
		if !ok || rec.Status != QueueWaiting {
			// Lapsed by TTL while waiting; does not consume a slot.
			continue
		}
		readyAt := now
		rec.Status = QueueReady
		rec.ReadyAt = &readyAt
		rec.ExpiresAt = now.Add(q.cfg.readyWindow())
		q.storeToken(rec, q.cfg.readyWindow()+usedTokenRetention)
		q.eng.kv.Add(bucketQueueCounters, q.readyCountKey(), 1)
		q.totalAdmitted++
		admitted++
		q.scheduleExpiry(token, q.cfg.readyWindow())
		q.eng.publish(bus.TopicQueueToken(q.dropID, token), EventQueueReady, QueueEvent{
			Token:     token,
			Status:    QueueReady,
			ReadyAt:   rec.ReadyAt,
			ExpiresAt: &rec.ExpiresAt,
		})
	}
	if admitted > 0 {
		log.Debugf("queue %s: admitted %d, %d waiting", q.dropID, admitted, len(q.waiting))
	}

	for i, token := range q.waiting {
		if i >= 100 {
			break
		}
		pos := i + 1
		q.eng.publish(bus.TopicQueueToken(q.dropID, token), EventQueuePosition, QueueEvent{
			Token:                token,
			Status:               QueueWaiting,
			Position:             pos,
			EstimatedWaitSeconds: q.cfg.eta(pos),
		})
	}

	if len(q.waiting) > 0 {
		q.eng.afterFunc(q.cfg.tick(), q.admitTick)
	} else {
		q.loopActive = false
	}
	q.persistLocked()
}

func (q *QueueAdmission) scheduleExpiry(token string, after time.Duration) {
	q.eng.afterFunc(after, func() {
		if err := q.MarkExpired(token); err != nil {
			log.Debugf("queue %s: expire %s: %v", q.dropID, token, err)
		}
	})
}

// MarkUsed settles a ready token after a successful registration. Any
// other starting state is an error and changes nothing.
func (q *QueueAdmission) MarkUsed(token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.loadToken(token)
	if !ok {
		return dropapi.NotFoundf("Unknown queue token")
	}
	switch rec.Status {
	case QueueReady:
	case QueueWaiting:
		return dropapi.QueueNotReady(q.cfg.eta(q.positionLocked(token)))
	case QueueExpired:
		return dropapi.New(dropapi.KindTokenExpired, dropapi.CodeTokenExpired, "Queue token expired")
	default:
		return dropapi.Validationf("Queue token already used")
	}
	rec.Status = QueueUsed
	q.storeToken(rec, usedTokenRetention)
	q.eng.kv.Add(bucketQueueCounters, q.readyCountKey(), -1)
	return nil
}

// MarkExpired retires a ready token whose window lapsed. Used and
// already-expired tokens are left alone, so at most one of
// MarkUsed/MarkExpired ever settles a token.
func (q *QueueAdmission) MarkExpired(token string) error {
	now := q.eng.clock()
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.loadToken(token)
	if !ok || rec.Status != QueueReady {
		return nil
	}
	if now.Before(rec.ExpiresAt) {
		return nil
	}
	rec.Status = QueueExpired
	q.storeToken(rec, usedTokenRetention)
	q.eng.kv.Add(bucketQueueCounters, q.readyCountKey(), -1)
	q.eng.publish(bus.TopicQueueToken(q.dropID, token), EventQueueExpired, QueueEvent{
		Token:  token,
		Status: QueueExpired,
	})
	return nil
}

func (q *QueueAdmission) positionLocked(token string) int {
	for i, t := range q.waiting {
		if t == token {
			return i + 1
		}
	}
	return 0
}

// Token returns a copy of the token record for edge checks.
func (q *QueueAdmission) Token(token string) (*QueueToken, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.loadToken(token)
	if !ok {
		return nil, dropapi.NotFoundf("Unknown queue token")
	}
	return rec, nil
}

// Status reports where a token stands, with queue-relative position for
// waiters.
func (q *QueueAdmission) Status(token string) (*dropapi.QueueStatusResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.loadToken(token)
	if !ok {
		return nil, dropapi.NotFoundf("Unknown queue token")
	}
	resp := &dropapi.QueueStatusResponse{Status: rec.Status}
	switch rec.Status {
	case QueueWaiting:
		pos := q.positionLocked(token)
		resp.Position = pos
		resp.EstimatedWaitSeconds = q.cfg.eta(pos)
		resp.WaitingCount = len(q.waiting)
		resp.ExpiresAt = &rec.ExpiresAt
	case QueueReady:
		resp.ReadyAt = rec.ReadyAt
		resp.ExpiresAt = &rec.ExpiresAt
	}
	return resp, nil
}

// Stats reports lifetime issue/admit counters.
func (q *QueueAdmission) Stats() (issued, admitted, waiting int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalIssued, q.totalAdmitted, len(q.waiting)
}
