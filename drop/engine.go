// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package drop

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dropforge/dropd/bus"
	"github.com/dropforge/dropd/dropapi"
	"github.com/dropforge/dropd/kvstore"
	"github.com/dropforge/dropd/lottery"
	"github.com/dropforge/dropd/storage"
)

// Storage keyspace. Every record is JSON under a prefixed key so a
// prefix scan recovers one family at a time.
func dropKey(dropID string) string { return "drop/" + dropID }

func partKey(dropID, userID string) string { return "part/" + dropID + "/" + userID }

func rollKey(userID string) string { return "roll/" + userID }

func loyalKey(userID string) string { return "loyal/" + userID }

func queueKey(dropID string) string { return "queue/" + dropID }

func proofKey(dropID string) string { return "proof/" + dropID }

const activeIndexKey = "index/active"

// Notifier receives winner lifecycle notifications. Implementations
// must not block: the engine calls these inside handlers.
type Notifier interface {
	WinnerSelected(dropID, userID string, expiresAt time.Time)
	BackupPromoted(dropID, userID string, expiresAt time.Time)
	WinnerExpired(dropID, userID string)
}

// ArchiveRecord is the completed-drop summary handed to an Archiver.
type ArchiveRecord struct {
	DropID         string
	Config         DropConfig
	Proof          *LotteryProof
	Participants   []Participant
	PurchasedCount int
	CompletedAt    time.Time
}

// Archiver persists completed drops to cold storage. Failures are
// logged and never block completion.
type Archiver interface {
	ArchiveDrop(rec *ArchiveRecord) error
}

// Config carries the engine-wide tunables.
type Config struct {
	PurchaseTokenSecret string
	PromoWindowSeconds  int
	PromoGraceSeconds   int
	MaxRollover         int
	ExpiredRolloverRate float64
	Loyalty             LoyaltyConfig
	Queue               QueueConfig
	Notifier            Notifier
	Archiver            Archiver
}

func (c *Config) normalize() {
	if c.PromoWindowSeconds <= 0 {
		c.PromoWindowSeconds = 300
	}
	if c.PromoGraceSeconds <= 0 {
		c.PromoGraceSeconds = 900
	}
	if c.MaxRollover <= 0 {
		c.MaxRollover = DefaultMaxRollover
	}
	if c.ExpiredRolloverRate <= 0 {
		c.ExpiredRolloverRate = 0.5
	}
	c.Loyalty.normalize()
	c.Queue.normalize()
}

// userLedger serializes one user's cross-drop state. Lock order is
// always drop -> ledger; a ledger never calls back into a drop.
type userLedger struct {
	mu    sync.Mutex
	roll  RolloverState
	loyal LoyaltyState
}

// Engine owns the actor registry, durable storage, the TTL KV, the
// event bus, and all timers. Handlers reach the engine's clock and
// secrets through it so tests can pin both.
type Engine struct {
	cfg   Config
	store storage.Store
	bus   bus.Bus
	kv    *kvstore.Store

	now       func() time.Time
	newSecret func() (string, error)
	started   time.Time

	initMu sync.Mutex // serializes drop creation

	mu     sync.Mutex // drops, queues, active
	drops  map[string]*Drop
	queues map[string]*QueueAdmission
	active []string

	ledgerMu sync.Mutex
	ledgers  map[string]*userLedger

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}
	closed  bool
}

// NewEngine wires the engine. A nil bus disables publishing.
func NewEngine(cfg Config, store storage.Store, b bus.Bus, kv *kvstore.Store) (*Engine, error) {
	if cfg.PurchaseTokenSecret == "" {
		return nil, errors.New("drop: purchase token secret is required")
	}
	if store == nil {
		return nil, errors.New("drop: storage is required")
	}
	if kv == nil {
		return nil, errors.New("drop: kv store is required")
	}
	if b == nil {
		b = &bus.NoOpBus{}
	}
	cfg.normalize()
	return &Engine{
		cfg:       cfg,
		store:     store,
		bus:       b,
		kv:        kv,
		now:       time.Now,
		newSecret: randomSecret,
		started:   time.Now(),
		drops:     make(map[string]*Drop),
		queues:    make(map[string]*QueueAdmission),
		ledgers:   make(map[string]*userLedger),
		timers:    make(map[*time.Timer]struct{}),
	}, nil
}

func randomSecret() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

func (e *Engine) clock() time.Time {
	return e.now()
}

// Started reports when the engine came up.
func (e *Engine) Started() time.Time {
	return e.started
}

func (e *Engine) publish(topic, eventType string, payload interface{}) {
	e.bus.Publish(topic, eventType, payload)
}

// afterFunc schedules f once, tracking the timer so Close can cancel
// it. Negative delays fire immediately.
func (e *Engine) afterFunc(d time.Duration, f func()) {
	if d < 0 {
		d = 0
	}
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		e.timerMu.Lock()
		delete(e.timers, t)
		stopped := e.closed
		e.timerMu.Unlock()
		if stopped {
			return
		}
		f()
	})
	e.timers[t] = struct{}{}
}

// Close cancels all pending timers. Storage, bus, and KV are owned by
// the caller.
func (e *Engine) Close() {
	e.timerMu.Lock()
	e.closed = true
	for t := range e.timers {
		t.Stop()
	}
	e.timers = make(map[*time.Timer]struct{})
	e.timerMu.Unlock()
}

func (e *Engine) putJSON(key string, v interface{}, sync bool) error {
	return storage.PutJSON(e.store, key, v, sync)
}

func (e *Engine) saveDrop(d *Drop, sync bool) error {
	return e.putJSON(dropKey(d.st.Config.DropID), d.st, sync)
}

func (e *Engine) savePart(p *Participant, sync bool) error {
	return e.putJSON(partKey(p.DropID, p.UserID), p, sync)
}

// Start rehydrates every drop on the active index and re-arms its
// phase timer. A deadline that lapsed while the process was down fires
// immediately.
func (e *Engine) Start() error {
	var active []string
	err := storage.GetJSON(e.store, activeIndexKey, &active)
	if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}
	e.mu.Lock()
	e.active = active
	e.mu.Unlock()

	recovered := 0
	for _, id := range active {
		if _, err := e.GetDrop(id); err != nil {
			log.Errorf("recover drop %s: %v", id, err)
			continue
		}
		recovered++

		var snap queueSnapshot
		if err := storage.GetJSON(e.store, queueKey(id), &snap); err == nil {
			if q, err := e.Queue(id); err == nil {
				q.restore(snap)
			}
		}
	}
	log.Infof("engine started, recovered %d active drops", recovered)
	return nil
}

// InitializeDrop creates a drop. Re-initializing an existing drop id
// is idempotent and returns its current commitment without mutation:
// creation runs under initMu, so racing initializers of one id all
// observe the single record that reached storage.
func (e *Engine) InitializeDrop(cfg DropConfig) (*InitializeResult, error) {
	now := e.clock()
	if cfg.DropID == "" {
		cfg.DropID = uuid.NewString()
	}
	cfg.normalize(now)

	e.initMu.Lock()
	defer e.initMu.Unlock()

	if d, err := e.GetDrop(cfg.DropID); err == nil {
		d.mu.Lock()
		res := &InitializeResult{
			DropID:            d.st.Config.DropID,
			LotteryCommitment: d.st.LotteryCommitment,
			Phase:             d.st.Phase,
		}
		d.mu.Unlock()
		return res, nil
	} else if dropapi.AsError(err).Kind != dropapi.KindNotFound {
		return nil, err
	}

	if err := cfg.validate(now); err != nil {
		return nil, err
	}
	secret, err := e.newSecret()
	if err != nil {
		return nil, dropapi.Internalf("generate lottery secret: %v", err)
	}

	d := &Drop{
		eng: e,
		st: dropState{
			Config:            cfg,
			Phase:             PhaseRegistration,
			InitialInventory:  cfg.Inventory,
			Tickets:           make(map[string]int),
			Multipliers:       make(map[string]float64),
			Effective:         make(map[string]int64),
			LotterySecret:     secret,
			LotteryCommitment: lottery.Commitment(secret),
			CreatedAt:         now,
		},
		parts: make(map[string]*Participant),
	}
	if err := e.saveDrop(d, true); err != nil {
		return nil, dropapi.Internalf("persist drop: %v", err)
	}

	e.mu.Lock()
	if existing, ok := e.drops[cfg.DropID]; ok {
		// A concurrent GetDrop hydrated the record written above.
		e.addActiveLocked(cfg.DropID)
		e.mu.Unlock()
		existing.mu.Lock()
		res := &InitializeResult{
			DropID:            existing.st.Config.DropID,
			LotteryCommitment: existing.st.LotteryCommitment,
			Phase:             existing.st.Phase,
		}
		existing.mu.Unlock()
		return res, nil
	}
	e.drops[cfg.DropID] = d
	e.addActiveLocked(cfg.DropID)
	e.mu.Unlock()

	e.afterFunc(cfg.RegistrationEnd.Sub(now), d.runLottery)
	e.publish(bus.TopicDropState(cfg.DropID), EventDrop, d.State())
	log.Infof("drop %s initialized: inventory=%d registration until %s commitment=%s",
		cfg.DropID, cfg.Inventory, cfg.RegistrationEnd.Format(time.RFC3339), d.st.LotteryCommitment)

	return &InitializeResult{
		DropID:            cfg.DropID,
		LotteryCommitment: d.st.LotteryCommitment,
		Phase:             PhaseRegistration,
	}, nil
}

// GetDrop returns the actor for a drop id, lazily rehydrating from
// storage so completed drops stay queryable after restarts.
func (e *Engine) GetDrop(dropID string) (*Drop, error) {
	if dropID == "" {
		return nil, dropapi.MissingField("dropId")
	}
	e.mu.Lock()
	if d, ok := e.drops[dropID]; ok {
		e.mu.Unlock()
		return d, nil
	}
	e.mu.Unlock()

	d, err := e.hydrateDrop(dropID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if existing, ok := e.drops[dropID]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.drops[dropID] = d
	e.mu.Unlock()

	e.armDrop(d)
	return d, nil
}

func (e *Engine) hydrateDrop(dropID string) (*Drop, error) {
	var st dropState
	err := storage.GetJSON(e.store, dropKey(dropID), &st)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, dropapi.NotFoundf("Unknown drop")
	}
	if err != nil {
		return nil, dropapi.Internalf("load drop %s: %v", dropID, err)
	}
	if st.Tickets == nil {
		st.Tickets = make(map[string]int)
	}
	if st.Multipliers == nil {
		st.Multipliers = make(map[string]float64)
	}
	if st.Effective == nil {
		st.Effective = make(map[string]int64)
	}

	parts := make(map[string]*Participant)
	prefix := "part/" + dropID + "/"
	err = e.store.ForEachPrefix(prefix, func(key string, value []byte) error {
		var p Participant
		if err := json.Unmarshal(value, &p); err != nil {
			log.Errorf("corrupt participant record %s: %v", key, err)
			return nil
		}
		parts[p.UserID] = &p
		return nil
	})
	if err != nil {
		return nil, dropapi.Internalf("load participants of %s: %v", dropID, err)
	}

	d := &Drop{eng: e, st: st, parts: parts}
	var proof LotteryProof
	if err := storage.GetJSON(e.store, proofKey(dropID), &proof); err == nil {
		d.proof = &proof
	}
	return d, nil
}

func (e *Engine) armDrop(d *Drop) {
	d.mu.Lock()
	phase := d.st.Phase
	regEnd := d.st.Config.RegistrationEnd
	purchaseEnd := d.st.PurchaseEnd
	d.mu.Unlock()

	now := e.clock()
	switch phase {
	case PhaseRegistration:
		e.afterFunc(regEnd.Sub(now), d.runLottery)
	case PhaseLottery:
		e.afterFunc(0, d.resumeLottery)
	case PhasePurchase:
		e.afterFunc(purchaseEnd.Sub(now), d.runSweep)
	}
}

func (e *Engine) addActiveLocked(dropID string) {
	for _, id := range e.active {
		if id == dropID {
			return
		}
	}
	e.active = append(e.active, dropID)
	if err := e.putJSON(activeIndexKey, e.active, true); err != nil {
		log.Errorf("persist active index: %v", err)
	}
}

func (e *Engine) dropCompleted(dropID string, rec *ArchiveRecord) {
	e.mu.Lock()
	kept := e.active[:0]
	for _, id := range e.active {
		if id != dropID {
			kept = append(kept, id)
		}
	}
	e.active = kept
	if err := e.putJSON(activeIndexKey, e.active, true); err != nil {
		log.Errorf("persist active index: %v", err)
	}
	e.mu.Unlock()

	if e.cfg.Archiver != nil {
		go func() {
			if err := e.cfg.Archiver.ArchiveDrop(rec); err != nil {
				log.Errorf("archive drop %s: %v", dropID, err)
			}
		}()
	}
}

// ActiveDrops projects every non-completed drop, soonest deadline
// first.
func (e *Engine) ActiveDrops() []StateProjection {
	e.mu.Lock()
	ids := append([]string(nil), e.active...)
	e.mu.Unlock()

	projections := make([]StateProjection, 0, len(ids))
	for _, id := range ids {
		d, err := e.GetDrop(id)
		if err != nil {
			continue
		}
		proj := d.State()
		if proj.Phase == PhaseCompleted {
			continue
		}
		projections = append(projections, proj)
	}
	sort.SliceStable(projections, func(i, j int) bool {
		return projectionDeadline(projections[i]).Before(projectionDeadline(projections[j]))
	})
	return projections
}

func projectionDeadline(p StateProjection) time.Time {
	if p.Phase == PhaseRegistration || p.PurchaseEnd == nil {
		return p.RegistrationEnd
	}
	return *p.PurchaseEnd
}

// AllDrops projects every drop in storage, any phase. Admin surface.
func (e *Engine) AllDrops() []StateProjection {
	var ids []string
	err := e.store.ForEachPrefix("drop/", func(key string, value []byte) error {
		ids = append(ids, key[len("drop/"):])
		return nil
	})
	if err != nil {
		log.Errorf("scan drops: %v", err)
	}
	projections := make([]StateProjection, 0, len(ids))
	for _, id := range ids {
		d, err := e.GetDrop(id)
		if err != nil {
			continue
		}
		projections = append(projections, d.State())
	}
	sort.SliceStable(projections, func(i, j int) bool {
		return projections[i].RegistrationEnd.Before(projections[j].RegistrationEnd)
	})
	return projections
}

// ActiveCount reports the number of drops on the active index.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Queue returns the admission queue for a drop, creating it from the
// drop's override or the engine default.
func (e *Engine) Queue(dropID string) (*QueueAdmission, error) {
	d, err := e.GetDrop(dropID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if q, ok := e.queues[dropID]; ok {
		e.mu.Unlock()
		return q, nil
	}
	e.mu.Unlock()

	cfg := e.cfg.Queue
	if override := d.Config().Queue; override != nil {
		cfg = *override
	}
	q := newQueueAdmission(e, dropID, cfg)

	e.mu.Lock()
	if existing, ok := e.queues[dropID]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.queues[dropID] = q
	e.mu.Unlock()
	return q, nil
}

// QueueEnabled reports whether registrations for the drop must present
// a ready queue token.
func (q *QueueAdmission) QueueEnabled() bool {
	return q.cfg.Enabled
}

func (e *Engine) ledgerFor(userID string) *userLedger {
	e.ledgerMu.Lock()
	defer e.ledgerMu.Unlock()
	if l, ok := e.ledgers[userID]; ok {
		return l
	}
	l := &userLedger{
		roll:  RolloverState{UserID: userID},
		loyal: LoyaltyState{UserID: userID},
	}
	if err := storage.GetJSON(e.store, rollKey(userID), &l.roll); err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		log.Errorf("load rollover %s: %v", userID, err)
	}
	if err := storage.GetJSON(e.store, loyalKey(userID), &l.loyal); err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		log.Errorf("load loyalty %s: %v", userID, err)
	}
	e.ledgers[userID] = l
	return l
}

func (e *Engine) consumeRollover(userID string, want int, now time.Time) int {
	l := e.ledgerFor(userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	used := l.roll.consume(want, now)
	if used > 0 {
		if err := e.putJSON(rollKey(userID), l.roll, true); err != nil {
			log.Errorf("persist rollover %s: %v", userID, err)
		}
	}
	return used
}

func (e *Engine) grantRollover(userID string, k int, now time.Time) {
	if k <= 0 {
		return
	}
	l := e.ledgerFor(userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	granted := l.roll.add(k, e.cfg.MaxRollover, now)
	if granted > 0 {
		if err := e.putJSON(rollKey(userID), l.roll, true); err != nil {
			log.Errorf("persist rollover %s: %v", userID, err)
		}
	}
}

func (e *Engine) loyaltySnapshot(userID string) LoyaltySnapshot {
	l := e.ledgerFor(userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loyal.snapshot(&e.cfg.Loyalty)
}

func (e *Engine) recordParticipation(userID, dropID string, now time.Time) {
	l := e.ledgerFor(userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loyal.recordParticipation(dropID, now) {
		if err := e.putJSON(loyalKey(userID), l.loyal, true); err != nil {
			log.Errorf("persist loyalty %s: %v", userID, err)
		}
	}
}

// RolloverBalance reports a user's cross-drop balance.
func (e *Engine) RolloverBalance(userID string) int {
	l := e.ledgerFor(userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roll.Balance
}

// Loyalty reports a user's derived tier and multiplier.
func (e *Engine) Loyalty(userID string) LoyaltySnapshot {
	return e.loyaltySnapshot(userID)
}

func (e *Engine) notifyWinner(dropID, userID string, expiresAt time.Time) {
	if e.cfg.Notifier != nil {
		e.cfg.Notifier.WinnerSelected(dropID, userID, expiresAt)
	}
}

func (e *Engine) notifyPromoted(dropID, userID string, expiresAt time.Time) {
	if e.cfg.Notifier != nil {
		e.cfg.Notifier.BackupPromoted(dropID, userID, expiresAt)
	}
}

func (e *Engine) notifyExpired(dropID, userID string) {
	if e.cfg.Notifier != nil {
		e.cfg.Notifier.WinnerExpired(dropID, userID)
	}
}
