// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package drop implements the drop orchestrator: per-drop phase
// machines, per-participant state, cross-drop rollover and loyalty
// ledgers, the admission queue, and the verifiable weighted lottery.
// Every stateful object is a single-writer actor keyed by its identity;
// the Engine owns the actor registry, storage, timers, and the event
// bus.
package drop

import (
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/dropforge/dropd/bus"
	"github.com/dropforge/dropd/dropapi"
	"github.com/dropforge/dropd/geo"
	"github.com/dropforge/dropd/lottery"
	"github.com/dropforge/dropd/lottery/merkletree"
	"github.com/dropforge/dropd/ptoken"
)

// Phase is a drop's lifecycle stage. Phases only ever advance.
type Phase string

const (
	PhaseRegistration Phase = "registration"
	PhaseLottery      Phase = "lottery"
	PhasePurchase     Phase = "purchase"
	PhaseCompleted    Phase = "completed"
)

// DropConfig describes one drop. It is immutable after Initialize.
type DropConfig struct {
	DropID                string       `json:"dropId"`
	Inventory             int          `json:"inventory"`
	RegistrationStart     time.Time    `json:"registrationStart"`
	RegistrationEnd       time.Time    `json:"registrationEnd"`
	PurchaseWindowSeconds int          `json:"purchaseWindowSeconds"`
	TicketPriceUnit       float64      `json:"ticketPriceUnit"`
	MaxTicketsPerUser     int          `json:"maxTicketsPerUser"`
	GeoFence              *geo.Fence   `json:"geoFence,omitempty"`
	BackupMultiplier      float64      `json:"backupMultiplier"`
	RequireCaptcha        bool         `json:"requireCaptcha,omitempty"`
	Queue                 *QueueConfig `json:"queue,omitempty"`
}

func (c *DropConfig) normalize(now time.Time) {
	if c.RegistrationStart.IsZero() {
		c.RegistrationStart = now
	}
	if c.PurchaseWindowSeconds <= 0 {
		c.PurchaseWindowSeconds = 600
	}
	if c.MaxTicketsPerUser <= 0 {
		c.MaxTicketsPerUser = 10
	}
	if c.BackupMultiplier == 0 {
		c.BackupMultiplier = 1.0
	}
	if c.GeoFence != nil && c.GeoFence.Mode == geo.ModeBonus && c.GeoFence.BonusMultiplier < 1 {
		c.GeoFence.BonusMultiplier = 1.5
	}
}

func (c *DropConfig) validate(now time.Time) error {
	if c.Inventory < 1 {
		return dropapi.Validationf("inventory must be at least 1")
	}
	if c.BackupMultiplier < 1.0 || c.BackupMultiplier > 3.0 {
		return dropapi.Validationf("backupMultiplier must be within [1.0, 3.0]")
	}
	if c.TicketPriceUnit < 0 {
		return dropapi.Validationf("ticketPriceUnit must not be negative")
	}
	if !c.RegistrationEnd.After(c.RegistrationStart) {
		return dropapi.Validationf("registrationEnd must follow registrationStart")
	}
	if !c.RegistrationEnd.After(now) {
		return dropapi.Validationf("registration window is already closed")
	}
	if c.GeoFence != nil {
		if err := c.GeoFence.Validate(); err != nil {
			return dropapi.Validationf("geoFence: %v", err)
		}
	}
	return nil
}

func (c *DropConfig) purchaseWindow() time.Duration {
	return time.Duration(c.PurchaseWindowSeconds) * time.Second
}

// dropState is the durable per-drop record. LotterySecret stays
// private until the proof is published at the lottery.
type dropState struct {
	Config            DropConfig         `json:"config"`
	Phase             Phase              `json:"phase"`
	InitialInventory  int                `json:"initialInventory"`
	PurchasedCount    int                `json:"purchasedCount"`
	Tickets           map[string]int     `json:"participantTickets"`
	Multipliers       map[string]float64 `json:"participantMultipliers"`
	Effective         map[string]int64   `json:"participantEffective"`
	Order             []string           `json:"registrationOrder"`
	Winners           []string           `json:"winners"`
	BackupWinners     []string           `json:"backupWinners"`
	NextBackup        int                `json:"nextBackup"`
	PurchaseEnd       time.Time          `json:"purchaseEnd"`
	LotterySecret     string             `json:"lotterySecret"`
	LotteryCommitment string             `json:"lotteryCommitment"`
	MerkleRoot        string             `json:"participantMerkleRoot,omitempty"`
	ParticipantCount  int                `json:"participantCount,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	CompletedAt       time.Time          `json:"completedAt"`
}

// TicketPricing describes the quadratic pricing curve to clients.
type TicketPricing struct {
	PriceUnit         float64 `json:"priceUnit"`
	MaxTicketsPerUser int     `json:"maxTicketsPerUser"`
	Quadratic         bool    `json:"quadratic"`
}

// StateProjection is the public view of a drop.
type StateProjection struct {
	DropID            string        `json:"dropId"`
	Phase             Phase         `json:"phase"`
	ParticipantCount  int           `json:"participantCount"`
	TotalTickets      int           `json:"totalTickets"`
	Inventory         int           `json:"inventory"`
	InitialInventory  int           `json:"initialInventory"`
	WinnerCount       int           `json:"winnerCount"`
	RegistrationStart time.Time     `json:"registrationStart"`
	RegistrationEnd   time.Time     `json:"registrationEnd"`
	PurchaseEnd       *time.Time    `json:"purchaseEnd,omitempty"`
	LotteryCommitment string        `json:"lotteryCommitment"`
	TicketPricing     TicketPricing `json:"ticketPricing"`
}

// InitializeResult acknowledges drop creation with the public
// commitment.
type InitializeResult struct {
	DropID            string `json:"dropId"`
	LotteryCommitment string `json:"lotteryCommitment"`
	Phase             Phase  `json:"phase"`
}

// LotteryProof is the published commit-reveal record. Once public,
// anyone can recompute the seed, the selection, and the Merkle root
// from the revealed secret and the participant set.
type LotteryProof struct {
	DropID                string    `json:"dropId"`
	Commitment            string    `json:"commitment"`
	Secret                string    `json:"secret"`
	ParticipantMerkleRoot string    `json:"participantMerkleRoot"`
	ParticipantCount      int       `json:"participantCount"`
	Seed                  string    `json:"seed"`
	Algorithm             string    `json:"algorithm"`
	Timestamp             time.Time `json:"timestamp"`
	Winners               []string  `json:"winners"`
	BackupWinners         []string  `json:"backupWinners"`
}

// InclusionProof lets a participant verify their leaf against the
// published root without the full participant list.
type InclusionProof struct {
	DropID string   `json:"dropId"`
	UserID string   `json:"userId"`
	Index  int      `json:"index"`
	Leaf   string   `json:"leaf"`
	Proof  []string `json:"proof"`
	Root   string   `json:"root"`
}

// RegisterParams is a vetted registration: the edge has already run
// the trust gate, the queue-token check, and any captcha.
type RegisterParams struct {
	UserID   string
	Tickets  int
	Location *geo.Point
}

// RegisterResult is the registration receipt.
type RegisterResult struct {
	Success           bool    `json:"success"`
	ParticipantCount  int     `json:"participantCount"`
	TotalTickets      int     `json:"totalTickets"`
	UserTickets       int     `json:"userTickets"`
	EffectiveTickets  int64   `json:"effectiveTickets"`
	Position          int     `json:"position"`
	RolloverUsed      int     `json:"rolloverUsed"`
	PaidEntries       int     `json:"paidEntries"`
	Cost              float64 `json:"cost"`
	LoyaltyTier       string  `json:"loyaltyTier"`
	LoyaltyMultiplier float64 `json:"loyaltyMultiplier"`
	GeoBonus          float64 `json:"geoBonus"`
	InGeoZone         bool    `json:"inGeoZone"`
}

// quadraticCost prices the paid entries: the first paid entry costs
// 1 unit, the next 4, then 9 and so on.
func quadraticCost(paidEntries int, unit float64) float64 {
	var sum float64
	for i := 1; i <= paidEntries; i++ {
		sum += float64(i * i)
	}
	return sum * unit
}

// Drop is the per-drop actor. All handlers serialize on mu; timer
// callbacks re-enter through the same lock and guard on phase, so a
// duplicate or early firing is harmless.
type Drop struct {
	eng *Engine

	mu    sync.Mutex
	st    dropState
	parts map[string]*Participant
	proof *LotteryProof
}

// ID returns the drop id.
func (d *Drop) ID() string {
	return d.st.Config.DropID
}

// Config returns a copy of the immutable configuration.
func (d *Drop) Config() DropConfig {
	return d.st.Config
}

// State returns the public projection.
func (d *Drop) State() StateProjection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.projectionLocked()
}

func (d *Drop) projectionLocked() StateProjection {
	proj := StateProjection{
		DropID:            d.st.Config.DropID,
		Phase:             d.st.Phase,
		ParticipantCount:  len(d.st.Order),
		TotalTickets:      d.totalTicketsLocked(),
		Inventory:         d.st.InitialInventory - d.st.PurchasedCount,
		InitialInventory:  d.st.InitialInventory,
		WinnerCount:       len(d.st.Winners),
		RegistrationStart: d.st.Config.RegistrationStart,
		RegistrationEnd:   d.st.Config.RegistrationEnd,
		LotteryCommitment: d.st.LotteryCommitment,
		TicketPricing: TicketPricing{
			PriceUnit:         d.st.Config.TicketPriceUnit,
			MaxTicketsPerUser: d.st.Config.MaxTicketsPerUser,
			Quadratic:         true,
		},
	}
	if !d.st.PurchaseEnd.IsZero() {
		end := d.st.PurchaseEnd
		proj.PurchaseEnd = &end
	}
	return proj
}

func (d *Drop) totalTicketsLocked() int {
	total := 0
	for _, n := range d.st.Tickets {
		total += n
	}
	return total
}

// Participant returns a copy of a participant's record.
func (d *Drop) Participant(userID string) (Participant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.parts[userID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

func (d *Drop) publishStateLocked() {
	d.eng.publish(bus.TopicDropState(d.st.Config.DropID), EventDrop, d.projectionLocked())
}

func (d *Drop) publishUserLocked(p *Participant) {
	cp := *p
	d.eng.publish(bus.TopicDropUser(d.st.Config.DropID, p.UserID), EventUser, cp)
}

// Register admits one user into the lottery pool. The rollover ledger
// is consumed only after every rejection path has been cleared.
func (d *Drop) Register(params RegisterParams) (*RegisterResult, error) {
	if params.UserID == "" {
		return nil, dropapi.MissingField("userId")
	}
	now := d.eng.clock()
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.st.Phase != PhaseRegistration {
		return nil, dropapi.Validationf("Registration is closed")
	}
	if now.Before(d.st.Config.RegistrationStart) {
		return nil, dropapi.Validationf("Registration has not opened")
	}
	if !now.Before(d.st.Config.RegistrationEnd) {
		return nil, dropapi.Validationf("Registration is closed")
	}
	if _, dup := d.parts[params.UserID]; dup {
		return nil, dropapi.New(dropapi.KindAlreadyRegistered, dropapi.CodeAlreadyRegistered, "Already registered")
	}

	tickets := params.Tickets
	if tickets < 1 {
		tickets = 1
	}
	if tickets > d.st.Config.MaxTicketsPerUser {
		tickets = d.st.Config.MaxTicketsPerUser
	}

	geoBonus := 1.0
	inZone := false
	if fence := d.st.Config.GeoFence; fence != nil {
		if params.Location != nil && fence.Contains(*params.Location) {
			inZone = true
		}
		switch fence.Mode {
		case geo.ModeExclusive:
			if !inZone {
				return nil, dropapi.New(dropapi.KindGeoReject, dropapi.CodeGeoRejected, "Outside drop zone")
			}
		case geo.ModeBonus:
			if inZone {
				geoBonus = fence.BonusMultiplier
			}
		}
	}

	rolloverUsed := d.eng.consumeRollover(params.UserID, tickets, now)
	paidEntries := tickets - rolloverUsed - 1
	if paidEntries < 0 {
		paidEntries = 0
	}
	cost := quadraticCost(paidEntries, d.st.Config.TicketPriceUnit)
	loy := d.eng.loyaltySnapshot(params.UserID)
	effective := int64(math.Floor(float64(tickets) * loy.Multiplier * geoBonus))
	if effective < 1 {
		effective = 1
	}

	part := newParticipant(d.st.Config.DropID, params.UserID)
	if err := part.setRegistered(tickets, effective, rolloverUsed, paidEntries, cost, now); err != nil {
		return nil, dropapi.Internalf("register %s: %v", params.UserID, err)
	}
	part.LoyaltyTier = loy.Tier
	part.LoyaltyMultiplier = loy.Multiplier
	part.GeoBonus = geoBonus
	part.InGeoZone = inZone

	d.parts[params.UserID] = part
	d.st.Tickets[params.UserID] = tickets
	d.st.Multipliers[params.UserID] = loy.Multiplier * geoBonus
	d.st.Effective[params.UserID] = effective
	d.st.Order = append(d.st.Order, params.UserID)

	if err := d.eng.savePart(part, true); err != nil {
		delete(d.parts, params.UserID)
		delete(d.st.Tickets, params.UserID)
		delete(d.st.Multipliers, params.UserID)
		delete(d.st.Effective, params.UserID)
		d.st.Order = d.st.Order[:len(d.st.Order)-1]
		d.eng.grantRollover(params.UserID, rolloverUsed, now)
		return nil, dropapi.Internalf("persist registration: %v", err)
	}
	if err := d.eng.saveDrop(d, true); err != nil {
		log.Errorf("drop %s: persist after register %s: %v", d.st.Config.DropID, params.UserID, err)
	}

	d.publishStateLocked()
	d.publishUserLocked(part)
	log.Debugf("drop %s: registered %s tickets=%d effective=%d rollover=%d paid=%d",
		d.st.Config.DropID, params.UserID, tickets, effective, rolloverUsed, paidEntries)

	return &RegisterResult{
		Success:           true,
		ParticipantCount:  len(d.st.Order),
		TotalTickets:      d.totalTicketsLocked(),
		UserTickets:       tickets,
		EffectiveTickets:  effective,
		Position:          len(d.st.Order),
		RolloverUsed:      rolloverUsed,
		PaidEntries:       paidEntries,
		Cost:              cost,
		LoyaltyTier:       loy.Tier,
		LoyaltyMultiplier: loy.Multiplier,
		GeoBonus:          geoBonus,
		InGeoZone:         inZone,
	}, nil
}

// runLottery is the registration-end timer handler. It is guarded by
// phase, so duplicate timers and recovery replays converge on the same
// published proof: the selection depends only on the persisted secret
// and participant set.
func (d *Drop) runLottery() {
	now := d.eng.clock()
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.st.Phase != PhaseRegistration {
		return
	}
	if now.Before(d.st.Config.RegistrationEnd) {
		d.eng.afterFunc(d.st.Config.RegistrationEnd.Sub(now), d.runLottery)
		return
	}
	d.st.Phase = PhaseLottery
	if err := d.eng.saveDrop(d, true); err != nil {
		log.Errorf("drop %s: persist lottery flip: %v", d.st.Config.DropID, err)
	}
	d.finishLotteryLocked(now)
}

// resumeLottery continues a lottery interrupted by a crash between the
// phase flip and the fan-out. Selection is a pure function of the
// persisted secret and participant set, so the replay converges on the
// same winners; settled participants are skipped.
func (d *Drop) resumeLottery() {
	now := d.eng.clock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.st.Phase != PhaseLottery {
		return
	}
	d.finishLotteryLocked(now)
}

func (d *Drop) finishLotteryLocked(now time.Time) {
	id := d.st.Config.DropID
	entries := lottery.SortedEntries(d.st.Effective)
	seats := d.st.InitialInventory

	var winners, backups []string
	var rootHex, seed string
	if len(entries) > 0 {
		tree, err := lottery.BuildTree(entries)
		if err != nil {
			log.Errorf("drop %s: merkle build: %v", id, err)
			return
		}
		rootHex = tree.RootHex()
		seed = lottery.Seed(d.st.LotterySecret, rootHex)
		backupCount := int(math.Ceil(float64(seats) * (d.st.Config.BackupMultiplier - 1.0)))
		winners, backups = lottery.SelectWinners(entries, seats, backupCount, seed)
	}

	d.st.Winners = winners
	d.st.BackupWinners = backups
	d.st.MerkleRoot = rootHex
	d.st.ParticipantCount = len(entries)

	proof := &LotteryProof{
		DropID:                id,
		Commitment:            d.st.LotteryCommitment,
		Secret:                d.st.LotterySecret,
		ParticipantMerkleRoot: rootHex,
		ParticipantCount:      len(entries),
		Seed:                  seed,
		Algorithm:             lottery.Algorithm,
		Timestamp:             now,
		Winners:               winners,
		BackupWinners:         backups,
	}
	d.proof = proof
	if err := d.eng.putJSON(proofKey(id), proof, true); err != nil {
		log.Errorf("drop %s: persist proof: %v", id, err)
	}

	// Results fan out before tokens so a winner never sees a token
	// ahead of the result event. All transitions are idempotent under
	// replay: an already-settled participant is skipped.
	for i, uid := range winners {
		p := d.parts[uid]
		if p == nil || p.Status != StatusRegistered {
			continue
		}
		if err := p.notifyResult(true, i+1, now); err != nil {
			log.Errorf("drop %s: winner %s: %v", id, uid, err)
		}
	}
	for i, uid := range backups {
		p := d.parts[uid]
		if p == nil || p.Status != StatusRegistered {
			continue
		}
		if err := p.notifyBackup(i+1, now); err != nil {
			log.Errorf("drop %s: backup %s: %v", id, uid, err)
		}
	}
	for _, uid := range d.st.Order {
		p := d.parts[uid]
		if p == nil {
			continue
		}
		if p.Status == StatusRegistered {
			if err := p.notifyResult(false, 0, now); err != nil {
				log.Errorf("drop %s: loser %s: %v", id, uid, err)
			} else {
				d.eng.grantRollover(uid, p.PaidEntries, now)
			}
		}
		d.eng.recordParticipation(uid, id, now)
	}

	d.st.PurchaseEnd = now.Add(d.st.Config.purchaseWindow())
	for _, uid := range winners {
		p := d.parts[uid]
		if p == nil || p.Status != StatusWinner || p.PurchaseToken != "" {
			continue
		}
		token, err := ptoken.Generate(d.eng.cfg.PurchaseTokenSecret, id, uid, d.st.PurchaseEnd)
		if err != nil {
			log.Errorf("drop %s: mint token for %s: %v", id, uid, err)
			continue
		}
		if err := p.setToken(token, d.st.PurchaseEnd, now); err != nil {
			log.Errorf("drop %s: set token for %s: %v", id, uid, err)
		}
		d.eng.notifyWinner(id, uid, d.st.PurchaseEnd)
	}
	d.st.Phase = PhasePurchase

	for _, uid := range d.st.Order {
		if err := d.eng.savePart(d.parts[uid], true); err != nil {
			log.Errorf("drop %s: persist participant %s: %v", id, uid, err)
		}
	}
	if err := d.eng.saveDrop(d, true); err != nil {
		log.Errorf("drop %s: persist lottery result: %v", id, err)
	}

	d.publishStateLocked()
	d.eng.publish(bus.TopicDropState(id), EventProof, proof)
	for _, uid := range d.st.Order {
		d.publishUserLocked(d.parts[uid])
	}

	d.eng.afterFunc(d.st.PurchaseEnd.Sub(now), d.runSweep)
	log.Infof("drop %s: lottery complete: participants=%d winners=%d backups=%d root=%s",
		id, len(entries), len(winners), len(backups), rootHex)
}

// runSweep expires overdue winners, promotes backups into the opened
// seats, and completes the drop once every seat is settled or the
// grace period lapses.
func (d *Drop) runSweep() {
	now := d.eng.clock()
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.st.Phase != PhasePurchase {
		return
	}
	id := d.st.Config.DropID
	changed := false

	for _, uid := range d.st.Order {
		p := d.parts[uid]
		if p == nil || p.Status != StatusWinner || now.Before(p.TokenExpiresAt) {
			continue
		}
		d.expireWinnerLocked(p, now)
		changed = true
	}

	for d.openSeatsLocked() > 0 && d.st.NextBackup < len(d.st.BackupWinners) {
		uid := d.st.BackupWinners[d.st.NextBackup]
		d.st.NextBackup++
		p := d.parts[uid]
		if p == nil || p.Status != StatusBackupWinner {
			continue
		}
		if err := p.notifyPromotion(now); err != nil {
			log.Errorf("drop %s: promote %s: %v", id, uid, err)
			continue
		}
		expiresAt := now.Add(time.Duration(d.eng.cfg.PromoWindowSeconds) * time.Second)
		token, err := ptoken.Generate(d.eng.cfg.PurchaseTokenSecret, id, uid, expiresAt)
		if err != nil {
			log.Errorf("drop %s: mint promo token for %s: %v", id, uid, err)
		} else if err := p.setToken(token, expiresAt, now); err != nil {
			log.Errorf("drop %s: set promo token for %s: %v", id, uid, err)
		}
		if err := d.eng.savePart(p, true); err != nil {
			log.Errorf("drop %s: persist promotion %s: %v", id, uid, err)
		}
		d.publishUserLocked(p)
		d.eng.notifyPromoted(id, uid, expiresAt)
		changed = true
		log.Infof("drop %s: promoted backup %s, window until %s", id, uid, expiresAt.Format(time.RFC3339))
	}

	grace := d.st.PurchaseEnd.Add(time.Duration(d.eng.cfg.PromoGraceSeconds) * time.Second)
	pending := d.pendingWinnersLocked()
	done := d.st.PurchasedCount >= d.st.InitialInventory ||
		(pending == 0 && d.st.NextBackup >= len(d.st.BackupWinners)) ||
		!now.Before(grace)
	if done {
		// The grace deadline is a hard stop: any winner still holding
		// an open window forfeits it.
		for _, uid := range d.st.Order {
			p := d.parts[uid]
			if p != nil && p.Status == StatusWinner {
				d.expireWinnerLocked(p, now)
			}
		}
		d.st.Phase = PhaseCompleted
		d.st.CompletedAt = now
		if err := d.eng.saveDrop(d, true); err != nil {
			log.Errorf("drop %s: persist completion: %v", id, err)
		}
		d.publishStateLocked()
		d.eng.dropCompleted(id, d.archiveRecordLocked())
		log.Infof("drop %s: completed, purchased %d of %d", id, d.st.PurchasedCount, d.st.InitialInventory)
		return
	}

	if changed {
		if err := d.eng.saveDrop(d, true); err != nil {
			log.Errorf("drop %s: persist sweep: %v", id, err)
		}
		d.publishStateLocked()
	}

	next := grace
	for _, uid := range d.st.Order {
		p := d.parts[uid]
		if p != nil && p.Status == StatusWinner && p.TokenExpiresAt.Before(next) {
			next = p.TokenExpiresAt
		}
	}
	d.eng.afterFunc(next.Sub(now), d.runSweep)
}

func (d *Drop) expireWinnerLocked(p *Participant, now time.Time) {
	id := d.st.Config.DropID
	if err := p.notifyExpiry(now); err != nil {
		log.Errorf("drop %s: expire %s: %v", id, p.UserID, err)
		return
	}
	grant := int(math.Floor(float64(p.PaidEntries) * d.eng.cfg.ExpiredRolloverRate))
	d.eng.grantRollover(p.UserID, grant, now)
	if err := d.eng.savePart(p, true); err != nil {
		log.Errorf("drop %s: persist expiry %s: %v", id, p.UserID, err)
	}
	d.publishUserLocked(p)
	d.eng.notifyExpired(id, p.UserID)
	log.Infof("drop %s: winner %s expired, rollover grant %d", id, p.UserID, grant)
}

func (d *Drop) pendingWinnersLocked() int {
	n := 0
	for _, p := range d.parts {
		if p.Status == StatusWinner {
			n++
		}
	}
	return n
}

func (d *Drop) openSeatsLocked() int {
	open := d.st.InitialInventory - d.st.PurchasedCount - d.pendingWinnersLocked()
	if open < 0 {
		open = 0
	}
	return open
}

// PurchaseStart hands a winner their standing purchase token.
func (d *Drop) PurchaseStart(userID string) (*dropapi.PurchaseStartResponse, error) {
	if userID == "" {
		return nil, dropapi.MissingField("userId")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.st.Phase {
	case PhasePurchase:
	case PhaseCompleted:
		return nil, dropapi.New(dropapi.KindTokenExpired, dropapi.CodeTokenExpired, "Purchase window closed")
	default:
		return nil, dropapi.Validationf("No purchase window open")
	}
	p := d.parts[userID]
	if p == nil {
		return nil, dropapi.New(dropapi.KindTokenInvalid, dropapi.CodeTokenInvalid, "Not a winner")
	}
	switch p.Status {
	case StatusWinner:
		return &dropapi.PurchaseStartResponse{
			PurchaseToken: p.PurchaseToken,
			ExpiresAt:     p.TokenExpiresAt,
		}, nil
	case StatusPurchased:
		return nil, dropapi.New(dropapi.KindAlreadyPurchased, dropapi.CodeAlreadyPurchased, "Already purchased")
	case StatusExpired:
		return nil, dropapi.New(dropapi.KindTokenExpired, dropapi.CodeTokenExpired, "Token expired")
	default:
		return nil, dropapi.New(dropapi.KindTokenInvalid, dropapi.CodeTokenInvalid, "Not a winner")
	}
}

// CompletePurchase settles a winner's seat. Success is reported only
// after the participant record is durably purchased.
func (d *Drop) CompletePurchase(userID, token string) error {
	if userID == "" {
		return dropapi.MissingField("userId")
	}
	if token == "" {
		return dropapi.MissingField("purchaseToken")
	}
	now := d.eng.clock()
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.st.Phase {
	case PhasePurchase:
	case PhaseCompleted:
		return dropapi.New(dropapi.KindTokenExpired, dropapi.CodeTokenExpired, "Purchase window closed")
	default:
		return dropapi.Validationf("No purchase window open")
	}
	p := d.parts[userID]
	if p == nil {
		return dropapi.New(dropapi.KindTokenInvalid, dropapi.CodeTokenInvalid, "Not a winner")
	}
	if apiErr := p.completePurchase(d.eng.cfg.PurchaseTokenSecret, token, now); apiErr != nil {
		return apiErr
	}
	d.st.PurchasedCount++
	if err := d.eng.savePart(p, true); err != nil {
		p.Status = StatusWinner
		p.PurchasedAt = time.Time{}
		d.st.PurchasedCount--
		return dropapi.Internalf("persist purchase: %v", err)
	}
	if err := d.eng.saveDrop(d, true); err != nil {
		log.Errorf("drop %s: persist after purchase %s: %v", d.st.Config.DropID, userID, err)
	}
	d.publishUserLocked(p)
	d.publishStateLocked()
	log.Infof("drop %s: %s purchased, %d of %d seats settled",
		d.st.Config.DropID, userID, d.st.PurchasedCount, d.st.InitialInventory)
	return nil
}

// Proof returns the published lottery proof, available once the phase
// reaches purchase.
func (d *Drop) Proof() (*LotteryProof, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proof == nil {
		return nil, dropapi.NotFoundf("Lottery has not run")
	}
	cp := *d.proof
	cp.Winners = append([]string(nil), d.proof.Winners...)
	cp.BackupWinners = append([]string(nil), d.proof.BackupWinners...)
	return &cp, nil
}

// InclusionProof rebuilds the participant tree and extracts one leaf's
// sibling path. The tree is deterministic, so the rebuilt root always
// matches the published one.
func (d *Drop) InclusionProof(userID string) (*InclusionProof, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.st.MerkleRoot == "" {
		return nil, dropapi.NotFoundf("Lottery has not run")
	}
	weight, ok := d.st.Effective[userID]
	if !ok {
		return nil, dropapi.NotFoundf("Unknown participant")
	}
	entries := lottery.SortedEntries(d.st.Effective)
	index := -1
	for i, e := range entries {
		if e.UserID == userID {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, dropapi.NotFoundf("Unknown participant")
	}
	tree, err := lottery.BuildTree(entries)
	if err != nil {
		return nil, dropapi.Internalf("rebuild tree: %v", err)
	}
	siblings, err := tree.Proof(index)
	if err != nil {
		return nil, dropapi.Internalf("proof at %d: %v", index, err)
	}
	proof := make([]string, len(siblings))
	for i, s := range siblings {
		proof[i] = hex.EncodeToString(s)
	}
	return &InclusionProof{
		DropID: d.st.Config.DropID,
		UserID: userID,
		Index:  index,
		Leaf:   hex.EncodeToString(merkletree.Leaf(userID, weight, index)),
		Proof:  proof,
		Root:   tree.RootHex(),
	}, nil
}

func (d *Drop) archiveRecordLocked() *ArchiveRecord {
	rec := &ArchiveRecord{
		DropID:         d.st.Config.DropID,
		Config:         d.st.Config,
		Proof:          d.proof,
		PurchasedCount: d.st.PurchasedCount,
		CompletedAt:    d.st.CompletedAt,
	}
	for _, uid := range d.st.Order {
		if p := d.parts[uid]; p != nil {
			rec.Participants = append(rec.Participants, *p)
		}
	}
	return rec
}
