// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package drop

import (
	"fmt"
	"time"

	"github.com/dropforge/dropd/dropapi"
	"github.com/dropforge/dropd/ptoken"
)

// Status is a participant's position in the per-drop state machine.
type Status string

const (
	StatusNotRegistered Status = "not_registered"
	StatusRegistered    Status = "registered"
	StatusWinner        Status = "winner"
	StatusBackupWinner  Status = "backup_winner"
	StatusLoser         Status = "loser"
	StatusPurchased     Status = "purchased"
	StatusExpired       Status = "expired"
)

// Participant is the durable per-(drop,user) record. All mutation runs
// under the owning drop's lock; the methods below enforce the state
// machine and return an error for any transition they do not permit,
// leaving the record untouched.
type Participant struct {
	DropID            string    `json:"dropId"`
	UserID            string    `json:"userId"`
	Status            Status    `json:"status"`
	Tickets           int       `json:"tickets"`
	EffectiveTickets  int64     `json:"effectiveTickets"`
	RolloverUsed      int       `json:"rolloverUsed"`
	PaidEntries       int       `json:"paidEntries"`
	Cost              float64   `json:"cost"`
	LoyaltyTier       string    `json:"loyaltyTier,omitempty"`
	LoyaltyMultiplier float64   `json:"loyaltyMultiplier,omitempty"`
	GeoBonus          float64   `json:"geoBonus,omitempty"`
	InGeoZone         bool      `json:"inGeoZone,omitempty"`
	WinnerPosition    int       `json:"winnerPosition,omitempty"`
	BackupPosition    int       `json:"backupPosition,omitempty"`
	PurchaseToken     string    `json:"purchaseToken,omitempty"`
	TokenExpiresAt    time.Time `json:"tokenExpiresAt"`
	RegisteredAt      time.Time `json:"registeredAt"`
	PurchasedAt       time.Time `json:"purchasedAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func newParticipant(dropID, userID string) *Participant {
	return &Participant{
		DropID: dropID,
		UserID: userID,
		Status: StatusNotRegistered,
	}
}

func errTransition(op string, from Status) error {
	return fmt.Errorf("participant: %s not allowed from %q", op, from)
}

// setRegistered files the registration details. Only valid once.
func (p *Participant) setRegistered(tickets int, effective int64, rolloverUsed, paidEntries int, cost float64, now time.Time) error {
	if p.Status != StatusNotRegistered {
		return errTransition("setRegistered", p.Status)
	}
	p.Status = StatusRegistered
	p.Tickets = tickets
	p.EffectiveTickets = effective
	p.RolloverUsed = rolloverUsed
	p.PaidEntries = paidEntries
	p.Cost = cost
	p.RegisteredAt = now
	p.UpdatedAt = now
	return nil
}

// notifyResult moves a registered participant to winner or loser.
// Rollover grants for losers are the drop's responsibility, keyed off a
// successful transition.
func (p *Participant) notifyResult(won bool, position int, now time.Time) error {
	if p.Status != StatusRegistered {
		return errTransition("notifyResult", p.Status)
	}
	if won {
		p.Status = StatusWinner
		p.WinnerPosition = position
	} else {
		p.Status = StatusLoser
	}
	p.UpdatedAt = now
	return nil
}

// notifyBackup places a registered participant on the reserve list.
func (p *Participant) notifyBackup(position int, now time.Time) error {
	if p.Status != StatusRegistered {
		return errTransition("notifyBackup", p.Status)
	}
	p.Status = StatusBackupWinner
	p.BackupPosition = position
	p.UpdatedAt = now
	return nil
}

// setToken attaches a purchase token to a winner.
func (p *Participant) setToken(token string, expiresAt, now time.Time) error {
	if p.Status != StatusWinner {
		return errTransition("setToken", p.Status)
	}
	p.PurchaseToken = token
	p.TokenExpiresAt = expiresAt
	p.UpdatedAt = now
	return nil
}

// notifyExpiry expires a winner who never completed a purchase. The
// drop grants the consolation rollover after a successful transition.
func (p *Participant) notifyExpiry(now time.Time) error {
	if p.Status != StatusWinner {
		return errTransition("notifyExpiry", p.Status)
	}
	p.Status = StatusExpired
	p.PurchaseToken = ""
	p.UpdatedAt = now
	return nil
}

// notifyPromotion elevates the head of the backup list to winner. The
// caller follows up with setToken for the promotion window.
func (p *Participant) notifyPromotion(now time.Time) error {
	if p.Status != StatusBackupWinner {
		return errTransition("notifyPromotion", p.Status)
	}
	p.Status = StatusWinner
	p.UpdatedAt = now
	return nil
}

// completePurchase settles a winner's purchase. The token is
// self-verifying, so this works even when the presented token was
// minted before a crash: signature first (timing safe), then expiry.
func (p *Participant) completePurchase(secret, token string, now time.Time) *dropapi.Error {
	switch p.Status {
	case StatusPurchased:
		return dropapi.New(dropapi.KindAlreadyPurchased, dropapi.CodeAlreadyPurchased, "Already purchased")
	case StatusExpired:
		return dropapi.New(dropapi.KindTokenExpired, dropapi.CodeTokenExpired, "Token expired")
	case StatusWinner:
	default:
		return dropapi.New(dropapi.KindTokenInvalid, dropapi.CodeTokenInvalid, "Not a winner")
	}
	res := ptoken.Verify(secret, p.DropID, p.UserID, token, now)
	if res.Expired {
		return dropapi.New(dropapi.KindTokenExpired, dropapi.CodeTokenExpired, "Token expired")
	}
	if !res.Valid {
		return dropapi.New(dropapi.KindTokenInvalid, dropapi.CodeTokenInvalid, "Invalid token")
	}
	p.Status = StatusPurchased
	p.PurchasedAt = now
	p.UpdatedAt = now
	return nil
}
