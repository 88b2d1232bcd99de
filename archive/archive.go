// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package archive copies completed drops into MySQL for offline
// analysis. Archiving is best effort: callers log failures and never
// block drop completion on them.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/go-gorp/gorp"
	_ "github.com/go-sql-driver/mysql"

	"github.com/dropforge/dropd/drop"
)

// ArchivedDrop is one completed drop row: the immutable config and the
// published lottery proof as JSON, plus summary counters.
type ArchivedDrop struct {
	Id               int64 `db:"ArchivedDropID"`
	DropID           string
	Config           []byte
	Proof            []byte
	ParticipantCount int64
	TotalTickets     int64
	WinnerCount      int64
	PurchasedCount   int64
	CompletedAt      int64
}

// ArchivedParticipant is one participant row of a completed drop.
type ArchivedParticipant struct {
	Id               int64 `db:"ArchivedParticipantID"`
	DropID           string
	UserID           string
	Status           string
	Tickets          int64
	EffectiveTickets int64
	RolloverUsed     int64
	PaidEntries      int64
	Cost             float64
	RegisteredAt     int64
}

// Archiver satisfies drop.Archiver on top of a MySQL database.
type Archiver struct {
	dbMap *gorp.DbMap
}

// NewArchiver connects to the MySQL database named by dsn and ensures
// the archive tables exist.
func NewArchiver(dsn string) (*Archiver, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open failed: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive database unreachable: %v", err)
	}
	dbMap := &gorp.DbMap{Db: db, Dialect: gorp.MySQLDialect{Engine: "InnoDB", Encoding: "UTF8MB4"}}
	addTables(dbMap)
	if err := dbMap.CreateTablesIfNotExists(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive tables failed: %v", err)
	}
	return &Archiver{dbMap: dbMap}, nil
}

func addTables(dbMap *gorp.DbMap) {
	dbMap.AddTableWithName(ArchivedDrop{}, "archived_drops").SetKeys(true, "Id")
	dbMap.AddTableWithName(ArchivedParticipant{}, "archived_participants").SetKeys(true, "Id")
}

// ArchiveDrop inserts the drop row and one row per participant in a
// single transaction so a drop is never half archived.
func (a *Archiver) ArchiveDrop(rec *drop.ArchiveRecord) error {
	cfgJSON, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %v", err)
	}
	proofJSON, err := json.Marshal(rec.Proof)
	if err != nil {
		return fmt.Errorf("marshal proof: %v", err)
	}
	row := &ArchivedDrop{
		DropID:           rec.DropID,
		Config:           cfgJSON,
		Proof:            proofJSON,
		ParticipantCount: int64(len(rec.Participants)),
		PurchasedCount:   int64(rec.PurchasedCount),
		CompletedAt:      rec.CompletedAt.Unix(),
	}
	if rec.Proof != nil {
		row.WinnerCount = int64(len(rec.Proof.Winners))
	}
	for i := range rec.Participants {
		row.TotalTickets += int64(rec.Participants[i].Tickets)
	}

	tx, err := a.dbMap.Begin()
	if err != nil {
		return err
	}
	if err := tx.Insert(row); err != nil {
		tx.Rollback()
		return fmt.Errorf("insert drop %s: %v", rec.DropID, err)
	}
	for i := range rec.Participants {
		p := &rec.Participants[i]
		ap := &ArchivedParticipant{
			DropID:           p.DropID,
			UserID:           p.UserID,
			Status:           string(p.Status),
			Tickets:          int64(p.Tickets),
			EffectiveTickets: p.EffectiveTickets,
			RolloverUsed:     int64(p.RolloverUsed),
			PaidEntries:      int64(p.PaidEntries),
			Cost:             p.Cost,
			RegisteredAt:     p.RegisteredAt.Unix(),
		}
		if err := tx.Insert(ap); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert participant %s of %s: %v", p.UserID, rec.DropID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Debugf("Archived drop %s with %d participants", rec.DropID, len(rec.Participants))
	return nil
}

// Close releases the database connection.
func (a *Archiver) Close() error {
	return a.dbMap.Db.Close()
}
