// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package archivesched implements C3's archive schedule: a server-fed
// map of interval (seconds) -> pathpoint names that should be
// periodically read and archived, persisted locally so it survives a
// restart (spec §4.7; package archivemacro refreshes it from the cloud).
package archivesched

import (
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/smok-edge/agent/internal/order"
	"github.com/smok-edge/agent/internal/sqlstore"
)

// Entry tracks one scheduled pathpoint read.
type Entry struct {
	Pathpoint      string
	IntervalSecond int
	lastUpdated    time.Time
}

func (e *Entry) shouldUpdate(now time.Time) bool {
	return now.Sub(e.lastUpdated) > time.Duration(e.IntervalSecond)*time.Second
}

func key(pathpoint string, interval int) string {
	return fmt.Sprintf("%d\x00%s", interval, pathpoint)
}

// Schedule is the SQL-backed set of archiving entries.
type Schedule struct {
	db *sqlstore.DB

	mu      sync.Mutex
	entries map[string]*Entry
}

func NewSchedule(db *sqlstore.DB) (*Schedule, error) {
	s := &Schedule{db: db, entries: map[string]*Entry{}}

	rows, err := db.Queryx("SELECT interval_seconds, pathpoint FROM archive_schedule")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var interval int
		var pp string
		if err := rows.Scan(&interval, &pp); err != nil {
			return nil, err
		}
		e := &Entry{Pathpoint: pp, IntervalSecond: interval}
		s.entries[key(pp, interval)] = e
	}
	return s, rows.Err()
}

// Reconcile replaces the schedule with the server's current
// interval -> pathpoints map, preserving last-updated timestamps for
// entries that survive unchanged.
func (s *Schedule) Reconcile(byInterval map[int][]string) error {
	fresh := map[string]*Entry{}
	for interval, pathpoints := range byInterval {
		for _, pp := range pathpoints {
			fresh[key(pp, interval)] = &Entry{Pathpoint: pp, IntervalSecond: interval}
		}
	}

	s.mu.Lock()
	for k, e := range s.entries {
		if nf, ok := fresh[k]; ok {
			nf.lastUpdated = e.lastUpdated
		}
	}
	s.entries = fresh
	s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM archive_schedule"); err != nil {
		tx.Rollback()
		return err
	}
	ins := sq.Insert("archive_schedule").Columns("interval_seconds", "pathpoint")
	any := false
	for interval, pathpoints := range byInterval {
		for _, pp := range pathpoints {
			ins = ins.Values(interval, pp)
			any = true
		}
	}
	if any {
		if _, err := ins.RunWith(tx).Exec(); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// DueReads builds one advisory Read order per entry whose interval has
// elapsed, coalesced into a single Joinable Section, and marks them
// updated as of now.
func (s *Schedule) DueReads(now time.Time) *order.Section {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []order.Order
	for _, e := range s.entries {
		if e.shouldUpdate(now) {
			e.lastUpdated = now
			orders = append(orders, order.Read(e.Pathpoint, order.AdviseAdvise))
		}
	}
	if len(orders) == 0 {
		return nil
	}
	return order.NewSection(orders, order.Joinable)
}

// Len reports the number of scheduled entries, for tests and metrics.
func (s *Schedule) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
