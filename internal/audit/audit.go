// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package audit implements C3's sensor-write audit log: every sensor
// write is recorded locally and drained to the cloud on the same
// single-outstanding-snapshot discipline as C1/C2 (spec §8 invariant 3,
// §4.6 item 6 "drain local audit log; on 4xx, ack to drop").
package audit

import (
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/smok-edge/agent/internal/sqlstore"
)

// Record is one audited sensor write.
type Record struct {
	ID     int64
	TsUs   int64
	Sensor string
	Value  string
	Source string
}

// Store is the SQL-backed audit log.
type Store struct {
	db *sqlstore.DB

	mu          sync.Mutex
	outstanding bool
}

func NewStore(db *sqlstore.DB) *Store {
	return &Store{db: db}
}

// Add records one sensor write, timestamped now unless tsUs is given.
func (s *Store) Add(sensor, value, source string, tsUs int64) error {
	if tsUs == 0 {
		tsUs = time.Now().UnixMicro()
	}
	_, err := sq.Insert("sensor_write_audit").
		Columns("ts_us", "sensor", "value", "source").
		Values(tsUs, sensor, value, source).
		RunWith(s.db.DB).Exec()
	return err
}

// ErrSnapshotAlreadyOutstanding is returned by SnapshotForSync while a
// previous snapshot hasn't been Ack'd or Nack'd yet.
type ErrSnapshotAlreadyOutstanding struct{}

func (ErrSnapshotAlreadyOutstanding) Error() string {
	return "audit: a snapshot is already outstanding"
}

// Snapshot is the batch of records handed to a sync worker.
type Snapshot struct {
	store   *Store
	Records []Record
}

// SnapshotForSync selects every audited record not yet acked, marking
// the store outstanding until Ack or Nack releases it.
func (s *Store) SnapshotForSync() (*Snapshot, error) {
	s.mu.Lock()
	if s.outstanding {
		s.mu.Unlock()
		return nil, ErrSnapshotAlreadyOutstanding{}
	}
	s.outstanding = true
	s.mu.Unlock()

	rows, err := sq.Select("id", "ts_us", "sensor", "value", "source").
		From("sensor_write_audit").
		OrderBy("id").
		RunWith(s.db.DB).Query()
	if err != nil {
		s.mu.Lock()
		s.outstanding = false
		s.mu.Unlock()
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.TsUs, &r.Sensor, &r.Value, &r.Source); err != nil {
			s.mu.Lock()
			s.outstanding = false
			s.mu.Unlock()
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		s.mu.Lock()
		s.outstanding = false
		s.mu.Unlock()
		return nil, err
	}

	if len(records) == 0 {
		s.mu.Lock()
		s.outstanding = false
		s.mu.Unlock()
		return nil, nil
	}
	return &Snapshot{store: s, Records: records}, nil
}

// Ack deletes the acked records (server accepted them, or returned
// 4xx — "ack to drop" per spec) and releases the outstanding slot.
func (snap *Snapshot) Ack() error {
	ids := make([]int64, len(snap.Records))
	for i, r := range snap.Records {
		ids[i] = r.ID
	}
	_, err := sq.Delete("sensor_write_audit").
		Where(sq.Eq{"id": ids}).
		RunWith(snap.store.db.DB).Exec()

	snap.store.mu.Lock()
	snap.store.outstanding = false
	snap.store.mu.Unlock()
	return err
}

// Nack releases the outstanding slot without deleting anything, so the
// next reconciliation pass retries the same records.
func (snap *Snapshot) Nack() {
	snap.store.mu.Lock()
	snap.store.outstanding = false
	snap.store.mu.Unlock()
}
