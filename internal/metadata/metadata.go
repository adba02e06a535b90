// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metadata implements C3's metadata KV store: a local cache of
// the device's `GET/PUT/DELETE /v1/device/metadata/plain/{key}` key
// space, with a configurable freshness TTL (spec §9, default 60s).
package metadata

import (
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/smok-edge/agent/internal/sqlstore"
)

// DefaultTTL is how long a cached value is considered fresh before a
// synchronous accessor (get_device_info-style callers) should prefer a
// server round trip over the cache.
const DefaultTTL = 60 * time.Second

type entry struct {
	value     string
	fetchedAt time.Time
	dirty     bool // set locally, not yet pushed to the server
}

// Store is the in-memory front for the metadata table, backed by a
// sqlstore.DB.
type Store struct {
	db  *sqlstore.DB
	ttl time.Duration

	mu      sync.RWMutex
	cache   map[string]entry
	deleted map[string]bool // pending DELETE pushes
}

func NewStore(db *sqlstore.DB, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{db: db, ttl: ttl, cache: map[string]entry{}, deleted: map[string]bool{}}

	rows, err := db.Queryx("SELECT key, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		s.cache[key] = entry{value: value, fetchedAt: time.Now()}
	}
	return s, rows.Err()
}

// Get returns a key's cached value, and whether it is still within the
// freshness TTL.
func (s *Store) Get(key string) (value string, fresh bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[key]
	if !ok {
		return "", false, false
	}
	return e.value, time.Since(e.fetchedAt) < s.ttl, true
}

// Set writes a value locally (treated as fresh immediately) and queues
// it for an eventual PUT to the server.
func (s *Store) Set(key, value string) error {
	_, err := sq.Insert("metadata").
		Columns("key", "value").
		Values(key, value).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value").
		RunWith(s.db.DB).Exec()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[key] = entry{value: value, fetchedAt: time.Now(), dirty: true}
	delete(s.deleted, key)
	s.mu.Unlock()
	return nil
}

// Delete removes a key locally and queues a DELETE push.
func (s *Store) Delete(key string) error {
	_, err := sq.Delete("metadata").Where(sq.Eq{"key": key}).RunWith(s.db.DB).Exec()
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, key)
	s.deleted[key] = true
	s.mu.Unlock()
	return nil
}

// ApplyFromServer records a value fetched from the cloud, clearing any
// local dirty flag (the server's value now matches ours) and resetting
// the freshness clock.
func (s *Store) ApplyFromServer(key, value string) error {
	_, err := sq.Insert("metadata").
		Columns("key", "value").
		Values(key, value).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value").
		RunWith(s.db.DB).Exec()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[key] = entry{value: value, fetchedAt: time.Now()}
	s.mu.Unlock()
	return nil
}

// PendingWrites returns every key/value pair set locally and not yet
// confirmed pushed.
func (s *Store) PendingWrites() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]string{}
	for k, e := range s.cache {
		if e.dirty {
			out[k] = e.value
		}
	}
	return out
}

// PendingDeletes returns every key deleted locally and not yet
// confirmed pushed.
func (s *Store) PendingDeletes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.deleted))
	for k := range s.deleted {
		out = append(out, k)
	}
	return out
}

// MarkPushed clears the dirty/pending-delete flag for a key once the
// server has acknowledged it.
func (s *Store) MarkPushed(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cache[key]; ok {
		e.dirty = false
		s.cache[key] = e
	}
	delete(s.deleted, key)
}
