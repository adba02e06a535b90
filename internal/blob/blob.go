// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package blob implements C3's keyed binary object store: {key,
// version, bytes} triples reconciled against the server via a
// three-way download/upload/delete classification (spec §3, §4.6 item
// 5, §8 scenario 5).
package blob

import (
	"errors"
	"sync"
	"time"

	"github.com/smok-edge/agent/pkg/log"
	"github.com/smok-edge/agent/pkg/lrucache"
)

// snapshotKey is the lrucache.Cache's single entry: the full (key,
// version) map, recomputed at most once per snapshotTTL so concurrent
// reconciliation passes share one copy instead of each building its own.
const snapshotKey = "versions"

const snapshotTTL = 2 * time.Second

// NotExistVersion is the version a key has before it has ever been
// written locally (spec §3 "version == -1 denotes nonexistent").
const NotExistVersion = -1

// ErrNotFound is returned by a Backend when a key has no stored blob.
var ErrNotFound = errors.New("blob: key not found")

// Blob is one local binary object.
type Blob struct {
	Key     string
	Version int
	Bytes   []byte
}

// Backend persists blobs. Concretely shipped backends are a
// directory-of-files layout (FSBackend, default), an S3-compatible
// object store (S3Backend), and a table in the agent's SQLite database
// (SQLiteBackend).
type Backend interface {
	Load(key string) (Blob, error)
	Store(key string, b []byte, version int) error
	Delete(key string) error
	// List returns every key's current version, for building the
	// local snapshot handed to reconciliation.
	List() (map[string]int, error)
}

// Store is the in-process front for C3's blob component. It keeps a
// version cache in memory (refreshed from Backend.List on
// construction) so reconciliation passes don't need to touch disk just
// to find out what's already held locally.
type Store struct {
	mu       sync.RWMutex
	backend  Backend
	versions map[string]int

	// everReconciled guards on_blob_updated: the first reconciliation
	// pass primes the store from the server's state and must not fire
	// the hook for every key (spec §8 scenario 5: "on_blob_updated
	// ('C') called (not on first-ever pass)").
	everReconciled bool

	onBlobUpdated func(key string)
	cache         *lrucache.Cache
}

func NewStore(backend Backend, onBlobUpdated func(key string)) *Store {
	s := &Store{
		backend:       backend,
		versions:      map[string]int{},
		onBlobUpdated: onBlobUpdated,
		cache:         lrucache.New(1 << 20),
	}
	if versions, err := backend.List(); err != nil {
		log.Warnf("blob store: initial list failed: %v", err)
	} else {
		s.versions = versions
	}
	return s
}

// Get returns a blob by key, or ErrNotFound.
func (s *Store) Get(key string) (Blob, error) {
	return s.backend.Load(key)
}

// Put writes a blob locally, incrementing its version (spec §3 "local
// writes increment the version by 1").
func (s *Store) Put(key string, data []byte) (int, error) {
	s.mu.Lock()
	version := s.versions[key] + 1
	s.mu.Unlock()

	if err := s.backend.Store(key, data, version); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.versions[key] = version
	s.mu.Unlock()
	s.cache.Del(snapshotKey)
	return version, nil
}

// Delete removes a blob locally.
func (s *Store) Delete(key string) error {
	if err := s.backend.Delete(key); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.versions, key)
	s.mu.Unlock()
	s.cache.Del(snapshotKey)
	return nil
}

// LocalVersions is the (key, version) snapshot sent to the server at
// the start of every reconciliation pass. Cached briefly so back-to-back
// reconciliation callers (the communicator and any diagnostic caller)
// share one freshly built copy instead of each walking the version map.
func (s *Store) LocalVersions() map[string]int {
	v := s.cache.Get(snapshotKey, func() (interface{}, time.Duration, int) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make(map[string]int, len(s.versions))
		for k, ver := range s.versions {
			out[k] = ver
		}
		return out, snapshotTTL, len(out)
	})
	return v.(map[string]int)
}

// ApplyDownload stores a blob fetched from the server and fires
// on_blob_updated, unless this is the store's first-ever reconciliation
// pass.
func (s *Store) ApplyDownload(key string, data []byte, version int) error {
	if err := s.backend.Store(key, data, version); err != nil {
		return err
	}
	s.mu.Lock()
	s.versions[key] = version
	first := !s.everReconciled
	s.mu.Unlock()
	s.cache.Del(snapshotKey)

	if !first && s.onBlobUpdated != nil {
		s.onBlobUpdated(key)
	}
	return nil
}

// ForceRedownload marks a key as locally absent so the next
// reconciliation pass re-downloads it, regardless of what's on disk.
// This backs the built-in `baob-updated`/`baob-created` Sysctl handlers
// (spec §4.5 "forces a blob resync").
func (s *Store) ForceRedownload(key string) {
	s.mu.Lock()
	s.versions[key] = NotExistVersion
	s.mu.Unlock()
	s.cache.Del(snapshotKey)
}

// ApplyDelete removes a blob the server no longer reports.
func (s *Store) ApplyDelete(key string) error {
	return s.Delete(key)
}

// MarkReconciled flips the first-pass flag once a reconciliation
// round-trip has fully completed.
func (s *Store) MarkReconciled() {
	s.mu.Lock()
	s.everReconciled = true
	s.mu.Unlock()
}
