// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package event implements C2, the event store: open/closed alert events
// with the same pending-sync snapshot/ack/nack discipline as the pathpoint
// store (package pathpoint), except ack additionally assigns
// server-issued UUIDs in order to events that don't have one yet.
package event

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smok-edge/agent/pkg/log"
)

// Severity classifies an alert event (spec §3 "Event (alert)").
type Severity uint8

const (
	SeverityWhite Severity = iota
	SeverityYellow
	SeverityRed
)

func (s Severity) String() string {
	switch s {
	case SeverityWhite:
		return "WHITE"
	case SeverityYellow:
		return "YELLOW"
	case SeverityRed:
		return "RED"
	default:
		return "UNKNOWN"
	}
}

// RetentionWindow bounds how long a closed, acked event is kept in memory
// regardless of eviction timing (spec §4.2 default 30 days).
const RetentionWindow = 30 * 24 * time.Hour

// Event is one alert occurrence. Identity is by ServerID once the server
// has assigned one, else by ProvisionalID (generated locally at Add time).
type Event struct {
	ServerID      string // empty until acked
	ProvisionalID string

	StartedOn   int64
	EndedOn     int64 // zero means still open
	Severity    Severity
	IsPoint     bool // instantaneous event; closed the instant it is added
	Token       string
	Group       string
	Message     string
	HandledBy   string
	Metadata    map[string]string
	PredicateID string

	ackedAt time.Time // set when this event's close+ack made it evictable
}

// Closed reports whether the event has ended, per spec §3: "an event is
// closed if is_point or ended_on is set".
func (e *Event) Closed() bool {
	return e.IsPoint || e.EndedOn != 0
}

// ID returns the server-assigned identity if known, else the provisional
// one.
func (e *Event) ID() string {
	if e.ServerID != "" {
		return e.ServerID
	}
	return e.ProvisionalID
}

// Backend is the persisted-state contract shared with the pathpoint store.
type Backend interface {
	LoadAll() ([]*Event, error)
	Persist(events []*Event) error
}

// Store is C2.
type Store struct {
	mu          sync.RWMutex
	byID        map[string]*Event
	pendingSync []*Event // events added/closed since the last settled snapshot
	outstanding bool

	predicateCache map[string]any

	lastCheckpoint  time.Time
	checkpointEvery time.Duration
	backend         Backend

	onChange func()
}

func NewStore(backend Backend, onChange func()) *Store {
	s := &Store{
		byID:            map[string]*Event{},
		predicateCache:  map[string]any{},
		checkpointEvery: 10 * time.Second,
		backend:         backend,
		onChange:        onChange,
	}
	if backend != nil {
		if loaded, err := backend.LoadAll(); err != nil {
			log.Warnf("event store: load_all failed: %v", err)
		} else {
			for _, e := range loaded {
				s.byID[e.ID()] = e
			}
		}
	}
	return s
}

func (s *Store) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

// Add registers a new event, assigning it a ProvisionalID, and marks it
// pending sync.
func (s *Store) Add(e *Event) {
	if e.ProvisionalID == "" {
		e.ProvisionalID = uuid.NewString()
	}
	s.mu.Lock()
	s.byID[e.ID()] = e
	s.pendingSync = append(s.pendingSync, e)
	s.mu.Unlock()
	s.notify()
}

// Close marks an open event ended at ts (defaulting to now if ts is zero)
// and marks it pending sync again so the closure reaches the cloud.
func (s *Store) Close(e *Event, ts int64) {
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	s.mu.Lock()
	e.EndedOn = ts
	s.pendingSync = append(s.pendingSync, e)
	s.mu.Unlock()
	s.notify()
}

// GetOpen returns every event not yet closed.
func (s *Store) GetOpen() []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.byID {
		if !e.Closed() {
			out = append(out, e)
		}
	}
	return out
}

// GetAll returns every event currently held in memory.
func (s *Store) GetAll() []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e)
	}
	return out
}

// SetCache stores a predicate-private blob associated with a predicate
// instance. The cache is held in memory only: Checkpoint persists events,
// not cache entries, so the cache does not survive a restart.
func (s *Store) SetCache(predicateID string, v any) {
	s.mu.Lock()
	s.predicateCache[predicateID] = v
	s.mu.Unlock()
}

func (s *Store) GetCache(predicateID string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.predicateCache[predicateID]
	return v, ok
}

// OnPredicateDeleted discards a predicate's cached state once the server
// reports the predicate instance destroyed.
func (s *Store) OnPredicateDeleted(predicateID string) {
	s.mu.Lock()
	delete(s.predicateCache, predicateID)
	s.mu.Unlock()
}

// evictRetired drops closed events whose ack is older than
// RetentionWindow; open and not-yet-acked events are kept. Called after
// every successful Ack.
func (s *Store) evictRetired() {
	now := time.Now()
	for id, e := range s.byID {
		if !e.Closed() || e.ackedAt.IsZero() {
			continue
		}
		if now.Sub(e.ackedAt) >= RetentionWindow {
			delete(s.byID, id)
		}
	}
}

// Checkpoint is the throttled persist hook shared with the pathpoint
// store's Checkpoint.
func (s *Store) Checkpoint() {
	if s.backend == nil {
		return
	}
	if time.Since(s.lastCheckpoint) < s.checkpointEvery {
		return
	}
	s.lastCheckpoint = time.Now()

	s.mu.RLock()
	all := make([]*Event, 0, len(s.byID))
	for _, e := range s.byID {
		all = append(all, e)
	}
	s.mu.RUnlock()

	if err := s.backend.Persist(all); err != nil {
		log.Warnf("event store: checkpoint persist failed: %v", err)
	}
}
