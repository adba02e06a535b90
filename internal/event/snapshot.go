// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package event

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSnapshotAlreadyOutstanding mirrors pathpoint.ErrSnapshotAlreadyOutstanding
// (spec §8 invariant 3: at most one event snapshot outstanding at a time).
var ErrSnapshotAlreadyOutstanding = errors.New("event: a sync snapshot is already outstanding")

// Snapshot is the pending-sync view handed to C5.
type Snapshot struct {
	mu      sync.Mutex
	store   *Store
	events  []*Event
	settled bool
}

// SnapshotForSync returns a live Snapshot of every event added or closed
// since the last settled snapshot, or nil if nothing changed.
func (s *Store) SnapshotForSync() (*Snapshot, error) {
	s.mu.Lock()
	if s.outstanding {
		s.mu.Unlock()
		return nil, ErrSnapshotAlreadyOutstanding
	}
	if len(s.pendingSync) == 0 {
		s.mu.Unlock()
		return nil, nil
	}

	events := make([]*Event, len(s.pendingSync))
	copy(events, s.pendingSync)
	s.outstanding = true
	s.mu.Unlock()

	return &Snapshot{store: s, events: events}, nil
}

// AsWire renders the snapshot's events for transmission.
func (snap *Snapshot) AsWire() []*Event {
	out := make([]*Event, len(snap.events))
	copy(out, snap.events)
	return out
}

// Ack assigns server UUIDs in order to events lacking one, clears the
// pending-sync marker for the acked events, and evicts closed+acked events
// once RetentionWindow has passed (spec §4.2).
func (snap *Snapshot) Ack(serverIDs []string) {
	snap.mu.Lock()
	defer snap.mu.Unlock()
	if snap.settled {
		return
	}
	snap.settled = true

	store := snap.store
	store.mu.Lock()
	for i, e := range snap.events {
		if e.ServerID == "" {
			if i < len(serverIDs) && serverIDs[i] != "" {
				reassign(store, e, serverIDs[i])
			} else {
				reassign(store, e, uuid.NewString())
			}
		}
		if e.Closed() && e.ackedAt.IsZero() {
			e.ackedAt = time.Now()
		}
	}
	store.pendingSync = removeAcked(store.pendingSync, snap.events)
	store.outstanding = false
	store.evictRetired()
	store.mu.Unlock()
}

// Nack releases the outstanding slot, leaving every event pending so it is
// offered again on the next sync pass.
func (snap *Snapshot) Nack() {
	snap.mu.Lock()
	defer snap.mu.Unlock()
	if snap.settled {
		return
	}
	snap.settled = true
	snap.store.mu.Lock()
	snap.store.outstanding = false
	snap.store.mu.Unlock()
}

// reassign migrates an event's map key from its provisional id to the
// server-assigned one, preserving identity lookups by either id.
func reassign(store *Store, e *Event, serverID string) {
	delete(store.byID, e.ID())
	e.ServerID = serverID
	store.byID[e.ID()] = e
}

func removeAcked(pending []*Event, acked []*Event) []*Event {
	ackedSet := make(map[*Event]bool, len(acked))
	for _, e := range acked {
		ackedSet[e] = true
	}
	out := pending[:0:0]
	for _, e := range pending {
		if !ackedSet[e] {
			out = append(out, e)
		}
	}
	return out
}
