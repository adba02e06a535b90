// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package pathpoint

import "sync"

// WireSample is one flattened (pathpoint, timestamp, value|error) entry as
// produced by Snapshot.AsWire (spec §8 sample-batch round-trip property).
type WireSample struct {
	Pathpoint   string
	TimestampMs int64
	Value       Value
	Err         *OperationFailed
}

// Snapshot is the pending-sync view handed to C5. At most one Snapshot may
// be outstanding for a Store at a time (spec invariant 3); it must be
// settled with Ack or Nack before another can be taken.
type Snapshot struct {
	mu       sync.Mutex
	store    *Store
	byPoint  map[string][]Reading
	settled  bool
}

// SnapshotForSync returns a live Snapshot of every pathpoint's pending
// buffer, nil if nothing is pending, or ErrSnapshotAlreadyOutstanding if
// one is already outstanding.
func (s *Store) SnapshotForSync() (*Snapshot, error) {
	s.mu.Lock()
	if s.outstanding {
		s.mu.Unlock()
		return nil, ErrSnapshotAlreadyOutstanding
	}

	byPoint := map[string][]Reading{}
	hasPending := false
	for name, sr := range s.data {
		sr.mu.Lock()
		if len(sr.pending) > 0 {
			cp := make([]Reading, len(sr.pending))
			copy(cp, sr.pending)
			byPoint[name] = cp
			hasPending = true
		}
		sr.mu.Unlock()
	}
	if !hasPending {
		s.mu.Unlock()
		return nil, nil
	}
	s.outstanding = true
	s.mu.Unlock()

	return &Snapshot{store: s, byPoint: byPoint}, nil
}

// AsWire flattens the snapshot into the (pathpoint, ts, value|error) tuples
// C5 submits to the cloud.
func (snap *Snapshot) AsWire() []WireSample {
	var out []WireSample
	for name, readings := range snap.byPoint {
		for _, r := range readings {
			out = append(out, WireSample{Pathpoint: name, TimestampMs: r.TimestampMs, Value: r.Value, Err: r.Err})
		}
	}
	return out
}

// MaxAckedTimestamps returns, per pathpoint in this snapshot, the highest
// timestamp it carries — the max_acked_ts the store invariant is stated in
// terms of when the whole snapshot is accepted.
func (snap *Snapshot) MaxAckedTimestamps() map[string]int64 {
	out := make(map[string]int64, len(snap.byPoint))
	for name, readings := range snap.byPoint {
		var max int64
		for _, r := range readings {
			if r.TimestampMs > max {
				max = r.TimestampMs
			}
		}
		out[name] = max
	}
	return out
}

// Ack removes, per pathpoint in the snapshot, every pending sample with
// ts <= the snapshot's own max timestamp for that pathpoint (spec invariant
// 4), then releases the outstanding slot.
func (snap *Snapshot) Ack() {
	snap.mu.Lock()
	defer snap.mu.Unlock()
	if snap.settled {
		return
	}
	snap.settled = true

	maxTs := snap.MaxAckedTimestamps()
	snap.store.mu.RLock()
	for name, cutoff := range maxTs {
		sr, ok := snap.store.data[name]
		if !ok {
			continue
		}
		sr.mu.Lock()
		kept := sr.pending[:0:0]
		for _, r := range sr.pending {
			if r.TimestampMs > cutoff {
				kept = append(kept, r)
			}
		}
		sr.pending = kept
		sr.mu.Unlock()
	}
	snap.store.mu.RUnlock()

	snap.store.mu.Lock()
	snap.store.outstanding = false
	snap.store.mu.Unlock()
}

// Nack releases the outstanding slot without discarding any pending sample,
// so the same data is offered again on the next sync pass.
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
