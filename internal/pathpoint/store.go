// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package pathpoint

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smok-edge/agent/internal/reparse"
	"github.com/smok-edge/agent/pkg/log"
)

// ErrInstanceNotReady is spec §7's InstanceNotReady: an operation was
// attempted against a pathpoint that has never been referenced.
var ErrInstanceNotReady = errors.New("pathpoint: instance not ready")

// ErrSnapshotAlreadyOutstanding enforces invariant 3 of spec §8: at most
// one sample snapshot may be outstanding at a time.
var ErrSnapshotAlreadyOutstanding = errors.New("pathpoint: a sync snapshot is already outstanding")

type series struct {
	mu sync.Mutex

	archive archive
	pending []Reading // not yet synced; insertion order

	current    Reading
	hasCurrent bool
}

// Store is C1, the data-point store.
type Store struct {
	mu          sync.RWMutex
	points      map[string]*Pathpoint
	data        map[string]*series
	onChange    func()
	outstanding bool
	catalogDirty bool

	lastCheckpoint time.Time
	checkpointEvery time.Duration
	backend        Backend
}

// Backend is the persisted-state contract §6 asks stores to require of any
// backend: load everything at Init, persist (possibly throttled) at
// checkpoints.
type Backend interface {
	LoadAll() (map[string][]Reading, error)
	Persist(snapshot map[string][]Reading) error
}

// NewStore builds an empty Store. onChange is called (without holding any
// lock) whenever new data arrives or a pathpoint is first registered —
// wire it to the communicator's data_to_update condition (spec §4.6/§9).
func NewStore(backend Backend, onChange func()) *Store {
	s := &Store{
		points:          map[string]*Pathpoint{},
		data:            map[string]*series{},
		onChange:        onChange,
		checkpointEvery: 10 * time.Second,
		backend:         backend,
	}
	if backend != nil {
		if loaded, err := backend.LoadAll(); err != nil {
			log.Warnf("pathpoint store: load_all failed: %v", err)
		} else {
			for name, readings := range loaded {
				sr := &series{}
				for _, r := range readings {
					sr.archive.append(r)
				}
				if len(readings) > 0 {
					sr.current = readings[len(readings)-1]
					sr.hasCurrent = true
				}
				s.data[name] = sr
			}
		}
	}
	return s
}

// EnsureRegistered materializes a pathpoint on first reference (from code,
// an incoming order, or a server-supplied list), per spec §3 Lifecycle.
// Pathpoints are never destroyed while the agent runs.
func (s *Store) EnsureRegistered(name Name, policy StoragePolicy, minReadInterval time.Duration, agent AgentHandle) *Pathpoint {
	s.mu.Lock()
	if p, ok := s.points[name.Raw]; ok {
		s.mu.Unlock()
		return p
	}
	p := New(name, policy, minReadInterval, agent)
	s.points[name.Raw] = p
	s.data[name.Raw] = &series{}
	s.catalogDirty = true
	s.mu.Unlock()
	s.notify()
	return p
}

// Catalog returns every registered pathpoint's name and storage policy,
// the shape pushed to the cloud when CatalogDirty is true (spec §4.6
// item 2).
func (s *Store) Catalog() map[string]StoragePolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]StoragePolicy, len(s.points))
	for name, p := range s.points {
		out[name] = p.Policy
	}
	return out
}

// CatalogDirty reports whether a pathpoint has been registered locally
// since the last MarkCatalogSynced.
func (s *Store) CatalogDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalogDirty
}

// MarkCatalogSynced clears the dirty flag after a successful catalog
// push.
func (s *Store) MarkCatalogSynced() {
	s.mu.Lock()
	s.catalogDirty = false
	s.mu.Unlock()
}

func (s *Store) Lookup(name string) (*Pathpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.points[name]
	return p, ok
}

func (s *Store) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

// OnNewData appends iff timestampMs is strictly greater than the
// pathpoint's current timestamp (spec §3 Invariant, §8 invariant 1).
// Writing a derived pathpoint is rejected by the caller (executor); this
// method itself has no notion of "derived", only storage.
func (s *Store) OnNewData(name string, timestampMs int64, value Value) error {
	return s.onNewReading(name, Reading{TimestampMs: timestampMs, Value: value})
}

// OnNewError is OnNewData's error-carrying counterpart (spec §4.5: handler
// failures are stored as the latest sample).
func (s *Store) OnNewError(name string, timestampMs int64, kind ErrorKind) error {
	return s.onNewReading(name, Reading{TimestampMs: timestampMs, Err: &OperationFailed{KindOf: kind, TimestampMs: timestampMs}})
}

func (s *Store) onNewReading(name string, r Reading) error {
	s.mu.RLock()
	sr, ok := s.data[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotReady, name)
	}

	sr.mu.Lock()
	if sr.hasCurrent && r.TimestampMs <= sr.current.TimestampMs {
		sr.mu.Unlock()
		return nil // out-of-order insert is a silent no-op (spec §8)
	}
	sr.archive.append(r)
	sr.pending = append(sr.pending, r)
	sr.current = r
	sr.hasCurrent = true
	sr.mu.Unlock()

	s.notify()
	return nil
}

// GetCurrent returns the latest (ts, value) for name, or the stored error
// if the latest entry is one, or ErrInstanceNotReady / *NotRead.
func (s *Store) GetCurrent(name string) (int64, Value, error) {
	s.mu.RLock()
	p, hasPoint := s.points[name]
	sr, ok := s.data[name]
	s.mu.RUnlock()
	if !ok {
		return 0, Value{}, fmt.Errorf("%w: %s", ErrInstanceNotReady, name)
	}

	if hasPoint && p.Name.Derived {
		return s.getCurrentDerived(p)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	if !sr.hasCurrent {
		return 0, Value{}, &NotRead{}
	}
	if sr.current.IsError() {
		return sr.current.TimestampMs, Value{}, sr.current.Err
	}
	return sr.current.TimestampMs, sr.current.Value, nil
}

// getCurrentDerived reads all constituents and combines them via the
// reparse evaluator (spec §3: "reading a derived pathpoint reads all
// constituents and combines their latest values through the expression").
func (s *Store) getCurrentDerived(p *Pathpoint) (int64, Value, error) {
	names := p.Constituents()
	inputs := make([]reparse.Input, 0, len(names))
	var newestTs int64
	for _, cname := range names {
		ts, v, err := s.GetCurrent(cname)
		if err != nil {
			return 0, Value{}, err
		}
		if v.Kind == KindString {
			inputs = append(inputs, reparse.Input{Name: cname, Value: v.Str})
		} else {
			f, _ := v.AsFloat64()
			inputs = append(inputs, reparse.Input{Name: cname, Value: f})
		}
		if ts > newestTs {
			newestTs = ts
		}
	}
	out, err := reparse.Eval(p.Name.Expression, inputs)
	if err != nil {
		return 0, Value{}, &OperationFailed{KindOf: ErrInvalid, TimestampMs: newestTs}
	}
	switch v := out.(type) {
	case bool:
		return newestTs, BoolValue(v), nil
	case float64:
		return newestTs, F64Value(v), nil
	case string:
		return newestTs, StringValue(v), nil
	default:
		return 0, Value{}, &OperationFailed{KindOf: ErrInvalid, TimestampMs: newestTs}
	}
}

// GetArchive returns the ordered (ts, value|error) sequence for name within
// [startMs, stopMs] (0 = unbounded).
func (s *Store) GetArchive(name string, startMs, stopMs int64) ([]Reading, error) {
	s.mu.RLock()
	sr, ok := s.data[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotReady, name)
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	var out []Reading
	sr.archive.iterate(startMs, stopMs, func(r Reading) bool {
		out = append(out, r)
		return true
	})
	return out, nil
}

// ApplyStorageLevel enacts a server-authoritative storage policy change
// (SPEC_FULL §C.1): downgrading to StorageTrend immediately discards
// archive entries older than TrendHorizon instead of waiting for the next
// retention pass.
func (s *Store) ApplyStorageLevel(name string, policy StoragePolicy) {
	s.mu.RLock()
	p, ok := s.points[name]
	sr := s.data[name]
	s.mu.RUnlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.Policy = policy
	p.mu.Unlock()
	if policy == StorageTrend && sr != nil {
		cutoff := time.Now().Add(-TrendHorizon).UnixMilli()
		sr.mu.Lock()
		sr.archive.trimBefore(cutoff)
		sr.mu.Unlock()
	}
}

// Retain enforces each pathpoint's storage policy, trimming StorageTrend
// archives older than TrendHorizon. Intended to be called periodically
// (e.g. from the same loop that calls Checkpoint).
func (s *Store) Retain() {
	cutoff := time.Now().Add(-TrendHorizon).UnixMilli()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, p := range s.points {
		if p.Policy != StorageTrend {
			continue
		}
		if sr, ok := s.data[name]; ok {
			sr.mu.Lock()
			sr.archive.trimBefore(cutoff)
			sr.mu.Unlock()
		}
	}
}

// Checkpoint is the throttled persist hook (spec §4.1): the backend
// decides final throttling semantics, but the store itself refuses to
// persist more often than checkpointEvery to bound I/O.
func (s *Store) Checkpoint() {
	if s.backend == nil {
		return
	}
	if time.Since(s.lastCheckpoint) < s.checkpointEvery {
		return
	}
	s.lastCheckpoint = time.Now()

	snapshot := map[string][]Reading{}
	s.mu.RLock()
	for name, sr := range s.data {
		sr.mu.Lock()
		var all []Reading
		sr.archive.iterate(0, 0, func(r Reading) bool { all = append(all, r); return true })
		sr.mu.Unlock()
		snapshot[name] = all
	}
	s.mu.RUnlock()

	if err := s.backend.Persist(snapshot); err != nil {
		log.Warnf("pathpoint store: checkpoint persist failed: %v", err)
	}
}
