// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package macro implements C9's macro half: a deferred bulk write due
// at one or more timestamps, firing a FORCE Section per due timestamp
// (spec §3, §4.7).
package macro

import (
	"sort"
	"sync"
	"time"

	"github.com/smok-edge/agent/internal/order"
)

// doneCap bounds how many fired-and-synced timestamps a Macro keeps
// around before trimming the oldest, so a long-lived macro firing
// every minute doesn't grow its done list without bound (SPEC_FULL
// §C.5 supplement, grounded on smok/macro/macro.py's
// occurrences_not_done deque discipline).
const doneCap = 256

// Macro is a deferred bulk write: on firing, every command becomes one
// Write order in a FORCE Section.
type Macro struct {
	ID       string
	Commands map[string]any // pathpoint -> value

	mu      sync.Mutex
	pending []int64 // sorted ascending, unix seconds
	done    []int64 // fired locally, not yet acknowledged synced
}

// New builds a Macro with its pending fire-times sorted ascending.
func New(id string, commands map[string]any, pendingTimestamps []int64) *Macro {
	pending := append([]int64{}, pendingTimestamps...)
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	return &Macro{ID: id, Commands: commands, pending: pending}
}

// ShouldExecute reports whether the earliest pending timestamp is due.
func (m *Macro) ShouldExecute(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0 && now.Unix() > m.pending[0]
}

// Fire pops every due timestamp (there may be more than one if the
// agent was asleep past several), emitting one FORCE Section per
// timestamp and recording it on the done list.
func (m *Macro) Fire(now time.Time) []*order.Section {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sections []*order.Section
	for len(m.pending) > 0 && now.Unix() > m.pending[0] {
		ts := m.pending[0]
		m.pending = m.pending[1:]

		orders := make([]order.Order, 0, len(m.Commands))
		for pathpoint, value := range m.Commands {
			orders = append(orders, order.Write(pathpoint, value, order.AdviseForce, time.Time{}))
		}
		sections = append(sections, order.NewSection(orders, order.Joinable))

		m.done = append(m.done, ts)
		if len(m.done) > doneCap {
			m.done = m.done[len(m.done)-doneCap:]
		}
	}
	return sections
}

// DoneSince returns the fired timestamps not yet acknowledged to the
// cloud via POST /v1/device/macros/{id}/{ts}.
func (m *Macro) DoneSince() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64{}, m.done...)
}

// NotifySynced drops a timestamp from the done list once the server
// has confirmed the firing.
func (m *Macro) NotifySynced(ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.done {
		if d == ts {
			m.done = append(m.done[:i], m.done[i+1:]...)
			return
		}
	}
}

// Exhausted reports whether every scheduled occurrence has fired
// (mirrors smok/macro/macro.py's __bool__: a macro with no pending
// occurrences is dead weight).
func (m *Macro) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) == 0
}
