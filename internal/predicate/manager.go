// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package predicate

import (
	"reflect"
	"sync"
	"time"

	"github.com/smok-edge/agent/internal/event"
	"github.com/smok-edge/agent/pkg/log"
)

// Described is the server's view of one predicate, as reported by the
// predicate catalog refresh (spec §4.6 item 4).
type Described struct {
	ID            string
	VerboseName   string
	Silencing     []SilencingWindow
	Configuration map[string]any
	StatisticName string
	Group         string
}

// Manager owns every running predicate Instance and reconciles them
// against the server's description about every 300 seconds.
type Manager struct {
	registry  *Registry
	events    *event.Store
	localTime func() time.Time

	mu        sync.Mutex
	instances map[string]*Instance
}

func NewManager(registry *Registry, events *event.Store, localTime func() time.Time) *Manager {
	if localTime == nil {
		localTime = time.Now
	}
	return &Manager{
		registry:  registry,
		events:    events,
		localTime: localTime,
		instances: map[string]*Instance{},
	}
}

// Reconcile applies the communicator's predicate catalog step: offline
// predicates are destroyed (on_offline fires, cached state is dropped),
// newly-online ones are instantiated against the registry (or parked
// under a placeholder), and already-present ones are diffed field by
// field, firing the matching on_*_changed hook for whatever changed.
func (m *Manager) Reconcile(described []Described) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(described))
	for _, d := range described {
		seen[d.ID] = true
		inst, ok := m.instances[d.ID]
		if !ok {
			m.instances[d.ID] = m.instantiate(d)
			continue
		}
		m.diff(inst, d)
	}

	for id, inst := range m.instances {
		if seen[id] {
			continue
		}
		inst.handler.OnOffline()
		m.events.OnPredicateDeleted(id)
		delete(m.instances, id)
	}
}

func (m *Manager) instantiate(d Described) *Instance {
	inst := &Instance{
		ID:            d.ID,
		VerboseName:   d.VerboseName,
		Silencing:     d.Silencing,
		Configuration: d.Configuration,
		StatisticName: d.StatisticName,
		Group:         d.Group,
		events:        m.events,
		localTime:     m.localTime,
	}
	if factory := m.registry.tryMatch(d.StatisticName, d.Configuration); factory != nil {
		inst.handler = factory(inst)
	} else {
		log.Infof("predicate %s: no registered statistic %q yet, parking under placeholder", d.ID, d.StatisticName)
		inst.handler = &placeholderHandler{registry: m.registry}
	}
	return inst
}

func (m *Manager) diff(inst *Instance, d Described) {
	if inst.Group != d.Group {
		inst.Group = d.Group
		inst.handler.OnGroupChanged(d.Group)
	}
	if inst.VerboseName != d.VerboseName {
		inst.VerboseName = d.VerboseName
		inst.handler.OnVerboseNameChanged(d.VerboseName)
	}
	if !reflect.DeepEqual(inst.Configuration, d.Configuration) {
		inst.Configuration = d.Configuration
		inst.handler.OnConfigurationChanged(d.Configuration)
	}
	if !reflect.DeepEqual(inst.Silencing, d.Silencing) {
		inst.Silencing = d.Silencing
		inst.handler.OnSilencingChanged(d.Silencing)
	}
}

// Tick runs on_tick for every live instance, loading and persisting its
// state around the call (spec §4.6 item 8).
func (m *Manager) Tick() {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.Unlock()

	for _, inst := range instances {
		inst.tick()
	}
}

// Get returns the live instance for a predicate ID, if any.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// Len reports the number of live instances.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}
