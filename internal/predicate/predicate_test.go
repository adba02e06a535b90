// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package predicate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smok-edge/agent/internal/event"
)

// a Wednesday at 12:30 local time.
func wednesdayNoon() time.Time {
	return time.Date(2024, time.January, 3, 12, 30, 0, 0, time.UTC)
}

func TestSilencingWindowIsInTime(t *testing.T) {
	w := SilencingWindow{
		Start: Time{DayOfWeek: 3, Hour: 12, Minute: 0},
		Stop:  Time{DayOfWeek: 3, Hour: 13, Minute: 0},
	}
	require.True(t, w.IsInTime(wednesdayNoon()))
	require.False(t, w.IsInTime(wednesdayNoon().Add(2*time.Hour)))
}

type countingHandler struct {
	ticks, offline       int
	groupChanges, nameCh int
	configChanges, silCh int
}

func (h *countingHandler) OnTick(inst *Instance) error                { h.ticks++; return nil }
func (h *countingHandler) OnGroupChanged(newGroup string)              { h.groupChanges++ }
func (h *countingHandler) OnVerboseNameChanged(newVerboseName string)  { h.nameCh++ }
func (h *countingHandler) OnConfigurationChanged(c map[string]any)     { h.configChanges++ }
func (h *countingHandler) OnSilencingChanged(s []SilencingWindow)      { h.silCh++ }
func (h *countingHandler) OnOffline()                                  { h.offline++ }

func newManagerWithEvents() (*Manager, *event.Store) {
	evStore := event.NewStore(nil, nil)
	reg := NewRegistry()
	return NewManager(reg, evStore, func() time.Time { return wednesdayNoon() }), evStore
}

func TestReconcileInstantiatesAgainstPlaceholderWhenUnmatched(t *testing.T) {
	mgr, _ := newManagerWithEvents()
	mgr.Reconcile([]Described{{ID: "p1", StatisticName: "unregistered_stat", Group: "B"}})

	inst, ok := mgr.Get("p1")
	require.True(t, ok)
	_, isPlaceholder := inst.handler.(*placeholderHandler)
	require.True(t, isPlaceholder)
}

func TestPlaceholderUpgradesOnceMatchRegisters(t *testing.T) {
	mgr, _ := newManagerWithEvents()
	mgr.Reconcile([]Described{{ID: "p1", StatisticName: "my_stat", Group: "B"}})

	h := &countingHandler{}
	mgr.registry.Register(
		func(name string, cfg map[string]any) bool { return name == "my_stat" },
		func(inst *Instance) Handler { return h },
	)

	mgr.Tick()

	inst, _ := mgr.Get("p1")
	require.Same(t, h, inst.handler)
	require.Equal(t, 1, h.ticks)
}

func TestReconcileFiresOnOfflineForDroppedPredicate(t *testing.T) {
	mgr, evStore := newManagerWithEvents()
	h := &countingHandler{}
	mgr.registry.Register(
		func(name string, cfg map[string]any) bool { return true },
		func(inst *Instance) Handler { return h },
	)
	mgr.Reconcile([]Described{{ID: "p1", StatisticName: "s"}})
	evStore.SetCache("p1", "some-state")

	mgr.Reconcile(nil)

	require.Equal(t, 1, h.offline)
	require.Equal(t, 0, mgr.Len())
	_, ok := evStore.GetCache("p1")
	require.False(t, ok)
}

func TestReconcileDiffFiresChangeHooks(t *testing.T) {
	mgr, _ := newManagerWithEvents()
	h := &countingHandler{}
	mgr.registry.Register(
		func(name string, cfg map[string]any) bool { return true },
		func(inst *Instance) Handler { return h },
	)
	mgr.Reconcile([]Described{{ID: "p1", StatisticName: "s", Group: "B", VerboseName: "v1"}})
	mgr.Reconcile([]Described{{ID: "p1", StatisticName: "s", Group: "A", VerboseName: "v2"}})

	require.Equal(t, 1, h.groupChanges)
	require.Equal(t, 1, h.nameCh)
}

func TestOpenEventSuppressedDuringSilencing(t *testing.T) {
	mgr, _ := newManagerWithEvents()
	mgr.Reconcile([]Described{{
		ID:            "p1",
		StatisticName: "unregistered",
		Silencing: []SilencingWindow{{
			Start: Time{DayOfWeek: 3, Hour: 0, Minute: 0},
			Stop:  Time{DayOfWeek: 3, Hour: 23, Minute: 59},
		}},
	}})
	inst, _ := mgr.Get("p1")
	require.Nil(t, inst.OpenEvent("trouble", event.SeverityRed))
}

func TestOpenEventNotSuppressedOutsideSilencing(t *testing.T) {
	mgr, evStore := newManagerWithEvents()
	mgr.Reconcile([]Described{{ID: "p1", StatisticName: "unregistered"}})
	inst, _ := mgr.Get("p1")

	e := inst.OpenEvent("trouble", event.SeverityRed)
	require.NotNil(t, e)
	require.Len(t, evStore.GetOpen(), 1)
}
