// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package predicate implements C3's predicate (alerting rule instance)
// layer: server-described predicates are matched against locally
// registered statistic classes, instantiated, ticked about once a
// minute by the communicator, and torn down when the server no longer
// reports them.
package predicate

import (
	"time"

	"github.com/smok-edge/agent/internal/event"
	"github.com/smok-edge/agent/pkg/log"
)

// Time is a point during a week: day_of_week follows ISO 8601
// (Monday=1 ... Sunday=7), hour is 24-hour, minute is 0-59.
type Time struct {
	DayOfWeek int
	Hour      int
	Minute    int
}

func (t Time) tuple() [3]int { return [3]int{t.DayOfWeek, t.Hour, t.Minute} }

func lessOrEqual(a, b [3]int) bool {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return true
}

// SilencingWindow marks a period during a week in which a predicate's
// open_event must not produce an event (spec §8 invariant 8).
type SilencingWindow struct {
	Start Time
	Stop  Time
}

// IsInTime reports whether t falls inside this window, inclusive of
// both endpoints.
func (w SilencingWindow) IsInTime(t time.Time) bool {
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7 // ISO 8601: Sunday is 7, not 0
	}
	now := [3]int{wd, t.Hour(), t.Minute()}
	return lessOrEqual(w.Start.tuple(), now) && lessOrEqual(now, w.Stop.tuple())
}

// Handler is implemented by a concrete alerting rule. Instances are
// constructed by a registered Factory once a matching statistic class
// is found; until then an Instance runs under the built-in placeholder
// handler (see placeholder.go).
type Handler interface {
	// OnTick runs about every 60 seconds. Instance.State is loaded
	// before the call and persisted after it returns, regardless of
	// error.
	OnTick(inst *Instance) error

	OnGroupChanged(newGroup string)
	OnVerboseNameChanged(newVerboseName string)
	OnConfigurationChanged(newConfiguration map[string]any)
	OnSilencingChanged(newSilencing []SilencingWindow)

	// OnOffline is called once, when the predicate is disabled or
	// deleted server-side. The Instance is discarded afterward; a
	// later re-enable constructs a fresh one.
	OnOffline()
}

// Instance is one running predicate, mirroring the server-described
// predicate plus everything a Handler needs to do its job.
type Instance struct {
	ID            string
	VerboseName   string
	Silencing     []SilencingWindow
	Configuration map[string]any
	StatisticName string
	Group         string
	State         any

	handler Handler

	events    *event.Store
	localTime func() time.Time
}

// IsSilenced reports whether the instance's silencing windows currently
// cover local time.
func (inst *Instance) IsSilenced() bool {
	now := inst.localTime()
	for _, w := range inst.Silencing {
		if w.IsInTime(now) {
			return true
		}
	}
	return false
}

// OpenEvent opens a new event attributed to this predicate, unless a
// silencing window is currently in effect, in which case it returns nil
// (spec §8 scenario 6).
func (inst *Instance) OpenEvent(msg string, severity event.Severity) *event.Event {
	if inst.IsSilenced() {
		return nil
	}
	message := inst.VerboseName
	if msg != "" {
		message = message + ": " + msg
	}
	e := &event.Event{
		Severity:    severity,
		Token:       inst.StatisticName,
		Group:       inst.Group,
		Message:     message,
		Metadata:    map[string]string{"predicate_id": inst.ID},
		PredicateID: inst.ID,
	}
	inst.events.Add(e)
	return e
}

// CloseEvent closes an open event raised by this (or any) predicate.
func (inst *Instance) CloseEvent(e *event.Event) {
	if !e.Closed() {
		inst.events.Close(e, 0)
	} else {
		inst.events.Close(e, e.EndedOn)
	}
}

func (inst *Instance) loadState() {
	if v, ok := inst.events.GetCache(inst.ID); ok {
		inst.State = v
	} else {
		inst.State = nil
	}
}

func (inst *Instance) saveState() {
	inst.events.SetCache(inst.ID, inst.State)
}

// tick loads state, runs the handler's OnTick, and persists state back,
// regardless of whether OnTick returned an error (mirrors the
// try/finally discipline this is grounded on).
func (inst *Instance) tick() {
	inst.loadState()
	defer inst.saveState()
	if err := inst.handler.OnTick(inst); err != nil {
		log.Warnf("predicate %s: on_tick failed: %v", inst.ID, err)
	}
}
