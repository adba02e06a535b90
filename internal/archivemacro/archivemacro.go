// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package archivemacro implements C9: it keeps the local archive
// schedule and macro queue refreshed from the cloud and, every pass,
// emits the Sections those schedules have earned (spec §4.7).
package archivemacro

import (
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/smok-edge/agent/internal/archivesched"
	"github.com/smok-edge/agent/internal/macro"
	"github.com/smok-edge/agent/internal/order"
	"github.com/smok-edge/agent/pkg/log"
)

const (
	passInterval           = 60 * time.Second
	macroRefreshInterval   = 30 * time.Minute
	archiveRefreshInterval = 600 * time.Second
)

// Sink receives Sections produced by a pass, typically the executor's
// Queue.
type Sink interface {
	Push(sec *order.Section)
}

// MacroDef is the wire shape of one scheduled macro occurrence set, as
// handed back by FetchMacros.
type MacroDef struct {
	ID                string
	Commands          map[string]any
	PendingTimestamps []int64
}

// Config wires every collaborator a Scheduler needs.
type Config struct {
	Archives *archivesched.Schedule
	Macros   *macro.Queue
	Sink     Sink

	FetchMacros          func(start, stop int64) ([]MacroDef, error)
	FetchArchiveSchedule func() (map[int][]string, error)
	NotifyMacroSynced    func(macroID string, ts int64)
	MetadataRefresh      func()

	// MacroRefreshInterval and ArchiveRefreshInterval override the
	// package's default cadence constants when non-zero, sourced from
	// config.ProgramConfig's ISO-8601-or-Go-duration fields.
	MacroRefreshInterval   time.Duration
	ArchiveRefreshInterval time.Duration
}

// Scheduler is C9.
type Scheduler struct {
	cfg   Config
	sched gocron.Scheduler
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.MacroRefreshInterval == 0 {
		cfg.MacroRefreshInterval = macroRefreshInterval
	}
	if cfg.ArchiveRefreshInterval == 0 {
		cfg.ArchiveRefreshInterval = archiveRefreshInterval
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg, sched: s}, nil
}

// Start installs the periodic jobs (pass, macro refresh, archive
// refresh) and runs the refreshes once up front so the first pass has
// data to act on.
func (s *Scheduler) Start() error {
	if _, err := s.sched.NewJob(gocron.DurationJob(passInterval), gocron.NewTask(s.pass)); err != nil {
		return err
	}
	if s.cfg.FetchMacros != nil {
		if _, err := s.sched.NewJob(gocron.DurationJob(s.cfg.MacroRefreshInterval), gocron.NewTask(s.refreshMacros)); err != nil {
			return err
		}
	}
	if s.cfg.FetchArchiveSchedule != nil {
		if _, err := s.sched.NewJob(gocron.DurationJob(s.cfg.ArchiveRefreshInterval), gocron.NewTask(s.refreshArchives)); err != nil {
			return err
		}
	}
	s.sched.Start()
	if s.cfg.FetchMacros != nil {
		s.refreshMacros()
	}
	if s.cfg.FetchArchiveSchedule != nil {
		s.refreshArchives()
	}
	return nil
}

func (s *Scheduler) Stop() error {
	return s.sched.Shutdown()
}

// pass is the ~60s tick (spec §4.7): fire due macros, notify the cloud
// of firings since the last pass, enqueue due archive reads, and call
// the metadata updater.
func (s *Scheduler) pass() {
	now := time.Now()

	for _, m := range s.cfg.Macros.All() {
		for _, sec := range m.Fire(now) {
			s.cfg.Sink.Push(sec)
		}
		if s.cfg.NotifyMacroSynced == nil {
			continue
		}
		for _, ts := range m.DoneSince() {
			s.cfg.NotifyMacroSynced(m.ID, ts)
			m.NotifySynced(ts)
		}
	}

	if sec := s.cfg.Archives.DueReads(now); sec != nil {
		s.cfg.Sink.Push(sec)
	}

	if s.cfg.MetadataRefresh != nil {
		s.cfg.MetadataRefresh()
	}
}

func (s *Scheduler) refreshMacros() {
	stop := time.Now().Unix()
	start := stop - 2*int64(s.cfg.MacroRefreshInterval.Seconds())
	defs, err := s.cfg.FetchMacros(start, stop)
	if err != nil {
		log.Warnf("archivemacro: refreshing macro schedule: %v", err)
		return
	}
	built := make([]*macro.Macro, 0, len(defs))
	for _, def := range defs {
		built = append(built, macro.New(def.ID, def.Commands, def.PendingTimestamps))
	}
	s.cfg.Macros.Set(built)
}

func (s *Scheduler) refreshArchives() {
	byInterval, err := s.cfg.FetchArchiveSchedule()
	if err != nil {
		log.Warnf("archivemacro: refreshing archive schedule: %v", err)
		return
	}
	if err := s.cfg.Archives.Reconcile(byInterval); err != nil {
		log.Warnf("archivemacro: persisting archive schedule: %v", err)
	}
}
