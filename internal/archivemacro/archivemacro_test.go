// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package archivemacro

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smok-edge/agent/internal/archivesched"
	"github.com/smok-edge/agent/internal/macro"
	"github.com/smok-edge/agent/internal/order"
	"github.com/smok-edge/agent/internal/sqlstore"
)

type recordingSink struct {
	mu   sync.Mutex
	secs []*order.Section
}

func (r *recordingSink) Push(sec *order.Section) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secs = append(r.secs, sec)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.secs)
}

func openTestDB(t *testing.T) *sqlstore.DB {
	t.Helper()
	db, err := sqlstore.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPassFiresDueMacroAndNotifiesCloud(t *testing.T) {
	queue := macro.NewQueue()
	queue.Set([]*macro.Macro{macro.New("m1", map[string]any{"bValve": true}, []int64{time.Now().Add(-time.Minute).Unix()})})

	sched, err := archivesched.NewSchedule(openTestDB(t))
	require.NoError(t, err)

	sink := &recordingSink{}
	var synced []string
	s, err := New(Config{
		Archives: sched,
		Macros:   queue,
		Sink:     sink,
		NotifyMacroSynced: func(macroID string, ts int64) {
			synced = append(synced, macroID)
		},
	})
	require.NoError(t, err)

	s.pass()
	require.Equal(t, 1, sink.count())

	// the first pass fires the macro and reports the firing in the same
	// pass, draining the done list; a second pass has nothing new to report.
	s.pass()
	require.Equal(t, []string{"m1"}, synced)

	m, ok := queue.Get("m1")
	require.True(t, ok)
	require.Empty(t, m.DoneSince())
}

func TestPassEnqueuesDueArchiveRead(t *testing.T) {
	queue := macro.NewQueue()
	sched, err := archivesched.NewSchedule(openTestDB(t))
	require.NoError(t, err)
	require.NoError(t, sched.Reconcile(map[int][]string{1: {"fTemp"}}))

	sink := &recordingSink{}
	s, err := New(Config{Archives: sched, Macros: queue, Sink: sink})
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	s.pass()
	require.Equal(t, 1, sink.count())
}

func TestPassCallsMetadataRefresh(t *testing.T) {
	queue := macro.NewQueue()
	sched, err := archivesched.NewSchedule(openTestDB(t))
	require.NoError(t, err)

	var called bool
	s, err := New(Config{
		Archives:        sched,
		Macros:          queue,
		Sink:            &recordingSink{},
		MetadataRefresh: func() { called = true },
	})
	require.NoError(t, err)

	s.pass()
	require.True(t, called)
}
