// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package archivesched

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smok-edge/agent/internal/sqlstore"
)

func openTestDB(t *testing.T) *sqlstore.DB {
	t.Helper()
	db, err := sqlstore.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestReconcileThenDueReadsAfterIntervalElapses(t *testing.T) {
	sched, err := NewSchedule(openTestDB(t))
	require.NoError(t, err)
	require.NoError(t, sched.Reconcile(map[int][]string{
		5: {"temp.boiler"},
	}))
	require.Equal(t, 1, sched.Len())

	now := time.Now()
	sec := sched.DueReads(now)
	require.NotNil(t, sec)
	require.Len(t, sec.Orders, 1)

	// immediately after, nothing else is due
	require.Nil(t, sched.DueReads(now))

	later := now.Add(10 * time.Second)
	sec2 := sched.DueReads(later)
	require.NotNil(t, sec2)
	require.Len(t, sec2.Orders, 1)
}

func TestReconcileDropsEntriesNoLongerReported(t *testing.T) {
	sched, err := NewSchedule(openTestDB(t))
	require.NoError(t, err)
	require.NoError(t, sched.Reconcile(map[int][]string{
		5: {"a", "b"},
	}))
	require.Equal(t, 2, sched.Len())

	require.NoError(t, sched.Reconcile(map[int][]string{
		5: {"a"},
	}))
	require.Equal(t, 1, sched.Len())
}

func TestScheduleSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db1, err := sqlstore.Open(filepath.Join(dir, "agent.db"))
	require.NoError(t, err)
	sched1, err := NewSchedule(db1)
	require.NoError(t, err)
	require.NoError(t, sched1.Reconcile(map[int][]string{10: {"x"}}))
	db1.Close()

	db2, err := sqlstore.Open(filepath.Join(dir, "agent.db"))
	require.NoError(t, err)
	defer db2.Close()
	sched2, err := NewSchedule(db2)
	require.NoError(t, err)
	require.Equal(t, 1, sched2.Len())
}
