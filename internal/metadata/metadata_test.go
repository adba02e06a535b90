// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package metadata

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

func TestSetThenGetIsFresh(t *testing.T) {
	store, err := NewStore(openTestDB(t), time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Set("site", "plant-7"))

	value, fresh, ok := store.Get("site")
	require.True(t, ok)
	require.True(t, fresh)
	require.Equal(t, "plant-7", value)
	require.Equal(t, map[string]string{"site": "plant-7"}, store.PendingWrites())
}

func TestApplyFromServerClearsDirtyFlag(t *testing.T) {
	store, err := NewStore(openTestDB(t), time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Set("site", "plant-7"))

	require.NoError(t, store.ApplyFromServer("site", "plant-7"))
	require.Empty(t, store.PendingWrites())
}

func TestDeleteQueuesPendingPush(t *testing.T) {
	store, err := NewStore(openTestDB(t), time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Set("site", "plant-7"))
	require.NoError(t, store.Delete("site"))

	_, _, ok := store.Get("site")
	require.False(t, ok)
	require.Equal(t, []string{"site"}, store.PendingDeletes())
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db1, err := sqlstore.Open(filepath.Join(dir, "agent.db"))
	require.NoError(t, err)
	store1, err := NewStore(db1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store1.Set("k", "v"))
	db1.Close()

	db2, err := sqlstore.Open(filepath.Join(dir, "agent.db"))
	require.NoError(t, err)
	defer db2.Close()
	store2, err := NewStore(db2, time.Minute)
	require.NoError(t, err)

	value, _, ok := store2.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", value)
}
