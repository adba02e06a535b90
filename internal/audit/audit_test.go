// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package audit

import (
	"path/filepath"
	"testing"

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

func TestSnapshotForSyncReturnsInInsertionOrder(t *testing.T) {
	store := NewStore(openTestDB(t))
	require.NoError(t, store.Add("temp.boiler", "88.1", "write_order", 1))
	require.NoError(t, store.Add("valve.3.open", "true", "write_order", 2))

	snap, err := store.SnapshotForSync()
	require.NoError(t, err)
	require.Len(t, snap.Records, 2)
	require.Equal(t, "temp.boiler", snap.Records[0].Sensor)
	require.Equal(t, "valve.3.open", snap.Records[1].Sensor)
}

func TestSnapshotForSyncEmptyReturnsNilWithoutOutstanding(t *testing.T) {
	store := NewStore(openTestDB(t))

	snap, err := store.SnapshotForSync()
	require.NoError(t, err)
	require.Nil(t, snap)

	// a second snapshot attempt must not be blocked by a phantom outstanding slot
	snap2, err := store.SnapshotForSync()
	require.NoError(t, err)
	require.Nil(t, snap2)
}

func TestSecondSnapshotRejectedWhileFirstOutstanding(t *testing.T) {
	store := NewStore(openTestDB(t))
	require.NoError(t, store.Add("temp.boiler", "88.1", "write_order", 1))

	_, err := store.SnapshotForSync()
	require.NoError(t, err)

	_, err = store.SnapshotForSync()
	require.ErrorIs(t, err, ErrSnapshotAlreadyOutstanding{})
}

func TestAckDropsRecordsAndReleasesSlot(t *testing.T) {
	store := NewStore(openTestDB(t))
	require.NoError(t, store.Add("temp.boiler", "88.1", "write_order", 1))

	snap, err := store.SnapshotForSync()
	require.NoError(t, err)
	require.NoError(t, snap.Ack())

	snap2, err := store.SnapshotForSync()
	require.NoError(t, err)
	require.Nil(t, snap2)
}

func TestNackRetainsRecordsForNextAttempt(t *testing.T) {
	store := NewStore(openTestDB(t))
	require.NoError(t, store.Add("temp.boiler", "88.1", "write_order", 1))

	snap, err := store.SnapshotForSync()
	require.NoError(t, err)
	snap.Nack()

	snap2, err := store.SnapshotForSync()
	require.NoError(t, err)
	require.Len(t, snap2.Records, 1)
	require.Equal(t, "temp.boiler", snap2.Records[0].Sensor)
}

func TestAddDefaultsTimestampWhenZero(t *testing.T) {
	store := NewStore(openTestDB(t))
	require.NoError(t, store.Add("temp.boiler", "88.1", "write_order", 0))

	snap, err := store.SnapshotForSync()
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	require.Greater(t, snap.Records[0].TsUs, int64(0))
}
