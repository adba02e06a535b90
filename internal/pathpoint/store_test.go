// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package pathpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustName(t *testing.T, raw string) Name {
	t.Helper()
	n, err := ParseName(raw)
	require.NoError(t, err)
	return n
}

func TestOnNewDataEnforcesMonotonicTimestamps(t *testing.T) {
	s := NewStore(nil, nil)
	s.EnsureRegistered(mustName(t, "uSpeed"), StoragePermanent, 0, nil)

	require.NoError(t, s.OnNewData("uSpeed", 100, U16Value(1)))
	require.NoError(t, s.OnNewData("uSpeed", 50, U16Value(2))) // older, silently dropped
	require.NoError(t, s.OnNewData("uSpeed", 150, U16Value(3)))

	ts, v, err := s.GetCurrent("uSpeed")
	require.NoError(t, err)
	require.EqualValues(t, 150, ts)
	require.Equal(t, uint16(3), v.U16)
}

func TestGetCurrentNotReadBeforeFirstSample(t *testing.T) {
	s := NewStore(nil, nil)
	s.EnsureRegistered(mustName(t, "bRunning"), StoragePermanent, 0, nil)

	_, _, err := s.GetCurrent("bRunning")
	require.Error(t, err)
	var nr *NotRead
	require.ErrorAs(t, err, &nr)
}

func TestUnregisteredPathpointIsNotReady(t *testing.T) {
	s := NewStore(nil, nil)
	_, _, err := s.GetCurrent("uGhost")
	require.ErrorIs(t, err, ErrInstanceNotReady)
}

func TestSnapshotForSyncIsExclusiveUntilSettled(t *testing.T) {
	s := NewStore(nil, nil)
	s.EnsureRegistered(mustName(t, "uSpeed"), StoragePermanent, 0, nil)
	require.NoError(t, s.OnNewData("uSpeed", 100, U16Value(1)))

	snap, err := s.SnapshotForSync()
	require.NoError(t, err)
	require.NotNil(t, snap)

	_, err = s.SnapshotForSync()
	require.ErrorIs(t, err, ErrSnapshotAlreadyOutstanding)

	snap.Nack()

	snap2, err := s.SnapshotForSync()
	require.NoError(t, err)
	require.NotNil(t, snap2)
	require.Len(t, snap2.AsWire(), 1)
}

func TestSnapshotForSyncIsNilWhenNothingPending(t *testing.T) {
	s := NewStore(nil, nil)
	s.EnsureRegistered(mustName(t, "uSpeed"), StoragePermanent, 0, nil)

	snap, err := s.SnapshotForSync()
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestAckRemovesOnlySamplesUpToMaxAckedTimestamp(t *testing.T) {
	s := NewStore(nil, nil)
	s.EnsureRegistered(mustName(t, "uSpeed"), StoragePermanent, 0, nil)

	require.NoError(t, s.OnNewData("uSpeed", 100, U16Value(1)))
	require.NoError(t, s.OnNewData("uSpeed", 200, U16Value(2)))

	snap, err := s.SnapshotForSync()
	require.NoError(t, err)
	require.Len(t, snap.AsWire(), 2)

	// a third sample arrives after the snapshot was taken but before ack
	// settled; it must survive the ack regardless of ordering since its
	// timestamp exceeds the snapshot's own max.
	require.NoError(t, s.OnNewData("uSpeed", 300, U16Value(3)))

	snap.Ack()

	snap2, err := s.SnapshotForSync()
	require.NoError(t, err)
	require.NotNil(t, snap2)
	wire := snap2.AsWire()
	require.Len(t, wire, 1)
	require.EqualValues(t, 300, wire[0].TimestampMs)
}

func TestNackLeavesPendingSamplesIntact(t *testing.T) {
	s := NewStore(nil, nil)
	s.EnsureRegistered(mustName(t, "uSpeed"), StoragePermanent, 0, nil)
	require.NoError(t, s.OnNewData("uSpeed", 100, U16Value(1)))

	snap, err := s.SnapshotForSync()
	require.NoError(t, err)
	snap.Nack()

	snap2, err := s.SnapshotForSync()
	require.NoError(t, err)
	require.NotNil(t, snap2)
	require.Len(t, snap2.AsWire(), 1)
}

func TestGetArchiveReturnsOrderedSamplesWithinBounds(t *testing.T) {
	s := NewStore(nil, nil)
	s.EnsureRegistered(mustName(t, "uSpeed"), StoragePermanent, 0, nil)

	for ts := int64(100); ts <= 500; ts += 100 {
		require.NoError(t, s.OnNewData("uSpeed", ts, U16Value(uint16(ts))))
	}

	readings, err := s.GetArchive("uSpeed", 200, 400)
	require.NoError(t, err)
	require.Len(t, readings, 3)
	require.EqualValues(t, 200, readings[0].TimestampMs)
	require.EqualValues(t, 400, readings[2].TimestampMs)
}

func TestDerivedPathpointCombinesConstituents(t *testing.T) {
	s := NewStore(nil, nil)
	s.EnsureRegistered(mustName(t, "uT1"), StoragePermanent, 0, nil)
	s.EnsureRegistered(mustName(t, "uT2"), StoragePermanent, 0, nil)
	derived := mustName(t, "rf(uT1+uT2)/2")
	s.EnsureRegistered(derived, StoragePermanent, 0, nil)

	require.NoError(t, s.OnNewData("uT1", 10, U16Value(10)))
	require.NoError(t, s.OnNewData("uT2", 20, U16Value(20)))

	ts, v, err := s.GetCurrent(derived.Raw)
	require.NoError(t, err)
	require.EqualValues(t, 20, ts)
	require.InDelta(t, 15.0, v.F64, 0.001)
}

func TestCatalogDirtyTracksNewRegistrations(t *testing.T) {
	s := NewStore(nil, nil)
	require.False(t, s.CatalogDirty())

	s.EnsureRegistered(mustName(t, "uSpeed"), StoragePermanent, 0, nil)
	require.True(t, s.CatalogDirty())

	s.MarkCatalogSynced()
	require.False(t, s.CatalogDirty())

	// re-referencing an already-registered pathpoint is not a new
	// registration and must not re-dirty the catalog.
	s.EnsureRegistered(mustName(t, "uSpeed"), StoragePermanent, 0, nil)
	require.False(t, s.CatalogDirty())

	require.Contains(t, s.Catalog(), "uSpeed")
}
