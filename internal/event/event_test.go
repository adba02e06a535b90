// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAssignsProvisionalIDAndMarksPending(t *testing.T) {
	s := NewStore(nil, nil)
	e := &Event{Severity: SeverityRed, Message: "temp high"}
	s.Add(e)

	require.NotEmpty(t, e.ProvisionalID)
	require.Len(t, s.GetOpen(), 1)
}

func TestIsPointEventIsClosedImmediately(t *testing.T) {
	s := NewStore(nil, nil)
	e := &Event{Severity: SeverityYellow, IsPoint: true}
	s.Add(e)

	require.True(t, e.Closed())
	require.Empty(t, s.GetOpen())
	require.Len(t, s.GetAll(), 1)
}

func TestSnapshotForSyncIsExclusiveUntilSettled(t *testing.T) {
	s := NewStore(nil, nil)
	s.Add(&Event{Severity: SeverityWhite})

	snap, err := s.SnapshotForSync()
	require.NoError(t, err)
	require.NotNil(t, snap)

	_, err = s.SnapshotForSync()
	require.ErrorIs(t, err, ErrSnapshotAlreadyOutstanding)

	snap.Nack()
	snap2, err := s.SnapshotForSync()
	require.NoError(t, err)
	require.NotNil(t, snap2)
}

func TestAckAssignsServerUUIDInOrder(t *testing.T) {
	s := NewStore(nil, nil)
	e := &Event{Severity: SeverityRed, Message: "pump failure"}
	s.Add(e)
	require.Empty(t, e.ServerID)

	snap, err := s.SnapshotForSync()
	require.NoError(t, err)
	snap.Ack([]string{"srv-123"})

	require.Equal(t, "srv-123", e.ServerID)
	require.Equal(t, "srv-123", e.ID())
}

func TestClosedAckedEventIsEvictedAfterRetention(t *testing.T) {
	s := NewStore(nil, nil)
	e := &Event{Severity: SeverityYellow, IsPoint: true}
	s.Add(e)

	snap, err := s.SnapshotForSync()
	require.NoError(t, err)
	snap.Ack([]string{"srv-1"})

	e.ackedAt = e.ackedAt.Add(-RetentionWindow - 1)
	s.evictRetired()

	require.Empty(t, s.GetAll())
}

func TestPredicateCacheRoundTrip(t *testing.T) {
	s := NewStore(nil, nil)
	s.SetCache("pred-1", map[string]any{"last_fired": int64(42)})

	v, ok := s.GetCache("pred-1")
	require.True(t, ok)
	require.Equal(t, int64(42), v.(map[string]any)["last_fired"])

	s.OnPredicateDeleted("pred-1")
	_, ok = s.GetCache("pred-1")
	require.False(t, ok)
}
