// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package macro

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFirePopsAllDueTimestampsInOrder(t *testing.T) {
	now := time.Unix(1000, 0)
	m := New("m1", map[string]any{"W1": 1}, []int64{900, 950, 1100})

	sections := m.Fire(now)
	require.Len(t, sections, 2)
	require.Len(t, sections[0].Orders, 1)
	require.Equal(t, "W1", sections[0].Orders[0].Pathpoint)

	require.ElementsMatch(t, []int64{900, 950}, m.DoneSince())
	require.False(t, m.Exhausted())
}

func TestFireNoopWhenNothingDue(t *testing.T) {
	m := New("m1", map[string]any{"W1": 1}, []int64{2000})
	sections := m.Fire(time.Unix(1000, 0))
	require.Empty(t, sections)
}

func TestNotifySyncedRemovesFromDoneList(t *testing.T) {
	m := New("m1", map[string]any{"W1": 1}, []int64{900})
	m.Fire(time.Unix(1000, 0))
	require.Equal(t, []int64{900}, m.DoneSince())

	m.NotifySynced(900)
	require.Empty(t, m.DoneSince())
}

func TestDoneListCappedAt256(t *testing.T) {
	ts := make([]int64, 0, 300)
	for i := int64(0); i < 300; i++ {
		ts = append(ts, i)
	}
	m := New("m1", map[string]any{"W1": 1}, ts)
	m.Fire(time.Unix(1000, 0))
	require.Len(t, m.DoneSince(), 256)
}

func TestQueueSetReplacesContents(t *testing.T) {
	q := NewQueue()
	q.Set([]*Macro{New("a", nil, nil), New("b", nil, nil)})
	require.Len(t, q.All(), 2)

	q.Set([]*Macro{New("a", nil, nil)})
	require.Len(t, q.All(), 1)
	_, ok := q.Get("b")
	require.False(t, ok)
}
