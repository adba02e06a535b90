// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultRetriesMatchSpecTable(t *testing.T) {
	require.Equal(t, 10, DefaultRetries(KindWrite, AdviseForce))
	require.Equal(t, 1, DefaultRetries(KindWrite, AdviseAdvise))
	require.Equal(t, 20, DefaultRetries(KindRead, AdviseForce))
	require.Equal(t, 3, DefaultRetries(KindRead, AdviseAdvise))
	require.Equal(t, 0, DefaultRetries(KindWait, AdviseAdvise))
}

func TestRetryExhaustsBudget(t *testing.T) {
	o := Write("u16Pump", 1, AdviseAdvise, time.Time{})
	require.Equal(t, 1, o.RetriesLeft())
	require.True(t, o.Retry())
	require.False(t, o.Retry())
}

func TestWriteStaleAfterInPast(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	o := Write("u16Pump", 1, AdviseAdvise, past)
	require.True(t, o.Stale(time.Now()))
}

func TestWriteNeverStaleWithZeroDeadline(t *testing.T) {
	o := Write("u16Pump", 1, AdviseAdvise, time.Time{})
	require.False(t, o.Stale(time.Now()))
}

func TestSectionJoinMergesFutures(t *testing.T) {
	s1 := NewSection([]Order{Write("A", 1, AdviseAdvise, time.Time{})}, Joinable)
	s2 := NewSection([]Order{Write("B", 2, AdviseAdvise, time.Time{})}, Joinable)
	require.True(t, s1.JoinableWith(s2))

	merged := s1.Join(s2)
	require.Len(t, merged.Orders, 2)

	done := make(chan struct{})
	go func() {
		s1.Future.Wait()
		s2.Future.Wait()
		close(done)
	}()

	merged.Future.Resolve()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("original futures never resolved")
	}
}

func TestCannotJoinSectionIsNeverJoinable(t *testing.T) {
	s1 := NewSection(nil, Joinable)
	s2 := NewSection(nil, CannotJoin)
	require.False(t, s1.JoinableWith(s2))
}

func TestSectionMaxWaitIsLargestWaitOrder(t *testing.T) {
	s := NewSection([]Order{Wait(1), Wait(3), Wait(2)}, Joinable)
	require.Equal(t, 3*time.Second, s.MaxWait())
}
