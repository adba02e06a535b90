// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smok-edge/agent/internal/audit"
	"github.com/smok-edge/agent/internal/blob"
	"github.com/smok-edge/agent/internal/order"
	"github.com/smok-edge/agent/internal/pathpoint"
	"github.com/smok-edge/agent/internal/sqlstore"
)

func mustName(t *testing.T, raw string) pathpoint.Name {
	t.Helper()
	n, err := pathpoint.ParseName(raw)
	require.NoError(t, err)
	return n
}

type fakeWriteHandler struct {
	calls int32
	err   error
}

func (f *fakeWriteHandler) OnWrite(ctx context.Context, value any, advise order.Advise) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

type fakeReadHandler struct {
	value pathpoint.Value
	err   error
}

func (f *fakeReadHandler) OnRead(ctx context.Context, advise order.Advise) (pathpoint.Value, error) {
	return f.value, f.err
}

func newTestExecutor(t *testing.T) (*Executor, *Queue, *pathpoint.Store) {
	t.Helper()
	q := NewQueue()
	store := pathpoint.NewStore(nil, nil)
	return New(q, store), q, store
}

func TestDispatchWriteSucceedsAndRecordsSample(t *testing.T) {
	e, q, store := newTestExecutor(t)
	store.EnsureRegistered(mustName(t, "bValve"), pathpoint.StoragePermanent, 0, nil)
	h := &fakeWriteHandler{}
	e.RegisterWriteHandler("bValve", h)

	done := make(chan struct{})
	go e.Run(done)
	defer close(done)

	sec := order.NewSection([]order.Order{order.Write("bValve", true, order.AdviseForce, time.Time{})}, order.Joinable)
	q.Push(sec)
	sec.Future.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&h.calls))
	_, v, err := store.GetCurrent("bValve")
	require.NoError(t, err)
	require.Equal(t, true, v.B)
}

func TestDispatchWriteRetriesThenExhausts(t *testing.T) {
	e, q, store := newTestExecutor(t)
	store.EnsureRegistered(mustName(t, "bValve"), pathpoint.StoragePermanent, 0, nil)
	h := &fakeWriteHandler{err: errors.New("boom")}
	e.RegisterWriteHandler("bValve", h)

	done := make(chan struct{})
	go e.Run(done)
	defer close(done)

	sec := order.NewSection([]order.Order{order.Write("bValve", true, order.AdviseAdvise, time.Time{})}, order.Joinable)
	q.Push(sec)
	sec.Future.Wait()

	// AdviseAdvise writes default to 1 retry: one initial attempt plus one retry.
	require.EqualValues(t, 2, atomic.LoadInt32(&h.calls))
}

func TestDispatchWriteSkippedWhenStale(t *testing.T) {
	e, q, _ := newTestExecutor(t)
	h := &fakeWriteHandler{}
	e.RegisterWriteHandler("bValve", h)

	done := make(chan struct{})
	go e.Run(done)
	defer close(done)

	past := time.Now().Add(-time.Hour)
	sec := order.NewSection([]order.Order{order.Write("bValve", true, order.AdviseForce, past)}, order.Joinable)
	q.Push(sec)
	sec.Future.Wait()

	require.EqualValues(t, 0, atomic.LoadInt32(&h.calls))
}

func TestDispatchReadRecordsValue(t *testing.T) {
	e, q, store := newTestExecutor(t)
	store.EnsureRegistered(mustName(t, "fTemp"), pathpoint.StoragePermanent, 0, nil)
	e.RegisterReadHandler("fTemp", &fakeReadHandler{value: pathpoint.F32Value(21.5)})

	done := make(chan struct{})
	go e.Run(done)
	defer close(done)

	sec := order.NewSection([]order.Order{order.Read("fTemp", order.AdviseAdvise)}, order.Joinable)
	q.Push(sec)
	sec.Future.Wait()

	_, v, err := store.GetCurrent("fTemp")
	require.NoError(t, err)
	require.InDelta(t, 21.5, v.F32, 0.001)
}

func TestCancelledSectionResolvesWithoutDispatch(t *testing.T) {
	e, q, _ := newTestExecutor(t)
	h := &fakeWriteHandler{}
	e.RegisterWriteHandler("bValve", h)

	done := make(chan struct{})
	go e.Run(done)
	defer close(done)

	sec := order.NewSection([]order.Order{order.Write("bValve", true, order.AdviseForce, time.Time{})}, order.Joinable)
	sec.Cancelled = true
	q.Push(sec)
	sec.Future.Wait()

	require.EqualValues(t, 0, atomic.LoadInt32(&h.calls))
}

func TestSyncSectionsInvokedBeforeCannotJoinSection(t *testing.T) {
	e, q, _ := newTestExecutor(t)
	var invoked int32
	e.SetSyncSections(func(isTerminating bool) { atomic.AddInt32(&invoked, 1) })

	done := make(chan struct{})
	go e.Run(done)
	defer close(done)

	sec := order.NewSection(nil, order.CannotJoin)
	q.Push(sec)
	sec.Future.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&invoked))
}

func TestSysctlBaobUpdatedForcesBlobRedownload(t *testing.T) {
	e, q, _ := newTestExecutor(t)
	dir := t.TempDir()
	backend, err := blob.NewFSBackend(dir)
	require.NoError(t, err)
	store := blob.NewStore(backend, nil)
	_, err = store.Put("firmware", []byte("v1"))
	require.NoError(t, err)
	e.AttachBlobStore(store)

	done := make(chan struct{})
	go e.Run(done)
	defer close(done)

	sec := order.NewSection([]order.Order{order.Sysctl("baob-updated", map[string]string{"key": "firmware"})}, order.Joinable)
	q.Push(sec)
	sec.Future.Wait()

	require.Equal(t, blob.NotExistVersion, store.LocalVersions()["firmware"])
}

func TestAuditLogsWriteOrder(t *testing.T) {
	e, q, store := newTestExecutor(t)
	store.EnsureRegistered(mustName(t, "bValve"), pathpoint.StoragePermanent, 0, nil)
	e.RegisterWriteHandler("bValve", &fakeWriteHandler{})

	db, err := sqlstore.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	defer db.Close()
	auditStore := audit.NewStore(db)
	e.AttachAudit(auditStore)

	done := make(chan struct{})
	go e.Run(done)
	defer close(done)

	sec := order.NewSection([]order.Order{order.Write("bValve", true, order.AdviseForce, time.Time{})}, order.Joinable)
	q.Push(sec)
	sec.Future.Wait()

	snap, err := auditStore.SnapshotForSync()
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	require.Equal(t, "bValve", snap.Records[0].Sensor)
}
