// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package executor implements C7: it dequeues Sections, coalesces
// Joinable neighbors, dispatches each Order against the agent's
// user-registered read/write handlers, and resolves the Section's
// future (spec §4.5).
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smok-edge/agent/internal/audit"
	"github.com/smok-edge/agent/internal/blob"
	"github.com/smok-edge/agent/internal/order"
	"github.com/smok-edge/agent/internal/pathpoint"
	"github.com/smok-edge/agent/pkg/log"
)

// pollInterval bounds how long Run blocks on an empty queue before
// re-checking for termination.
const pollInterval = time.Second

// ReadHandler is user code invoked to service a Read order (spec §9
// "on_read(advise) -> future<value|error>").
type ReadHandler interface {
	OnRead(ctx context.Context, advise order.Advise) (pathpoint.Value, error)
}

// WriteHandler is user code invoked to service a Write order (spec §9
// "on_write(value, advise) -> future<ok|error>").
type WriteHandler interface {
	OnWrite(ctx context.Context, value any, advise order.Advise) error
}

// ReadHandlerFunc adapts a function to a ReadHandler.
type ReadHandlerFunc func(ctx context.Context, advise order.Advise) (pathpoint.Value, error)

func (f ReadHandlerFunc) OnRead(ctx context.Context, advise order.Advise) (pathpoint.Value, error) {
	return f(ctx, advise)
}

// WriteHandlerFunc adapts a function to a WriteHandler.
type WriteHandlerFunc func(ctx context.Context, value any, advise order.Advise) error

func (f WriteHandlerFunc) OnWrite(ctx context.Context, value any, advise order.Advise) error {
	return f(ctx, value, advise)
}

// SysctlHandler is the agent's fallback for Sysctl ops the executor
// doesn't already know about (spec §4.5 "invoke agent's sysctl
// handler").
type SysctlHandler interface {
	OnSysctl(op string, args map[string]string) error
}

// Executor is C7.
type Executor struct {
	queue      *Queue
	pathpoints *pathpoint.Store
	blobs      *blob.Store  // nil when blobs disabled
	auditLog   *audit.Store // nil when sensor-write audit disabled
	auditSrc   string

	mu            sync.RWMutex
	readHandlers  map[string]ReadHandler
	writeHandlers map[string]WriteHandler

	sysctl         SysctlHandler
	postMessage    func(uuid string) error
	syncSections   func(isTerminating bool)
	executeSection func(sec *order.Section) bool // custom executor override
}

func New(queue *Queue, pathpoints *pathpoint.Store) *Executor {
	return &Executor{
		queue:         queue,
		pathpoints:    pathpoints,
		readHandlers:  map[string]ReadHandler{},
		writeHandlers: map[string]WriteHandler{},
		auditSrc:      "write_order",
	}
}

func (e *Executor) AttachBlobStore(s *blob.Store)              { e.blobs = s }
func (e *Executor) AttachAudit(s *audit.Store)                 { e.auditLog = s }
func (e *Executor) SetAuditSource(source string)               { e.auditSrc = source }
func (e *Executor) SetSysctlHandler(h SysctlHandler)           { e.sysctl = h }
func (e *Executor) SetPostMessage(f func(uuid string) error)   { e.postMessage = f }

// SetSyncSections installs the user-overridable hook invoked before a
// CANNOT_JOIN Section, which must block until earlier in-flight work
// has settled or the agent is terminating (spec §4.5).
func (e *Executor) SetSyncSections(f func(isTerminating bool)) { e.syncSections = f }

// SetExecuteSectionOverride bypasses the default dispatch loop for
// every Section; the override is responsible for resolving the
// Section's future (spec §4.5 "custom executor").
func (e *Executor) SetExecuteSectionOverride(f func(sec *order.Section) bool) {
	e.executeSection = f
}

func (e *Executor) RegisterReadHandler(pathpointName string, h ReadHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readHandlers[pathpointName] = h
}

func (e *Executor) RegisterWriteHandler(pathpointName string, h WriteHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeHandlers[pathpointName] = h
}

func (e *Executor) readHandler(name string) (ReadHandler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.readHandlers[name]
	return h, ok
}

func (e *Executor) writeHandler(name string) (WriteHandler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.writeHandlers[name]
	return h, ok
}

// Run dispatches Sections until done is closed. Intended to run on its
// own worker goroutine, one per agent (spec §8 "order executor: blocks
// on the Section queue, with timeout to observe termination").
func (e *Executor) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		sec, ok := e.queue.Pop(pollInterval, done)
		if !ok {
			continue
		}
		if e.executeSection != nil && e.executeSection(sec) {
			continue
		}
		e.runSection(sec, done)
	}
}

func isClosed(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func (e *Executor) runSection(sec *order.Section, done <-chan struct{}) {
	if sec.Cancelled {
		sec.Future.Resolve()
		return
	}

	if sec.Disposition == order.CannotJoin && e.syncSections != nil {
		e.syncSections(isClosed(done))
	}

	start := time.Now()
	ctx := context.Background()
	pending := sec.Orders
	for len(pending) > 0 {
		var retry []order.Order
		for _, o := range pending {
			if !e.dispatch(ctx, &o) {
				if o.Retry() {
					retry = append(retry, o)
				}
			}
		}
		pending = retry
	}

	sec.Future.Resolve()

	if dwell := sec.MaxWait(); dwell > 0 {
		if remaining := dwell - time.Since(start); remaining > 0 {
			time.Sleep(remaining)
		}
	}
}

// dispatch runs one order, returning true when it's fully handled
// (including "drop, never retry" cases) and false when it should be
// retried per the order's budget (spec §4.5 "per-order dispatch").
func (e *Executor) dispatch(ctx context.Context, o *order.Order) bool {
	switch o.Kind {
	case order.KindRead:
		return e.dispatchRead(ctx, o)
	case order.KindWrite:
		return e.dispatchWrite(ctx, o)
	case order.KindMessage:
		return e.dispatchMessage(o)
	case order.KindSysctl:
		return e.dispatchSysctl(o)
	case order.KindWait:
		return true
	default:
		log.Warnf("executor: unknown order kind %v", o.Kind)
		return true
	}
}

func (e *Executor) dispatchRead(ctx context.Context, o *order.Order) bool {
	pp, ok := e.pathpoints.Lookup(o.Pathpoint)
	if !ok {
		log.Warnf("executor: read order for unknown pathpoint %q", o.Pathpoint)
		return true
	}
	now := time.Now()
	if !pp.AllowRead(now) {
		return true // throttled; not a failure, simply skipped this pass
	}
	handler, ok := e.readHandler(o.Pathpoint)
	if !ok {
		log.Warnf("executor: no read handler registered for %q", o.Pathpoint)
		return true
	}

	value, err := handler.OnRead(ctx, o.Advise)
	nowMs := now.UnixMilli()
	if err != nil {
		var nr *pathpoint.NotRead
		if errors.As(err, &nr) {
			log.Errorf("executor: read handler for %q returned NotRead, which is invalid for reads", o.Pathpoint)
			return true
		}
		if err := e.pathpoints.OnNewError(o.Pathpoint, nowMs, classifyErrorKind(err)); err != nil {
			log.Warnf("executor: recording read error for %q: %v", o.Pathpoint, err)
		}
		return false
	}

	if err := e.pathpoints.OnNewData(o.Pathpoint, nowMs, value); err != nil {
		log.Warnf("executor: recording read value for %q: %v", o.Pathpoint, err)
	}
	return true
}

func (e *Executor) dispatchWrite(ctx context.Context, o *order.Order) bool {
	now := time.Now()
	if o.Stale(now) {
		return true // past stale_after, dropped without effect
	}
	if pp, ok := e.pathpoints.Lookup(o.Pathpoint); ok && pp.Name.Derived {
		return true // writing a derived pathpoint is a no-op
	}
	handler, ok := e.writeHandler(o.Pathpoint)
	if !ok {
		log.Warnf("executor: no write handler registered for %q", o.Pathpoint)
		return true
	}

	err := handler.OnWrite(ctx, o.Value, o.Advise)
	nowMs := now.UnixMilli()
	if err != nil {
		if err := e.pathpoints.OnNewError(o.Pathpoint, nowMs, classifyErrorKind(err)); err != nil {
			log.Warnf("executor: recording write error for %q: %v", o.Pathpoint, err)
		}
		return false
	}

	if v, ok := valueFromAny(o.Value); ok {
		if err := e.pathpoints.OnNewData(o.Pathpoint, nowMs, v); err != nil {
			log.Warnf("executor: recording write value for %q: %v", o.Pathpoint, err)
		}
	}
	if e.auditLog != nil {
		if err := e.auditLog.Add(o.Pathpoint, fmt.Sprint(o.Value), e.auditSrc, 0); err != nil {
			log.Warnf("executor: auditing write for %q: %v", o.Pathpoint, err)
		}
	}
	return true
}

func (e *Executor) dispatchMessage(o *order.Order) bool {
	if e.postMessage == nil {
		return true
	}
	if err := e.postMessage(o.MessageUUID); err != nil {
		log.Warnf("executor: posting message completion %q: %v", o.MessageUUID, err)
		return false
	}
	return true
}

// builtin Sysctl ops (spec §4.5): baob-updated/created force a blob
// resync, baob-deleted deletes the blob locally, ping is a no-op used
// to verify Sysctl plumbing end-to-end.
const (
	sysctlBaobUpdated = "baob-updated"
	sysctlBaobCreated = "baob-created"
	sysctlBaobDeleted = "baob-deleted"
	sysctlPing        = "ping"
)

func (e *Executor) dispatchSysctl(o *order.Order) bool {
	switch o.SysctlOp {
	case sysctlBaobUpdated, sysctlBaobCreated:
		if e.blobs != nil {
			if key := o.SysctlArgs["key"]; key != "" {
				e.blobs.ForceRedownload(key)
			}
		}
		return true
	case sysctlBaobDeleted:
		if e.blobs != nil {
			if key := o.SysctlArgs["key"]; key != "" {
				if err := e.blobs.Delete(key); err != nil {
					log.Warnf("executor: sysctl baob-deleted for %q: %v", key, err)
				}
			}
		}
		return true
	case sysctlPing:
		return true
	}

	if e.sysctl != nil {
		if err := e.sysctl.OnSysctl(o.SysctlOp, o.SysctlArgs); err != nil {
			log.Warnf("executor: sysctl %q failed: %v", o.SysctlOp, err)
			return false
		}
		return true
	}

	log.Warnf("executor: unhandled sysctl op %q", o.SysctlOp)
	return true
}

// classifyErrorKind maps an arbitrary handler error to the closest
// OperationFailed kind C1 can store.
func classifyErrorKind(err error) pathpoint.ErrorKind {
	var of *pathpoint.OperationFailed
	if errors.As(err, &of) {
		return of.KindOf
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pathpoint.ErrTimeout
	}
	return pathpoint.ErrInvalid
}

// valueFromAny converts a loosely-typed Write order's payload (as it
// arrives off the wire, or from the macro queue) into a pathpoint.Value
// suitable for recording in C1.
func valueFromAny(v any) (pathpoint.Value, bool) {
	switch t := v.(type) {
	case pathpoint.Value:
		return t, true
	case bool:
		return pathpoint.BoolValue(t), true
	case int16:
		return pathpoint.I16Value(t), true
	case uint16:
		return pathpoint.U16Value(t), true
	case float32:
		return pathpoint.F32Value(t), true
	case float64:
		return pathpoint.F64Value(t), true
	case int:
		return pathpoint.F64Value(float64(t)), true
	case string:
		return pathpoint.StringValue(t), true
	default:
		return pathpoint.Value{}, false
	}
}
