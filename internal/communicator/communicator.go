// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package communicator implements C8: the ~60s periodic reconciliation
// pass between every local store and the cloud (spec §4.6). It wires
// together C1 (pathpoint), C2 (event), the sensor and predicate
// catalogs, the blob store, the sensor-write audit log, and the order
// executor's queue, against a CloudAPI that covers everything
// package syncworker's narrower Worker does not.
package communicator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smok-edge/agent/internal/audit"
	"github.com/smok-edge/agent/internal/blob"
	"github.com/smok-edge/agent/internal/condwake"
	"github.com/smok-edge/agent/internal/event"
	"github.com/smok-edge/agent/internal/order"
	"github.com/smok-edge/agent/internal/pathpoint"
	"github.com/smok-edge/agent/internal/predicate"
	"github.com/smok-edge/agent/internal/sensor"
	"github.com/smok-edge/agent/internal/syncworker"
	"github.com/smok-edge/agent/pkg/log"
)

const (
	passInterval             = 60 * time.Second
	sensorRefreshInterval    = 300 * time.Second
	predicateRefreshInterval = 300 * time.Second
	blobRefreshInterval      = 3600 * time.Second
	blobTransferConcurrency  = 4
)

// OrderDTO is the wire shape of one order pulled from the cloud (spec
// §4.6 item 7), translated into an order.Order before being enqueued.
type OrderDTO struct {
	Kind        string // "read" | "write" | "wait" | "message" | "sysctl"
	Pathpoint   string
	Force       bool
	Value       any
	StaleAfter  time.Time
	WaitSeconds float64
	MessageUUID string
	SysctlOp    string
	SysctlArgs  map[string]string
}

// SectionDTO is a group of OrderDTOs sharing a disposition.
type SectionDTO struct {
	Orders   []OrderDTO
	Joinable bool
}

func (d OrderDTO) ToOrder() order.Order {
	advise := order.AdviseAdvise
	if d.Force {
		advise = order.AdviseForce
	}
	switch d.Kind {
	case "read":
		return order.Read(d.Pathpoint, advise)
	case "write":
		return order.Write(d.Pathpoint, d.Value, advise, d.StaleAfter)
	case "wait":
		return order.Wait(d.WaitSeconds)
	case "message":
		return order.Message(d.MessageUUID)
	case "sysctl":
		return order.Sysctl(d.SysctlOp, d.SysctlArgs)
	default:
		return order.Wait(0)
	}
}

func (d SectionDTO) ToSection() *order.Section {
	orders := make([]order.Order, 0, len(d.Orders))
	for _, o := range d.Orders {
		orders = append(orders, o.ToOrder())
	}
	disposition := order.CannotJoin
	if d.Joinable {
		disposition = order.Joinable
	}
	return order.NewSection(orders, disposition)
}

// CloudAPI is every cloud endpoint the communicator needs beyond
// syncworker.Worker's pathpoint-sample/log transport: catalog push,
// sensor and predicate refreshes, blob reconciliation, sensor-write
// audit push, orders pull, and event push.
type CloudAPI interface {
	// PushCatalog submits the local pathpoint catalog (spec §4.6 item
	// 2) and returns the server's authoritative storage policy per
	// pathpoint name (only entries the server wants to change need be
	// present).
	PushCatalog(ctx context.Context, local map[string]pathpoint.StoragePolicy) (map[string]pathpoint.StoragePolicy, error)

	// FetchSensors retrieves the full sensor catalog (spec §4.6 item 3).
	FetchSensors(ctx context.Context) ([]sensor.Sensor, error)

	// FetchPredicates retrieves the full predicate catalog (spec §4.6
	// item 4).
	FetchPredicates(ctx context.Context) ([]predicate.Described, error)

	// ReconcileBlobs submits the local (key, version) snapshot and
	// returns the server's classification plan (spec §4.6 item 5).
	ReconcileBlobs(ctx context.Context, local map[string]int) (blob.Plan, error)
	DownloadBlob(ctx context.Context, key string) ([]byte, int, error)
	UploadBlob(ctx context.Context, key string, data []byte, version int) error

	// PushAudit submits the sensor-write audit log (spec §4.6 item 6).
	PushAudit(ctx context.Context, records []audit.Record) error

	// PullOrders retrieves any pending server-pushed Sections (spec
	// §4.6 item 7); only called when the sync worker lacks async
	// order delivery.
	PullOrders(ctx context.Context) ([]SectionDTO, error)

	// PushEvents submits the event snapshot and returns, in order,
	// the server-assigned UUID for each event lacking one (spec §4.6
	// item 9).
	PushEvents(ctx context.Context, events []*event.Event) ([]string, error)
}

// OrderSink receives Sections translated from pulled orders, normally
// the executor's Queue.
type OrderSink interface {
	Push(sec *order.Section)
}

// Config wires every collaborator a Communicator needs.
type Config struct {
	Pathpoints *pathpoint.Store
	Events     *event.Store
	Sensors    *sensor.Catalog
	Predicates *predicate.Manager
	Blobs      *blob.Store
	Audit      *audit.Store
	Orders     OrderSink

	Worker syncworker.Worker
	Cloud  CloudAPI
	Waker  *condwake.Waker

	// OnSyncFailure, when set, is called with a short subsystem label
	// every time a pass against the cloud fails, for ambient agent
	// instrumentation (internal/metrics). Never called while holding
	// any lock.
	OnSyncFailure func(subsystem string)
}

func (c *Communicator) fail(subsystem string) {
	if c.cfg.OnSyncFailure != nil {
		c.cfg.OnSyncFailure(subsystem)
	}
}

// Communicator is C8.
type Communicator struct {
	cfg Config

	syncEnabled int32 // atomic bool, default enabled

	lastSensorRefresh    time.Time
	lastPredicateRefresh time.Time
	lastBlobRefresh      time.Time
}

// New builds a Communicator. Sync starts enabled.
func New(cfg Config) *Communicator {
	c := &Communicator{cfg: cfg}
	atomic.StoreInt32(&c.syncEnabled, 1)
	return c
}

// SetSyncEnabled toggles the global sync gate (spec §4.6 "when sync is
// globally enabled").
func (c *Communicator) SetSyncEnabled(enabled bool) {
	v := int32(0)
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&c.syncEnabled, v)
}

func (c *Communicator) syncIsEnabled() bool {
	return atomic.LoadInt32(&c.syncEnabled) != 0
}

// Run drives the periodic pass until done is closed, sleeping the
// remainder of each interval on the shared data_to_update waker (spec
// §4.6 "sleep the remainder of the interval on data_to_update").
func (c *Communicator) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		start := time.Now()
		if c.syncIsEnabled() {
			c.pass(context.Background())
		}
		elapsed := time.Since(start)
		remaining := passInterval - elapsed
		if remaining <= 0 {
			continue
		}
		c.cfg.Waker.WaitCancellable(remaining, done)
	}
}

// pass runs the ten reconciliation steps of spec §4.6 in order.
func (c *Communicator) pass(ctx context.Context) {
	c.syncPathpointSamples(ctx)
	c.syncPathpointCatalog(ctx)

	now := time.Now()
	if now.Sub(c.lastSensorRefresh) >= sensorRefreshInterval {
		c.refreshSensors(ctx)
		c.lastSensorRefresh = now
	}
	if now.Sub(c.lastPredicateRefresh) >= predicateRefreshInterval {
		c.refreshPredicates(ctx)
		c.lastPredicateRefresh = now
	}
	if now.Sub(c.lastBlobRefresh) >= blobRefreshInterval {
		c.reconcileBlobs(ctx)
		c.lastBlobRefresh = now
	}

	c.drainAudit(ctx)
	c.pullOrders(ctx)

	if c.cfg.Predicates != nil {
		c.cfg.Predicates.Tick()
	}

	c.syncEvents(ctx)

	c.cfg.Pathpoints.Checkpoint()
	c.cfg.Events.Checkpoint()
}

// syncPathpointSamples is step 1: submit C1's pending snapshot, ack on
// success or on a clients-fault verdict (poison avoidance), nack on a
// transport failure so it is retried next pass.
func (c *Communicator) syncPathpointSamples(ctx context.Context) {
	snap, err := c.cfg.Pathpoints.SnapshotForSync()
	if err != nil {
		if !errors.Is(err, pathpoint.ErrSnapshotAlreadyOutstanding) {
			log.Warnf("communicator: pathpoint snapshot: %v", err)
		}
		return
	}
	if snap == nil {
		return
	}

	batch := encodePathpointBatch(snap.AsWire())
	err = c.cfg.Worker.SyncPathpoints(ctx, batch)
	if err == nil {
		snap.Ack()
		return
	}

	var se *syncworker.SyncError
	if errors.As(err, &se) && se.IsClientsFault {
		log.Warnf("communicator: pathpoint batch rejected as malformed, acking to drop: %v", err)
		snap.Ack()
		return
	}
	log.Warnf("communicator: pathpoint sync failed, will retry: %v", err)
	c.fail("pathpoint")
	snap.Nack()
}

// wireValue renders a pathpoint.Value as the bare scalar the cloud
// API expects, keeping value-kind awareness out of package pathpoint.
func wireValue(v pathpoint.Value) any {
	switch v.Kind {
	case pathpoint.KindBool:
		return v.B
	case pathpoint.KindI16:
		return v.I16
	case pathpoint.KindU16:
		return v.U16
	case pathpoint.KindF32:
		return v.F32
	case pathpoint.KindF64:
		return v.F64
	case pathpoint.KindString:
		return v.Str
	default:
		return nil
	}
}

func encodePathpointBatch(samples []pathpoint.WireSample) []syncworker.PathpointBatchEntry {
	byPath := map[string][][]any{}
	var paths []string
	for _, s := range samples {
		if _, ok := byPath[s.Pathpoint]; !ok {
			paths = append(paths, s.Pathpoint)
		}
		var entry []any
		if s.Err != nil {
			entry = []any{false, s.TimestampMs, s.Err.KindOf.String()}
		} else {
			entry = []any{s.TimestampMs, wireValue(s.Value)}
		}
		byPath[s.Pathpoint] = append(byPath[s.Pathpoint], entry)
	}
	out := make([]syncworker.PathpointBatchEntry, 0, len(paths))
	for _, p := range paths {
		out = append(out, syncworker.PathpointBatchEntry{Path: p, Values: byPath[p]})
	}
	return out
}

// syncPathpointCatalog is step 2: push the local catalog only if
// dirty, and apply back whatever authoritative storage levels the
// server returns.
func (c *Communicator) syncPathpointCatalog(ctx context.Context) {
	if !c.cfg.Pathpoints.CatalogDirty() {
		return
	}
	authoritative, err := c.cfg.Cloud.PushCatalog(ctx, c.cfg.Pathpoints.Catalog())
	if err != nil {
		log.Warnf("communicator: pathpoint catalog push: %v", err)
		return
	}
	for name, policy := range authoritative {
		c.cfg.Pathpoints.ApplyStorageLevel(name, policy)
	}
	c.cfg.Pathpoints.MarkCatalogSynced()
}

// refreshSensors is step 3.
func (c *Communicator) refreshSensors(ctx context.Context) {
	if c.cfg.Sensors == nil {
		return
	}
	sensors, err := c.cfg.Cloud.FetchSensors(ctx)
	if err != nil {
		log.Warnf("communicator: sensor catalog refresh: %v", err)
		return
	}
	c.cfg.Sensors.Replace(sensors)
}

// refreshPredicates is step 4.
func (c *Communicator) refreshPredicates(ctx context.Context) {
	if c.cfg.Predicates == nil {
		return
	}
	described, err := c.cfg.Cloud.FetchPredicates(ctx)
	if err != nil {
		log.Warnf("communicator: predicate catalog refresh: %v", err)
		return
	}
	c.cfg.Predicates.Reconcile(described)
}

// reconcileBlobs is step 5.
func (c *Communicator) reconcileBlobs(ctx context.Context) {
	if c.cfg.Blobs == nil {
		return
	}
	plan, err := c.cfg.Cloud.ReconcileBlobs(ctx, c.cfg.Blobs.LocalVersions())
	if err != nil {
		log.Warnf("communicator: blob reconciliation: %v", err)
		c.fail("blobs")
		return
	}
	// Downloads and uploads are independent per key; fan them out with a
	// bounded number of workers rather than shipping one blob at a time.
	dl, dlCtx := errgroup.WithContext(ctx)
	dl.SetLimit(blobTransferConcurrency)
	for _, key := range plan.Download {
		key := key
		dl.Go(func() error {
			data, version, err := c.cfg.Cloud.DownloadBlob(dlCtx, key)
			if err != nil {
				log.Warnf("communicator: blob download %q: %v", key, err)
				return nil
			}
			if err := c.cfg.Blobs.ApplyDownload(key, data, version); err != nil {
				log.Warnf("communicator: blob apply download %q: %v", key, err)
			}
			return nil
		})
	}
	dl.Wait()

	up, upCtx := errgroup.WithContext(ctx)
	up.SetLimit(blobTransferConcurrency)
	for _, key := range plan.Upload {
		key := key
		up.Go(func() error {
			b, err := c.cfg.Blobs.Get(key)
			if err != nil {
				log.Warnf("communicator: blob read for upload %q: %v", key, err)
				return nil
			}
			if err := c.cfg.Cloud.UploadBlob(upCtx, key, b.Bytes, b.Version); err != nil {
				log.Warnf("communicator: blob upload %q: %v", key, err)
			}
			return nil
		})
	}
	up.Wait()
	for _, key := range plan.Delete {
		if err := c.cfg.Blobs.ApplyDelete(key); err != nil {
			log.Warnf("communicator: blob apply delete %q: %v", key, err)
		}
	}
	c.cfg.Blobs.MarkReconciled()
}

// drainAudit is step 6: on a 4xx verdict, ack to drop rather than
// retry a permanently-rejected batch.
func (c *Communicator) drainAudit(ctx context.Context) {
	if c.cfg.Audit == nil {
		return
	}
	snap, err := c.cfg.Audit.SnapshotForSync()
	if err != nil {
		if !errors.Is(err, audit.ErrSnapshotAlreadyOutstanding{}) {
			log.Warnf("communicator: audit snapshot: %v", err)
		}
		return
	}
	if snap == nil {
		return
	}

	err = c.cfg.Cloud.PushAudit(ctx, snap.Records)
	if err == nil {
		if err := snap.Ack(); err != nil {
			log.Warnf("communicator: audit ack: %v", err)
		}
		return
	}

	var se *syncworker.SyncError
	if errors.As(err, &se) && se.IsClientsFault {
		log.Warnf("communicator: audit batch rejected as malformed, acking to drop: %v", err)
		if err := snap.Ack(); err != nil {
			log.Warnf("communicator: audit ack: %v", err)
		}
		return
	}
	log.Warnf("communicator: audit push failed, will retry: %v", err)
	c.fail("audit")
	snap.Nack()
}

// pullOrders is step 7: only runs when the transport doesn't push
// orders asynchronously.
func (c *Communicator) pullOrders(ctx context.Context) {
	if c.cfg.Worker.HasAsyncOrders() || c.cfg.Orders == nil {
		return
	}
	sections, err := c.cfg.Cloud.PullOrders(ctx)
	if err != nil {
		log.Warnf("communicator: orders pull: %v", err)
		c.fail("orders")
		return
	}
	for _, dto := range sections {
		c.cfg.Orders.Push(dto.ToSection())
	}
}

// syncEvents is step 9.
func (c *Communicator) syncEvents(ctx context.Context) {
	snap, err := c.cfg.Events.SnapshotForSync()
	if err != nil {
		if !errors.Is(err, event.ErrSnapshotAlreadyOutstanding) {
			log.Warnf("communicator: event snapshot: %v", err)
		}
		return
	}
	if snap == nil {
		return
	}

	events := snap.AsWire()
	serverIDs, err := c.cfg.Cloud.PushEvents(ctx, events)
	if err != nil {
		log.Warnf("communicator: event push failed, will retry: %v", err)
		c.fail("events")
		snap.Nack()
		return
	}
	snap.Ack(serverIDs)
}
