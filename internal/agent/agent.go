// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package agent implements C11, the facade an embedding program links
// against: it owns every other component, wires them together per
// config.ProgramConfig, starts and stops their worker goroutines in a
// documented order, and exposes the user-facing pathpoint/event/blob/
// metadata/predicate surface (spec §4.9).
package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/smok-edge/agent/internal/archivemacro"
	"github.com/smok-edge/agent/internal/archivesched"
	"github.com/smok-edge/agent/internal/audit"
	"github.com/smok-edge/agent/internal/blob"
	"github.com/smok-edge/agent/internal/cert"
	"github.com/smok-edge/agent/internal/cloudapi"
	"github.com/smok-edge/agent/internal/communicator"
	"github.com/smok-edge/agent/internal/condwake"
	"github.com/smok-edge/agent/internal/config"
	"github.com/smok-edge/agent/internal/event"
	"github.com/smok-edge/agent/internal/executor"
	"github.com/smok-edge/agent/internal/logpublisher"
	"github.com/smok-edge/agent/internal/macro"
	"github.com/smok-edge/agent/internal/metadata"
	"github.com/smok-edge/agent/internal/metrics"
	"github.com/smok-edge/agent/internal/order"
	"github.com/smok-edge/agent/internal/pathpoint"
	"github.com/smok-edge/agent/internal/predicate"
	"github.com/smok-edge/agent/internal/sensor"
	"github.com/smok-edge/agent/internal/sqlstore"
	"github.com/smok-edge/agent/internal/syncworker"
	"github.com/smok-edge/agent/internal/uplink"
	"github.com/smok-edge/agent/internal/wire"
	"github.com/smok-edge/agent/pkg/log"
)

// Agent is C11. Every exported field is a fully constructed collaborator
// an embedding program can use directly (register handlers, open
// events, read blobs); Start and Close govern the worker goroutines.
type Agent struct {
	cfg config.ProgramConfig

	Identity   *cert.Identity
	Pathpoints *pathpoint.Store
	Events     *event.Store
	Sensors    *sensor.Catalog
	Predicates *predicate.Registry
	predMgr    *predicate.Manager
	Blobs      *blob.Store
	Metadata   *metadata.Store
	Audit      *audit.Store
	Archives   *archivesched.Schedule
	Macros     *macro.Queue
	Orders     *executor.Queue
	Executor   *executor.Executor

	db          *sqlstore.DB
	worker      syncworker.Worker
	cloud       *cloudapi.HTTPCloud
	comm        *communicator.Communicator
	archiveJobs *archivemacro.Scheduler
	logQueue    *logpublisher.Queue
	logPub      *logpublisher.Publisher
	waker       *condwake.Waker
	uplinkConn  *uplink.Conn
	Metrics     *metrics.Registry

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NotifyDataChanged implements pathpoint.AgentHandle: any new sample on a
// pathpoint the agent owns wakes the communicator early instead of
// waiting out the rest of its pass interval.
func (a *Agent) NotifyDataChanged() {
	if a.waker != nil {
		a.waker.Signal()
	}
}

// New constructs every collaborator from cfg but starts nothing; call
// Start to begin the worker goroutines.
func New(cfg config.ProgramConfig) (*Agent, error) {
	identity, err := cert.Load(cert.Source{
		CertPath:     cfg.CertPath,
		CertPEM:      cfg.CertPEM,
		KeyPath:      cfg.KeyPath,
		KeyPEM:       cfg.KeyPEM,
		DeviceCAPath: cfg.DeviceCAPath,
		RootCAPath:   cfg.RootCAPath,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: loading identity: %w", err)
	}

	a := &Agent{cfg: cfg, Identity: identity, waker: condwake.New(), done: make(chan struct{}), Metrics: metrics.New()}

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: identity.ClientTLSConfig(identity.DeviceID)},
	}
	a.cloud = cloudapi.New(cfg.HTTPBaseURL, httpClient)

	if cfg.Backend == config.BackendSQLite || cfg.MacrosEnabled || cfg.ArchivesEnabled || cfg.SensorWriteAuditEnabled || cfg.BlobUseSQLite {
		db, err := sqlstore.Open(cfg.BackendDSN)
		if err != nil {
			identity.Close()
			return nil, fmt.Errorf("agent: opening store: %w", err)
		}
		a.db = db
	}

	var ppBackend pathpoint.Backend
	if cfg.PathpointCheckpointPath != "" {
		ppBackend = pathpoint.NewAvroFileBackend(cfg.PathpointCheckpointPath)
	}
	a.Pathpoints = pathpoint.NewStore(ppBackend, a.NotifyDataChanged)
	a.Events = event.NewStore(nil, a.NotifyDataChanged)
	a.Sensors = sensor.NewCatalog()
	a.Predicates = predicate.NewRegistry()

	if cfg.PredicatesEnabled {
		a.predMgr = predicate.NewManager(a.Predicates, a.Events, time.Now)
	}

	if cfg.BlobsEnabled {
		blobs, err := a.buildBlobStore(cfg)
		if err != nil {
			a.teardownPartial()
			return nil, err
		}
		a.Blobs = blobs
	}

	if a.db != nil {
		meta, err := metadata.NewStore(a.db, cfg.MetadataCacheTTL.AsDuration())
		if err != nil {
			a.teardownPartial()
			return nil, fmt.Errorf("agent: opening metadata store: %w", err)
		}
		a.Metadata = meta
	}

	if cfg.SensorWriteAuditEnabled && a.db != nil {
		a.Audit = audit.NewStore(a.db)
	}

	if cfg.ArchivesEnabled && a.db != nil {
		archives, err := archivesched.NewSchedule(a.db)
		if err != nil {
			a.teardownPartial()
			return nil, fmt.Errorf("agent: opening archive schedule: %w", err)
		}
		a.Archives = archives
	}

	if cfg.MacrosEnabled {
		a.Macros = macro.NewQueue()
	}

	a.Orders = executor.NewQueue()
	a.Executor = executor.New(a.Orders, a.Pathpoints)
	if a.Blobs != nil {
		a.Executor.AttachBlobStore(a.Blobs)
	}
	if a.Audit != nil {
		a.Executor.AttachAudit(a.Audit)
	}

	switch cfg.SyncStrategy {
	case config.SyncUplink:
		netConn, err := tls.Dial("tcp", fmt.Sprintf("%s:%d", cfg.UplinkHost, cfg.UplinkPort), identity.ClientTLSConfig(identity.DeviceID))
		if err != nil {
			a.teardownPartial()
			return nil, fmt.Errorf("agent: dialing uplink: %w", err)
		}
		a.uplinkConn = uplink.NewConn(netConn, a.onUplinkOrder)
		a.Metrics.UplinkReconnects.Inc()
		a.worker = syncworker.NewUplinkWorker(a.uplinkConn)
	default:
		a.worker = syncworker.NewHTTPWorker(cfg.HTTPBaseURL, httpClient)
	}

	a.logQueue = logpublisher.NewQueue(0)
	a.logPub = logpublisher.NewPublisher(a.logQueue, a.worker)
	a.logPub.OnRetry = a.Metrics.RetryCount.Inc

	a.comm = communicator.New(communicator.Config{
		Pathpoints: a.Pathpoints,
		Events:     a.Events,
		Sensors:    a.Sensors,
		Predicates: a.predMgr,
		Blobs:      a.Blobs,
		Audit:      a.Audit,
		Orders:     a.Orders,
		Worker:     a.worker,
		Cloud:      a.cloud,
		Waker:      a.waker,
		OnSyncFailure: func(subsystem string) {
			a.Metrics.SyncFailures.WithLabelValues(subsystem).Inc()
		},
	})

	if cfg.MacrosEnabled || cfg.ArchivesEnabled {
		sched, err := archivemacro.New(archivemacro.Config{
			Archives:             a.Archives,
			Macros:               a.Macros,
			Sink:                 a.Orders,
			FetchMacros:            macroFetchFunc(cfg.MacrosEnabled, a.cloud),
			FetchArchiveSchedule:   archiveFetchFunc(cfg.ArchivesEnabled, a.cloud),
			NotifyMacroSynced:      a.cloud.NotifyMacroSynced,
			MetadataRefresh:        a.pushDirtyMetadata,
			MacroRefreshInterval:   cfg.MacroRefreshInterval.AsDuration(),
			ArchiveRefreshInterval: cfg.ArchiveRefreshInterval.AsDuration(),
		})
		if err != nil {
			a.teardownPartial()
			return nil, fmt.Errorf("agent: building archive/macro scheduler: %w", err)
		}
		a.archiveJobs = sched
	}

	return a, nil
}

func macroFetchFunc(enabled bool, cloud *cloudapi.HTTPCloud) func(start, stop int64) ([]archivemacro.MacroDef, error) {
	if !enabled {
		return nil
	}
	return cloud.FetchMacros
}

func archiveFetchFunc(enabled bool, cloud *cloudapi.HTTPCloud) func() (map[int][]string, error) {
	if !enabled {
		return nil
	}
	return cloud.FetchArchiveSchedule
}

func (a *Agent) buildBlobStore(cfg config.ProgramConfig) (*blob.Store, error) {
	var backend blob.Backend
	switch {
	case cfg.BlobS3Bucket != "":
		s3, err := blob.NewS3Backend(blob.S3TargetConfig{Bucket: cfg.BlobS3Bucket})
		if err != nil {
			return nil, fmt.Errorf("agent: building S3 blob backend: %w", err)
		}
		backend = s3
	case cfg.BlobUseSQLite:
		if a.db == nil {
			return nil, fmt.Errorf("agent: blob_use_sqlite requires backend=sqlite or another SQL-backed subsystem enabled")
		}
		backend = blob.NewSQLiteBackend(a.db)
	default:
		fs, err := blob.NewFSBackend(cfg.BlobRootDir)
		if err != nil {
			return nil, fmt.Errorf("agent: building filesystem blob backend: %w", err)
		}
		backend = fs
	}
	return blob.NewStore(backend, func(string) { a.waker.Signal() }), nil
}

// teardownPartial releases whatever New had already constructed before
// hitting a fatal error, so a failed New never leaks an open DB handle
// or temp credential files.
func (a *Agent) teardownPartial() {
	if a.db != nil {
		a.db.Close()
	}
	if a.uplinkConn != nil {
		a.uplinkConn.Close()
	}
	a.Identity.Close()
}

// pushDirtyMetadata is archivemacro.Config.MetadataRefresh: it ships
// every pending metadata write/delete to the cloud, best effort.
func (a *Agent) pushDirtyMetadata() {
	if a.Metadata == nil {
		return
	}
	writes := a.Metadata.PendingWrites()
	deletes := a.Metadata.PendingDeletes()
	if len(writes) == 0 && len(deletes) == 0 {
		return
	}
	if err := a.cloud.PushMetadata(context.Background(), writes, deletes); err != nil {
		log.Warnf("agent: pushing metadata: %v", err)
		return
	}
	for k := range writes {
		a.Metadata.MarkPushed(k)
	}
	for _, k := range deletes {
		a.Metadata.MarkPushed(k)
	}
}

// onUplinkOrder decodes one ORDER frame's payload into Sections, pushes
// them, and confirms only after the last one's future has resolved
// (spec §4.4).
func (a *Agent) onUplinkOrder(payload []byte, confirm func()) {
	decoded, err := wire.Decode(payload)
	if err != nil {
		log.Errorf("agent: decoding order frame: %v", err)
		confirm()
		return
	}
	sections, err := decodeUplinkSections(decoded)
	if err != nil {
		log.Errorf("agent: translating order frame: %v", err)
		confirm()
		return
	}
	if len(sections) == 0 {
		confirm()
		return
	}
	for i, sec := range sections {
		if i == len(sections)-1 {
			last := sec.Future
			go func() {
				last.Wait()
				confirm()
			}()
		}
		a.Orders.Push(sec)
	}
}

// Start launches every worker goroutine: executor first (so it can
// immediately begin draining whatever is already queued), then the
// communicator and log publisher (which feed it), then the uplink
// connection (if used) and the archive/macro scheduler last (it is the
// only one with its own internal gocron clock, not the shared done
// channel).
func (a *Agent) Start() error {
	a.wg.Add(1)
	go func() { defer a.wg.Done(); a.Executor.Run(a.done) }()

	a.wg.Add(1)
	go func() { defer a.wg.Done(); a.comm.Run(a.done) }()

	a.wg.Add(1)
	go func() { defer a.wg.Done(); a.logPub.Run(a.done) }()

	a.wg.Add(1)
	go func() { defer a.wg.Done(); a.sampleQueueDepths() }()

	if a.uplinkConn != nil {
		a.uplinkConn.Start()
	}

	if a.archiveJobs != nil {
		if err := a.archiveJobs.Start(); err != nil {
			return fmt.Errorf("agent: starting archive/macro scheduler: %w", err)
		}
	}

	return nil
}

// sampleQueueDepths publishes the order/log queue depths to Metrics
// about once a second until done fires, giving an embedding program's
// /metrics endpoint a near-live view of backlog size.
func (a *Agent) sampleQueueDepths() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.Metrics.QueueDepth.WithLabelValues("orders").Set(float64(a.Orders.Len()))
			a.Metrics.QueueDepth.WithLabelValues("logs").Set(float64(a.logQueue.Len()))
		}
	}
}

// MetricsHandler serves the agent's Prometheus metrics, wired to
// cfg.MetricsListenAddr by an embedding program such as cmd/agentd.
func (a *Agent) MetricsHandler() http.Handler { return a.Metrics.Handler() }

// Close is idempotent: it stops every worker, joins them, and releases
// the credential temp files cert.Load may have created.
func (a *Agent) Close() error {
	var stopErr error
	a.closeOnce.Do(func() {
		close(a.done)
		if a.archiveJobs != nil {
			stopErr = a.archiveJobs.Stop()
		}
		if a.uplinkConn != nil {
			a.uplinkConn.Close()
		}
		a.wg.Wait()
		if a.db != nil {
			a.db.Close()
		}
		a.Identity.Close()
	})
	return stopErr
}

// DeviceID is the environment identifier embedded in the device
// certificate (spec §6).
func (a *Agent) DeviceID() string { return a.Identity.DeviceID }

// RegisterPathpoint registers a local I/O point, returning its handle.
func (a *Agent) RegisterPathpoint(raw string, policy pathpoint.StoragePolicy, minReadInterval time.Duration) (*pathpoint.Pathpoint, error) {
	name, err := pathpoint.ParseName(raw)
	if err != nil {
		return nil, err
	}
	return a.Pathpoints.EnsureRegistered(name, policy, minReadInterval, a), nil
}

// RegisterPredicateClass installs a statistic class matcher/factory pair
// (spec §4 "register_statistic_class").
func (a *Agent) RegisterPredicateClass(m predicate.Matcher, f predicate.Factory) *predicate.Registration {
	return a.Predicates.Register(m, f)
}

// PushSection enqueues orders for the executor to process.
func (a *Agent) PushSection(sec *order.Section) { a.Orders.Push(sec) }

// OpenEvent opens a new alert event.
func (a *Agent) OpenEvent(e *event.Event) { a.Events.Add(e) }

// CloseEvent closes an open alert event.
func (a *Agent) CloseEvent(e *event.Event, ts int64) { a.Events.Close(e, ts) }

// GetBlob reads a locally cached blob.
func (a *Agent) GetBlob(key string) (blob.Blob, error) { return a.Blobs.Get(key) }

// PutBlob writes a blob locally; it is reconciled (uploaded) on the
// communicator's next blob pass.
func (a *Agent) PutBlob(key string, data []byte) (int, error) { return a.Blobs.Put(key, data) }

// GetMetadata reads a cached metadata value.
func (a *Agent) GetMetadata(key string) (value string, fresh bool, ok bool) {
	return a.Metadata.Get(key)
}

// SetMetadata writes a metadata value locally; it is pushed on the next
// archive/macro pass.
func (a *Agent) SetMetadata(key, value string) error { return a.Metadata.Set(key, value) }

// LogEvent queues a log record for C10 shipping.
func (a *Agent) LogEvent(service, message, level, exceptionText, exceptionTB string) {
	a.logQueue.Enqueue(service, message, level, exceptionText, exceptionTB)
}

// decodeUplinkSections translates an ORDER frame's generic wire payload
// (a list of section maps) into Sections, reusing communicator's
// OrderDTO/SectionDTO translation rather than duplicating it.
func decodeUplinkSections(v any) ([]*order.Section, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of sections, got %T", v)
	}
	sections := make([]*order.Section, 0, len(list))
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected a section map, got %T", raw)
		}
		dto, err := decodeSectionDTO(m)
		if err != nil {
			return nil, err
		}
		sections = append(sections, dto.ToSection())
	}
	return sections, nil
}

func decodeSectionDTO(m map[string]any) (communicator.SectionDTO, error) {
	dto := communicator.SectionDTO{Joinable: boolField(m, "joinable")}
	rawOrders, _ := m["orders"].([]any)
	for _, ro := range rawOrders {
		om, ok := ro.(map[string]any)
		if !ok {
			return dto, fmt.Errorf("expected an order map, got %T", ro)
		}
		dto.Orders = append(dto.Orders, decodeOrderDTO(om))
	}
	return dto, nil
}

func decodeOrderDTO(m map[string]any) communicator.OrderDTO {
	o := communicator.OrderDTO{
		Kind:        stringField(m, "kind"),
		Pathpoint:   stringField(m, "pathpoint"),
		Force:       boolField(m, "force"),
		Value:       m["value"],
		WaitSeconds: floatField(m, "wait_seconds"),
		MessageUUID: stringField(m, "message_uuid"),
		SysctlOp:    stringField(m, "sysctl_op"),
	}
	if ms := intField(m, "stale_after_ms"); ms != 0 {
		o.StaleAfter = time.UnixMilli(ms)
	}
	if args, ok := m["sysctl_args"].(map[string]any); ok {
		o.SysctlArgs = map[string]string{}
		for k, v := range args {
			if s, ok := v.(string); ok {
				o.SysctlArgs[k] = s
			}
		}
	}
	return o
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func intField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
