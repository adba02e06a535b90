// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config holds the agent's program configuration: certificate
// material, which subsystems are enabled, the sync strategy and the
// persistence backend selection (§6 of the spec). It is loaded once at
// startup from a JSON document validated against configSchema.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sosodev/duration"

	"github.com/smok-edge/agent/pkg/log"
)

// SyncStrategy selects the C5 sync worker implementation.
type SyncStrategy string

const (
	SyncHTTP   SyncStrategy = "http"
	SyncUplink SyncStrategy = "uplink"
)

// PersistenceBackend selects the concretely shipped store backend (§6).
type PersistenceBackend string

const (
	BackendFile   PersistenceBackend = "file"
	BackendSQLite PersistenceBackend = "sqlite"
)

// ProgramConfig is the required-inputs surface of §6 "CLI / config surface".
type ProgramConfig struct {
	// Certificate and private key, either a filesystem path or inline PEM.
	CertPath string `json:"cert_path,omitempty"`
	CertPEM  string `json:"cert_pem,omitempty"`
	KeyPath  string `json:"key_path,omitempty"`
	KeyPEM   string `json:"key_pem,omitempty"`

	// Subsystem enable switches. Default true; set false to disable.
	OrdersEnabled           bool `json:"orders_enabled"`
	PathpointsEnabled       bool `json:"pathpoints_enabled"`
	BlobsEnabled            bool `json:"blobs_enabled"`
	MacrosEnabled           bool `json:"macros_enabled"`
	PredicatesEnabled       bool `json:"predicates_enabled"`
	ArchivesEnabled         bool `json:"archives_enabled"`
	SensorWriteAuditEnabled bool `json:"sensor_write_audit_enabled"`

	// MetadataCacheTTL is how long a metadata KV read may be served stale.
	MetadataCacheTTL Duration `json:"metadata_cache_ttl"`

	// ContinueBoot supersedes the deprecated startup-delay flag: when
	// false, the agent facade's Start() blocks until the first successful
	// communicator pass (or the configured timeout) before returning.
	ContinueBoot bool `json:"continue_boot"`

	SyncStrategy SyncStrategy `json:"sync_strategy"`

	UplinkHost string `json:"uplink_host"`
	UplinkPort int    `json:"uplink_port"`

	HTTPBaseURL string `json:"http_base_url"`

	Backend       PersistenceBackend `json:"backend"`
	BackendDSN    string             `json:"backend_dsn"`
	BlobRootDir   string             `json:"blob_root_dir"`
	BlobS3Bucket  string             `json:"blob_s3_bucket,omitempty"`
	BlobUseSQLite bool               `json:"blob_use_sqlite,omitempty"`

	DeviceCAPath string `json:"device_ca_path"`
	RootCAPath   string `json:"root_ca_path"`

	// PathpointCheckpointPath, when non-empty, enables C1's avro-backed
	// on-disk checkpoint (internal/pathpoint.AvroFileBackend) instead of
	// an in-memory-only store.
	PathpointCheckpointPath string `json:"pathpoint_checkpoint_path,omitempty"`

	// MacroRefreshInterval and ArchiveRefreshInterval override C9's
	// default cadence for re-fetching the macro/archive catalogs from
	// the cloud; accepts both Go duration strings ("10m") and ISO-8601
	// spans ("PT10M").
	MacroRefreshInterval   Duration `json:"macro_refresh_interval,omitempty"`
	ArchiveRefreshInterval Duration `json:"archive_refresh_interval,omitempty"`

	// MetricsListenAddr, when non-empty, has cmd/agentd serve
	// Prometheus-format agent-health metrics (queue depths, retry
	// counts, sync failures, uplink reconnects) at /metrics.
	MetricsListenAddr string `json:"metrics_listen_addr,omitempty"`
}

// Duration is a JSON-friendly wrapper around time.Duration accepting
// Go duration strings ("60s", "5m") the way the teacher's config does.
type Duration time.Duration

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return err
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	// Fall back to an ISO-8601 span ("PT10M"), used by predicate
	// silencing-window and archive-interval config values per the spec's
	// domain stack.
	iso, err := duration.Parse(s)
	if err != nil {
		return fmt.Errorf("config: %q is neither a Go duration nor an ISO-8601 span: %w", s, err)
	}
	*d = Duration(iso.ToTimeDuration())
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Keys is the agent's live configuration, populated by Init or directly by
// an embedding program that constructs it in code instead of from a file.
var Keys = ProgramConfig{
	OrdersEnabled:           true,
	PathpointsEnabled:       true,
	BlobsEnabled:            true,
	MacrosEnabled:           true,
	PredicatesEnabled:       true,
	ArchivesEnabled:         true,
	SensorWriteAuditEnabled: true,
	MetadataCacheTTL:        Duration(60 * time.Second),
	SyncStrategy:            SyncHTTP,
	UplinkPort:              2408,
	Backend:                 BackendFile,
	BlobRootDir:             "./var/blobs",
	BackendDSN:              "./var/agent.db",
}

// Init reads and validates flagConfigFile, decoding it over the defaults in
// Keys. A missing file is not an error (the defaults, plus whatever the
// embedding program set directly, are used); a malformed or schema-invalid
// file is fatal, mirroring the teacher's internal/config.Init.
func Init(flagConfigFile string) {
	if flagConfigFile == "" {
		return
	}
	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("config: reading %s: %v", flagConfigFile, err)
		}
		return
	}
	Validate(configSchema, raw)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		log.Fatalf("config: decoding %s: %v", flagConfigFile, err)
	}
}

// Validate compiles schema and checks instance against it, aborting the
// process on any failure — configuration errors are not recoverable at
// runtime the way a failed sync is.
func Validate(schema string, instance json.RawMessage) {
	sch, err := jsonschema.CompileString("config-schema.json", schema)
	if err != nil {
		log.Fatalf("config: compiling schema: %v", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		log.Fatalf("config: instance is not valid JSON: %v", err)
	}

	if err := sch.Validate(v); err != nil {
		log.Fatalf("config: %v", err)
	}
}
