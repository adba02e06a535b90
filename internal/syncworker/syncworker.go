// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package syncworker implements C5: the abstraction over HTTP and
// persistent-uplink transports for delivering pathpoint samples, log
// records, and (uplink only) asynchronously pushed orders, grounded on the
// teacher's HTTP client idiom (internal/metricstoreclient).
package syncworker

import (
	"context"
)

// SyncError is the sync-worker-level error of spec §7.
type SyncError struct {
	Reason         string
	IsNoLink       bool // transport failure: retry
	IsClientsFault bool // 4xx-class: batch is damaged, drop it
}

func (e *SyncError) Error() string { return "syncworker: " + e.Reason }

// NoLink builds a SyncError representing a transport failure.
func NoLink(reason string) *SyncError {
	return &SyncError{Reason: reason, IsNoLink: true}
}

// ClientsFault builds a SyncError representing a 4xx-class rejection.
func ClientsFault(reason string) *SyncError {
	return &SyncError{Reason: reason, IsClientsFault: true}
}

// Worker is the strategy interface C8 (communicator) and C10 (log
// publisher) depend on. HasAsyncOrders, when true, means orders arrive
// pushed over the uplink and the communicator must not poll the HTTP
// orders endpoint (spec §4.4).
type Worker interface {
	SyncPathpoints(ctx context.Context, batch []PathpointBatchEntry) error
	SyncLogs(ctx context.Context, batch []LogRecord) error
	HasAsyncOrders() bool
}

// PathpointBatchEntry is one pathpoint's flattened samples as submitted to
// the cloud. A successful sample is the 2-element `[timestamp_ms, value]`
// (spec §8 scenario 1: `{path:"W1", values:[[t1,42]]}`); an errored sample
// is the 3-element `[false, timestamp_ms, error_kind]` (spec §8 scenario 2:
// `[false, t2, "timeout"]`).
type PathpointBatchEntry struct {
	Path   string  `json:"path"`
	Values [][]any `json:"values"`
}

// LogRecord mirrors C10's queued record shape.
type LogRecord struct {
	Service       string `json:"service"`
	WhenUs        int64  `json:"when_us"`
	Message       string `json:"message"`
	Level         string `json:"level"`
	ExceptionText string `json:"exception_text"`
	ExceptionTB   string `json:"exception_tb"`
}
