// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes the agent's own health as Prometheus metrics:
// queue depths, sync failures, retry counts, and uplink reconnects. This
// is ambient agent instrumentation, not a pathpoint/sensor data path —
// it never touches the cloud-bound sample stream.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the agent's self-monitoring gauges and counters,
// registered against a private prometheus.Registry rather than the
// global default so an embedding program can run more than one agent
// per process without metric name collisions.
type Registry struct {
	reg *prometheus.Registry

	QueueDepth       *prometheus.GaugeVec
	SyncFailures     *prometheus.CounterVec
	RetryCount       prometheus.Counter
	UplinkReconnects prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agent",
			Name:      "queue_depth",
			Help:      "Number of items currently pending in an agent queue.",
		}, []string{"queue"}),
		SyncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "sync_failures_total",
			Help:      "Number of failed sync passes against the cloud, by subsystem.",
		}, []string{"subsystem"}),
		RetryCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "retries_total",
			Help:      "Number of retried operations across all sync subsystems.",
		}),
		UplinkReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "uplink_reconnects_total",
			Help:      "Number of times the framed uplink connection was re-established.",
		}),
	}

	reg.MustRegister(r.QueueDepth, r.SyncFailures, r.RetryCount, r.UplinkReconnects)
	return r
}

// Handler serves the registry in the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
