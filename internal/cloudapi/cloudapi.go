// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cloudapi implements communicator.CloudAPI against the device
// REST API, used regardless of sync strategy: package syncworker's
// Worker covers only pathpoint-sample and log transport, so everything
// else the communicator needs (catalogs, blobs, audit, orders, events)
// goes over this HTTP client, grounded on syncworker.HTTPWorker's own
// request/status-code-classification shape.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/smok-edge/agent/internal/archivemacro"
	"github.com/smok-edge/agent/internal/audit"
	"github.com/smok-edge/agent/internal/blob"
	"github.com/smok-edge/agent/internal/communicator"
	"github.com/smok-edge/agent/internal/event"
	"github.com/smok-edge/agent/internal/pathpoint"
	"github.com/smok-edge/agent/internal/predicate"
	"github.com/smok-edge/agent/internal/sensor"
	"github.com/smok-edge/agent/internal/syncworker"
)

// HTTPCloud implements communicator.CloudAPI.
type HTTPCloud struct {
	client  http.Client
	baseURL string
}

func New(baseURL string, httpClient *http.Client) *HTTPCloud {
	c := &HTTPCloud{baseURL: baseURL}
	if httpClient != nil {
		c.client = *httpClient
	} else {
		c.client = http.Client{Timeout: 30 * time.Second}
	}
	return c
}

var _ communicator.CloudAPI = (*HTTPCloud)(nil)

func (c *HTTPCloud) PushCatalog(ctx context.Context, local map[string]pathpoint.StoragePolicy) (map[string]pathpoint.StoragePolicy, error) {
	var reply map[string]pathpoint.StoragePolicy
	if err := c.postJSON(ctx, "/v1/device/pathpoint_catalog", local, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *HTTPCloud) FetchSensors(ctx context.Context) ([]sensor.Sensor, error) {
	var reply []sensor.Sensor
	if err := c.getJSON(ctx, "/v1/device/sensors", &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *HTTPCloud) FetchPredicates(ctx context.Context) ([]predicate.Described, error) {
	var reply []predicate.Described
	if err := c.getJSON(ctx, "/v1/device/predicates", &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *HTTPCloud) ReconcileBlobs(ctx context.Context, local map[string]int) (blob.Plan, error) {
	var reply blob.Plan
	if err := c.postJSON(ctx, "/v1/device/blob_versions", local, &reply); err != nil {
		return blob.Plan{}, err
	}
	return reply, nil
}

func (c *HTTPCloud) DownloadBlob(ctx context.Context, key string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/device/blobs/"+key, nil)
	if err != nil {
		return nil, 0, syncworker.NoLink(err.Error())
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, 0, syncworker.NoLink(err.Error())
	}
	defer res.Body.Close()
	if err := statusErr(res.StatusCode); err != nil {
		return nil, 0, err
	}
	version := 0
	if v := res.Header.Get("X-Blob-Version"); v != "" {
		fmt.Sscanf(v, "%d", &version)
	}
	buf := &bytes.Buffer{}
	if _, err := buf.ReadFrom(res.Body); err != nil {
		return nil, 0, syncworker.NoLink(err.Error())
	}
	return buf.Bytes(), version, nil
}

func (c *HTTPCloud) UploadBlob(ctx context.Context, key string, data []byte, version int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/v1/device/blobs/"+key, bytes.NewReader(data))
	if err != nil {
		return syncworker.NoLink(err.Error())
	}
	req.Header.Set("X-Blob-Version", fmt.Sprint(version))
	req.Header.Set("Content-Type", "application/octet-stream")
	res, err := c.client.Do(req)
	if err != nil {
		return syncworker.NoLink(err.Error())
	}
	defer res.Body.Close()
	return statusErr(res.StatusCode)
}

func (c *HTTPCloud) PushAudit(ctx context.Context, records []audit.Record) error {
	return c.putJSON(ctx, "/v1/device/sensor_write_audit", records, nil)
}

func (c *HTTPCloud) PullOrders(ctx context.Context) ([]communicator.SectionDTO, error) {
	var reply []communicator.SectionDTO
	if err := c.getJSON(ctx, "/v1/device/orders", &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *HTTPCloud) PushEvents(ctx context.Context, events []*event.Event) ([]string, error) {
	var reply []string
	if err := c.postJSON(ctx, "/v1/device/events", events, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// FetchMacros and FetchArchiveSchedule are not part of CloudAPI proper;
// archivemacro.Config takes them as bare funcs, so they are plain
// methods an agent facade closes over rather than interface methods.

func (c *HTTPCloud) FetchMacros(start, stop int64) ([]archivemacro.MacroDef, error) {
	var reply []archivemacro.MacroDef
	path := fmt.Sprintf("/v1/device/macros?start=%d&stop=%d", start, stop)
	if err := c.getJSON(context.Background(), path, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *HTTPCloud) FetchArchiveSchedule() (map[int][]string, error) {
	var reply map[int][]string
	if err := c.getJSON(context.Background(), "/v1/device/archive_schedule", &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// NotifyMacroSynced matches archivemacro.Config's bare-func shape: best
// effort, a failed request is discarded and not reported to the caller.
func (c *HTTPCloud) NotifyMacroSynced(macroID string, occurredAt int64) {
	path := fmt.Sprintf("/v1/device/macros/%s/ack", macroID)
	_ = c.putJSON(context.Background(), path, map[string]int64{"occurred_at": occurredAt}, nil)
}

func (c *HTTPCloud) PushMetadata(ctx context.Context, writes map[string]string, deletes []string) error {
	return c.putJSON(ctx, "/v1/device/metadata/plain", map[string]any{"set": writes, "delete": deletes}, nil)
}

func (c *HTTPCloud) postJSON(ctx context.Context, path string, body, reply any) error {
	return c.do(ctx, http.MethodPost, path, body, reply)
}

func (c *HTTPCloud) putJSON(ctx context.Context, path string, body, reply any) error {
	return c.do(ctx, http.MethodPut, path, body, reply)
}

func (c *HTTPCloud) getJSON(ctx context.Context, path string, reply any) error {
	return c.do(ctx, http.MethodGet, path, nil, reply)
}

func (c *HTTPCloud) do(ctx context.Context, method, path string, body, reply any) error {
	var buf *bytes.Buffer
	if body != nil {
		buf = &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("cloudapi: encode request: %w", err)
		}
	} else {
		buf = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return syncworker.NoLink(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return syncworker.NoLink(err.Error())
	}
	defer res.Body.Close()

	if err := statusErr(res.StatusCode); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(reply); err != nil {
		return syncworker.NoLink(fmt.Sprintf("decoding response: %v", err))
	}
	return nil
}

func statusErr(status int) error {
	switch {
	case status == 599:
		return syncworker.NoLink("synthetic 599: no link")
	case status >= 500:
		return syncworker.NoLink(fmt.Sprintf("server error %d", status))
	case status >= 400:
		return syncworker.ClientsFault(fmt.Sprintf("client error %d", status))
	default:
		return nil
	}
}
