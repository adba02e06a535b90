// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package syncworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPWorker is the default sync strategy (spec §4.4): the device request/
// response cloud API. Orders are pulled by the communicator, not pushed, so
// HasAsyncOrders is always false.
type HTTPWorker struct {
	client  http.Client
	baseURL string
}

// NewHTTPWorker builds an HTTPWorker against baseURL (e.g.
// "https://device-api.example.com") using httpClient for mTLS transport.
func NewHTTPWorker(baseURL string, httpClient *http.Client) *HTTPWorker {
	w := &HTTPWorker{baseURL: baseURL}
	if httpClient != nil {
		w.client = *httpClient
	} else {
		w.client = http.Client{Timeout: 30 * time.Second}
	}
	return w
}

func (w *HTTPWorker) HasAsyncOrders() bool { return false }

func (w *HTTPWorker) SyncPathpoints(ctx context.Context, batch []PathpointBatchEntry) error {
	return w.post(ctx, "/v1/device/pathpoints", batch)
}

func (w *HTTPWorker) SyncLogs(ctx context.Context, batch []LogRecord) error {
	return w.put(ctx, "/v1/device/device_logs", batch)
}

func (w *HTTPWorker) post(ctx context.Context, path string, body any) error {
	return w.do(ctx, http.MethodPost, path, body)
}

func (w *HTTPWorker) put(ctx context.Context, path string, body any) error {
	return w.do(ctx, http.MethodPut, path, body)
}

func (w *HTTPWorker) do(ctx context.Context, method, path string, body any) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return fmt.Errorf("syncworker: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, w.baseURL+path, buf)
	if err != nil {
		return NoLink(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := w.client.Do(req)
	if err != nil {
		return NoLink(err.Error())
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == 599:
		return NoLink("synthetic 599: no link")
	case res.StatusCode >= 500:
		return NoLink(fmt.Sprintf("server error %d", res.StatusCode))
	case res.StatusCode >= 400:
		return ClientsFault(fmt.Sprintf("client error %d", res.StatusCode))
	default:
		return nil
	}
}
