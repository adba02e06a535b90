// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package syncworker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPWorkerSyncPathpointsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/device/pathpoints", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	worker := NewHTTPWorker(srv.URL, nil)
	err := worker.SyncPathpoints(context.Background(), []PathpointBatchEntry{
		{Path: "W1", Values: [][]any{{int64(1000), 42}}},
	})
	require.NoError(t, err)
}

// TestHTTPWorkerSyncPathpointsBodyShape pins the wire shape of spec §8: a
// successful sample is the 2-element [timestamp_ms, value] and an errored
// sample is the 3-element [false, timestamp_ms, error_kind], both under a
// lowercase {path, values} envelope.
func TestHTTPWorkerSyncPathpointsBodyShape(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		body, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	worker := NewHTTPWorker(srv.URL, nil)
	err := worker.SyncPathpoints(context.Background(), []PathpointBatchEntry{
		{Path: "W1", Values: [][]any{{int64(1000), 42}}},
		{Path: "W2", Values: [][]any{{false, int64(2000), "timeout"}}},
	})
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Len(t, decoded, 2)

	require.Equal(t, "W1", decoded[0]["path"])
	require.Equal(t, []any{float64(1000), float64(42)}, decoded[0]["values"].([]any)[0])

	require.Equal(t, "W2", decoded[1]["path"])
	require.Equal(t, []any{false, float64(2000), "timeout"}, decoded[1]["values"].([]any)[0])
}

func TestHTTPWorker4xxIsClientsFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	worker := NewHTTPWorker(srv.URL, nil)
	err := worker.SyncLogs(context.Background(), []LogRecord{{Service: "agent", Message: "hi"}})
	require.Error(t, err)

	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	require.True(t, syncErr.IsClientsFault)
	require.False(t, syncErr.IsNoLink)
}

func TestHTTPWorker599IsNoLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(599)
	}))
	defer srv.Close()

	worker := NewHTTPWorker(srv.URL, nil)
	err := worker.SyncPathpoints(context.Background(), nil)
	require.Error(t, err)

	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	require.True(t, syncErr.IsNoLink)
}

func TestHTTPWorkerHasNoAsyncOrders(t *testing.T) {
	worker := NewHTTPWorker("http://example.invalid", nil)
	require.False(t, worker.HasAsyncOrders())
}
