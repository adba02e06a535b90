// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package cloudapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smok-edge/agent/internal/pathpoint"
	"github.com/smok-edge/agent/internal/syncworker"
)

func TestPushCatalogReturnsAuthoritativeLevels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/device/pathpoint_catalog", r.URL.Path)
		var body map[string]pathpoint.StoragePolicy
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, pathpoint.StoragePermanent, body["uSpeed"])
		json.NewEncoder(w).Encode(map[string]pathpoint.StoragePolicy{"uSpeed": pathpoint.StorageTrend})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	reply, err := c.PushCatalog(context.Background(), map[string]pathpoint.StoragePolicy{"uSpeed": pathpoint.StoragePermanent})
	require.NoError(t, err)
	require.Equal(t, pathpoint.StorageTrend, reply["uSpeed"])
}

func TestFetchSensorsDecodesReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/device/sensors", r.URL.Path)
		json.NewEncoder(w).Encode([]map[string]any{{"Name": "temp1"}})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	sensors, err := c.FetchSensors(context.Background())
	require.NoError(t, err)
	require.Len(t, sensors, 1)
	require.Equal(t, "temp1", sensors[0].Name)
}

func TestDownloadBlobReadsVersionHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/device/blobs/firmware", r.URL.Path)
		w.Header().Set("X-Blob-Version", "7")
		w.Write([]byte("binary-data"))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	data, version, err := c.DownloadBlob(context.Background(), "firmware")
	require.NoError(t, err)
	require.Equal(t, "binary-data", string(data))
	require.Equal(t, 7, version)
}

func TestPushAuditPropagatesClientsFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	err := c.PushAudit(context.Background(), nil)
	require.Error(t, err)
	var se *syncworker.SyncError
	require.ErrorAs(t, err, &se)
	require.True(t, se.IsClientsFault)
}

func TestPullOrdersDecodesSections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/device/orders", r.URL.Path)
		json.NewEncoder(w).Encode([]map[string]any{
			{"Joinable": true, "Orders": []map[string]any{{"Kind": "read", "Pathpoint": "uSpeed"}}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	sections, err := c.PullOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, sections, 1)
	require.True(t, sections[0].Joinable)
	require.Equal(t, "uSpeed", sections[0].Orders[0].Pathpoint)
}

func TestNotifyMacroSyncedHitsAckEndpoint(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		require.Equal(t, "/v1/device/macros/m1/ack", r.URL.Path)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	c.NotifyMacroSynced("m1", 123)
	require.True(t, hit)
}

func TestNoLinkOn599(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(599)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.FetchPredicates(context.Background())
	require.Error(t, err)
	var se *syncworker.SyncError
	require.ErrorAs(t, err, &se)
	require.True(t, se.IsNoLink)
}
