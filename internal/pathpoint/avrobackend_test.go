// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package pathpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAvroFileBackendLoadAllOnMissingFileIsEmpty(t *testing.T) {
	b := NewAvroFileBackend(filepath.Join(t.TempDir(), "checkpoint.avro"))
	loaded, err := b.LoadAll()
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestAvroFileBackendPersistThenLoadAllRoundTrips(t *testing.T) {
	b := NewAvroFileBackend(filepath.Join(t.TempDir(), "sub", "checkpoint.avro"))

	snapshot := map[string][]Reading{
		"uSpeed": {
			{TimestampMs: 100, Value: U16Value(42)},
			{TimestampMs: 200, Value: U16Value(43)},
		},
		"bRunning": {
			{TimestampMs: 150, Value: BoolValue(true)},
		},
	}
	require.NoError(t, b.Persist(snapshot))

	loaded, err := b.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded["uSpeed"], 2)
	require.Equal(t, int64(100), loaded["uSpeed"][0].TimestampMs)
	require.EqualValues(t, 42, loaded["uSpeed"][0].Value.U16)
	require.Len(t, loaded["bRunning"], 1)
	require.True(t, loaded["bRunning"][0].Value.B)
}

func TestAvroFileBackendRoundTripsErrorReadings(t *testing.T) {
	b := NewAvroFileBackend(filepath.Join(t.TempDir(), "checkpoint.avro"))

	snapshot := map[string][]Reading{
		"dTemp": {
			{TimestampMs: 100, Err: &OperationFailed{KindOf: ErrTimeout, TimestampMs: 100}},
		},
	}
	require.NoError(t, b.Persist(snapshot))

	loaded, err := b.LoadAll()
	require.NoError(t, err)
	require.True(t, loaded["dTemp"][0].IsError())
}
