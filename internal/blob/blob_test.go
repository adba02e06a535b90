// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package blob

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFSBackendStoreLoadDelete(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFSBackend(dir)
	require.NoError(t, err)

	require.NoError(t, b.Store("k1", []byte("hello"), 1))

	got, err := b.Load("k1")
	require.NoError(t, err)
	require.Equal(t, "hello", string(got.Bytes))
	require.Equal(t, 1, got.Version)

	versions, err := b.List()
	require.NoError(t, err)
	require.Equal(t, map[string]int{"k1": 1}, versions)

	require.NoError(t, b.Delete("k1"))
	_, err = b.Load("k1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFSBackendSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	b1, err := NewFSBackend(dir)
	require.NoError(t, err)
	require.NoError(t, b1.Store("k1", []byte("v1"), 3))

	b2, err := NewFSBackend(dir)
	require.NoError(t, err)
	versions, err := b2.List()
	require.NoError(t, err)
	require.Equal(t, 3, versions["k1"])
}

func TestStorePutIncrementsVersion(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFSBackend(dir)
	require.NoError(t, err)
	store := NewStore(backend, nil)

	v1, err := store.Put("k1", []byte("a"))
	require.NoError(t, err)
	require.Equal(t, 1, v1)

	v2, err := store.Put("k1", []byte("b"))
	require.NoError(t, err)
	require.Equal(t, 2, v2)
}

func TestApplyDownloadSkipsHookOnFirstPass(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFSBackend(dir)
	require.NoError(t, err)

	var updated []string
	store := NewStore(backend, func(key string) { updated = append(updated, key) })

	require.NoError(t, store.ApplyDownload("C", []byte("data"), 1))
	require.Empty(t, updated)

	store.MarkReconciled()
	require.NoError(t, store.ApplyDownload("C", []byte("data2"), 2))
	require.Equal(t, []string{"C"}, updated)
}

func TestClassifyThreeWayReconciliation(t *testing.T) {
	local := map[string]int{"A": 3, "B": 1}
	server := map[string]int{"B": 1, "C": 1}

	plan := Classify(local, server)
	require.ElementsMatch(t, []string{"A"}, plan.Delete)
	require.ElementsMatch(t, []string{"C"}, plan.Download)
	require.Empty(t, plan.Upload)
}

func TestLocalVersionsReflectsPutsAfterCacheInvalidation(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFSBackend(dir)
	require.NoError(t, err)
	store := NewStore(backend, nil)

	require.Empty(t, store.LocalVersions())

	_, err = store.Put("k1", []byte("a"))
	require.NoError(t, err)
	require.Equal(t, map[string]int{"k1": 1}, store.LocalVersions())
}

func TestClassifyUploadWhenLocalIsNewer(t *testing.T) {
	local := map[string]int{"B": 5}
	server := map[string]int{"B": 1}

	plan := Classify(local, server)
	require.ElementsMatch(t, []string{"B"}, plan.Upload)
	require.Empty(t, plan.Delete)
	require.Empty(t, plan.Download)
}
