// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package blob

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smok-edge/agent/internal/sqlstore"
)

func TestSQLiteBackendStoreLoadDelete(t *testing.T) {
	db, err := sqlstore.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	defer db.Close()

	b := NewSQLiteBackend(db)
	require.NoError(t, b.Store("firmware", []byte("v1"), 1))

	got, err := b.Load("firmware")
	require.NoError(t, err)
	require.Equal(t, "v1", string(got.Bytes))
	require.Equal(t, 1, got.Version)

	versions, err := b.List()
	require.NoError(t, err)
	require.Equal(t, map[string]int{"firmware": 1}, versions)

	require.NoError(t, b.Store("firmware", []byte("v2"), 2))
	got, err = b.Load("firmware")
	require.NoError(t, err)
	require.Equal(t, "v2", string(got.Bytes))
	require.Equal(t, 2, got.Version)

	require.NoError(t, b.Delete("firmware"))
	_, err = b.Load("firmware")
	require.ErrorIs(t, err, ErrNotFound)
}
