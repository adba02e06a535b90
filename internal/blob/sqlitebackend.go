// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package blob

import (
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"

	"github.com/smok-edge/agent/internal/sqlstore"
)

// SQLiteBackend stores blobs as BLOB columns in the agent's shared
// SQLite database instead of a directory of files, grounded on the
// teacher's pkg/archive.SqliteArchive (which stores job records the
// same way: a primary-key lookup plus a BLOB payload column).
type SQLiteBackend struct {
	db *sqlstore.DB
}

func NewSQLiteBackend(db *sqlstore.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func (b *SQLiteBackend) Load(key string) (Blob, error) {
	var version int
	var data []byte
	err := sq.Select("version", "data").From("blobs").Where(sq.Eq{"key": key}).
		RunWith(b.db.DB).QueryRow().Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Blob{}, ErrNotFound
	}
	if err != nil {
		return Blob{}, err
	}
	return Blob{Key: key, Version: version, Bytes: data}, nil
}

func (b *SQLiteBackend) Store(key string, data []byte, version int) error {
	_, err := sq.Insert("blobs").
		Columns("key", "version", "data").
		Values(key, version, data).
		Suffix("ON CONFLICT(key) DO UPDATE SET version = excluded.version, data = excluded.data").
		RunWith(b.db.DB).Exec()
	return err
}

func (b *SQLiteBackend) Delete(key string) error {
	_, err := sq.Delete("blobs").Where(sq.Eq{"key": key}).RunWith(b.db.DB).Exec()
	return err
}

func (b *SQLiteBackend) List() (map[string]int, error) {
	rows, err := sq.Select("key", "version").From("blobs").RunWith(b.db.DB).Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var key string
		var version int
		if err := rows.Scan(&key, &version); err != nil {
			return nil, err
		}
		out[key] = version
	}
	return out, rows.Err()
}

var _ Backend = (*SQLiteBackend)(nil)
