// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sqlstore is the shared SQL connection used by the opt-in
// SQLite-backed auxiliary stores (metadata KV, sensor-write audit,
// archive schedule, SQLite blob backend — spec §9 "persisted state
// layout"). The schema also creates a macro_queue table, which nothing
// reads or writes: package macro keeps its queue in memory.
// It wraps jmoiron/sqlx with a sqlhooks-instrumented sqlite3 driver and
// runs golang-migrate migrations embedded in the binary, grounded on
// the teacher's internal/repository/dbConnection.go and migration.go.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	mattnsqlite3 "github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/smok-edge/agent/pkg/log"
)

//go:embed migrations/*
var migrationFiles embed.FS

// DB wraps the opened, migrated connection.
type DB struct {
	*sqlx.DB
}

var registerDriverOnce sync.Once

// Open opens (creating if necessary) a SQLite database at path,
// instruments it via sqlhooks, and migrates it up to the latest
// embedded schema version.
func Open(path string) (*DB, error) {
	registerDriverOnce.Do(func() {
		sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&mattnsqlite3.SQLiteDriver{}, &queryHooks{}))
	})
	dsn := fmt.Sprintf("%s?_foreign_keys=on", path)

	handle, err := sqlx.Open("sqlite3WithHooks", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	// sqlite does not multithread; a single open connection avoids
	// contending with its own file lock.
	handle.SetMaxOpenConns(1)

	if err := migrateUp(path); err != nil {
		handle.Close()
		return nil, err
	}
	return &DB{DB: handle}, nil
}

func migrateUp(path string) error {
	d, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("sqlstore: read embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, fmt.Sprintf("sqlite3://%s?_foreign_keys=on", path))
	if err != nil {
		return fmt.Errorf("sqlstore: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("sqlstore: migrate up: %w", err)
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		log.Warnf("sqlstore: closing migration source: %v", srcErr)
	}
	if dbErr != nil {
		log.Warnf("sqlstore: closing migration db handle: %v", dbErr)
	}
	return nil
}

type beginKey struct{}

// queryHooks satisfies sqlhooks.Hooks, timing and logging every query.
type queryHooks struct{}

func (h *queryHooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("sqlstore: %s %v", query, args)
	return context.WithValue(ctx, beginKey{}, time.Now()), nil
}

func (h *queryHooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(beginKey{}).(time.Time); ok {
		log.Debugf("sqlstore: took %s", time.Since(begin))
	}
	return ctx, nil
}
