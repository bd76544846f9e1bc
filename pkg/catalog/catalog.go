/*
Copyright 2026 The Radarpipe Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package catalog is the persistent state store shared by the pipeline
// workers: which remote files have been fetched and verified, how the
// files group into volumes, and which products have been generated for
// each volume.
//
// The catalog is a single local SQLite database. Every operation that
// decides a state transition (claiming a volume, recording a completed
// download) runs its check and its write in one transaction, so
// concurrent workers serialize on the catalog rather than on each
// other. A single writer gate keeps pressure off the SQLite driver.
package catalog // import "radarpipe.org/pkg/catalog"

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go4.org/syncutil"
	_ "modernc.org/sqlite"
)

// Row statuses. Volumes and products advance pending -> processing ->
// completed | failed; the stuck sweep may move processing back to
// pending, and an operator may move failed back to pending.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrNotFound is returned by lookups of absent rows.
var ErrNotFound = errors.New("catalog: not found")

// timeLayout stores UTC instants at second precision.
const timeLayout = "2006-01-02T15:04:05Z"

// Catalog is safe for concurrent use by multiple workers.
type Catalog struct {
	db   *sql.DB
	gate *syncutil.Gate // serializes writers

	// now is swappable for tests.
	now func() time.Time
}

// Open opens (creating if needed) the catalog database at path.
// The database runs in WAL mode so reads on pooled connections
// proceed while a write transaction commits; the busy timeout
// absorbs what contention remains instead of surfacing SQLITE_BUSY.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite",
		"file:"+path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, err
	}
	c := &Catalog{
		db:   db,
		gate: syncutil.NewGate(1),
		now:  func() time.Time { return time.Now().UTC() },
	}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: initializing schema at %s: %w", path, err)
	}
	return c, nil
}

// Close closes the underlying database. The supervisor closes the
// catalog last, after all workers have stopped.
func (c *Catalog) Close() error { return c.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS files (
		filename TEXT PRIMARY KEY,
		remote_path TEXT NOT NULL,
		local_path TEXT,
		size INTEGER,
		digest TEXT,
		radar TEXT NOT NULL,
		field TEXT NOT NULL,
		vol_code TEXT NOT NULL,
		vol_num TEXT NOT NULL,
		observation_instant TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'completed',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_radar_instant ON files(radar, observation_instant)`,
	`CREATE INDEX IF NOT EXISTS idx_files_status ON files(status)`,
	`CREATE TABLE IF NOT EXISTS partial_downloads (
		filename TEXT PRIMARY KEY,
		remote_path TEXT NOT NULL,
		local_path TEXT,
		bytes_downloaded INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_attempt TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS volumes (
		volume_id TEXT PRIMARY KEY,
		radar TEXT NOT NULL,
		vol_code TEXT NOT NULL,
		vol_num TEXT NOT NULL,
		observation_instant TEXT NOT NULL,
		expected_fields TEXT NOT NULL,
		downloaded_fields TEXT NOT NULL DEFAULT '',
		is_complete INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		output_path TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_volumes_radar_instant ON volumes(radar, observation_instant)`,
	`CREATE INDEX IF NOT EXISTS idx_volumes_status ON volumes(status)`,
	`CREATE TABLE IF NOT EXISTS products (
		volume_id TEXT NOT NULL,
		product_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		generated_at TEXT,
		error_type TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (volume_id, product_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_status ON products(status)`,
}

func (c *Catalog) initSchema() error {
	for _, stmt := range schema {
		if _, err := c.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// write serializes a mutation through the writer gate.
func (c *Catalog) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	c.gate.Start()
	defer c.gate.Done()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *Catalog) nowString() string { return c.now().UTC().Truncate(time.Second).Format(timeLayout) }

func formatInstant(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(timeLayout)
}

func parseInstant(s string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, s, time.UTC)
}

// joinFields serializes a field list for storage, preserving order.
func joinFields(fields []string) string { return strings.Join(fields, ",") }

// splitFields is the inverse of joinFields; an empty string is an
// empty set.
func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// containsAll reports whether have is a superset of want.
func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, f := range have {
		set[f] = true
	}
	for _, f := range want {
		if !set[f] {
			return false
		}
	}
	return true
}

func truncateError(msg string) string {
	const max = 500
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
