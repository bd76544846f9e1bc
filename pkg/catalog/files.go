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

package catalog

import (
	"context"
	"database/sql"
	"time"
)

// File is one remote artifact and its verified local materialization.
type File struct {
	Filename   string
	RemotePath string
	LocalPath  string
	Size       int64
	Digest     string // SHA-256, hex
	Radar      string
	Field      string
	VolCode    string
	VolNum     string
	Instant    time.Time
	Status     string
	CreatedAt  time.Time
}

// Partial is the transient retry state of an in-flight download.
type Partial struct {
	Filename        string
	RemotePath      string
	LocalPath       string
	BytesDownloaded int64
	TotalBytes      int64 // 0 when the server did not report a size
	Attempts        int
	LastAttempt     time.Time
}

// RecordCompletedFile records a fully downloaded and verified file,
// replacing any earlier row for the same filename and deleting the
// partial row in the same transaction. A completed File row and a
// partial row never coexist.
func (c *Catalog) RecordCompletedFile(ctx context.Context, f File) error {
	now := c.nowString()
	return c.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO files
			(filename, remote_path, local_path, size, digest, radar, field,
			 vol_code, vol_num, observation_instant, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.Filename, f.RemotePath, f.LocalPath, f.Size, f.Digest,
			f.Radar, f.Field, f.VolCode, f.VolNum,
			formatInstant(f.Instant), StatusCompleted, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM partial_downloads WHERE filename = ?`, f.Filename)
		return err
	})
}

// RecordPartial upserts the retry state for an unfinished download. It
// is a no-op when a completed File row already exists for the key, so
// a fetch that lost a race with a concurrent retry cannot resurrect a
// partial row.
func (c *Catalog) RecordPartial(ctx context.Context, p Partial) error {
	now := c.nowString()
	return c.write(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM files WHERE filename = ? AND status = ?`,
			p.Filename, StatusCompleted).Scan(&one)
		if err == nil {
			return nil // already completed; keep the invariant
		}
		if err != sql.ErrNoRows {
			return err
		}
		var total interface{}
		if p.TotalBytes > 0 {
			total = p.TotalBytes
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO partial_downloads
			(filename, remote_path, local_path, bytes_downloaded, total_bytes, attempt_count, last_attempt)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(filename) DO UPDATE SET
				remote_path = excluded.remote_path,
				local_path = excluded.local_path,
				bytes_downloaded = excluded.bytes_downloaded,
				total_bytes = excluded.total_bytes,
				attempt_count = excluded.attempt_count,
				last_attempt = excluded.last_attempt`,
			p.Filename, p.RemotePath, p.LocalPath, p.BytesDownloaded, total, p.Attempts, now)
		return err
	})
}

// IsFileCompleted reports whether filename has a completed File row.
func (c *Catalog) IsFileCompleted(ctx context.Context, filename string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM files WHERE filename = ? AND status = ?`,
		filename, StatusCompleted).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetPartial returns the partial row for filename, or ErrNotFound.
func (c *Catalog) GetPartial(ctx context.Context, filename string) (Partial, error) {
	var p Partial
	var total sql.NullInt64
	var last string
	err := c.db.QueryRowContext(ctx, `
		SELECT filename, remote_path, local_path, bytes_downloaded, total_bytes, attempt_count, last_attempt
		FROM partial_downloads WHERE filename = ?`, filename).
		Scan(&p.Filename, &p.RemotePath, &p.LocalPath, &p.BytesDownloaded, &total, &p.Attempts, &last)
	if err == sql.ErrNoRows {
		return Partial{}, ErrNotFound
	}
	if err != nil {
		return Partial{}, err
	}
	p.TotalBytes = total.Int64
	if p.LastAttempt, err = parseInstant(last); err != nil {
		return Partial{}, err
	}
	return p, nil
}

// PartialCount returns the number of outstanding partial downloads.
// The supervisor uses it to decide window-exhausted quiescence.
func (c *Catalog) PartialCount(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM partial_downloads`).Scan(&n)
	return n, err
}

// LatestObservation returns the newest observation instant over
// completed File rows for radar, or ok=false when there is none. The
// fetcher resumes its traversal from here after a restart.
func (c *Catalog) LatestObservation(ctx context.Context, radar string) (t time.Time, ok bool, err error) {
	var s string
	err = c.db.QueryRowContext(ctx, `
		SELECT observation_instant FROM files
		WHERE radar = ? AND status = ?
		ORDER BY observation_instant DESC LIMIT 1`, radar, StatusCompleted).Scan(&s)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err = parseInstant(s)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// VolumeFiles returns the completed File rows constituting a volume.
func (c *Catalog) VolumeFiles(ctx context.Context, radar, volCode, volNum string, instant time.Time) ([]File, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT filename, remote_path, local_path, size, digest, radar, field,
		       vol_code, vol_num, observation_instant, status, created_at
		FROM files
		WHERE radar = ? AND vol_code = ? AND vol_num = ?
		  AND observation_instant = ? AND status = ?
		ORDER BY field`,
		radar, volCode, volNum, formatInstant(instant), StatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// UnassembledFiles returns completed File rows not yet reflected in
// their volume: the volume row is missing, or it is incomplete and
// does not list the file's field. A crash between the file commit and
// the volume update strands rows in this state; the assembler replays
// them so every downloaded field eventually reaches its volume.
func (c *Catalog) UnassembledFiles(ctx context.Context) ([]File, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT f.filename, f.remote_path, f.local_path, f.size, f.digest, f.radar, f.field,
		       f.vol_code, f.vol_num, f.observation_instant, f.status, f.created_at
		FROM files f
		LEFT JOIN volumes v
			ON v.radar = f.radar AND v.vol_code = f.vol_code
			AND v.vol_num = f.vol_num AND v.observation_instant = f.observation_instant
		WHERE f.status = ?
		  AND (v.volume_id IS NULL
		       OR (v.is_complete = 0
		           AND instr(',' || v.downloaded_fields || ',', ',' || f.field || ',') = 0))
		ORDER BY f.observation_instant ASC`, StatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetFile returns the File row for filename, or ErrNotFound.
func (c *Catalog) GetFile(ctx context.Context, filename string) (File, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT filename, remote_path, local_path, size, digest, radar, field,
		       vol_code, vol_num, observation_instant, status, created_at
		FROM files WHERE filename = ?`, filename)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return File{}, ErrNotFound
	}
	return f, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(s scanner) (File, error) {
	var f File
	var localPath, digest sql.NullString
	var size sql.NullInt64
	var instant, created string
	err := s.Scan(&f.Filename, &f.RemotePath, &localPath, &size, &digest,
		&f.Radar, &f.Field, &f.VolCode, &f.VolNum, &instant, &f.Status, &created)
	if err != nil {
		return File{}, err
	}
	f.LocalPath = localPath.String
	f.Size = size.Int64
	f.Digest = digest.String
	if f.Instant, err = parseInstant(instant); err != nil {
		return File{}, err
	}
	if f.CreatedAt, err = parseInstant(created); err != nil {
		return File{}, err
	}
	return f, nil
}
