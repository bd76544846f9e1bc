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
	"fmt"
	"time"
)

// Volume is the logical grouping of files that constitute one radar
// scan volume.
type Volume struct {
	VolumeID   string
	Radar      string
	VolCode    string
	VolNum     string
	Instant    time.Time
	Expected   []string // configured order
	Downloaded []string
	IsComplete bool
	Status     string
	OutputPath string
	ErrorMsg   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UpsertVolume ensures a volume row exists with the given identity and
// expected field set. Existing rows keep their downloaded set and
// status; only the expectation is refreshed (configuration wins), and
// is_complete is recomputed against it so a narrowed expectation can
// retroactively complete a volume.
func (c *Catalog) UpsertVolume(ctx context.Context, volumeID, radar, volCode, volNum string, instant time.Time, expected []string) error {
	now := c.nowString()
	return c.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO volumes
			(volume_id, radar, vol_code, vol_num, observation_instant,
			 expected_fields, downloaded_fields, is_complete, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, '', 0, ?, ?, ?)
			ON CONFLICT(volume_id) DO UPDATE SET
				expected_fields = excluded.expected_fields,
				updated_at = excluded.updated_at`,
			volumeID, radar, volCode, volNum, formatInstant(instant),
			joinFields(expected), StatusPending, now, now); err != nil {
			return err
		}
		var downloadedStr string
		if err := tx.QueryRowContext(ctx,
			`SELECT downloaded_fields FROM volumes WHERE volume_id = ?`,
			volumeID).Scan(&downloadedStr); err != nil {
			return err
		}
		complete := containsAll(splitFields(downloadedStr), expected)
		_, err := tx.ExecContext(ctx,
			`UPDATE volumes SET is_complete = ? WHERE volume_id = ?`,
			boolInt(complete), volumeID)
		return err
	})
}

// AddFieldToVolume accumulates field into the volume's downloaded set
// and recomputes is_complete (downloaded is a superset of expected) in
// the same transaction. The downloaded set only grows.
func (c *Catalog) AddFieldToVolume(ctx context.Context, volumeID, field string) error {
	now := c.nowString()
	return c.write(ctx, func(tx *sql.Tx) error {
		var expectedStr, downloadedStr string
		err := tx.QueryRowContext(ctx,
			`SELECT expected_fields, downloaded_fields FROM volumes WHERE volume_id = ?`,
			volumeID).Scan(&expectedStr, &downloadedStr)
		if err == sql.ErrNoRows {
			return fmt.Errorf("catalog: add field %q: volume %q: %w", field, volumeID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		downloaded := splitFields(downloadedStr)
		for _, f := range downloaded {
			if f == field {
				return nil // already recorded
			}
		}
		downloaded = append(downloaded, field)
		complete := containsAll(downloaded, splitFields(expectedStr))
		_, err = tx.ExecContext(ctx, `
			UPDATE volumes SET downloaded_fields = ?, is_complete = ?, updated_at = ?
			WHERE volume_id = ?`,
			joinFields(downloaded), boolInt(complete), now, volumeID)
		return err
	})
}

// ClaimVolume transitions a complete pending volume to processing.
// It reports whether this caller won the claim; losers of a concurrent
// claim get false with a nil error.
func (c *Catalog) ClaimVolume(ctx context.Context, volumeID string) (bool, error) {
	now := c.nowString()
	var claimed bool
	err := c.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE volumes SET status = ?, updated_at = ?
			WHERE volume_id = ? AND status = ? AND is_complete = 1`,
			StatusProcessing, now, volumeID, StatusPending)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		claimed = n == 1
		return err
	})
	return claimed, err
}

// MarkVolumeProcessed transitions a processing volume to completed and
// records the container path. Callers must have flushed the container
// to disk first; the commit is the point of no return.
func (c *Catalog) MarkVolumeProcessed(ctx context.Context, volumeID, outputPath string) error {
	now := c.nowString()
	return c.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE volumes SET status = ?, output_path = ?, error_message = NULL, updated_at = ?
			WHERE volume_id = ? AND status = ?`,
			StatusCompleted, outputPath, now, volumeID, StatusProcessing)
		if err != nil {
			return err
		}
		return requireOneRow(res, "mark processed", volumeID)
	})
}

// MarkVolumeFailed transitions a processing volume to failed with an
// error message (truncated for storage).
func (c *Catalog) MarkVolumeFailed(ctx context.Context, volumeID, errMsg string) error {
	now := c.nowString()
	return c.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE volumes SET status = ?, error_message = ?, updated_at = ?
			WHERE volume_id = ? AND status = ?`,
			StatusFailed, truncateError(errMsg), now, volumeID, StatusProcessing)
		if err != nil {
			return err
		}
		return requireOneRow(res, "mark failed", volumeID)
	})
}

// CompletePendingVolumes returns complete, still-pending volumes in
// observation order; the converter claims each before acting.
func (c *Catalog) CompletePendingVolumes(ctx context.Context) ([]Volume, error) {
	return c.queryVolumes(ctx, `
		SELECT `+volumeColumns+` FROM volumes
		WHERE is_complete = 1 AND status = ?
		ORDER BY observation_instant ASC`, StatusPending)
}

// GetVolume returns the volume row, or ErrNotFound.
func (c *Catalog) GetVolume(ctx context.Context, volumeID string) (Volume, error) {
	vols, err := c.queryVolumes(ctx, `
		SELECT `+volumeColumns+` FROM volumes WHERE volume_id = ?`, volumeID)
	if err != nil {
		return Volume{}, err
	}
	if len(vols) == 0 {
		return Volume{}, ErrNotFound
	}
	return vols[0], nil
}

// ResetStuckVolumes moves volumes stuck in processing since before
// cutoff back to pending. Returns the number of rows reset.
func (c *Catalog) ResetStuckVolumes(ctx context.Context, olderThan time.Duration) (int, error) {
	now := c.now()
	cutoff := formatInstant(now.Add(-olderThan))
	var n int64
	err := c.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE volumes SET status = ?, updated_at = ?
			WHERE status = ? AND updated_at < ?`,
			StatusPending, formatInstant(now), StatusProcessing, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// ResetFailedVolumes is the operator recovery action: failed -> pending.
// With volumeID empty every failed volume is reset.
func (c *Catalog) ResetFailedVolumes(ctx context.Context, volumeID string) (int, error) {
	now := c.nowString()
	var n int64
	err := c.write(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if volumeID == "" {
			res, err = tx.ExecContext(ctx, `
				UPDATE volumes SET status = ?, error_message = NULL, updated_at = ?
				WHERE status = ?`, StatusPending, now, StatusFailed)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE volumes SET status = ?, error_message = NULL, updated_at = ?
				WHERE status = ? AND volume_id = ?`, StatusPending, now, StatusFailed, volumeID)
		}
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// NonTerminalVolumeCount counts volumes not yet completed or failed.
// Zero (with no partials outstanding) is the supervisor's exit
// condition for a bounded window.
func (c *Catalog) NonTerminalVolumeCount(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM volumes WHERE status IN (?, ?) AND is_complete = 1`,
		StatusPending, StatusProcessing).Scan(&n)
	return n, err
}

const volumeColumns = `volume_id, radar, vol_code, vol_num, observation_instant,
	expected_fields, downloaded_fields, is_complete, status,
	output_path, error_message, created_at, updated_at`

func (c *Catalog) queryVolumes(ctx context.Context, query string, args ...interface{}) ([]Volume, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var vols []Volume
	for rows.Next() {
		var v Volume
		var instant, created, updated string
		var complete int
		var outputPath, errMsg sql.NullString
		var expected, downloaded string
		if err := rows.Scan(&v.VolumeID, &v.Radar, &v.VolCode, &v.VolNum, &instant,
			&expected, &downloaded, &complete, &v.Status,
			&outputPath, &errMsg, &created, &updated); err != nil {
			return nil, err
		}
		v.Expected = splitFields(expected)
		v.Downloaded = splitFields(downloaded)
		v.IsComplete = complete == 1
		v.OutputPath = outputPath.String
		v.ErrorMsg = errMsg.String
		if v.Instant, err = parseInstant(instant); err != nil {
			return nil, err
		}
		if v.CreatedAt, err = parseInstant(created); err != nil {
			return nil, err
		}
		if v.UpdatedAt, err = parseInstant(updated); err != nil {
			return nil, err
		}
		vols = append(vols, v)
	}
	return vols, rows.Err()
}

func requireOneRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("catalog: %s %q: row not in expected state", op, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
