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

// Product is one generated visualization artifact for one volume.
// At most one row exists per (volume, product type).
type Product struct {
	VolumeID    string
	ProductType string
	Status      string
	GeneratedAt time.Time // zero unless completed
	ErrorType   string
	ErrorMsg    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EnsureProduct lazily creates the pending product row for a volume.
// Idempotent: an existing row is left untouched.
func (c *Catalog) EnsureProduct(ctx context.Context, volumeID, productType string) error {
	now := c.nowString()
	return c.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO products
			(volume_id, product_type, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			volumeID, productType, StatusPending, now, now)
		return err
	})
}

// ClaimProduct transitions a product row to processing if it is
// pending or failed, creating it first if absent. Reports whether this
// caller won the claim.
func (c *Catalog) ClaimProduct(ctx context.Context, volumeID, productType string) (bool, error) {
	now := c.nowString()
	var claimed bool
	err := c.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO products
			(volume_id, product_type, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			volumeID, productType, StatusPending, now, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE products SET status = ?, updated_at = ?
			WHERE volume_id = ? AND product_type = ? AND status IN (?, ?)`,
			StatusProcessing, now, volumeID, productType, StatusPending, StatusFailed)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		claimed = n == 1
		return err
	})
	return claimed, err
}

// MarkProductCompleted records a successful generation.
func (c *Catalog) MarkProductCompleted(ctx context.Context, volumeID, productType string) error {
	now := c.nowString()
	return c.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE products SET status = ?, generated_at = ?, error_type = NULL,
				error_message = NULL, updated_at = ?
			WHERE volume_id = ? AND product_type = ?`,
			StatusCompleted, now, now, volumeID, productType)
		if err != nil {
			return err
		}
		return requireOneRow(res, "mark product completed", volumeID+"/"+productType)
	})
}

// MarkProductFailed records a failed generation with a short error
// type (FILE_NOT_FOUND, READ_ERROR, ...) and a truncated message.
func (c *Catalog) MarkProductFailed(ctx context.Context, volumeID, productType, errType, errMsg string) error {
	now := c.nowString()
	return c.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE products SET status = ?, error_type = ?, error_message = ?, updated_at = ?
			WHERE volume_id = ? AND product_type = ?`,
			StatusFailed, errType, truncateError(errMsg), now, volumeID, productType)
		if err != nil {
			return err
		}
		return requireOneRow(res, "mark product failed", volumeID+"/"+productType)
	})
}

// VolumesForRendering returns completed volumes whose product row for
// productType is absent, pending, or failed, in observation order.
func (c *Catalog) VolumesForRendering(ctx context.Context, productType string) ([]Volume, error) {
	return c.queryVolumes(ctx, `
		SELECT v.volume_id, v.radar, v.vol_code, v.vol_num, v.observation_instant,
		       v.expected_fields, v.downloaded_fields, v.is_complete, v.status,
		       v.output_path, v.error_message, v.created_at, v.updated_at
		FROM volumes v
		LEFT JOIN products p
			ON v.volume_id = p.volume_id AND p.product_type = ?
		WHERE v.status = ?
		  AND (p.status IS NULL OR p.status IN (?, ?))
		ORDER BY v.observation_instant ASC`,
		productType, StatusCompleted, StatusPending, StatusFailed)
}

// GetProduct returns the product row, or ErrNotFound.
func (c *Catalog) GetProduct(ctx context.Context, volumeID, productType string) (Product, error) {
	var p Product
	var generated, errType, errMsg sql.NullString
	var created, updated string
	err := c.db.QueryRowContext(ctx, `
		SELECT volume_id, product_type, status, generated_at, error_type, error_message,
		       created_at, updated_at
		FROM products WHERE volume_id = ? AND product_type = ?`,
		volumeID, productType).
		Scan(&p.VolumeID, &p.ProductType, &p.Status, &generated, &errType, &errMsg, &created, &updated)
	if err == sql.ErrNoRows {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, err
	}
	p.ErrorType = errType.String
	p.ErrorMsg = errMsg.String
	if generated.Valid {
		if p.GeneratedAt, err = parseInstant(generated.String); err != nil {
			return Product{}, err
		}
	}
	if p.CreatedAt, err = parseInstant(created); err != nil {
		return Product{}, err
	}
	if p.UpdatedAt, err = parseInstant(updated); err != nil {
		return Product{}, err
	}
	return p, nil
}

// ProductStats counts product rows of one type by status. The
// supervisor's drain check uses it so rows of other product types
// (from an earlier configuration) cannot wedge shutdown.
func (c *Catalog) ProductStats(ctx context.Context, productType string) (map[string]int, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM products
		WHERE product_type = ? GROUP BY status`, productType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// ResetStuckProducts moves products stuck in processing since before
// cutoff back to pending. Returns the number of rows reset.
func (c *Catalog) ResetStuckProducts(ctx context.Context, productType string, olderThan time.Duration) (int, error) {
	now := c.now()
	cutoff := formatInstant(now.Add(-olderThan))
	var n int64
	err := c.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE products SET status = ?, updated_at = ?
			WHERE status = ? AND product_type = ? AND updated_at < ?`,
			StatusPending, formatInstant(now), StatusProcessing, productType, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// ResetFailedProducts is the operator recovery action for products.
func (c *Catalog) ResetFailedProducts(ctx context.Context, productType string) (int, error) {
	now := c.nowString()
	var n int64
	err := c.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE products SET status = ?, error_type = NULL, error_message = NULL, updated_at = ?
			WHERE status = ? AND product_type = ?`,
			StatusPending, now, StatusFailed, productType)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}
