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

import "context"

// Stats is a point-in-time census of the catalog, keyed by entity
// class and status. The supervisor's status endpoint serves it.
type Stats struct {
	Files    map[string]int `json:"files"`
	Partials int            `json:"partials"`
	Volumes  map[string]int `json:"volumes"`
	Products map[string]int `json:"products"`
}

// ReadStats counts rows per status across all entity classes.
func (c *Catalog) ReadStats(ctx context.Context) (Stats, error) {
	st := Stats{
		Files:    make(map[string]int),
		Volumes:  make(map[string]int),
		Products: make(map[string]int),
	}
	for _, q := range []struct {
		query string
		into  map[string]int
	}{
		{`SELECT status, COUNT(*) FROM files GROUP BY status`, st.Files},
		{`SELECT status, COUNT(*) FROM volumes GROUP BY status`, st.Volumes},
		{`SELECT status, COUNT(*) FROM products GROUP BY status`, st.Products},
	} {
		rows, err := c.db.QueryContext(ctx, q.query)
		if err != nil {
			return Stats{}, err
		}
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return Stats{}, err
			}
			q.into[status] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return Stats{}, err
		}
		rows.Close()
	}
	var err error
	st.Partials, err = c.PartialCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}
