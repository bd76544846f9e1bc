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

package daemon

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"radarpipe.org/pkg/catalog"
)

// statsCollector exposes the catalog census as gauges at scrape time,
// so the workers never touch a metric.
type statsCollector struct {
	cat *catalog.Catalog

	files    *prometheus.Desc
	partials *prometheus.Desc
	volumes  *prometheus.Desc
	products *prometheus.Desc
}

func newStatsCollector(cat *catalog.Catalog) *statsCollector {
	return &statsCollector{
		cat: cat,
		files: prometheus.NewDesc("radarpipe_files",
			"Catalog file rows by status.", []string{"status"}, nil),
		partials: prometheus.NewDesc("radarpipe_partial_downloads",
			"Outstanding partial downloads.", nil, nil),
		volumes: prometheus.NewDesc("radarpipe_volumes",
			"Catalog volume rows by status.", []string{"status"}, nil),
		products: prometheus.NewDesc("radarpipe_products",
			"Catalog product rows by status.", []string{"status"}, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.files
	ch <- c.partials
	ch <- c.volumes
	ch <- c.products
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := c.cat.ReadStats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.files, err)
		return
	}
	for status, n := range st.Files {
		ch <- prometheus.MustNewConstMetric(c.files, prometheus.GaugeValue, float64(n), status)
	}
	ch <- prometheus.MustNewConstMetric(c.partials, prometheus.GaugeValue, float64(st.Partials))
	for status, n := range st.Volumes {
		ch <- prometheus.MustNewConstMetric(c.volumes, prometheus.GaugeValue, float64(n), status)
	}
	for status, n := range st.Products {
		ch <- prometheus.MustNewConstMetric(c.products, prometheus.GaugeValue, float64(n), status)
	}
}
