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
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"radarpipe.org/pkg/catalog"
)

// statusResponse is the /status JSON document.
type statusResponse struct {
	Radar         string        `json:"radar"`
	Start         time.Time     `json:"start"`
	End           *time.Time    `json:"end,omitempty"`
	ProductType   string        `json:"productType"`
	UptimeSeconds float64       `json:"uptimeSeconds"`
	Stats         catalog.Stats `json:"stats"`
}

// handler serves /healthz, /status, and /metrics.
func (d *Daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/status", d.serveStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{}))
	return mux
}

func (d *Daemon) serveStatus(w http.ResponseWriter, r *http.Request) {
	st, err := d.cat.ReadStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := statusResponse{
		Radar:         d.cfg.Radar,
		Start:         d.cfg.Start,
		ProductType:   d.cfg.ProductType,
		UptimeSeconds: time.Since(d.started).Seconds(),
		Stats:         st,
	}
	if !d.cfg.End.IsZero() {
		resp.End = &d.cfg.End
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(resp)
}
