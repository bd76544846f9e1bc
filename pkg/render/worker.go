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

package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go4.org/syncutil"

	"radarpipe.org/pkg/catalog"
	"radarpipe.org/pkg/cfradial"
	"radarpipe.org/pkg/config"
	"radarpipe.org/pkg/radarname"
)

// Failure classes recorded on product rows.
const (
	ClassFileNotFound = "FILE_NOT_FOUND"
	ClassRead         = "READ_ERROR"
	ClassStandardize  = "STANDARDIZE"
	ClassPlot         = "PLOT"
)

// classedError carries the product failure class up to the catalog.
type classedError struct {
	class string
	err   error
}

func (e *classedError) Error() string { return fmt.Sprintf("render: %s: %v", e.class, e.err) }
func (e *classedError) Unwrap() error { return e.err }

func classify(err error) string {
	var ce *classedError
	if errors.As(err, &ce) {
		return ce.class
	}
	return ClassPlot
}

// Worker is the product stage. It claims completed volumes whose
// product row for the configured type is open and renders every
// moment at every elevation, raw and filtered, plus the optional
// column-maximum composite.
type Worker struct {
	cat *catalog.Catalog
	cfg *config.Config
	log *logrus.Entry

	gate *syncutil.Gate
}

func NewWorker(cat *catalog.Catalog, cfg *config.Config, log *logrus.Entry) *Worker {
	return &Worker{
		cat:  cat,
		cfg:  cfg,
		log:  log,
		gate: syncutil.NewGate(cfg.MaxRenders),
	}
}

// Run polls until ctx is canceled; cancellation drains cleanly.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.pass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.WithError(err).Warn("render pass failed, will retry")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

func (w *Worker) pass(ctx context.Context) error {
	vols, err := w.cat.VolumesForRendering(ctx, w.cfg.ProductType)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	for _, v := range vols {
		if ctx.Err() != nil {
			break
		}
		w.gate.Start()
		wg.Add(1)
		go func(v catalog.Volume) {
			defer wg.Done()
			defer w.gate.Done()
			w.process(ctx, v)
		}(v)
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) process(ctx context.Context, v catalog.Volume) {
	claimed, err := w.cat.ClaimProduct(ctx, v.VolumeID, w.cfg.ProductType)
	if err != nil {
		w.log.WithError(err).WithField("volume", v.VolumeID).Error("product claim failed")
		return
	}
	if !claimed {
		return
	}
	log := w.log.WithField("volume", v.VolumeID)

	n, err := w.render(v)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-render; leave the row processing for the
			// stuck sweep to re-pend.
			return
		}
		log.WithError(err).Warn("rendering failed")
		if merr := w.cat.MarkProductFailed(ctx, v.VolumeID, w.cfg.ProductType, classify(err), err.Error()); merr != nil {
			log.WithError(merr).Error("marking product failed failed")
		}
		return
	}
	if err := w.cat.MarkProductCompleted(ctx, v.VolumeID, w.cfg.ProductType); err != nil {
		log.WithError(err).Error("marking product completed failed")
		return
	}
	log.WithField("rasters", n).Info("volume rendered")
}

// render produces all rasters for one volume and returns how many.
func (w *Worker) render(v catalog.Volume) (int, error) {
	if v.OutputPath == "" {
		return 0, &classedError{ClassFileNotFound, fmt.Errorf("volume %s has no container path", v.VolumeID)}
	}
	if _, err := os.Stat(v.OutputPath); err != nil {
		return 0, &classedError{ClassFileNotFound, err}
	}
	cf, err := cfradial.Read(v.OutputPath)
	if err != nil {
		return 0, &classedError{ClassRead, err}
	}
	if err := Standardize(cf); err != nil {
		return 0, &classedError{ClassStandardize, err}
	}

	n := 0
	for i := range cf.Moments {
		m := &cf.Moments[i]
		filtered := FilterMoment(cf, m)
		for sweep := range cf.Sweeps {
			elev := cf.Sweeps[sweep].FixedAngle
			if err := w.plotSweep(cf, v, m.Name, elev, cf.SweepAngles(sweep), cf.SweepRays(m, sweep), false); err != nil {
				return n, err
			}
			if err := w.plotSweep(cf, v, m.Name, elev, cf.SweepAngles(sweep), sweepRows(filtered, cf, sweep), true); err != nil {
				return n, err
			}
			n += 2
		}
	}

	// The composite is an image-only product; geotiff runs export
	// single-sweep rasters with their world files.
	if w.cfg.AddColmax && w.cfg.ProductType == "image" {
		if data, ok := Colmax(cf); ok {
			elev := cf.Sweeps[0].FixedAngle
			if err := w.plotSweep(cf, v, "COLMAX", elev, cf.SweepAngles(0), data, false); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// sweepRows restricts already-filtered full-stack data to one sweep.
func sweepRows(data [][]float32, f *cfradial.File, sweep int) [][]float32 {
	s := f.Sweeps[sweep]
	return data[s.StartRay : s.EndRay+1]
}

func (w *Worker) plotSweep(cf *cfradial.File, v catalog.Volume, field string, elev float64, azimuth []float64, rows [][]float32, filtered bool) error {
	grid := &sweepGrid{
		azimuth: azimuth,
		rng:     cf.Range,
		data:    rows,
		info:    InfoFor(field),
	}
	img := grid.rasterize()

	ext := "png"
	if w.cfg.ProductType == "geotiff" {
		ext = "tif"
	}
	path := radarname.ProductPath(w.cfg.ProductDir, cf.Radar, v.Instant, field, elev, filtered, ext)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return &classedError{ClassPlot, err}
	}
	var err error
	if w.cfg.ProductType == "geotiff" {
		err = writeGeoTIFF(path, img, cf.Latitude, cf.Longitude, cf.Range[len(cf.Range)-1])
	} else {
		err = writePNG(path, img)
	}
	if err != nil {
		return &classedError{ClassPlot, err}
	}
	return nil
}
