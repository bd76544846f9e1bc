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

package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go4.org/syncutil"

	"radarpipe.org/pkg/bufr"
	"radarpipe.org/pkg/catalog"
	"radarpipe.org/pkg/cfradial"
	"radarpipe.org/pkg/config"
	"radarpipe.org/pkg/radarname"
)

// Worker is the decode stage. It polls the catalog for complete
// pending volumes and converts each one it wins the claim for.
type Worker struct {
	cat *catalog.Catalog
	dec bufr.Decoder
	cfg *config.Config
	log *logrus.Entry

	gate *syncutil.Gate // bounds volumes converted in parallel
}

func NewWorker(cat *catalog.Catalog, dec bufr.Decoder, cfg *config.Config, log *logrus.Entry) *Worker {
	return &Worker{
		cat:  cat,
		dec:  dec,
		cfg:  cfg,
		log:  log,
		gate: syncutil.NewGate(cfg.MaxDecodes),
	}
}

// Run polls until ctx is canceled. Cancellation is a clean drain:
// in-flight volumes finish, then Run returns nil.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.pass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.WithError(err).Warn("convert pass failed, will retry")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// pass claims and converts every currently eligible volume.
func (w *Worker) pass(ctx context.Context) error {
	vols, err := w.cat.CompletePendingVolumes(ctx)
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
	claimed, err := w.cat.ClaimVolume(ctx, v.VolumeID)
	if err != nil {
		w.log.WithError(err).WithField("volume", v.VolumeID).Error("claim failed")
		return
	}
	if !claimed {
		return
	}
	log := w.log.WithField("volume", v.VolumeID)

	outPath, err := w.convert(ctx, v)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a real failure. The row stays processing
			// and the stuck sweep re-pends it after restart.
			return
		}
		msg := fmt.Sprintf("%s: %v", Classify(err), err)
		log.WithError(err).Warn("conversion failed")
		if merr := w.cat.MarkVolumeFailed(ctx, v.VolumeID, msg); merr != nil {
			log.WithError(merr).Error("marking volume failed failed")
		}
		return
	}
	if err := w.cat.MarkVolumeProcessed(ctx, v.VolumeID, outPath); err != nil {
		log.WithError(err).Error("marking volume processed failed")
		return
	}
	log.WithField("container", outPath).Info("volume converted")
}

// convert decodes every downloaded file of the volume, aligns the
// fields, and writes the container. The container path is derived
// from the volume identity, so reprocessing overwrites deterministically.
func (w *Worker) convert(ctx context.Context, v catalog.Volume) (string, error) {
	files, err := w.cat.VolumeFiles(ctx, v.Radar, v.VolCode, v.VolNum, v.Instant)
	if err != nil {
		return "", &Error{Class: ClassIO, Err: err}
	}
	if len(files) == 0 {
		return "", &Error{Class: bufr.ClassFileNotFound, Err: fmt.Errorf("no files recorded for %s", v.VolumeID)}
	}

	decoded := make(map[string]*bufr.Volume, len(files))
	for _, f := range files {
		vol, err := bufr.DecodeWithRetry(ctx, w.dec, f.LocalPath)
		if err != nil {
			return "", err
		}
		if vol.Field == "" {
			vol.Field = f.Field
		}
		decoded[f.Field] = vol
	}

	cf, err := Align(decoded, v.Expected)
	if err != nil {
		return "", err
	}
	cf.Radar = v.Radar
	cf.VolCode = v.VolCode
	cf.VolNum = v.VolNum

	p := radarname.Parsed{Radar: v.Radar, VolCode: v.VolCode, VolNum: v.VolNum, Instant: v.Instant}
	outPath := p.ContainerPath(w.cfg.ContainerDir)
	if err := os.MkdirAll(filepath.Dir(outPath), 0700); err != nil {
		return "", &Error{Class: ClassIO, Err: err}
	}
	if err := cfradial.Write(outPath, cf); err != nil {
		return "", &Error{Class: ClassIO, Err: err}
	}
	return outPath, nil
}
