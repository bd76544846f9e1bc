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

// Package daemon supervises the three pipeline stages over one shared
// catalog: fetch, convert, render. It also runs the periodic
// stuck-work sweep and the status/metrics listener.
//
// With a bounded calendar window the daemon exits cleanly on its own:
// the fetcher finishes, the supervisor waits for every volume and
// product to reach a terminal state, and the workers are drained.
// Without an end instant it runs until canceled.
package daemon // import "radarpipe.org/pkg/daemon"

import (
	"context"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"radarpipe.org/pkg/assemble"
	"radarpipe.org/pkg/bufr"
	"radarpipe.org/pkg/catalog"
	"radarpipe.org/pkg/config"
	"radarpipe.org/pkg/convert"
	"radarpipe.org/pkg/fetch"
	"radarpipe.org/pkg/render"
)

// stuckSweepInterval is how often stranded processing rows are
// re-pended, independent of the configured stuck timeout.
const stuckSweepInterval = 5 * time.Minute

// Daemon wires and runs the pipeline.
type Daemon struct {
	cfg *config.Config
	cat *catalog.Catalog
	src fetch.Source
	dec bufr.Decoder
	log *logrus.Entry

	reg     *prometheus.Registry
	started time.Time

	// asm is set by Run; the periodic sweep replays files whose
	// volume membership was lost to a crash.
	asm *assemble.Assembler
}

func New(cfg *config.Config, cat *catalog.Catalog, src fetch.Source, dec bufr.Decoder, log *logrus.Entry) *Daemon {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(newStatsCollector(cat))
	return &Daemon{cfg: cfg, cat: cat, src: src, dec: dec, log: log, reg: reg}
}

// Run blocks until the pipeline finishes its window or ctx is
// canceled. A nil return means every volume and product reached a
// terminal state.
func (d *Daemon) Run(ctx context.Context) error {
	d.started = time.Now()
	d.asm = assemble.New(d.cat, d.cfg.Expected, d.log.WithField("stage", "assemble"))
	d.recoverStranded(ctx)

	fetcher := fetch.New(d.cat, d.src, d.cfg, d.asm.Observe, d.log.WithField("stage", "fetch"))
	converter := convert.NewWorker(d.cat, d.dec, d.cfg, d.log.WithField("stage", "convert"))
	renderer := render.NewWorker(d.cat, d.cfg, d.log.WithField("stage", "render"))

	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(stuckSweepInterval),
		gocron.NewTask(d.sweepStuck),
	); err != nil {
		return err
	}
	sched.Start()
	defer sched.Shutdown()

	g, gctx := errgroup.WithContext(ctx)
	workerCtx, stopWorkers := context.WithCancel(gctx)
	defer stopWorkers()

	if d.cfg.StatusAddr != "" {
		srv := &http.Server{Addr: d.cfg.StatusAddr, Handler: d.handler()}
		g.Go(func() error {
			err := srv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		err := fetcher.Run(gctx)
		if err != nil {
			if gctx.Err() != nil {
				stopWorkers()
				return nil
			}
			return err
		}
		// Bounded window exhausted; let the downstream stages drain,
		// then release them.
		err = d.awaitDrain(gctx)
		stopWorkers()
		return err
	})
	g.Go(func() error { return converter.Run(workerCtx) })
	g.Go(func() error { return renderer.Run(workerCtx) })

	return g.Wait()
}

// recoverStranded re-pends processing rows left behind by a previous
// crash and replays file rows whose volume membership the crash lost.
// At startup nothing can legitimately be processing.
func (d *Daemon) recoverStranded(ctx context.Context) {
	if err := d.asm.Reconcile(ctx); err != nil {
		d.log.WithError(err).Error("startup volume reconciliation failed")
	}
	if n, err := d.cat.ResetStuckVolumes(ctx, 0); err != nil {
		d.log.WithError(err).Error("startup volume recovery failed")
	} else if n > 0 {
		d.log.WithField("volumes", n).Warn("re-pended volumes stranded by previous run")
	}
	if n, err := d.cat.ResetStuckProducts(ctx, d.cfg.ProductType, 0); err != nil {
		d.log.WithError(err).Error("startup product recovery failed")
	} else if n > 0 {
		d.log.WithField("products", n).Warn("re-pended products stranded by previous run")
	}
}

// sweepStuck is the periodic recovery job for rows whose worker died
// mid-flight during this run, and for file rows whose volume update
// was lost.
func (d *Daemon) sweepStuck() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.asm.Reconcile(ctx); err != nil {
		d.log.WithError(err).Error("volume reconciliation failed")
	}
	if n, err := d.cat.ResetStuckVolumes(ctx, d.cfg.StuckTimeout); err != nil {
		d.log.WithError(err).Error("stuck volume sweep failed")
	} else if n > 0 {
		d.log.WithField("volumes", n).Warn("reset stuck volumes")
	}
	if n, err := d.cat.ResetStuckProducts(ctx, d.cfg.ProductType, d.cfg.StuckTimeout); err != nil {
		d.log.WithError(err).Error("stuck product sweep failed")
	} else if n > 0 {
		d.log.WithField("products", n).Warn("reset stuck products")
	}
}

// awaitDrain waits until every claimable volume is terminal and every
// product row for completed volumes is terminal too.
func (d *Daemon) awaitDrain(ctx context.Context) error {
	t := time.NewTicker(d.cfg.PollInterval)
	defer t.Stop()
	for {
		drained, err := d.drained(ctx)
		if err != nil {
			return err
		}
		if drained {
			d.log.Info("pipeline drained")
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (d *Daemon) drained(ctx context.Context) (bool, error) {
	n, err := d.cat.NonTerminalVolumeCount(ctx)
	if err != nil || n > 0 {
		return false, err
	}
	st, err := d.cat.ReadStats(ctx)
	if err != nil {
		return false, err
	}
	// Only the configured product type counts; rows of other types
	// (left by an earlier configuration) are not this run's work.
	ps, err := d.cat.ProductStats(ctx, d.cfg.ProductType)
	if err != nil {
		return false, err
	}
	open := ps[catalog.StatusPending] + ps[catalog.StatusProcessing]
	terminal := ps[catalog.StatusCompleted] + ps[catalog.StatusFailed]
	return open == 0 && terminal >= st.Volumes[catalog.StatusCompleted], nil
}
