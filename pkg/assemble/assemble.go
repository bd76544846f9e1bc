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

// Package assemble groups downloaded files into volumes.
//
// A volume is identified by (radar, volume code, volume number,
// observation instant); its expected field set comes from
// configuration. The assembler only writes catalog state; it is the
// catalog's completeness flag that later makes the volume eligible for
// decoding.
package assemble // import "radarpipe.org/pkg/assemble"

import (
	"context"

	"github.com/sirupsen/logrus"

	"radarpipe.org/pkg/catalog"
	"radarpipe.org/pkg/config"
	"radarpipe.org/pkg/radarname"
)

// Assembler maintains volume rows as files arrive.
type Assembler struct {
	cat      *catalog.Catalog
	expected config.Expectation
	log      *logrus.Entry
}

func New(cat *catalog.Catalog, expected config.Expectation, log *logrus.Entry) *Assembler {
	return &Assembler{cat: cat, expected: expected, log: log}
}

// Observe registers one downloaded file with its volume, creating the
// volume row on first sight and marking the field downloaded. Files of
// a (volume code, volume number) pair absent from the expectation map
// are ignored; the radar emits scan strategies this deployment does
// not process.
func (a *Assembler) Observe(ctx context.Context, f catalog.File) error {
	fields, ok := a.expected.ExpectedFields(f.VolCode, f.VolNum)
	if !ok {
		a.log.WithFields(logrus.Fields{
			"file":    f.Filename,
			"volCode": f.VolCode,
			"volNum":  f.VolNum,
		}).Debug("unconfigured volume, skipping")
		return nil
	}
	id := radarname.VolumeID(f.Radar, f.VolCode, f.VolNum, f.Instant)
	if err := a.cat.UpsertVolume(ctx, id, f.Radar, f.VolCode, f.VolNum, f.Instant, fields); err != nil {
		return err
	}
	return a.cat.AddFieldToVolume(ctx, id, f.Field)
}

// Reconcile replays completed file rows whose field never reached
// their volume. The per-file Observe call is lost when the process
// dies between the file commit and the volume update; both catalog
// writes are idempotent, so replaying converges the volume rows with
// the files table.
func (a *Assembler) Reconcile(ctx context.Context) error {
	files, err := a.cat.UnassembledFiles(ctx)
	if err != nil {
		return err
	}
	replayed := 0
	for _, f := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Unconfigured pairs never get a volume row; they would
		// otherwise show up here on every sweep.
		if _, ok := a.expected.ExpectedFields(f.VolCode, f.VolNum); !ok {
			continue
		}
		if err := a.Observe(ctx, f); err != nil {
			return err
		}
		replayed++
	}
	if replayed > 0 {
		a.log.WithField("files", replayed).Warn("replayed files missing from their volumes")
	}
	return nil
}
