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
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"radarpipe.org/pkg/bufr"
	"radarpipe.org/pkg/catalog"
	"radarpipe.org/pkg/cfradial"
	"radarpipe.org/pkg/config"
	"radarpipe.org/pkg/radarname"
)

var obsInstant = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// fieldDecoder fabricates a decoded volume from the filename alone.
// Per-field gate counts and injected errors drive the scenarios.
type fieldDecoder struct {
	ngates map[string]int
	fail   map[string]error
}

func (d *fieldDecoder) Decode(ctx context.Context, path string) (*bufr.Volume, error) {
	p, err := radarname.Parse(path)
	if err != nil {
		return nil, &bufr.Error{Class: bufr.ClassDecode, Path: path, Err: err}
	}
	if err, ok := d.fail[p.Field]; ok {
		return nil, err
	}
	ngates := d.ngates[p.Field]
	if ngates == 0 {
		ngates = 5
	}
	v := makeVolume(p.Field, 2, 4, ngates)
	v.Radar = p.Radar
	return v, nil
}

func (d *fieldDecoder) Close() error { return nil }

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func workerFixture(t *testing.T, dec bufr.Decoder) (*Worker, *catalog.Catalog, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	cfg := &config.Config{
		Host:         "radar.example.com",
		Radar:        "RMA1",
		ContainerDir: filepath.Join(dir, "containers"),
		MaxDecodes:   2,
		PollInterval: 5 * time.Millisecond,
		Expected:     config.Expectation{"0315": {"01": {"DBZH", "VRAD"}}},
	}
	return NewWorker(cat, dec, cfg, testLog()), cat, cfg
}

// seedVolume records a complete two-field volume in the catalog.
func seedVolume(t *testing.T, cat *catalog.Catalog) string {
	t.Helper()
	ctx := context.Background()
	id := radarname.VolumeID("RMA1", "0315", "01", obsInstant)
	require.NoError(t, cat.UpsertVolume(ctx, id, "RMA1", "0315", "01", obsInstant, []string{"DBZH", "VRAD"}))
	for _, field := range []string{"DBZH", "VRAD"} {
		name := "RMA1_0315_01_" + field + "_20250101T120000Z.BUFR"
		require.NoError(t, cat.RecordCompletedFile(ctx, catalog.File{
			Filename:   name,
			RemotePath: "/L2/" + name,
			LocalPath:  "/raw/" + name,
			Radar:      "RMA1",
			Field:      field,
			VolCode:    "0315",
			VolNum:     "01",
			Instant:    obsInstant,
		}))
		require.NoError(t, cat.AddFieldToVolume(ctx, id, field))
	}
	return id
}

func TestWorkerConvertsVolume(t *testing.T) {
	dec := &fieldDecoder{ngates: map[string]int{"DBZH": 6, "VRAD": 4}}
	w, cat, cfg := workerFixture(t, dec)
	id := seedVolume(t, cat)
	ctx := context.Background()

	require.NoError(t, w.pass(ctx))

	v, err := cat.GetVolume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCompleted, v.Status)
	require.NotEmpty(t, v.OutputPath)
	assert.True(t, strings.HasPrefix(v.OutputPath, cfg.ContainerDir))

	cf, err := cfradial.Read(v.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "RMA1", cf.Radar)
	assert.Equal(t, "0315", cf.VolCode)
	require.Len(t, cf.Moments, 2)
	assert.Equal(t, "DBZH", cf.Moments[0].Name)
	assert.Len(t, cf.Range, 6)
}

func TestWorkerMarksDecodeFailure(t *testing.T) {
	dec := &fieldDecoder{fail: map[string]error{
		"VRAD": &bufr.Error{Class: bufr.ClassFileNotFound, Path: "x", Err: errors.New("vanished")},
	}}
	w, cat, cfg := workerFixture(t, dec)
	id := seedVolume(t, cat)
	ctx := context.Background()

	require.NoError(t, w.pass(ctx))

	v, err := cat.GetVolume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusFailed, v.Status)
	assert.True(t, strings.HasPrefix(v.ErrorMsg, bufr.ClassFileNotFound+":"), "error message carries the class: %s", v.ErrorMsg)

	// No half-written container remains.
	p := radarname.Parsed{Radar: "RMA1", VolCode: "0315", VolNum: "01", Instant: obsInstant}
	_, err = os.Stat(p.ContainerPath(cfg.ContainerDir))
	assert.True(t, os.IsNotExist(err))
}

func TestWorkerMarksGeometryMismatch(t *testing.T) {
	// VRAD comes back with a different ray count than DBZH.
	dec := &rayCountDecoder{}
	w, cat, _ := workerFixture(t, dec)
	id := seedVolume(t, cat)
	ctx := context.Background()

	require.NoError(t, w.pass(ctx))

	v, err := cat.GetVolume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusFailed, v.Status)
	assert.True(t, strings.HasPrefix(v.ErrorMsg, ClassGeometry+":"), v.ErrorMsg)
}

type rayCountDecoder struct{}

func (d *rayCountDecoder) Decode(ctx context.Context, path string) (*bufr.Volume, error) {
	p, err := radarname.Parse(path)
	if err != nil {
		return nil, err
	}
	nrays := 4
	if p.Field == "VRAD" {
		nrays = 6
	}
	return makeVolume(p.Field, 2, nrays, 5), nil
}

func (d *rayCountDecoder) Close() error { return nil }

func TestWorkerLeavesPendingIncompleteAlone(t *testing.T) {
	dec := &fieldDecoder{}
	w, cat, _ := workerFixture(t, dec)
	ctx := context.Background()

	id := radarname.VolumeID("RMA1", "0315", "01", obsInstant)
	require.NoError(t, cat.UpsertVolume(ctx, id, "RMA1", "0315", "01", obsInstant, []string{"DBZH", "VRAD"}))
	require.NoError(t, cat.AddFieldToVolume(ctx, id, "DBZH"))

	require.NoError(t, w.pass(ctx))

	v, err := cat.GetVolume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusPending, v.Status, "incomplete volumes are never picked up")
}
