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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"radarpipe.org/pkg/bufr"
	"radarpipe.org/pkg/catalog"
	"radarpipe.org/pkg/config"
	"radarpipe.org/pkg/radarname"
	"radarpipe.org/pkg/remote"
)

var obsInstant = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// treeSource serves a static remote calendar tree from memory.
type treeSource struct {
	dirs  map[string][]remote.Entry
	files map[string][]byte
}

func newTreeSource() *treeSource {
	return &treeSource{
		dirs:  make(map[string][]remote.Entry),
		files: make(map[string][]byte),
	}
}

func (s *treeSource) addFile(base, radar string, t time.Time, name string) {
	hourDir := path.Join(base, radar,
		fmt.Sprintf("%04d/%02d/%02d/%02d", t.Year(), t.Month(), t.Day(), t.Hour()))
	bucket := fmt.Sprintf("%02d%02d", t.Minute(), t.Second())
	bucketDir := path.Join(hourDir, bucket)
	found := false
	for _, e := range s.dirs[hourDir] {
		if e.Name == bucket {
			found = true
		}
	}
	if !found {
		s.dirs[hourDir] = append(s.dirs[hourDir], remote.Entry{Name: bucket, IsDir: true})
	}
	content := []byte("bufr " + name)
	s.dirs[bucketDir] = append(s.dirs[bucketDir], remote.Entry{Name: name, Size: int64(len(content))})
	s.files[path.Join(bucketDir, name)] = content
}

func (s *treeSource) List(ctx context.Context, dir string) ([]remote.Entry, error) {
	entries, ok := s.dirs[dir]
	if !ok {
		return nil, fmt.Errorf("list %s: %w", dir, remote.ErrNotExist)
	}
	return entries, nil
}

func (s *treeSource) Open(ctx context.Context, p string) (io.ReadCloser, int64, error) {
	content, ok := s.files[p]
	if !ok {
		return nil, 0, fmt.Errorf("open %s: %w", p, remote.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(content)), int64(len(content)), nil
}

// synthDecoder fabricates a small decoded volume for any file.
type synthDecoder struct{}

func (synthDecoder) Decode(ctx context.Context, p string) (*bufr.Volume, error) {
	parsed, err := radarname.Parse(p)
	if err != nil {
		return nil, &bufr.Error{Class: bufr.ClassDecode, Path: p, Err: err}
	}
	v := &bufr.Volume{
		Radar:     parsed.Radar,
		Field:     parsed.Field,
		Latitude:  -31.44,
		Longitude: -64.19,
		Altitude:  470,
		Sweeps:    make([]bufr.Sweep, 2),
	}
	for i := range v.Sweeps {
		s := &v.Sweeps[i]
		s.NRays, s.NGates = 4, 3
		s.GateSize, s.GateOffset = 500, 250
		s.FixedAngle = 0.5 + float64(i)
		s.StartTime = parsed.Instant.Add(time.Duration(i) * time.Minute)
		s.EndTime = s.StartTime.Add(30 * time.Second)
		s.Azimuth = []float64{0, 90, 180, 270}
		s.Elevation = []float64{s.FixedAngle, s.FixedAngle, s.FixedAngle, s.FixedAngle}
		s.Data = [][]float32{{10, 20, 30}, {11, 21, 31}, {12, 22, 32}, {13, 23, 33}}
	}
	return v, nil
}

func (synthDecoder) Close() error { return nil }

func daemonFixture(t *testing.T) (*Daemon, *catalog.Catalog, *config.Config, *treeSource) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	cfg := &config.Config{
		Host:         "radar.example.com",
		Radar:        "RMA1",
		BasePath:     "/L2",
		Start:        obsInstant,
		End:          obsInstant.Add(time.Hour),
		RawDir:       filepath.Join(dir, "raw"),
		ContainerDir: filepath.Join(dir, "containers"),
		ProductDir:   filepath.Join(dir, "products"),
		StatePath:    filepath.Join(dir, "state.db"),
		PollInterval: 5 * time.Millisecond,
		MaxDownloads: 2,
		MaxDecodes:   1,
		MaxRenders:   1,
		StuckTimeout: time.Hour,
		ProductType:  "image",
		AddColmax:    false,
		Expected:     config.Expectation{"0315": {"01": {"DBZH", "VRAD"}}},
	}
	src := newTreeSource()
	return New(cfg, cat, src, synthDecoder{}, testLog()), cat, cfg, src
}

func TestDaemonDrainsBoundedWindow(t *testing.T) {
	d, cat, cfg, src := daemonFixture(t)
	src.addFile("/L2", "RMA1", obsInstant, "RMA1_0315_01_DBZH_20250101T120000Z.BUFR")
	src.addFile("/L2", "RMA1", obsInstant, "RMA1_0315_01_VRAD_20250101T120000Z.BUFR")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, d.Run(ctx))
	require.NoError(t, ctx.Err(), "daemon exited on its own, not via timeout")

	id := radarname.VolumeID("RMA1", "0315", "01", obsInstant)
	v, err := cat.GetVolume(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCompleted, v.Status)

	p, err := cat.GetProduct(context.Background(), id, "image")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCompleted, p.Status)

	png := radarname.ProductPath(cfg.ProductDir, "RMA1", obsInstant, "DBZH", 0.5, false, "png")
	_, err = os.Stat(png)
	assert.NoError(t, err)
}

func TestDaemonRecoversUnassembledFile(t *testing.T) {
	d, cat, cfg, src := daemonFixture(t)

	// A previous run died after committing the DBZH file row but
	// before the volume update; later sweeps skip the completed file,
	// so only reconciliation can supply the field.
	require.NoError(t, cat.RecordCompletedFile(context.Background(), catalog.File{
		Filename:  "RMA1_0315_01_DBZH_20250101T120000Z.BUFR",
		LocalPath: filepath.Join(cfg.RawDir, "RMA1_0315_01_DBZH_20250101T120000Z.BUFR"),
		Radar:     "RMA1", Field: "DBZH", VolCode: "0315", VolNum: "01",
		Instant: obsInstant,
	}))
	src.addFile("/L2", "RMA1", obsInstant, "RMA1_0315_01_VRAD_20250101T120000Z.BUFR")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, d.Run(ctx))
	require.NoError(t, ctx.Err())

	id := radarname.VolumeID("RMA1", "0315", "01", obsInstant)
	v, err := cat.GetVolume(context.Background(), id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"DBZH", "VRAD"}, v.Downloaded)
	assert.Equal(t, catalog.StatusCompleted, v.Status)
}

func TestDrainedIgnoresStaleProductTypes(t *testing.T) {
	d, cat, _, _ := daemonFixture(t)
	ctx := context.Background()
	id := radarname.VolumeID("RMA1", "0315", "01", obsInstant)

	require.NoError(t, cat.UpsertVolume(ctx, id, "RMA1", "0315", "01", obsInstant, []string{"DBZH"}))
	require.NoError(t, cat.AddFieldToVolume(ctx, id, "DBZH"))
	claimed, err := cat.ClaimVolume(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, cat.MarkVolumeProcessed(ctx, id, "/out/vol.nc"))
	claimed, err = cat.ClaimProduct(ctx, id, "image")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, cat.MarkProductCompleted(ctx, id, "image"))

	// A pending row of a type this run is not configured to render
	// must not hold the drain open.
	require.NoError(t, cat.EnsureProduct(ctx, id, "geotiff"))

	done, err := d.drained(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestDaemonEmptyWindowExitsClean(t *testing.T) {
	d, _, _, _ := daemonFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Run(ctx))
	require.NoError(t, ctx.Err())
}

func TestDaemonCancellationStopsContinuousRun(t *testing.T) {
	d, _, cfg, _ := daemonFixture(t)
	cfg.End = time.Time{} // continuous mode

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop after cancellation")
	}
}

func TestStatusEndpoints(t *testing.T) {
	d, cat, _, _ := daemonFixture(t)
	d.started = time.Now()
	require.NoError(t, cat.RecordCompletedFile(context.Background(), catalog.File{
		Filename: "RMA1_0315_01_DBZH_20250101T120000Z.BUFR",
		Radar:    "RMA1", Field: "DBZH", VolCode: "0315", VolNum: "01",
		Instant: obsInstant,
	}))
	h := d.handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	require.Equal(t, 200, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "RMA1", resp.Radar)
	assert.Equal(t, 1, resp.Stats.Files[catalog.StatusCompleted])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "radarpipe_files")
}
