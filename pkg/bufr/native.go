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

package bufr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ebitengine/purego"
	"go4.org/syncutil"

	"radarpipe.org/pkg/radarname"
)

// libVolumeMeta mirrors the bufrdec_volume_meta_t C struct.
type libVolumeMeta struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
	Frequency float64
	BeamWidth float64
	NSweeps   int32
	_         int32
}

// libSweepMeta mirrors the bufrdec_sweep_meta_t C struct.
type libSweepMeta struct {
	NRays      int32
	NGates     int32
	GateSize   float64
	GateOffset float64
	FixedAngle float64
	StartUnix  int64
	EndUnix    int64
	PRT        float64
	PulseWidth float64
	Nyquist    float64
}

// Native drives the legacy decoder shared library. The library keeps
// global parsing state, so decodes are serialized through a gate of 1
// regardless of how many worker goroutines call in.
type Native struct {
	gate      *syncutil.Gate
	resources string

	open       func(path, resources string) uintptr
	lastError  func() string
	volumeMeta func(h uintptr, out *libVolumeMeta) int32
	sweepMeta  func(h uintptr, idx int32, out *libSweepMeta) int32
	sweepRays  func(h uintptr, idx int32, azimuth, elevation *float64) int32
	sweepData  func(h uintptr, idx int32, buf *float32) int32
	release    func(h uintptr)
}

var _ Decoder = (*Native)(nil)

// OpenLibrary loads the decoder shared library at libPath.
// resourcesDir points at the decoder's table files; empty lets the
// library use its compiled-in default.
func OpenLibrary(libPath, resourcesDir string) (*Native, error) {
	lib, err := purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("bufr: loading %s: %w", libPath, err)
	}
	n := &Native{gate: syncutil.NewGate(1), resources: resourcesDir}
	for _, reg := range []struct {
		name string
		fn   interface{}
	}{
		{"bufrdec_open", &n.open},
		{"bufrdec_last_error", &n.lastError},
		{"bufrdec_volume_meta", &n.volumeMeta},
		{"bufrdec_sweep_meta", &n.sweepMeta},
		{"bufrdec_sweep_rays", &n.sweepRays},
		{"bufrdec_sweep_data", &n.sweepData},
		{"bufrdec_close", &n.release},
	} {
		purego.RegisterLibFunc(reg.fn, lib, reg.name)
	}
	return n, nil
}

// Close is a no-op: purego offers no portable dlclose and the library
// lives as long as the process anyway.
func (n *Native) Close() error { return nil }

// Decode decodes one BUFR file. A missing file fails with
// FILE_NOT_FOUND; everything the library rejects is DECODE_ERROR.
func (n *Native) Decode(ctx context.Context, path string) (*Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, &Error{Class: ClassFileNotFound, Path: path, Err: err}
	}

	n.gate.Start()
	defer n.gate.Done()

	h := n.open(path, n.resources)
	if h == 0 {
		return nil, n.libError(path)
	}
	defer n.release(h)

	var vm libVolumeMeta
	if n.volumeMeta(h, &vm) != 0 {
		return nil, n.libError(path)
	}
	vol := &Volume{
		Latitude:  vm.Latitude,
		Longitude: vm.Longitude,
		Altitude:  vm.Altitude,
		Frequency: vm.Frequency,
		BeamWidth: vm.BeamWidth,
		Sweeps:    make([]Sweep, vm.NSweeps),
	}
	if p, err := radarname.Parse(path); err == nil {
		vol.Radar = p.Radar
		vol.Field = p.Field
	}
	for i := range vol.Sweeps {
		if err := n.decodeSweep(h, int32(i), &vol.Sweeps[i], path); err != nil {
			return nil, err
		}
	}
	return vol, nil
}

func (n *Native) decodeSweep(h uintptr, idx int32, s *Sweep, path string) error {
	var sm libSweepMeta
	if n.sweepMeta(h, idx, &sm) != 0 {
		return n.libError(path)
	}
	if sm.NRays <= 0 || sm.NGates <= 0 {
		return &Error{Class: ClassDecode, Path: path,
			Err: fmt.Errorf("sweep %d: implausible geometry %dx%d", idx, sm.NRays, sm.NGates)}
	}
	s.NRays = int(sm.NRays)
	s.NGates = int(sm.NGates)
	s.GateSize = sm.GateSize
	s.GateOffset = sm.GateOffset
	s.FixedAngle = sm.FixedAngle
	s.StartTime = time.Unix(sm.StartUnix, 0).UTC()
	s.EndTime = time.Unix(sm.EndUnix, 0).UTC()
	s.PRT = sm.PRT
	s.PulseWidth = sm.PulseWidth
	s.NyquistVelocity = sm.Nyquist

	s.Azimuth = make([]float64, s.NRays)
	s.Elevation = make([]float64, s.NRays)
	if n.sweepRays(h, idx, &s.Azimuth[0], &s.Elevation[0]) != 0 {
		return n.libError(path)
	}

	flat := make([]float32, s.NRays*s.NGates)
	if n.sweepData(h, idx, &flat[0]) != 0 {
		return n.libError(path)
	}
	s.Data = make([][]float32, s.NRays)
	for r := 0; r < s.NRays; r++ {
		s.Data[r] = flat[r*s.NGates : (r+1)*s.NGates : (r+1)*s.NGates]
	}
	return nil
}

func (n *Native) libError(path string) error {
	msg := n.lastError()
	if msg == "" {
		msg = "unspecified decoder failure"
	}
	return &Error{Class: ClassDecode, Path: path, Err: errors.New(msg)}
}
