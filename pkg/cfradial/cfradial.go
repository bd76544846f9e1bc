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

// Package cfradial defines the canonical volume container and its
// NetCDF serialization, loosely following the CF/Radial conventions.
//
// A container holds every moment of one scan on a single shared
// geometry: rays of all sweeps stacked along the time dimension, one
// common range axis, and per-sweep index ranges into the stack.
package cfradial // import "radarpipe.org/pkg/cfradial"

import (
	"fmt"
	"time"
)

// FillValue marks gates without a return in stored moments.
const FillValue = float32(-9999.0)

// Conventions is the value of the Conventions global attribute.
const Conventions = "CF/Radial"

// Moment is one radar field on the shared geometry.
type Moment struct {
	Name  string // standardized field name, e.g. "DBZH"
	Units string // e.g. "dBZ"
	Data  [][]float32
}

// SweepInfo locates one sweep inside the stacked ray dimension and
// carries its per-sweep instrument parameters.
type SweepInfo struct {
	FixedAngle float64 // degrees
	StartRay   int     // inclusive
	EndRay     int     // inclusive

	PRT             float64 // seconds
	PulseWidth      float64 // seconds
	NyquistVelocity float64 // m/s
}

// File is one canonical volume container.
type File struct {
	Radar   string
	VolCode string
	VolNum  string

	Latitude  float64
	Longitude float64
	Altitude  float64
	Frequency float64
	BeamWidth float64

	TimeCoverageStart time.Time
	TimeCoverageEnd   time.Time

	// Per stacked ray.
	Time      []float64 // seconds since TimeCoverageStart
	Azimuth   []float64 // degrees
	Elevation []float64 // degrees

	Range []float64 // gate center distances, meters

	Sweeps  []SweepInfo
	Moments []Moment
}

// NRays returns the stacked ray count.
func (f *File) NRays() int { return len(f.Time) }

// RayTime returns the wall-clock time of stacked ray i.
func (f *File) RayTime(i int) time.Time {
	return f.TimeCoverageStart.Add(time.Duration(f.Time[i] * float64(time.Second)))
}

// Moment returns the named moment, or ok=false.
func (f *File) Moment(name string) (*Moment, bool) {
	for i := range f.Moments {
		if f.Moments[i].Name == name {
			return &f.Moments[i], true
		}
	}
	return nil, false
}

// SweepRays returns the rays-by-gates block of one moment restricted
// to one sweep.
func (f *File) SweepRays(m *Moment, sweep int) [][]float32 {
	s := f.Sweeps[sweep]
	return m.Data[s.StartRay : s.EndRay+1]
}

// SweepAngles returns the per-ray azimuths of one sweep.
func (f *File) SweepAngles(sweep int) []float64 {
	s := f.Sweeps[sweep]
	return f.Azimuth[s.StartRay : s.EndRay+1]
}

// Validate checks the internal consistency a writer relies on.
func (f *File) Validate() error {
	n := f.NRays()
	if n == 0 {
		return fmt.Errorf("cfradial: no rays")
	}
	if len(f.Azimuth) != n || len(f.Elevation) != n {
		return fmt.Errorf("cfradial: angle arrays disagree with %d rays", n)
	}
	if len(f.Range) == 0 {
		return fmt.Errorf("cfradial: empty range axis")
	}
	if len(f.Sweeps) == 0 {
		return fmt.Errorf("cfradial: no sweeps")
	}
	for i, s := range f.Sweeps {
		if s.StartRay < 0 || s.EndRay < s.StartRay || s.EndRay >= n {
			return fmt.Errorf("cfradial: sweep %d: bad ray span [%d,%d] of %d", i, s.StartRay, s.EndRay, n)
		}
	}
	for _, m := range f.Moments {
		if len(m.Data) != n {
			return fmt.Errorf("cfradial: moment %s: %d rows, want %d", m.Name, len(m.Data), n)
		}
		for r, row := range m.Data {
			if len(row) != len(f.Range) {
				return fmt.Errorf("cfradial: moment %s: ray %d has %d gates, want %d", m.Name, r, len(row), len(f.Range))
			}
		}
	}
	return nil
}
