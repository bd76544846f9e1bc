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

// Package convert is the decode stage: it claims complete volumes,
// decodes every field file, aligns the fields onto one shared
// geometry, and writes the canonical container.
package convert // import "radarpipe.org/pkg/convert"

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"radarpipe.org/pkg/bufr"
	"radarpipe.org/pkg/cfradial"
)

// Failure classes recorded in the catalog next to decode classes from
// package bufr.
const (
	ClassGeometry = "GEOMETRY_MISMATCH"
	ClassIO       = "IO_ERROR"
)

// Error is a classified conversion failure.
type Error struct {
	Class string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("convert: %s: %v", e.Class, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Classify returns the failure class of any converter-stage error.
func Classify(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	var de *bufr.Error
	if errors.As(err, &de) {
		return de.Class
	}
	return ClassIO
}

// geomTolerance is the allowed disagreement in gate size and offset
// between fields, in meters. The decoder emits these from the same
// scan definition, so any real spread means a mixed-up volume.
const geomTolerance = 0.5

// momentUnits maps standardized field names to the units recorded in
// the container.
var momentUnits = map[string]string{
	"DBZH":  "dBZ",
	"DBZV":  "dBZ",
	"TH":    "dBZ",
	"TV":    "dBZ",
	"VRAD":  "m/s",
	"WRAD":  "m/s",
	"ZDR":   "dB",
	"PHIDP": "degrees",
	"KDP":   "degrees/km",
	"RHOHV": "unitless",
	"CM":    "unitless",
}

// UnitsFor returns the units for a field, or "unknown".
func UnitsFor(field string) string {
	if u, ok := momentUnits[field]; ok {
		return u
	}
	return "unknown"
}

// Align merges single-field decoded volumes onto the geometry of the
// longest-range field and returns the container. Fields are emitted in
// the given order, extras appended alphabetically. Sweeps must agree
// in count, per-sweep ray count, gate size, and gate offset; shorter
// fields are right-padded with the fill value.
func Align(vols map[string]*bufr.Volume, order []string) (*cfradial.File, error) {
	if len(vols) == 0 {
		return nil, &Error{Class: ClassGeometry, Err: errors.New("no fields to align")}
	}
	fields := orderedFields(vols, order)

	ref := vols[fields[0]]
	refField := fields[0]
	for _, name := range fields[1:] {
		if volMaxRange(vols[name]) > volMaxRange(ref) {
			ref, refField = vols[name], name
		}
	}
	nsweeps := len(ref.Sweeps)
	if nsweeps == 0 {
		return nil, &Error{Class: ClassGeometry, Err: fmt.Errorf("field %s: no sweeps", refField)}
	}
	for _, name := range fields {
		if got := len(vols[name].Sweeps); got != nsweeps {
			return nil, &Error{Class: ClassGeometry,
				Err: fmt.Errorf("field %s has %d sweeps, %s has %d", name, got, refField, nsweeps)}
		}
	}

	// A single shared range axis requires constant gate geometry
	// across the reference's sweeps.
	ngates := 0
	for i, s := range ref.Sweeps {
		if math.Abs(s.GateSize-ref.Sweeps[0].GateSize) > geomTolerance ||
			math.Abs(s.GateOffset-ref.Sweeps[0].GateOffset) > geomTolerance {
			return nil, &Error{Class: ClassGeometry,
				Err: fmt.Errorf("field %s: sweep %d gate geometry differs from sweep 0", refField, i)}
		}
		if s.NGates > ngates {
			ngates = s.NGates
		}
	}

	nrays := 0
	for _, s := range ref.Sweeps {
		nrays += s.NRays
	}

	cf := &cfradial.File{
		Radar:     ref.Radar,
		Latitude:  ref.Latitude,
		Longitude: ref.Longitude,
		Altitude:  ref.Altitude,
		Frequency: ref.Frequency,
		BeamWidth: ref.BeamWidth,
		Time:      make([]float64, 0, nrays),
		Azimuth:   make([]float64, 0, nrays),
		Elevation: make([]float64, 0, nrays),
		Range:     make([]float64, ngates),
		Sweeps:    make([]cfradial.SweepInfo, nsweeps),
	}
	for i := range cf.Range {
		cf.Range[i] = ref.Sweeps[0].GateOffset + float64(i)*ref.Sweeps[0].GateSize
	}

	cf.TimeCoverageStart = ref.Sweeps[0].StartTime
	cf.TimeCoverageEnd = ref.Sweeps[0].EndTime
	for _, s := range ref.Sweeps {
		if s.StartTime.Before(cf.TimeCoverageStart) {
			cf.TimeCoverageStart = s.StartTime
		}
		if s.EndTime.After(cf.TimeCoverageEnd) {
			cf.TimeCoverageEnd = s.EndTime
		}
	}

	row := 0
	for i, s := range ref.Sweeps {
		cf.Sweeps[i] = cfradial.SweepInfo{
			FixedAngle:      s.FixedAngle,
			StartRay:        row,
			EndRay:          row + s.NRays - 1,
			PRT:             s.PRT,
			PulseWidth:      s.PulseWidth,
			NyquistVelocity: s.NyquistVelocity,
		}
		for r := 0; r < s.NRays; r++ {
			cf.Time = append(cf.Time, rayOffset(s, r).Sub(cf.TimeCoverageStart).Seconds())
			cf.Azimuth = append(cf.Azimuth, s.Azimuth[r])
			cf.Elevation = append(cf.Elevation, s.Elevation[r])
		}
		row += s.NRays
	}

	for _, name := range fields {
		data, err := alignField(vols[name], ref, refField, ngates)
		if err != nil {
			return nil, err
		}
		cf.Moments = append(cf.Moments, cfradial.Moment{
			Name:  name,
			Units: UnitsFor(name),
			Data:  data,
		})
	}
	return cf, nil
}

// alignField stacks one field's sweeps, right-padding every ray to
// ngates. The field must not outrange the reference.
func alignField(v, ref *bufr.Volume, refField string, ngates int) ([][]float32, error) {
	var out [][]float32
	for i := range v.Sweeps {
		s := &v.Sweeps[i]
		rs := &ref.Sweeps[i]
		if s.NRays != rs.NRays {
			return nil, &Error{Class: ClassGeometry,
				Err: fmt.Errorf("field %s: sweep %d has %d rays, %s has %d", v.Field, i, s.NRays, refField, rs.NRays)}
		}
		if math.Abs(s.GateSize-rs.GateSize) > geomTolerance ||
			math.Abs(s.GateOffset-rs.GateOffset) > geomTolerance {
			return nil, &Error{Class: ClassGeometry,
				Err: fmt.Errorf("field %s: sweep %d gate geometry differs from %s", v.Field, i, refField)}
		}
		if s.NGates > ngates {
			return nil, &Error{Class: ClassGeometry,
				Err: fmt.Errorf("field %s: sweep %d has %d gates, exceeds reference %d", v.Field, i, s.NGates, ngates)}
		}
		for r := 0; r < s.NRays; r++ {
			row := make([]float32, ngates)
			n := copy(row, s.Data[r])
			for g := n; g < ngates; g++ {
				row[g] = cfradial.FillValue
			}
			out = append(out, row)
		}
	}
	return out, nil
}

// rayOffset interpolates the time of ray r linearly across the sweep.
func rayOffset(s bufr.Sweep, r int) time.Time {
	if s.NRays <= 1 {
		return s.StartTime
	}
	span := s.EndTime.Sub(s.StartTime)
	return s.StartTime.Add(span * time.Duration(r) / time.Duration(s.NRays-1))
}

func volMaxRange(v *bufr.Volume) float64 {
	max := 0.0
	for i := range v.Sweeps {
		if r := v.Sweeps[i].MaxRange(); r > max {
			max = r
		}
	}
	return max
}

func orderedFields(vols map[string]*bufr.Volume, order []string) []string {
	var fields []string
	seen := make(map[string]bool)
	for _, name := range order {
		if _, ok := vols[name]; ok && !seen[name] {
			fields = append(fields, name)
			seen[name] = true
		}
	}
	var extras []string
	for name := range vols {
		if !seen[name] {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	return append(fields, extras...)
}
