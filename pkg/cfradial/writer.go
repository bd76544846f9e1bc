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

package cfradial

import (
	"fmt"
	"os"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
)

// Variable and dimension names of the container layout. Everything
// not in this set is a moment.
const (
	dimTime  = "time"
	dimRange = "range"
	dimSweep = "sweep"

	varTime       = "time"
	varRange      = "range"
	varAzimuth    = "azimuth"
	varElevation  = "elevation"
	varSweepStart = "sweep_start_ray_index"
	varSweepEnd   = "sweep_end_ray_index"
	varFixedAngle = "fixed_angle"
	varPRT        = "prt"
	varPulseWidth = "pulse_width"
	varNyquist    = "nyquist_velocity"
	varLatitude   = "latitude"
	varLongitude  = "longitude"
	varAltitude   = "altitude"
	varFrequency  = "frequency"
	varBeamWidth  = "radar_beam_width_h"
)

func isCoordinateVar(name string) bool {
	switch name {
	case varTime, varRange, varAzimuth, varElevation,
		varSweepStart, varSweepEnd, varFixedAngle,
		varPRT, varPulseWidth, varNyquist,
		varLatitude, varLongitude, varAltitude, varFrequency, varBeamWidth:
		return true
	}
	return false
}

const timeAttrLayout = "2006-01-02T15:04:05Z"

// Write serializes f at path, atomically: the file appears complete or
// not at all.
func Write(path string, f *File) (err error) {
	if err := f.Validate(); err != nil {
		return err
	}
	tmp := path + ".tmp"
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()
	if err := writeCDF(tmp, f); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeCDF(path string, f *File) error {
	cw, err := cdf.OpenWriter(path)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if !closed {
			cw.Close()
		}
	}()

	global, err := attrMap(
		attr{"Conventions", Conventions},
		attr{"instrument_name", f.Radar},
		attr{"volume_code", f.VolCode},
		attr{"volume_number", f.VolNum},
		attr{"time_coverage_start", f.TimeCoverageStart.UTC().Format(timeAttrLayout)},
		attr{"time_coverage_end", f.TimeCoverageEnd.UTC().Format(timeAttrLayout)},
	)
	if err != nil {
		return err
	}
	if err := cw.AddAttributes(global); err != nil {
		return err
	}

	nsweeps := len(f.Sweeps)
	starts := make([]int32, nsweeps)
	ends := make([]int32, nsweeps)
	fixed := make([]float64, nsweeps)
	prt := make([]float64, nsweeps)
	pulse := make([]float64, nsweeps)
	nyquist := make([]float64, nsweeps)
	for i, s := range f.Sweeps {
		starts[i] = int32(s.StartRay)
		ends[i] = int32(s.EndRay)
		fixed[i] = s.FixedAngle
		prt[i] = s.PRT
		pulse[i] = s.PulseWidth
		nyquist[i] = s.NyquistVelocity
	}

	vars := []struct {
		name  string
		v     api.Variable
		units string
	}{
		{varTime, api.Variable{Values: f.Time, Dimensions: []string{dimTime}},
			"seconds since " + f.TimeCoverageStart.UTC().Format(timeAttrLayout)},
		{varRange, api.Variable{Values: f.Range, Dimensions: []string{dimRange}}, "meters"},
		{varAzimuth, api.Variable{Values: f.Azimuth, Dimensions: []string{dimTime}}, "degrees"},
		{varElevation, api.Variable{Values: f.Elevation, Dimensions: []string{dimTime}}, "degrees"},
		{varSweepStart, api.Variable{Values: starts, Dimensions: []string{dimSweep}}, ""},
		{varSweepEnd, api.Variable{Values: ends, Dimensions: []string{dimSweep}}, ""},
		{varFixedAngle, api.Variable{Values: fixed, Dimensions: []string{dimSweep}}, "degrees"},
		{varPRT, api.Variable{Values: prt, Dimensions: []string{dimSweep}}, "seconds"},
		{varPulseWidth, api.Variable{Values: pulse, Dimensions: []string{dimSweep}}, "seconds"},
		{varNyquist, api.Variable{Values: nyquist, Dimensions: []string{dimSweep}}, "meters per second"},
		{varLatitude, api.Variable{Values: f.Latitude}, "degrees_north"},
		{varLongitude, api.Variable{Values: f.Longitude}, "degrees_east"},
		{varAltitude, api.Variable{Values: f.Altitude}, "meters"},
		{varFrequency, api.Variable{Values: f.Frequency}, "hertz"},
		{varBeamWidth, api.Variable{Values: f.BeamWidth}, "degrees"},
	}
	for _, sv := range vars {
		if sv.units != "" {
			m, err := attrMap(attr{"units", sv.units})
			if err != nil {
				return err
			}
			sv.v.Attributes = m
		}
		if err := cw.AddVar(sv.name, sv.v); err != nil {
			return fmt.Errorf("cfradial: writing %s: %w", sv.name, err)
		}
	}

	for _, m := range f.Moments {
		attrs, err := attrMap(attr{"units", m.Units}, attr{"_FillValue", FillValue})
		if err != nil {
			return err
		}
		v := api.Variable{
			Values:     m.Data,
			Dimensions: []string{dimTime, dimRange},
			Attributes: attrs,
		}
		if err := cw.AddVar(m.Name, v); err != nil {
			return fmt.Errorf("cfradial: writing moment %s: %w", m.Name, err)
		}
	}

	closed = true
	return cw.Close()
}

type attr struct {
	key string
	val interface{}
}

func attrMap(attrs ...attr) (api.AttributeMap, error) {
	keys := make([]string, len(attrs))
	vals := make(map[string]interface{}, len(attrs))
	for i, a := range attrs {
		keys[i] = a.key
		vals[a.key] = a.val
	}
	return util.NewOrderedMap(keys, vals)
}

