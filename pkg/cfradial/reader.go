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
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
)

// Read loads a container written by Write.
func Read(path string) (*File, error) {
	g, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cfradial: open %s: %w", path, err)
	}
	defer g.Close()

	f := &File{}
	attrs := g.Attributes()
	f.Radar = stringAttr(attrs, "instrument_name")
	f.VolCode = stringAttr(attrs, "volume_code")
	f.VolNum = stringAttr(attrs, "volume_number")
	if f.TimeCoverageStart, err = timeAttr(attrs, "time_coverage_start"); err != nil {
		return nil, err
	}
	if f.TimeCoverageEnd, err = timeAttr(attrs, "time_coverage_end"); err != nil {
		return nil, err
	}

	if f.Time, err = floats1D(g, varTime); err != nil {
		return nil, err
	}
	if f.Range, err = floats1D(g, varRange); err != nil {
		return nil, err
	}
	if f.Azimuth, err = floats1D(g, varAzimuth); err != nil {
		return nil, err
	}
	if f.Elevation, err = floats1D(g, varElevation); err != nil {
		return nil, err
	}

	starts, err := ints1D(g, varSweepStart)
	if err != nil {
		return nil, err
	}
	ends, err := ints1D(g, varSweepEnd)
	if err != nil {
		return nil, err
	}
	fixed, err := floats1D(g, varFixedAngle)
	if err != nil {
		return nil, err
	}
	prt, err := floats1D(g, varPRT)
	if err != nil {
		return nil, err
	}
	pulse, err := floats1D(g, varPulseWidth)
	if err != nil {
		return nil, err
	}
	nyquist, err := floats1D(g, varNyquist)
	if err != nil {
		return nil, err
	}
	if len(ends) != len(starts) || len(fixed) != len(starts) {
		return nil, fmt.Errorf("cfradial: %s: inconsistent sweep arrays", path)
	}
	f.Sweeps = make([]SweepInfo, len(starts))
	for i := range starts {
		f.Sweeps[i] = SweepInfo{
			StartRay:        starts[i],
			EndRay:          ends[i],
			FixedAngle:      fixed[i],
			PRT:             prt[i],
			PulseWidth:      pulse[i],
			NyquistVelocity: nyquist[i],
		}
	}

	if f.Latitude, err = scalar(g, varLatitude); err != nil {
		return nil, err
	}
	if f.Longitude, err = scalar(g, varLongitude); err != nil {
		return nil, err
	}
	if f.Altitude, err = scalar(g, varAltitude); err != nil {
		return nil, err
	}
	if f.Frequency, err = scalar(g, varFrequency); err != nil {
		return nil, err
	}
	if f.BeamWidth, err = scalar(g, varBeamWidth); err != nil {
		return nil, err
	}

	for _, name := range g.ListVariables() {
		if isCoordinateVar(name) {
			continue
		}
		v, err := g.GetVariable(name)
		if err != nil {
			return nil, fmt.Errorf("cfradial: reading moment %s: %w", name, err)
		}
		data, ok := v.Values.([][]float32)
		if !ok {
			return nil, fmt.Errorf("cfradial: moment %s: unexpected type %T", name, v.Values)
		}
		m := Moment{Name: name, Data: data}
		if v.Attributes != nil {
			if u, has := v.Attributes.Get("units"); has {
				if s, ok := u.(string); ok {
					m.Units = s
				}
			}
		}
		f.Moments = append(f.Moments, m)
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("cfradial: %s: %w", path, err)
	}
	return f, nil
}

func stringAttr(attrs api.AttributeMap, key string) string {
	v, has := attrs.Get(key)
	if !has {
		return ""
	}
	s, _ := v.(string)
	return s
}

func timeAttr(attrs api.AttributeMap, key string) (time.Time, error) {
	s := stringAttr(attrs, key)
	if s == "" {
		return time.Time{}, fmt.Errorf("cfradial: missing %s attribute", key)
	}
	t, err := time.ParseInLocation(timeAttrLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("cfradial: bad %s %q: %w", key, s, err)
	}
	return t, nil
}

func floats1D(g api.Group, name string) ([]float64, error) {
	v, err := g.GetVariable(name)
	if err != nil {
		return nil, fmt.Errorf("cfradial: reading %s: %w", name, err)
	}
	switch vals := v.Values.(type) {
	case []float64:
		return vals, nil
	case []float32:
		out := make([]float64, len(vals))
		for i, x := range vals {
			out[i] = float64(x)
		}
		return out, nil
	}
	return nil, fmt.Errorf("cfradial: %s: unexpected type %T", name, v.Values)
}

func ints1D(g api.Group, name string) ([]int, error) {
	v, err := g.GetVariable(name)
	if err != nil {
		return nil, fmt.Errorf("cfradial: reading %s: %w", name, err)
	}
	vals, ok := v.Values.([]int32)
	if !ok {
		return nil, fmt.Errorf("cfradial: %s: unexpected type %T", name, v.Values)
	}
	out := make([]int, len(vals))
	for i, x := range vals {
		out[i] = int(x)
	}
	return out, nil
}

func scalar(g api.Group, name string) (float64, error) {
	v, err := g.GetVariable(name)
	if err != nil {
		return 0, fmt.Errorf("cfradial: reading %s: %w", name, err)
	}
	switch x := v.Values.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	}
	return 0, fmt.Errorf("cfradial: %s: unexpected type %T", name, v.Values)
}
