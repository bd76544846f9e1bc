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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"radarpipe.org/pkg/bufr"
	"radarpipe.org/pkg/cfradial"
)

var sweepStart = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// makeVolume builds a synthetic decoded field: every gate holds
// sweep*100 + ray.
func makeVolume(field string, nsweeps, nrays, ngates int) *bufr.Volume {
	v := &bufr.Volume{
		Radar:     "RMA1",
		Field:     field,
		Latitude:  -31.44,
		Longitude: -64.19,
		Altitude:  470,
		Sweeps:    make([]bufr.Sweep, nsweeps),
	}
	for i := range v.Sweeps {
		s := &v.Sweeps[i]
		s.NRays = nrays
		s.NGates = ngates
		s.GateSize = 500
		s.GateOffset = 250
		s.FixedAngle = 0.5 + float64(i)
		s.StartTime = sweepStart.Add(time.Duration(i) * time.Minute)
		s.EndTime = s.StartTime.Add(30 * time.Second)
		s.PRT = 0.001
		s.PulseWidth = 2e-6
		s.NyquistVelocity = 13.3
		s.Azimuth = make([]float64, nrays)
		s.Elevation = make([]float64, nrays)
		s.Data = make([][]float32, nrays)
		for r := 0; r < nrays; r++ {
			s.Azimuth[r] = float64(r) * 360 / float64(nrays)
			s.Elevation[r] = s.FixedAngle
			row := make([]float32, ngates)
			for g := range row {
				row[g] = float32(i*100 + r)
			}
			s.Data[r] = row
		}
	}
	return v
}

func TestAlignPadsShorterFields(t *testing.T) {
	vols := map[string]*bufr.Volume{
		"DBZH": makeVolume("DBZH", 2, 4, 6),
		"VRAD": makeVolume("VRAD", 2, 4, 4),
	}
	cf, err := Align(vols, []string{"DBZH", "VRAD"})
	require.NoError(t, err)

	assert.Len(t, cf.Range, 6, "range axis comes from the longest field")
	assert.Equal(t, 250.0, cf.Range[0])
	assert.Equal(t, 250.0+5*500, cf.Range[5])
	assert.Equal(t, 8, cf.NRays())

	vrad, ok := cf.Moment("VRAD")
	require.True(t, ok)
	for _, row := range vrad.Data {
		require.Len(t, row, 6)
		assert.Equal(t, cfradial.FillValue, row[4], "short field is right-padded")
		assert.Equal(t, cfradial.FillValue, row[5])
		assert.NotEqual(t, cfradial.FillValue, row[3])
	}

	dbzh, ok := cf.Moment("DBZH")
	require.True(t, ok)
	assert.Equal(t, float32(0), dbzh.Data[0][5], "reference field is untouched")
	assert.Equal(t, "dBZ", dbzh.Units)
}

func TestAlignSweepStructure(t *testing.T) {
	cf, err := Align(map[string]*bufr.Volume{"DBZH": makeVolume("DBZH", 3, 4, 5)}, []string{"DBZH"})
	require.NoError(t, err)

	require.Len(t, cf.Sweeps, 3)
	assert.Equal(t, 0, cf.Sweeps[0].StartRay)
	assert.Equal(t, 3, cf.Sweeps[0].EndRay)
	assert.Equal(t, 4, cf.Sweeps[1].StartRay)
	assert.Equal(t, 11, cf.Sweeps[2].EndRay)
	assert.Equal(t, 2.5, cf.Sweeps[2].FixedAngle)

	// Ray times interpolate across each sweep.
	assert.Equal(t, 0.0, cf.Time[0])
	assert.Equal(t, 30.0, cf.Time[3])
	assert.Equal(t, 60.0, cf.Time[4], "second sweep starts a minute in")
	assert.Equal(t, cf.TimeCoverageStart.Add(150*time.Second), cf.TimeCoverageEnd)
}

func TestAlignRayCountMismatch(t *testing.T) {
	vols := map[string]*bufr.Volume{
		"DBZH": makeVolume("DBZH", 2, 4, 6),
		"VRAD": makeVolume("VRAD", 2, 5, 4),
	}
	_, err := Align(vols, []string{"DBZH", "VRAD"})
	require.Error(t, err)
	assert.Equal(t, ClassGeometry, Classify(err))
}

func TestAlignSweepCountMismatch(t *testing.T) {
	vols := map[string]*bufr.Volume{
		"DBZH": makeVolume("DBZH", 2, 4, 6),
		"VRAD": makeVolume("VRAD", 3, 4, 4),
	}
	_, err := Align(vols, []string{"DBZH", "VRAD"})
	require.Error(t, err)
	assert.Equal(t, ClassGeometry, Classify(err))
}

func TestAlignGateGeometryMismatch(t *testing.T) {
	dbzh := makeVolume("DBZH", 2, 4, 6)
	vrad := makeVolume("VRAD", 2, 4, 4)
	vrad.Sweeps[1].GateSize = 300
	_, err := Align(map[string]*bufr.Volume{"DBZH": dbzh, "VRAD": vrad}, []string{"DBZH", "VRAD"})
	require.Error(t, err)
	assert.Equal(t, ClassGeometry, Classify(err))
}

func TestAlignFieldOrder(t *testing.T) {
	vols := map[string]*bufr.Volume{
		"VRAD": makeVolume("VRAD", 1, 2, 3),
		"DBZH": makeVolume("DBZH", 1, 2, 3),
		"ZDR":  makeVolume("ZDR", 1, 2, 3),
	}
	cf, err := Align(vols, []string{"DBZH", "VRAD"})
	require.NoError(t, err)
	require.Len(t, cf.Moments, 3)
	assert.Equal(t, "DBZH", cf.Moments[0].Name)
	assert.Equal(t, "VRAD", cf.Moments[1].Name)
	assert.Equal(t, "ZDR", cf.Moments[2].Name, "extra fields trail in name order")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassGeometry, Classify(&Error{Class: ClassGeometry}))
	assert.Equal(t, bufr.ClassFileNotFound,
		Classify(&bufr.Error{Class: bufr.ClassFileNotFound}))
	assert.Equal(t, ClassIO, Classify(assert.AnError))
}
