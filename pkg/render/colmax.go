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

package render

import (
	"math"

	"radarpipe.org/pkg/cfradial"
)

// Colmax computes the column-maximum reflectivity composite on the
// geometry of the lowest sweep: for every ray and gate of sweep 0,
// the maximum DBZH over all sweeps, matching rays across sweeps by
// nearest azimuth. Returns ok=false when the container has no DBZH.
func Colmax(f *cfradial.File) (data [][]float32, ok bool) {
	dbzh, ok := f.Moment("DBZH")
	if !ok || len(f.Sweeps) == 0 {
		return nil, false
	}
	base := f.Sweeps[0]
	baseAz := f.SweepAngles(0)
	ngates := len(f.Range)

	out := make([][]float32, base.EndRay-base.StartRay+1)
	for r := range out {
		row := make([]float32, ngates)
		copy(row, dbzh.Data[base.StartRay+r])
		out[r] = row
	}

	for si := 1; si < len(f.Sweeps); si++ {
		az := f.SweepAngles(si)
		start := f.Sweeps[si].StartRay
		for r, theta := range baseAz {
			src := dbzh.Data[start+nearestAzimuth(az, theta)]
			row := out[r]
			for g := 0; g < ngates; g++ {
				v := src[g]
				if v == cfradial.FillValue {
					continue
				}
				if row[g] == cfradial.FillValue || v > row[g] {
					row[g] = v
				}
			}
		}
	}
	return out, true
}

// nearestAzimuth returns the index in az closest to theta, wrapping
// around north.
func nearestAzimuth(az []float64, theta float64) int {
	best, bestDiff := 0, math.MaxFloat64
	for i, a := range az {
		d := math.Abs(math.Mod(a-theta+540, 360) - 180)
		if d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return best
}
