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

// Package render is the product stage: it claims completed volumes and
// turns their containers into per-field, per-elevation rasters.
package render // import "radarpipe.org/pkg/render"

import (
	"fmt"

	"radarpipe.org/pkg/cfradial"
)

// FieldInfo describes how a standardized field is scaled and colored.
type FieldInfo struct {
	Units string
	Min   float64 // colormap floor
	Max   float64 // colormap ceiling
}

// fieldTable maps standardized field names to display parameters.
var fieldTable = map[string]FieldInfo{
	"DBZH":   {"dBZ", -30, 70},
	"DBZV":   {"dBZ", -30, 70},
	"TH":     {"dBZ", -30, 70},
	"TV":     {"dBZ", -30, 70},
	"VRAD":   {"m/s", -30, 30},
	"WRAD":   {"m/s", 0, 10},
	"ZDR":    {"dB", -5, 10},
	"PHIDP":  {"degrees", -180, 180},
	"KDP":    {"degrees/km", -2, 7},
	"RHOHV":  {"unitless", 0.5, 1},
	"COLMAX": {"dBZ", -30, 70},
}

// aliases folds decoder spellings into standardized names.
var aliases = map[string]string{
	"DBZ":   "DBZH",
	"VEL":   "VRAD",
	"V":     "VRAD",
	"WIDTH": "WRAD",
	"W":     "WRAD",
	"RHO":   "RHOHV",
	"PHI":   "PHIDP",
}

// defaultInfo renders fields the table does not know.
var defaultInfo = FieldInfo{Units: "unknown", Min: 0, Max: 100}

// InfoFor returns the display parameters of a standardized field.
func InfoFor(field string) FieldInfo {
	if fi, ok := fieldTable[field]; ok {
		return fi
	}
	return defaultInfo
}

// Standardize renames aliased moments in place and backfills units
// from the field table. It fails when the container ends up with two
// moments of the same name.
func Standardize(f *cfradial.File) error {
	seen := make(map[string]bool, len(f.Moments))
	for i := range f.Moments {
		m := &f.Moments[i]
		if canonical, ok := aliases[m.Name]; ok {
			m.Name = canonical
		}
		if seen[m.Name] {
			return fmt.Errorf("render: duplicate moment %s after standardization", m.Name)
		}
		seen[m.Name] = true
		if fi, ok := fieldTable[m.Name]; ok && m.Units != fi.Units {
			m.Units = fi.Units
		}
	}
	return nil
}

// rhohvFilterFloor masks gates in the filtered product variant whose
// co-polar correlation falls below this, the usual meteorological /
// clutter separation point.
const rhohvFilterFloor = 0.92

// minRunGates is the shortest along-ray run of valid gates the
// filtered variant keeps; isolated specks shorter than this are noise.
const minRunGates = 3

// FilterMoment returns a filtered copy of one moment: gates with
// RHOHV below the floor are dropped when the container carries RHOHV,
// and short isolated runs are despeckled along each ray.
func FilterMoment(f *cfradial.File, m *cfradial.Moment) [][]float32 {
	rhohv, hasRho := f.Moment("RHOHV")
	out := make([][]float32, len(m.Data))
	for r, row := range m.Data {
		fr := make([]float32, len(row))
		copy(fr, row)
		if hasRho {
			for g := range fr {
				if rhohv.Data[r][g] != cfradial.FillValue && rhohv.Data[r][g] < rhohvFilterFloor {
					fr[g] = cfradial.FillValue
				}
			}
		}
		despeckleRay(fr)
		out[r] = fr
	}
	return out
}

// despeckleRay blanks valid runs shorter than minRunGates.
func despeckleRay(row []float32) {
	runStart := -1
	for g := 0; g <= len(row); g++ {
		valid := g < len(row) && row[g] != cfradial.FillValue
		if valid && runStart < 0 {
			runStart = g
		}
		if !valid && runStart >= 0 {
			if g-runStart < minRunGates {
				for k := runStart; k < g; k++ {
					row[k] = cfradial.FillValue
				}
			}
			runStart = -1
		}
	}
}
