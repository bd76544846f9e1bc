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

// Package radarname parses radar BUFR filenames and derives the
// filesystem layouts built from them.
//
// A filename looks like
//
//	RMA1_0315_01_DBZH_20250101T120000Z.BUFR
//
// radar, volume code, volume number, field, observation instant. This
// package is the single definition of that structure; no other package
// splits filenames by hand.
package radarname // import "radarpipe.org/pkg/radarname"

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// StampLayout is the time layout of the instant component of a BUFR
// filename and of the derived container and product filenames.
const StampLayout = "20060102T150405Z"

// Parsed holds the components of a BUFR filename.
type Parsed struct {
	Radar   string // e.g. "RMA1"
	VolCode string // scan strategy, e.g. "0315"
	VolNum  string // volume sub-number, e.g. "01"
	Field   string // e.g. "DBZH"
	Instant time.Time
	Ext     string // extension without dot, e.g. "BUFR"
}

// Parse parses a BUFR filename. The path component, if any, is ignored.
func Parse(filename string) (Parsed, error) {
	base := path.Base(filename)
	ext := ""
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		ext = base[i+1:]
		base = base[:i]
	}
	parts := strings.Split(base, "_")
	if len(parts) != 5 {
		return Parsed{}, fmt.Errorf("radarname: %q: want 5 underscore-separated components, got %d", filename, len(parts))
	}
	instant, err := time.ParseInLocation(StampLayout, parts[4], time.UTC)
	if err != nil {
		return Parsed{}, fmt.Errorf("radarname: %q: bad instant %q: %w", filename, parts[4], err)
	}
	for i, part := range parts[:4] {
		if part == "" {
			return Parsed{}, fmt.Errorf("radarname: %q: empty component %d", filename, i)
		}
	}
	return Parsed{
		Radar:   parts[0],
		VolCode: parts[1],
		VolNum:  parts[2],
		Field:   parts[3],
		Instant: instant,
		Ext:     ext,
	}, nil
}

// Stamp returns the filename instant formatted with StampLayout.
func (p Parsed) Stamp() string { return p.Instant.UTC().Format(StampLayout) }

// VolumeID returns the deterministic identity of the volume this file
// belongs to. The field is deliberately not part of the identity:
// different fields of one scan share a volume.
func (p Parsed) VolumeID() string {
	return VolumeID(p.Radar, p.VolCode, p.VolNum, p.Instant)
}

// VolumeID encodes the (radar, volume code, volume number, instant)
// quadruple as a catalog key.
func VolumeID(radar, volCode, volNum string, instant time.Time) string {
	return radar + "_" + volCode + "_" + volNum + "_" + instant.UTC().Format(StampLayout)
}

// LocalPath returns where the raw file is stored below root:
// <root>/<radar>/YYYY/MM/DD/HH/<filename>.
func (p Parsed) LocalPath(root, filename string) string {
	t := p.Instant.UTC()
	return path.Join(root, p.Radar,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
		fmt.Sprintf("%02d", t.Hour()),
		filename)
}

// ContainerPath returns the canonical container path for the volume:
// <root>/<radar>/YYYY/MM/DD/<radar>_<volcode>_<volnum>_<stamp>.nc.
func (p Parsed) ContainerPath(root string) string {
	t := p.Instant.UTC()
	name := fmt.Sprintf("%s_%s_%s_%s.nc", p.Radar, p.VolCode, p.VolNum, p.Stamp())
	return path.Join(root, p.Radar,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
		name)
}

// ProductPath returns the path of one rendered product below root:
// <root>/<radar>/YYYY/MM/DD/<radar>_<stamp>_<field>_<elev>[_filtered].<ext>.
func ProductPath(root, radar string, instant time.Time, field string, elev float64, filtered bool, ext string) string {
	t := instant.UTC()
	name := fmt.Sprintf("%s_%s_%s_%04.1f", radar, t.Format(StampLayout), field, elev)
	if filtered {
		name += "_filtered"
	}
	return path.Join(root, radar,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
		name+"."+ext)
}

// RemoteDir returns the calendar bucket directory for an hour under the
// remote base: <base>/<radar>/YYYY/MM/DD/HH.
func RemoteDir(base, radar string, hour time.Time) string {
	t := hour.UTC()
	return path.Join(base, radar,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
		fmt.Sprintf("%02d", t.Hour()))
}
