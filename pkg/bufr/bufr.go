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

// Package bufr decodes single-field radar BUFR files through the
// legacy decoder shared library.
//
// The library is loaded at runtime with purego, so the binary builds
// and the tests run without it; only the converter worker needs the
// real thing. Decoding one file yields a Volume: per-sweep geometry
// and timing metadata plus a rays-by-gates moment matrix.
package bufr // import "radarpipe.org/pkg/bufr"

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MissingValue marks gates with no return in decoded and aligned data.
const MissingValue = -9999.0

// Sweep is one elevation cut of a decoded volume.
type Sweep struct {
	NRays  int
	NGates int

	GateSize   float64 // meters between gate centers
	GateOffset float64 // meters from antenna to first gate center
	FixedAngle float64 // nominal elevation, degrees

	StartTime time.Time
	EndTime   time.Time

	PRT             float64 // pulse repetition time, seconds
	PulseWidth      float64 // seconds
	NyquistVelocity float64 // m/s

	Azimuth   []float64 // per ray, degrees clockwise from north
	Elevation []float64 // per ray, degrees

	// Data is NRays x NGates, row-major. Gates without a return hold
	// MissingValue.
	Data [][]float32
}

// MaxRange returns the range of the far edge of the last gate, in
// meters. Field alignment picks the field with the largest MaxRange
// as its reference geometry.
func (s *Sweep) MaxRange() float64 {
	return s.GateOffset + s.GateSize*float64(s.NGates)
}

// Volume is the decoded content of one BUFR file: one field, all
// sweeps of one scan.
type Volume struct {
	Radar string
	Field string

	Latitude  float64 // degrees
	Longitude float64 // degrees
	Altitude  float64 // meters above sea level

	Frequency float64 // Hz, 0 when the file does not carry it
	BeamWidth float64 // degrees, 0 when absent

	Sweeps []Sweep
}

// Decoder turns one BUFR file into a Volume. Implementations must be
// safe for concurrent use.
type Decoder interface {
	Decode(ctx context.Context, path string) (*Volume, error)
	Close() error
}

// Error classes distinguish permanent from retryable decode failures.
const (
	ClassFileNotFound = "FILE_NOT_FOUND"
	ClassDecode       = "DECODE_ERROR"
)

// Error is a classified decode failure.
type Error struct {
	Class string
	Path  string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bufr: %s: %s: %v", e.Class, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorClass extracts the class of err, defaulting to DECODE_ERROR.
func ErrorClass(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Class
	}
	return ClassDecode
}
