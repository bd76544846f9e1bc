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
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	xdraw "golang.org/x/image/draw"

	"radarpipe.org/pkg/cfradial"
)

// plotSize is the edge of the emitted raster, pixels.
const plotSize = 800

// sweepGrid is one sweep's data ready for rasterization.
type sweepGrid struct {
	azimuth []float64 // per ray, degrees
	rng     []float64 // gate centers, meters
	data    [][]float32
	info    FieldInfo
}

// rasterize paints the sweep on a north-up cartesian grid centered on
// the radar, one pixel per gate length, then resamples to the final
// plot size. Pixels beyond the last gate stay transparent.
func (sg *sweepGrid) rasterize() *image.RGBA {
	maxRange := sg.rng[len(sg.rng)-1]
	gateSize := maxRange
	if len(sg.rng) > 1 {
		gateSize = sg.rng[1] - sg.rng[0]
	}
	native := 2 * len(sg.rng)
	scale := 2 * maxRange / float64(native) // meters per native pixel
	rayAt := buildRayIndex(sg.azimuth)

	img := image.NewRGBA(image.Rect(0, 0, native, native))
	c := float64(native) / 2
	for y := 0; y < native; y++ {
		for x := 0; x < native; x++ {
			dx := (float64(x) - c + 0.5) * scale
			dy := (c - float64(y) - 0.5) * scale
			r := math.Hypot(dx, dy)
			if r > maxRange {
				continue
			}
			g := int(math.Round((r - sg.rng[0]) / gateSize))
			if g < 0 || g >= len(sg.rng) {
				continue
			}
			az := math.Mod(math.Atan2(dx, dy)*180/math.Pi+360, 360)
			v := sg.data[rayAt[int(az*10)%3600]][g]
			if v == cfradial.FillValue {
				continue
			}
			img.SetRGBA(x, y, sg.info.colorize(float64(v)))
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, plotSize, plotSize))
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return out
}

// buildRayIndex maps tenth-of-degree azimuth buckets to the nearest
// ray, so rasterization does not search rays per pixel.
func buildRayIndex(az []float64) []int {
	idx := make([]int, 3600)
	for b := range idx {
		idx[b] = nearestAzimuth(az, float64(b)/10)
	}
	return idx
}

// reflectivity-style gradient stops, interpolated linearly.
var colormapStops = []color.RGBA{
	{4, 43, 130, 255},    // deep blue
	{30, 110, 220, 255},  // blue
	{60, 200, 240, 255},  // cyan
	{40, 180, 70, 255},   // green
	{250, 220, 40, 255},  // yellow
	{250, 140, 30, 255},  // orange
	{220, 30, 30, 255},   // red
	{180, 20, 140, 255},  // magenta
	{250, 250, 250, 255}, // white cap
}

// colorize maps a value through the gradient over [Min, Max].
func (fi FieldInfo) colorize(v float64) color.RGBA {
	t := (v - fi.Min) / (fi.Max - fi.Min)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	pos := t * float64(len(colormapStops)-1)
	i := int(pos)
	if i >= len(colormapStops)-1 {
		return colormapStops[len(colormapStops)-1]
	}
	f := pos - float64(i)
	a, b := colormapStops[i], colormapStops[i+1]
	lerp := func(x, y uint8) uint8 { return uint8(float64(x) + f*(float64(y)-float64(x))) }
	return color.RGBA{lerp(a.R, b.R), lerp(a.G, b.G), lerp(a.B, b.B), 255}
}

// writePNG writes img atomically.
func writePNG(path string, img image.Image) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

