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
	"fmt"
	"image"
	"math"
	"os"
	"strings"

	"golang.org/x/image/tiff"
)

// metersPerDegreeLat at the surface; longitude shrinks with cos(lat).
const metersPerDegreeLat = 111320.0

// writeGeoTIFF writes the raster as a deflate-compressed TIFF plus an
// ESRI world file (.tfw) georeferencing it in WGS84 degrees. The
// raster spans 2*maxRange meters centered on the radar.
func writeGeoTIFF(path string, img image.Image, lat, lon, maxRange float64) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	opts := &tiff.Options{Compression: tiff.Deflate}
	if err := tiff.Encode(f, img, opts); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return writeWorldFile(worldFilePath(path), img.Bounds().Dx(), img.Bounds().Dy(), lat, lon, maxRange)
}

func worldFilePath(tiffPath string) string {
	return strings.TrimSuffix(tiffPath, ".tif") + ".tfw"
}

// writeWorldFile emits the six-line affine transform: x pixel size,
// two rotation terms, negative y pixel size, and the center of the
// top-left pixel.
func writeWorldFile(path string, w, h int, lat, lon, maxRange float64) error {
	degPerPxY := 2 * maxRange / float64(h) / metersPerDegreeLat
	degPerPxX := 2 * maxRange / float64(w) / (metersPerDegreeLat * math.Cos(lat*math.Pi/180))
	topLeftX := lon - degPerPxX*float64(w)/2 + degPerPxX/2
	topLeftY := lat + degPerPxY*float64(h)/2 - degPerPxY/2
	content := fmt.Sprintf("%.10f\n0.0\n0.0\n%.10f\n%.10f\n%.10f\n",
		degPerPxX, -degPerPxY, topLeftX, topLeftY)
	return os.WriteFile(path, []byte(content), 0600)
}
