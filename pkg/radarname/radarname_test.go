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

package radarname

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	p, err := Parse("RMA1_0315_01_DBZH_20250101T120000Z.BUFR")
	require.NoError(t, err)
	assert.Equal(t, "RMA1", p.Radar)
	assert.Equal(t, "0315", p.VolCode)
	assert.Equal(t, "01", p.VolNum)
	assert.Equal(t, "DBZH", p.Field)
	assert.Equal(t, "BUFR", p.Ext)
	assert.Equal(t, time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC), p.Instant)
}

func TestParseWithDirectory(t *testing.T) {
	p, err := Parse("/L2/RMA1/2025/01/01/12/0000/RMA1_0315_01_VRAD_20250101T120000Z.BUFR")
	require.NoError(t, err)
	assert.Equal(t, "VRAD", p.Field)
}

func TestParseErrors(t *testing.T) {
	for _, name := range []string{
		"",
		"RMA1_0315_01_DBZH.BUFR",                      // missing instant
		"RMA1_0315_01_DBZH_2025Z.BUFR",                // bad instant
		"RMA1_0315_01_DBZH_20250101T120000Z_X.BUFR",   // too many parts
		"RMA1__01_DBZH_20250101T120000Z.BUFR",         // empty component
		"RMA1_0315_01_DBZH_20250132T120000Z.BUFR",     // day out of range
	} {
		_, err := Parse(name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestVolumeIDIgnoresField(t *testing.T) {
	a, err := Parse("RMA1_0315_01_DBZH_20250101T120000Z.BUFR")
	require.NoError(t, err)
	b, err := Parse("RMA1_0315_01_VRAD_20250101T120000Z.BUFR")
	require.NoError(t, err)
	assert.Equal(t, a.VolumeID(), b.VolumeID())
	assert.Equal(t, "RMA1_0315_01_20250101T120000Z", a.VolumeID())
}

func TestPaths(t *testing.T) {
	p, err := Parse("RMA1_0315_01_DBZH_20250101T120000Z.BUFR")
	require.NoError(t, err)
	assert.Equal(t,
		"/raw/RMA1/2025/01/01/12/RMA1_0315_01_DBZH_20250101T120000Z.BUFR",
		p.LocalPath("/raw", "RMA1_0315_01_DBZH_20250101T120000Z.BUFR"))
	assert.Equal(t,
		"/out/RMA1/2025/01/01/RMA1_0315_01_20250101T120000Z.nc",
		p.ContainerPath("/out"))
	assert.Equal(t,
		"/prod/RMA1/2025/01/01/RMA1_20250101T120000Z_DBZH_00.5.png",
		ProductPath("/prod", "RMA1", p.Instant, "DBZH", 0.5, false, "png"))
	assert.Equal(t,
		"/prod/RMA1/2025/01/01/RMA1_20250101T120000Z_DBZH_00.5_filtered.png",
		ProductPath("/prod", "RMA1", p.Instant, "DBZH", 0.5, true, "png"))
}

func TestRemoteDir(t *testing.T) {
	hour := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "/L2/RMA1/2025/01/01/12", RemoteDir("/L2", "RMA1", hour))
}
