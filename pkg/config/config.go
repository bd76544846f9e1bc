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

// Package config defines the immutable configuration value shared by
// the pipeline workers, and its JSON file representation.
package config // import "radarpipe.org/pkg/config"

import (
	"fmt"
	"os"
	"sort"
	"time"

	"go4.org/jsonconfig"
)

// Expectation maps volume code -> volume number -> expected fields, in
// configured order. It declares which fields a complete volume of each
// scan strategy must contain.
type Expectation map[string]map[string][]string

// ExpectedFields returns the expected field list for a (volCode,
// volNum) pair, or ok=false when the pair is not configured.
func (e Expectation) ExpectedFields(volCode, volNum string) (fields []string, ok bool) {
	byNum, ok := e[volCode]
	if !ok {
		return nil, false
	}
	fields, ok = byNum[volNum]
	return fields, ok
}

// Config is constructed once at startup and passed by value into every
// worker. Workers never consult globals or the environment.
type Config struct {
	// Remote file server.
	Host     string // host or host:port; port 22 assumed when absent
	User     string
	Password string
	BasePath string // remote base, e.g. "/L2"

	Radar string // radar selector, e.g. "RMA1"

	// Calendar window. End is the zero time for continuous operation.
	Start time.Time
	End   time.Time

	// Directory roots. Each worker owns its subtree.
	RawDir       string // fetched BUFR files
	ContainerDir string // canonical NetCDF containers
	ProductDir   string // rendered products
	ResourcesDir string // decoder runtime resources
	StatePath    string // SQLite state store
	DecoderLib   string // path to the legacy decoder shared library

	Expected Expectation

	// Tuning.
	PollInterval    time.Duration
	MaxDownloads    int
	MaxDecodes      int
	MaxRenders      int
	VerifyChecksums bool
	ResumePartial   bool
	StuckTimeout    time.Duration

	// Renderer.
	ProductType string // "image" or "geotiff"
	AddColmax   bool

	// Supervisor status/metrics listener, empty to disable.
	StatusAddr string
}

// Defaults applied by Load when the file leaves a knob unset.
const (
	DefaultPollInterval = 60 * time.Second
	DefaultMaxDownloads = 5
	DefaultMaxDecodes   = 2
	DefaultMaxRenders   = 1
	DefaultStuckTimeout = 60 * time.Minute
)

// Load reads a JSON config file. Credentials fall back to the RADARPIPE_USER
// and RADARPIPE_PASSWORD environment variables when absent from the file.
func Load(path string) (*Config, error) {
	obj, err := jsonconfig.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Host:            obj.RequiredString("host"),
		User:            obj.OptionalString("user", os.Getenv("RADARPIPE_USER")),
		Password:        obj.OptionalString("password", os.Getenv("RADARPIPE_PASSWORD")),
		BasePath:        obj.OptionalString("basePath", "/L2"),
		Radar:           obj.RequiredString("radar"),
		RawDir:          obj.RequiredString("rawDir"),
		ContainerDir:    obj.RequiredString("containerDir"),
		ProductDir:      obj.RequiredString("productDir"),
		ResourcesDir:    obj.OptionalString("resourcesDir", ""),
		StatePath:       obj.RequiredString("statePath"),
		DecoderLib:      obj.OptionalString("decoderLib", ""),
		PollInterval:    time.Duration(obj.OptionalInt("pollIntervalSeconds", int(DefaultPollInterval/time.Second))) * time.Second,
		MaxDownloads:    obj.OptionalInt("maxConcurrentDownloads", DefaultMaxDownloads),
		MaxDecodes:      obj.OptionalInt("maxConcurrentDecodes", DefaultMaxDecodes),
		MaxRenders:      obj.OptionalInt("maxConcurrentRenders", DefaultMaxRenders),
		VerifyChecksums: obj.OptionalBool("verifyChecksums", true),
		ResumePartial:   obj.OptionalBool("resumePartial", false),
		StuckTimeout:    time.Duration(obj.OptionalInt("stuckTimeoutMinutes", int(DefaultStuckTimeout/time.Minute))) * time.Minute,
		ProductType:     obj.OptionalString("productType", "image"),
		AddColmax:       obj.OptionalBool("addColmax", true),
		StatusAddr:      obj.OptionalString("statusAddr", ""),
	}
	startStr := obj.OptionalString("start", "")
	endStr := obj.OptionalString("end", "")
	volumes := obj.OptionalObject("volumes")
	allowIncomplete := obj.OptionalBool("allowIncomplete", false)
	if err := obj.Validate(); err != nil {
		return nil, err
	}
	if allowIncomplete {
		// Documented as a future extension; refusing beats silently
		// decoding partial scans.
		return nil, fmt.Errorf("config: allowIncomplete is not supported")
	}
	if startStr != "" {
		if cfg.Start, err = time.Parse(time.RFC3339, startStr); err != nil {
			return nil, fmt.Errorf("config: bad start %q: %w", startStr, err)
		}
	} else {
		cfg.Start = time.Now().UTC().Truncate(time.Hour)
	}
	if endStr != "" {
		if cfg.End, err = time.Parse(time.RFC3339, endStr); err != nil {
			return nil, fmt.Errorf("config: bad end %q: %w", endStr, err)
		}
	}
	if cfg.Expected, err = parseExpectation(volumes); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseExpectation(obj jsonconfig.Obj) (Expectation, error) {
	exp := make(Expectation, len(obj))
	for _, volCode := range objKeys(obj) {
		byNumObj := obj.RequiredObject(volCode)
		byNum := make(map[string][]string, len(byNumObj))
		for _, volNum := range objKeys(byNumObj) {
			fields := byNumObj.RequiredList(volNum)
			if len(fields) == 0 {
				return nil, fmt.Errorf("config: volumes[%s][%s]: empty field list", volCode, volNum)
			}
			byNum[volNum] = fields
		}
		if err := byNumObj.Validate(); err != nil {
			return nil, err
		}
		exp[volCode] = byNum
	}
	if err := obj.Validate(); err != nil {
		return nil, err
	}
	return exp, nil
}

// objKeys snapshots the configuration keys of obj. The jsonconfig
// accessors record their known-key bookkeeping inside the map itself
// under "_knownkeys", so ranging over the raw map while calling them
// would see that entry as a key.
func objKeys(obj jsonconfig.Obj) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		if k == "_knownkeys" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate reports the first configuration error, if any.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("config: host is required")
	case c.Radar == "":
		return fmt.Errorf("config: radar is required")
	case c.StatePath == "":
		return fmt.Errorf("config: statePath is required")
	case len(c.Expected) == 0:
		return fmt.Errorf("config: volumes expectation map is required")
	case !c.End.IsZero() && c.End.Before(c.Start):
		return fmt.Errorf("config: end %v precedes start %v", c.End, c.Start)
	case c.MaxDownloads < 1 || c.MaxDecodes < 1 || c.MaxRenders < 1:
		return fmt.Errorf("config: concurrency limits must be at least 1")
	case c.ProductType != "image" && c.ProductType != "geotiff":
		return fmt.Errorf("config: unknown productType %q", c.ProductType)
	}
	return nil
}

// VolCodes returns the configured volume codes, sorted, for logging.
func (c *Config) VolCodes() []string {
	codes := make([]string, 0, len(c.Expected))
	for code := range c.Expected {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
