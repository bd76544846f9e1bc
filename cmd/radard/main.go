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

// The radard daemon runs the radar ingestion pipeline: it mirrors
// BUFR files from the remote archive, decodes complete volumes into
// canonical NetCDF containers, and renders visualization products.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"radarpipe.org/pkg/bufr"
	"radarpipe.org/pkg/catalog"
	"radarpipe.org/pkg/config"
	"radarpipe.org/pkg/daemon"
	"radarpipe.org/pkg/remote"
)

var (
	flagConfig  = flag.String("config", "", "path to the JSON config file (required)")
	flagVerbose = flag.Bool("verbose", false, "enable debug logging")
	flagJSONLog = flag.Bool("jsonlog", false, "log in JSON instead of text")
)

func main() {
	flag.Parse()
	if *flagConfig == "" {
		fmt.Fprintln(os.Stderr, "radard: -config is required")
		flag.Usage()
		os.Exit(2)
	}

	logger := logrus.New()
	if *flagVerbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	if *flagJSONLog {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	log := logrus.NewEntry(logger)

	// Credentials may live in a .env next to the working directory;
	// a missing file is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("loading .env failed")
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.WithError(err).Fatal("loading config failed")
	}
	if cfg.DecoderLib == "" {
		log.Fatal("config: decoderLib is required to run the pipeline")
	}

	cat, err := catalog.Open(cfg.StatePath)
	if err != nil {
		log.WithError(err).Fatal("opening state store failed")
	}
	defer cat.Close()

	dec, err := bufr.OpenLibrary(cfg.DecoderLib, cfg.ResourcesDir)
	if err != nil {
		log.WithError(err).Fatal("loading decoder library failed")
	}
	defer dec.Close()

	src := remote.NewClient(cfg.Host, cfg.User, cfg.Password)
	defer src.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"radar":   cfg.Radar,
		"host":    cfg.Host,
		"volumes": cfg.VolCodes(),
	}).Info("radard starting")

	if err := daemon.New(cfg, cat, src, dec, log).Run(ctx); err != nil {
		log.WithError(err).Error("pipeline failed")
		os.Exit(1)
	}
	log.Info("radard done")
}
