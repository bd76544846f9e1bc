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

// The radartool command inspects and repairs a radard state store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"radarpipe.org/pkg/catalog"
)

var flagState = flag.String("state", "state.db", "path to the state database")

const usageText = `usage: radartool [-state path] <command> [args]

Commands:
  stats                      print the catalog census as JSON
  volume <id>                print one volume row
  reset-failed [id]          re-pend failed volumes (all, or one by id)
  reset-products <type>      re-pend failed products of the given type
  reset-stuck <type> [dur]   re-pend rows stuck processing longer than
                             dur (default 30m)
`

func usage() {
	fmt.Fprint(os.Stderr, usageText)
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	cat, err := catalog.Open(*flagState)
	if err != nil {
		fatalf("opening state store: %v", err)
	}
	defer cat.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "stats":
		runStats(ctx, cat)
	case "volume":
		if len(args) != 1 {
			usage()
		}
		runVolume(ctx, cat, args[0])
	case "reset-failed":
		id := ""
		if len(args) == 1 {
			id = args[0]
		} else if len(args) > 1 {
			usage()
		}
		n, err := cat.ResetFailedVolumes(ctx, id)
		if err != nil {
			fatalf("reset-failed: %v", err)
		}
		fmt.Printf("re-pended %d volume(s)\n", n)
	case "reset-products":
		if len(args) != 1 {
			usage()
		}
		n, err := cat.ResetFailedProducts(ctx, args[0])
		if err != nil {
			fatalf("reset-products: %v", err)
		}
		fmt.Printf("re-pended %d product(s)\n", n)
	case "reset-stuck":
		if len(args) < 1 || len(args) > 2 {
			usage()
		}
		olderThan := 30 * time.Minute
		if len(args) == 2 {
			olderThan, err = time.ParseDuration(args[1])
			if err != nil {
				fatalf("reset-stuck: %v", err)
			}
		}
		nv, err := cat.ResetStuckVolumes(ctx, olderThan)
		if err != nil {
			fatalf("reset-stuck: %v", err)
		}
		np, err := cat.ResetStuckProducts(ctx, args[0], olderThan)
		if err != nil {
			fatalf("reset-stuck: %v", err)
		}
		fmt.Printf("re-pended %d volume(s), %d product(s)\n", nv, np)
	default:
		usage()
	}
}

func runStats(ctx context.Context, cat *catalog.Catalog) {
	st, err := cat.ReadStats(ctx)
	if err != nil {
		fatalf("stats: %v", err)
	}
	printJSON(st)
}

func runVolume(ctx context.Context, cat *catalog.Catalog, id string) {
	v, err := cat.GetVolume(ctx, id)
	if err != nil {
		fatalf("volume %s: %v", id, err)
	}
	printJSON(v)
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("encoding: %v", err)
	}
	fmt.Printf("%s\n", out)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "radartool: "+format+"\n", args...)
	os.Exit(1)
}
