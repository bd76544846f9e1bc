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

package remote

import (
	"context"
	"errors"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"radarpipe.org/pkg/radarname"
)

// Candidate is one remote file the walker found.
type Candidate struct {
	Filename   string
	RemotePath string
}

// Walker enumerates BUFR files under the remote calendar hierarchy
//
//	<base>/<radar>/YYYY/MM/DD/HH/mmss/<file>
//
// hour by hour from a starting instant. Hours and minute-second
// buckets are visited in lexicographic (therefore chronological)
// order; directories that do not yet exist are silently skipped, so a
// walker pointed at the future just comes up empty.
//
// A Walker is single-use and not safe for concurrent use. The fetcher
// builds a fresh one each polling sweep, resuming from the latest
// recorded observation.
type Walker struct {
	lister Lister
	base   string
	radar  string
	ext    string // extension without dot, matched case-insensitively

	start time.Time
	end   time.Time // zero means unbounded
	now   func() time.Time

	hour    time.Time // next hour directory to list
	buckets []bucket  // unlisted buckets of the current hour, sorted
	queue   []Candidate
}

type bucket struct {
	dir     string
	instant time.Time
}

// NewWalker returns a walker over [start, end) for radar under base.
// A zero end leaves the window open; the walk then stops at the
// current hour and a later walker picks up from there.
func NewWalker(lister Lister, base, radar, ext string, start, end time.Time) *Walker {
	return &Walker{
		lister: lister,
		base:   base,
		radar:  radar,
		ext:    strings.TrimPrefix(ext, "."),
		start:  start.UTC(),
		end:    end.UTC(),
		now:    time.Now,
		hour:   start.UTC().Truncate(time.Hour),
	}
}

// Next returns the next candidate in chronological order. ok is false
// once the walk has caught up with the window end or the present hour.
// A transport error leaves the walker positioned to retry the same
// listing on the next call.
func (w *Walker) Next(ctx context.Context) (c Candidate, ok bool, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return Candidate{}, false, err
		}
		if len(w.queue) > 0 {
			c, w.queue = w.queue[0], w.queue[1:]
			return c, true, nil
		}
		if len(w.buckets) > 0 {
			if err := w.listBucket(ctx); err != nil {
				return Candidate{}, false, err
			}
			continue
		}
		if w.hour.After(w.now()) || (!w.end.IsZero() && !w.hour.Before(w.end)) {
			return Candidate{}, false, nil
		}
		if err := w.listHour(ctx); err != nil {
			return Candidate{}, false, err
		}
	}
}

// listHour fills w.buckets from the next hour directory and advances
// the hour. Missing directories are skipped.
func (w *Walker) listHour(ctx context.Context) error {
	dir := radarname.RemoteDir(w.base, w.radar, w.hour)
	entries, err := w.lister.List(ctx, dir)
	if err != nil {
		if isErrNotExist(err) {
			w.hour = w.hour.Add(time.Hour)
			return nil
		}
		return err
	}
	var buckets []bucket
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		instant, ok := bucketInstant(w.hour, e.Name)
		if !ok {
			continue
		}
		if instant.Before(w.start) {
			continue
		}
		if !w.end.IsZero() && !instant.Before(w.end) {
			continue
		}
		buckets = append(buckets, bucket{dir: path.Join(dir, e.Name), instant: instant})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].instant.Before(buckets[j].instant) })
	w.buckets = buckets
	w.hour = w.hour.Add(time.Hour)
	return nil
}

// listBucket fills w.queue from the first pending bucket, popping it
// only on success so errors retry the same listing.
func (w *Walker) listBucket(ctx context.Context) error {
	b := w.buckets[0]
	entries, err := w.lister.List(ctx, b.dir)
	if err != nil {
		if isErrNotExist(err) {
			w.buckets = w.buckets[1:]
			return nil
		}
		return err
	}
	w.buckets = w.buckets[1:]
	var names []string
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		if !strings.EqualFold(strings.TrimPrefix(path.Ext(e.Name), "."), w.ext) {
			continue
		}
		names = append(names, e.Name)
	}
	sort.Strings(names)
	for _, name := range names {
		w.queue = append(w.queue, Candidate{
			Filename:   name,
			RemotePath: path.Join(b.dir, name),
		})
	}
	return nil
}

// bucketInstant resolves an "mmss" directory name against its hour.
func bucketInstant(hour time.Time, name string) (time.Time, bool) {
	if len(name) != 4 {
		return time.Time{}, false
	}
	mm, err := strconv.Atoi(name[:2])
	if err != nil {
		return time.Time{}, false
	}
	ss, err := strconv.Atoi(name[2:])
	if err != nil {
		return time.Time{}, false
	}
	if mm > 59 || ss > 59 {
		return time.Time{}, false
	}
	return hour.Add(time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second), true
}

func isErrNotExist(err error) bool { return errors.Is(err, ErrNotExist) }
