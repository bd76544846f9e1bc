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

// Package fetch downloads BUFR files from the remote server into the
// local raw tree and records them in the catalog.
//
// The fetcher works in polling sweeps. Each sweep walks the remote
// calendar hierarchy from the latest recorded observation (or the
// configured start), downloads every file not yet in the catalog, and
// hands the completed record to the volume assembler. Failed downloads
// leave a partial row behind and are retried on the next sweep.
package fetch // import "radarpipe.org/pkg/fetch"

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go4.org/syncutil"

	"radarpipe.org/pkg/catalog"
	"radarpipe.org/pkg/config"
	"radarpipe.org/pkg/radarname"
	"radarpipe.org/pkg/remote"
)

// bufrExt is the remote file extension the walker selects.
const bufrExt = "BUFR"

// defaultStallTimeout aborts a download whose next read makes no
// progress for this long.
const defaultStallTimeout = 60 * time.Second

// Source is the remote side the fetcher needs: listing for the walker
// and opening for downloads. *remote.Client implements it.
type Source interface {
	remote.Lister
	remote.Opener
}

// Fetcher is the download stage. One Fetcher runs per process.
type Fetcher struct {
	cat    *catalog.Catalog
	src    Source
	cfg    *config.Config
	onFile func(context.Context, catalog.File) error
	log    *logrus.Entry

	gate         *syncutil.Gate
	stallTimeout time.Duration
	now          func() time.Time
}

// New returns a fetcher. onFile is invoked once per newly completed
// file, in download order per file but concurrently across files; the
// volume assembler's Observe is the intended callback.
func New(cat *catalog.Catalog, src Source, cfg *config.Config, onFile func(context.Context, catalog.File) error, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		cat:          cat,
		src:          src,
		cfg:          cfg,
		onFile:       onFile,
		log:          log,
		gate:         syncutil.NewGate(cfg.MaxDownloads),
		stallTimeout: defaultStallTimeout,
		now:          time.Now,
	}
}

// Run sweeps until ctx is canceled or, when an end instant is
// configured, until the window is exhausted with nothing left to do:
// the last sweep downloaded nothing, failed nothing, and no partial
// rows remain.
func (f *Fetcher) Run(ctx context.Context) error {
	for {
		st, err := f.sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.WithError(err).Warn("sweep aborted, will retry")
		} else {
			f.log.WithFields(logrus.Fields{
				"fetched": st.fetched,
				"failed":  st.failed,
			}).Debug("sweep complete")
			if st.fetched == 0 && st.failed == 0 && f.windowExhausted() {
				n, err := f.cat.PartialCount(ctx)
				if err != nil {
					return err
				}
				if n == 0 {
					f.log.Info("window exhausted, fetch stage done")
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.cfg.PollInterval):
		}
	}
}

func (f *Fetcher) windowExhausted() bool {
	return !f.cfg.End.IsZero() && !f.now().Before(f.cfg.End)
}

type sweepStats struct {
	fetched int
	failed  int
}

// sweep runs one traversal pass. Downloads run concurrently under the
// gate; the walk itself is sequential.
func (f *Fetcher) sweep(ctx context.Context) (sweepStats, error) {
	start := f.cfg.Start
	if latest, ok, err := f.cat.LatestObservation(ctx, f.cfg.Radar); err != nil {
		return sweepStats{}, err
	} else if ok && latest.After(start) {
		start = latest
	}
	w := remote.NewWalker(f.src, f.cfg.BasePath, f.cfg.Radar, bufrExt, start, f.cfg.End)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		st  sweepStats
		err error
	)
	for {
		var cand remote.Candidate
		var ok bool
		cand, ok, err = w.Next(ctx)
		if err != nil || !ok {
			break
		}
		p, perr := radarname.Parse(cand.Filename)
		if perr != nil {
			f.log.WithError(perr).WithField("file", cand.Filename).Warn("unparseable filename, skipping")
			continue
		}
		done, derr := f.cat.IsFileCompleted(ctx, cand.Filename)
		if derr != nil {
			err = derr
			break
		}
		if done {
			continue
		}
		f.gate.Start()
		wg.Add(1)
		go func(cand remote.Candidate, p radarname.Parsed) {
			defer wg.Done()
			defer f.gate.Done()
			if derr := f.download(ctx, cand, p); derr != nil {
				f.log.WithError(derr).WithField("file", cand.Filename).Warn("download failed")
				mu.Lock()
				st.failed++
				mu.Unlock()
				return
			}
			mu.Lock()
			st.fetched++
			mu.Unlock()
		}(cand, p)
	}
	wg.Wait()
	return st, err
}

// download streams one remote file to <local>.part while hashing it,
// then renames into place and records it. On failure the partial row
// accumulates the attempt; the .part file survives only when resume is
// configured, in which case the next attempt seeks the server to the
// bytes already on disk.
func (f *Fetcher) download(ctx context.Context, cand remote.Candidate, p radarname.Parsed) error {
	attempts := 1
	if prev, err := f.cat.GetPartial(ctx, cand.Filename); err == nil {
		attempts = prev.Attempts + 1
	} else if err != catalog.ErrNotFound {
		return err
	}

	local := p.LocalPath(f.cfg.RawDir, cand.Filename)
	part := local + ".part"
	fail := func(bytes, total int64, err error) error {
		if !f.cfg.ResumePartial {
			os.Remove(part)
		}
		rec := catalog.Partial{
			Filename:        cand.Filename,
			RemotePath:      cand.RemotePath,
			LocalPath:       local,
			BytesDownloaded: bytes,
			Attempts:        attempts,
		}
		if total > 0 {
			rec.TotalBytes = total
		}
		if rerr := f.cat.RecordPartial(ctx, rec); rerr != nil {
			f.log.WithError(rerr).WithField("file", cand.Filename).Error("recording partial failed")
		}
		return err
	}

	if err := os.MkdirAll(filepath.Dir(local), 0700); err != nil {
		return fail(0, 0, err)
	}

	// When resuming, replay the bytes already on disk into the digest;
	// an unreadable leftover falls back to a fresh download.
	var offset int64
	h := sha256.New()
	if f.cfg.ResumePartial {
		if fi, err := os.Stat(part); err == nil {
			offset = fi.Size()
			if err := replayPart(part, h); err != nil {
				offset = 0
				h = sha256.New()
			}
		}
	}

	rc, size, err := f.src.Open(ctx, cand.RemotePath)
	if err != nil {
		return fail(0, 0, err)
	}
	defer rc.Close()

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if offset > 0 {
		flags = os.O_WRONLY | os.O_APPEND
	}
	out, err := os.OpenFile(part, flags, 0600)
	if err != nil {
		return fail(0, size, err)
	}
	if offset > 0 {
		seeker, ok := rc.(io.Seeker)
		if !ok {
			return fail(offset, size, fmt.Errorf("fetch: source does not support resume"))
		}
		if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
			out.Close()
			return fail(offset, size, err)
		}
	}

	n, err := io.Copy(io.MultiWriter(out, h), &stallReader{rc: rc, timeout: f.stallTimeout})
	got := offset + n
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fail(got, size, err)
	}
	if f.cfg.VerifyChecksums && size >= 0 && got != size {
		return fail(got, size, fmt.Errorf("fetch: %s: got %d bytes, server reports %d", cand.Filename, got, size))
	}
	if err := os.Rename(part, local); err != nil {
		return fail(got, size, err)
	}

	file := catalog.File{
		Filename:   cand.Filename,
		RemotePath: cand.RemotePath,
		LocalPath:  local,
		Size:       got,
		Digest:     hex.EncodeToString(h.Sum(nil)),
		Radar:      p.Radar,
		Field:      p.Field,
		VolCode:    p.VolCode,
		VolNum:     p.VolNum,
		Instant:    p.Instant,
	}
	if err := f.cat.RecordCompletedFile(ctx, file); err != nil {
		return err
	}
	f.log.WithFields(logrus.Fields{
		"file":  cand.Filename,
		"bytes": got,
	}).Info("downloaded")
	if f.onFile != nil {
		return f.onFile(ctx, file)
	}
	return nil
}

func replayPart(part string, h io.Writer) error {
	prev, err := os.Open(part)
	if err != nil {
		return err
	}
	defer prev.Close()
	_, err = io.Copy(h, prev)
	return err
}

// stallReader aborts a stalled transfer by closing the source, which
// unblocks the pending read with an error.
type stallReader struct {
	rc      io.ReadCloser
	timeout time.Duration
}

func (s *stallReader) Read(p []byte) (int, error) {
	t := time.AfterFunc(s.timeout, func() { s.rc.Close() })
	defer t.Stop()
	return s.rc.Read(p)
}
