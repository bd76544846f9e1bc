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

package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"radarpipe.org/pkg/catalog"
	"radarpipe.org/pkg/config"
	"radarpipe.org/pkg/remote"
)

var obsInstant = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeSource serves a remote tree from memory. failReads[path] makes
// the next open of path return a reader that dies mid-transfer.
type fakeSource struct {
	mu        sync.Mutex
	dirs      map[string][]remote.Entry
	files     map[string][]byte
	failReads map[string]bool
	opens     []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		dirs:      make(map[string][]remote.Entry),
		files:     make(map[string][]byte),
		failReads: make(map[string]bool),
	}
}

func (s *fakeSource) addFile(base, radar string, t time.Time, name string, content []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hourDir := path.Join(base, radar,
		fmt.Sprintf("%04d/%02d/%02d/%02d", t.Year(), t.Month(), t.Day(), t.Hour()))
	bucket := fmt.Sprintf("%02d%02d", t.Minute(), t.Second())
	bucketDir := path.Join(hourDir, bucket)
	found := false
	for _, e := range s.dirs[hourDir] {
		if e.Name == bucket {
			found = true
		}
	}
	if !found {
		s.dirs[hourDir] = append(s.dirs[hourDir], remote.Entry{Name: bucket, IsDir: true})
	}
	s.dirs[bucketDir] = append(s.dirs[bucketDir], remote.Entry{Name: name, Size: int64(len(content))})
	remotePath := path.Join(bucketDir, name)
	s.files[remotePath] = content
	return remotePath
}

func (s *fakeSource) List(ctx context.Context, dir string) ([]remote.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.dirs[dir]
	if !ok {
		return nil, fmt.Errorf("list %s: %w", dir, remote.ErrNotExist)
	}
	return entries, nil
}

func (s *fakeSource) Open(ctx context.Context, p string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens = append(s.opens, p)
	content, ok := s.files[p]
	if !ok {
		return nil, 0, fmt.Errorf("open %s: %w", p, remote.ErrNotExist)
	}
	if s.failReads[p] {
		delete(s.failReads, p)
		return &flakyFile{data: content, failAt: len(content) / 2}, int64(len(content)), nil
	}
	return &fakeFile{Reader: bytes.NewReader(content)}, int64(len(content)), nil
}

func (s *fakeSource) openCount(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.opens {
		if o == p {
			n++
		}
	}
	return n
}

type fakeFile struct{ *bytes.Reader }

func (f *fakeFile) Close() error { return nil }

// flakyFile yields failAt bytes, then a transport error.
type flakyFile struct {
	data   []byte
	pos    int
	failAt int
}

func (f *flakyFile) Read(p []byte) (int, error) {
	if f.pos >= f.failAt {
		return 0, errors.New("connection reset by peer")
	}
	n := copy(p, f.data[f.pos:f.failAt])
	f.pos += n
	return n, nil
}

func (f *flakyFile) Close() error { return nil }

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Host:            "radar.example.com",
		Radar:           "RMA1",
		BasePath:        "/L2",
		Start:           obsInstant,
		End:             obsInstant.Add(time.Hour),
		RawDir:          filepath.Join(dir, "raw"),
		StatePath:       filepath.Join(dir, "state.db"),
		PollInterval:    5 * time.Millisecond,
		MaxDownloads:    2,
		VerifyChecksums: true,
		Expected:        config.Expectation{"0315": {"01": {"DBZH", "VRAD"}}},
	}
}

func newFetcher(t *testing.T, cfg *config.Config, src Source, onFile func(context.Context, catalog.File) error) (*Fetcher, *catalog.Catalog) {
	t.Helper()
	cat, err := catalog.Open(cfg.StatePath)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return New(cat, src, cfg, onFile, testLog()), cat
}

func TestSweepDownloadsAndRecords(t *testing.T) {
	cfg := testConfig(t)
	src := newFakeSource()
	content := []byte("bufr payload bytes")
	src.addFile("/L2", "RMA1", obsInstant, "RMA1_0315_01_DBZH_20250101T120000Z.BUFR", content)
	src.addFile("/L2", "RMA1", obsInstant, "RMA1_0315_01_VRAD_20250101T120000Z.BUFR", []byte("other"))

	var mu sync.Mutex
	var seen []string
	f, cat := newFetcher(t, cfg, src, func(ctx context.Context, file catalog.File) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, file.Filename)
		return nil
	})

	st, err := f.sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.fetched)
	assert.Zero(t, st.failed)
	assert.Len(t, seen, 2)

	file, err := cat.GetFile(context.Background(), "RMA1_0315_01_DBZH_20250101T120000Z.BUFR")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), file.Size)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), file.Digest)

	got, err := os.ReadFile(file.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSweepSkipsCompletedFiles(t *testing.T) {
	cfg := testConfig(t)
	src := newFakeSource()
	rp := src.addFile("/L2", "RMA1", obsInstant, "RMA1_0315_01_DBZH_20250101T120000Z.BUFR", []byte("x"))

	f, _ := newFetcher(t, cfg, src, nil)
	ctx := context.Background()

	st, err := f.sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.fetched)

	st, err = f.sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.fetched)
	assert.Equal(t, 1, src.openCount(rp), "completed files are not re-downloaded")
}

func TestDownloadFailureRecordsPartialAndRetries(t *testing.T) {
	cfg := testConfig(t)
	src := newFakeSource()
	content := []byte("0123456789abcdef")
	name := "RMA1_0315_01_DBZH_20250101T120000Z.BUFR"
	rp := src.addFile("/L2", "RMA1", obsInstant, name, content)
	src.failReads[rp] = true

	f, cat := newFetcher(t, cfg, src, nil)
	ctx := context.Background()

	st, err := f.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.failed)

	p, err := cat.GetPartial(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Attempts)
	assert.Equal(t, int64(len(content)), p.TotalBytes)

	// Next sweep retries and succeeds; the partial row is gone.
	st, err = f.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.fetched)

	_, err = cat.GetPartial(ctx, name)
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	done, err := cat.IsFileCompleted(ctx, name)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestResumeContinuesPartFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.ResumePartial = true
	src := newFakeSource()
	content := []byte("the quick brown fox jumps over the lazy dog")
	name := "RMA1_0315_01_DBZH_20250101T120000Z.BUFR"
	rp := src.addFile("/L2", "RMA1", obsInstant, name, content)
	src.failReads[rp] = true

	f, cat := newFetcher(t, cfg, src, nil)
	ctx := context.Background()

	st, err := f.sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.failed)

	st, err = f.sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.fetched)

	file, err := cat.GetFile(ctx, name)
	require.NoError(t, err)
	got, err := os.ReadFile(file.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, content, got, "resumed download reassembles the full file")

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), file.Digest, "digest covers replayed and new bytes")
}

func TestRunExitsOnExhaustedWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.Start = obsInstant
	cfg.End = obsInstant // empty window, already in the past
	src := newFakeSource()
	f, _ := newFetcher(t, cfg, src, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.Run(ctx), "Run returns cleanly once the window is exhausted")
}

func TestSweepIgnoresUnparseableNames(t *testing.T) {
	cfg := testConfig(t)
	src := newFakeSource()
	src.addFile("/L2", "RMA1", obsInstant, "garbage.BUFR", []byte("x"))

	f, _ := newFetcher(t, cfg, src, nil)
	st, err := f.sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.fetched)
	assert.Zero(t, st.failed)
}
