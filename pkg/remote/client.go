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

// Package remote provides the SFTP session to the radar file server
// and the calendar-hierarchy walker that enumerates candidate files on
// it.
//
// The connection is dialed lazily and redialed transparently after
// failures; concurrent callers coalesce onto a single dial. A rate
// limiter keeps directory listings polite.
package remote // import "radarpipe.org/pkg/remote"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go4.org/syncutil/singleflight"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"
)

// ErrNotExist reports that a listed or opened path does not exist on
// the server, as distinct from a transport failure. Callers check it
// with errors.Is.
var ErrNotExist = errors.New("remote: no such file or directory")

// Entry is one directory listing result.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// Lister enumerates a remote directory. *Client implements it; tests
// substitute fakes.
type Lister interface {
	List(ctx context.Context, dir string) ([]Entry, error)
}

// Opener opens a remote file for sequential reading. The returned
// size is -1 when the server does not report one.
type Opener interface {
	Open(ctx context.Context, path string) (rc io.ReadCloser, size int64, err error)
}

// Client is an authenticated SFTP session. It is safe for concurrent
// use; the underlying connection is shared and redialed on demand.
type Client struct {
	addr string
	cc   *ssh.ClientConfig

	limiter *rate.Limiter // paces listings

	getClientGroup singleflight.Group

	mu         sync.Mutex
	lastGet    time.Time // last successful use, for the liveness probe
	sc         *sftp.Client
	connCloser io.Closer
}

var (
	_ Lister = (*Client)(nil)
	_ Opener = (*Client)(nil)
)

// listingsPerSecond bounds directory listing calls; traversal of an
// idle tree is almost all listings.
const listingsPerSecond = 20

// NewClient returns a client for the SFTP server at addr (port 22
// assumed when absent) with password authentication. No connection is
// made until first use.
func NewClient(addr, user, password string) *Client {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	return &Client{
		addr: addr,
		cc: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.Password(password)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(listingsPerSecond), listingsPerSecond),
	}
}

func (c *Client) String() string {
	return fmt.Sprintf("sftp %s@%s", c.cc.User, c.addr)
}

// Close tears down the session, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markConnDeadLocked()
	return nil
}

// List lists dir. A missing directory returns ErrNotExist; transport
// failures mark the connection dead so the next call redials.
func (c *Client) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	sc, err := c.sftp()
	if err != nil {
		return nil, err
	}
	fis, err := sc.ReadDir(dir)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("remote: list %s: %w", dir, ErrNotExist)
		}
		c.markConnDead()
		return nil, fmt.Errorf("remote: list %s: %w", dir, err)
	}
	entries := make([]Entry, len(fis))
	for i, fi := range fis {
		entries[i] = Entry{Name: fi.Name(), IsDir: fi.IsDir(), Size: fi.Size()}
	}
	return entries, nil
}

// Open opens path for sequential reading and returns the
// server-reported size (-1 when unknown). A missing file returns
// ErrNotExist.
func (c *Client) Open(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	sc, err := c.sftp()
	if err != nil {
		return nil, 0, err
	}
	f, err := sc.Open(path)
	if err != nil {
		if isNotExist(err) {
			return nil, 0, fmt.Errorf("remote: open %s: %w", path, ErrNotExist)
		}
		c.markConnDead()
		return nil, 0, fmt.Errorf("remote: open %s: %w", path, err)
	}
	size := int64(-1)
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}
	return f, size, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, sftp.ErrSSHFxNoSuchFile)
}

// markConnDead clears the cached connection after the caller detects a
// failure, so the next use redials.
func (c *Client) markConnDead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markConnDeadLocked()
}

func (c *Client) markConnDeadLocked() {
	if c.connCloser != nil {
		go c.connCloser.Close()
	}
	c.sc = nil
	c.connCloser = nil
}

// sftp returns the live *sftp.Client, dialing if needed. Concurrent
// callers coalesce on a single dial. A connection idle for a while is
// probed with a cheap Stat before reuse.
func (c *Client) sftp() (*sftp.Client, error) {
	c.mu.Lock()
	if c.sc != nil {
		if now := time.Now(); c.lastGet.After(now.Add(-30 * time.Second)) {
			defer c.mu.Unlock()
			c.lastGet = now
			return c.sc, nil
		}
		if _, err := c.sc.Stat("."); err != nil {
			c.markConnDeadLocked()
		} else {
			defer c.mu.Unlock()
			c.lastGet = time.Now()
			return c.sc, nil
		}
	}
	c.mu.Unlock()

	ci, err := c.getClientGroup.Do("dial", func() (interface{}, error) {
		sc, closer, err := c.dialSFTP()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.sc = sc
		c.connCloser = closer
		c.lastGet = time.Now()
		return sc, nil
	})
	if err != nil {
		return nil, err
	}
	return ci.(*sftp.Client), nil
}

func (c *Client) dialSFTP() (*sftp.Client, io.Closer, error) {
	sshc, err := ssh.Dial("tcp", c.addr, c.cc)
	if err != nil {
		return nil, nil, fmt.Errorf("remote: dial %s: %w", c.addr, err)
	}
	sc, err := sftp.NewClient(sshc)
	if err != nil {
		go sshc.Close()
		return nil, nil, fmt.Errorf("remote: sftp subsystem on %s: %w", c.addr, err)
	}
	return sc, sshc, nil
}
