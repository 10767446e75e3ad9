// Package remotetest provides an in-memory remote.Dialer for tests.
package remotetest

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/vyvo/studio/backend/pkg/remote"
)

// RunFunc plays the remote side of a command. It receives the piped script
// and writes whatever the host would print.
type RunFunc func(ctx context.Context, script []byte, stdout, stderr io.Writer) (int, error)

// Dialer hands out fake connections. When DialErr is set every dial fails
// with it, wrapped in a *remote.ChannelError.
type Dialer struct {
	DialErr error
	Run     RunFunc

	mu       sync.Mutex
	dials    []remote.Target
	uploads  map[string][]byte
	commands []string
}

func (d *Dialer) Dial(ctx context.Context, target remote.Target) (remote.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, target)
	d.mu.Unlock()
	if d.DialErr != nil {
		return nil, &remote.ChannelError{Stage: remote.StageDial, Addr: target.Addr(), Err: d.DialErr}
	}
	return &conn{d: d}, nil
}

// Dials returns the targets dialled so far.
func (d *Dialer) Dials() []remote.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]remote.Target(nil), d.dials...)
}

// Uploaded returns the bytes written to path, if any.
func (d *Dialer) Uploaded(path string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.uploads[path]
	return data, ok
}

// Commands returns the commands run so far.
func (d *Dialer) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

type conn struct {
	d *Dialer
}

func (c *conn) Run(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	c.d.mu.Lock()
	c.d.commands = append(c.d.commands, command)
	c.d.mu.Unlock()

	script, err := io.ReadAll(stdin)
	if err != nil {
		return -1, err
	}
	if c.d.Run == nil {
		return 0, nil
	}
	code, err := c.d.Run(ctx, script, stdout, stderr)
	if ctx.Err() != nil {
		return -1, context.Cause(ctx)
	}
	return code, err
}

func (c *conn) Upload(_ context.Context, path string, data []byte, _ os.FileMode) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.d.uploads == nil {
		c.d.uploads = make(map[string][]byte)
	}
	c.d.uploads[path] = append([]byte(nil), data...)
	return nil
}

func (c *conn) Close() error { return nil }

// Lines returns a RunFunc that prints each line to stdout and exits with code.
func Lines(code int, lines ...string) RunFunc {
	return func(ctx context.Context, _ []byte, stdout, _ io.Writer) (int, error) {
		for _, line := range lines {
			if _, err := io.WriteString(stdout, line+"\n"); err != nil {
				return -1, err
			}
		}
		return code, nil
	}
}

// Hang returns a RunFunc that blocks until the run is cancelled.
func Hang() RunFunc {
	return func(ctx context.Context, _ []byte, _, _ io.Writer) (int, error) {
		<-ctx.Done()
		return -1, context.Cause(ctx)
	}
}
