// Package remote runs commands on servers over SSH.
package remote

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/splax/localvercel/internal/domain"
)

// Command is an argument vector executed on a server. Args are quoted before
// they reach the remote shell so no element is ever interpreted by it.
type Command struct {
	Args    []string
	Dir     string
	Stdin   io.Reader
	Timeout time.Duration
}

// Cmd builds a Command from an argument vector.
func Cmd(args ...string) Command {
	return Command{Args: args}
}

// In runs the command from dir.
func (c Command) In(dir string) Command {
	c.Dir = dir
	return c
}

// WithTimeout bounds the command duration.
func (c Command) WithTimeout(d time.Duration) Command {
	c.Timeout = d
	return c
}

// WithStdin feeds r to the command's standard input.
func (c Command) WithStdin(r io.Reader) Command {
	c.Stdin = r
	return c
}

// Line renders the command as a single remote shell line.
func (c Command) Line() string {
	line := shellquote.Join(c.Args...)
	if c.Dir != "" {
		line = "cd " + shellquote.Join(c.Dir) + " && " + line
	}
	return line
}

// String returns a short human form used in errors and logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return ""
	}
	if len(c.Args) > 3 {
		return strings.Join(c.Args[:3], " ") + " ..."
	}
	return strings.Join(c.Args, " ")
}

// Shell wraps a script for `sh -c`, passing values as positional parameters
// ($1, $2, ...) instead of splicing them into the script text.
func Shell(script string, args ...string) Command {
	argv := append([]string{"sh", "-c", script, "sh"}, args...)
	return Command{Args: argv}
}

// Executor runs commands against a server.
type Executor interface {
	// Run executes cmd and returns its stdout.
	Run(ctx context.Context, server domain.Server, cmd Command) (string, error)
	// Stream executes cmd, invoking onLine for every stdout/stderr line until it
	// returns false, the context ends or the connection drops.
	Stream(ctx context.Context, server domain.Server, cmd Command, onLine func(string) bool) error
	// Copy executes cmd writing raw stdout to w.
	Copy(ctx context.Context, server domain.Server, cmd Command, w io.Writer) (int64, error)
}
