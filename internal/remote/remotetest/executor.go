// Package remotetest provides a scripted remote.Executor for tests.
package remotetest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/remote"
)

// Call records one command issued to the executor.
type Call struct {
	ServerID string
	Args     []string
	Dir      string
	Stdin    string
}

// Line returns the arguments joined by spaces, used for prefix matching.
func (c Call) Line() string {
	return strings.Join(c.Args, " ")
}

// Response scripts the outcome of a matched command.
type Response struct {
	Stdout string
	Err    error
	// Block keeps Stream open after emitting Stdout until the context ends.
	Block bool
}

// Handler computes a response for a call.
type Handler func(Call) Response

type rule struct {
	prefix  string
	handler Handler
}

// Executor matches commands by argument prefix. Unmatched commands succeed
// with empty output.
type Executor struct {
	mu    sync.Mutex
	rules []rule
	calls []Call
}

var _ remote.Executor = (*Executor)(nil)

// New returns an empty scripted executor.
func New() *Executor {
	return &Executor{}
}

// On registers a fixed response for commands whose joined args start with prefix.
// Later registrations take precedence.
func (e *Executor) On(prefix string, resp Response) {
	e.Handle(prefix, func(Call) Response { return resp })
}

// Handle registers a handler for commands whose joined args start with prefix.
func (e *Executor) Handle(prefix string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule{prefix: prefix, handler: h})
}

// Calls returns every recorded call in order.
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// Count returns how many calls started with prefix.
func (e *Executor) Count(prefix string) int {
	n := 0
	for _, c := range e.Calls() {
		if strings.HasPrefix(c.Line(), prefix) {
			n++
		}
	}
	return n
}

func (e *Executor) dispatch(server domain.Server, cmd remote.Command) Response {
	call := Call{ServerID: server.ID, Args: append([]string(nil), cmd.Args...), Dir: cmd.Dir}
	if cmd.Stdin != nil {
		data, _ := io.ReadAll(cmd.Stdin)
		call.Stdin = string(data)
	}
	e.mu.Lock()
	e.calls = append(e.calls, call)
	var handler Handler
	for i := len(e.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(call.Line(), e.rules[i].prefix) {
			handler = e.rules[i].handler
			break
		}
	}
	e.mu.Unlock()
	if handler == nil {
		return Response{}
	}
	return handler(call)
}

// Run implements remote.Executor.
func (e *Executor) Run(ctx context.Context, server domain.Server, cmd remote.Command) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resp := e.dispatch(server, cmd)
	return resp.Stdout, resp.Err
}

// Stream implements remote.Executor.
func (e *Executor) Stream(ctx context.Context, server domain.Server, cmd remote.Command, onLine func(string) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resp := e.dispatch(server, cmd)
	if resp.Stdout != "" {
		for _, line := range strings.Split(strings.TrimRight(resp.Stdout, "\n"), "\n") {
			if !onLine(line) {
				return nil
			}
		}
	}
	if resp.Err != nil {
		return resp.Err
	}
	if resp.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

// Copy implements remote.Executor.
func (e *Executor) Copy(ctx context.Context, server domain.Server, cmd remote.Command, w io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	resp := e.dispatch(server, cmd)
	if resp.Err != nil {
		return 0, resp.Err
	}
	n, err := io.WriteString(w, resp.Stdout)
	return int64(n), err
}
