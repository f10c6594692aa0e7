package remote

import (
	"fmt"
	"time"
)

// ConnectionError reports that the host could not be reached or authenticated.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ssh connect %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError reports a remote command that exited non-zero.
type CommandError struct {
	Command    string
	ExitStatus int
	Stderr     string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("remote command %q exited with status %d", e.Command, e.ExitStatus)
	}
	return fmt.Sprintf("remote command %q exited with status %d: %s", e.Command, e.ExitStatus, e.Stderr)
}

// TimeoutError reports a command that exceeded its deadline.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote command %q timed out after %s", e.Command, e.Timeout)
}
