// Package broker defines the control surface of the local message broker.
// Implementations run discrete administration commands and report their
// captured output; they never interpret cluster state.
package broker

import (
    "context"
    "fmt"
    "strings"

    "github.com/amirimatin/rabbit-autocluster/pkg/node"
)

// Result is the captured outcome of one broker command.
type Result struct {
    Command  string `json:"command"`
    Stdout   string `json:"stdout,omitempty"`
    Stderr   string `json:"stderr,omitempty"`
    ExitCode int    `json:"exitCode"`
}

// OK reports a zero exit status.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Control issues administration commands to the local broker.
type Control interface {
    // QueryStatus returns the raw cluster status document.
    QueryStatus(ctx context.Context) (Result, error)
    StopApp(ctx context.Context) (Result, error)
    StartApp(ctx context.Context) (Result, error)
    JoinCluster(ctx context.Context, peer node.Identity) (Result, error)
    // ForgetNode removes a stale member from the cluster's disc node list.
    ForgetNode(ctx context.Context, n node.Identity) (Result, error)
}

// CommandFailure reports a command that exited non-zero or could not run at
// all (Err set, for example a timeout).
type CommandFailure struct {
    Result Result
    Err    error
}

func (e *CommandFailure) Error() string {
    if e.Err != nil {
        return fmt.Sprintf("broker: %s: %v", e.Result.Command, e.Err)
    }
    msg := strings.TrimSpace(e.Result.Stderr)
    if msg == "" { msg = strings.TrimSpace(e.Result.Stdout) }
    return fmt.Sprintf("broker: %s exited %d: %s", e.Result.Command, e.Result.ExitCode, msg)
}

func (e *CommandFailure) Unwrap() error { return e.Err }
