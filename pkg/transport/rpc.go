package transport

import (
    "context"
    "errors"
)

// ErrBusy is returned when a convergence pass is already running.
var ErrBusy = errors.New("transport: convergence pass in progress")

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on cluster types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// ConvergeFunc runs one convergence pass and returns its JSON report. A report
// describing a failed pass is still returned without error; the error is
// reserved for passes that could not start (ErrBusy).
type ConvergeFunc func(ctx context.Context) ([]byte, error)

// PlanFunc returns the JSON-encoded dry-run decision.
type PlanFunc func(ctx context.Context) ([]byte, error)

// Handlers bundles the functions backing the management endpoints. Nil
// handlers answer "not supported".
type Handlers struct {
    Status   StatusFunc
    Converge ConvergeFunc
    Plan     PlanFunc
}

// RPCServer exposes management endpoints (/status, /converge, /plan, plus
// /healthz and /metrics for HTTP).
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient calls a running controller's management endpoint using the chosen
// protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    PostConverge(ctx context.Context, addr string) ([]byte, error)
    GetPlan(ctx context.Context, addr string) ([]byte, error)
}
