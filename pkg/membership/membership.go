package membership

import (
    "context"
    "errors"
    "fmt"
)

// LifecycleState mirrors the lifecycle states of an elastic-group instance.
type LifecycleState string

const (
    LifecyclePending            LifecycleState = "Pending"
    LifecyclePendingWait        LifecycleState = "Pending:Wait"
    LifecyclePendingProceed     LifecycleState = "Pending:Proceed"
    LifecycleQuarantined        LifecycleState = "Quarantined"
    LifecycleInService          LifecycleState = "InService"
    LifecycleTerminating        LifecycleState = "Terminating"
    LifecycleTerminatingWait    LifecycleState = "Terminating:Wait"
    LifecycleTerminatingProceed LifecycleState = "Terminating:Proceed"
    LifecycleTerminated         LifecycleState = "Terminated"
    LifecycleDetaching          LifecycleState = "Detaching"
    LifecycleDetached           LifecycleState = "Detached"
    LifecycleEnteringStandby    LifecycleState = "EnteringStandby"
    LifecycleStandby            LifecycleState = "Standby"
)

// HealthStatus is the group's view of an instance's health.
type HealthStatus string

const (
    HealthHealthy   HealthStatus = "Healthy"
    HealthUnhealthy HealthStatus = "Unhealthy"
)

// Record describes one physical node in the elastic group. Records are produced
// fresh by every discovery call and never cached by the resolver.
type Record struct {
    InstanceID     string         `json:"instanceId"`
    Lifecycle      LifecycleState `json:"lifecycle"`
    Health         HealthStatus   `json:"health"`
    PrivateDNSName string         `json:"privateDnsName"`
}

// Eligible reports whether the node should be a cluster member.
func (r Record) Eligible() bool {
    return r.Lifecycle == LifecycleInService && r.Health == HealthHealthy
}

// Source is the inventory service that knows which nodes form the elastic
// group. Implementations must be safe to call repeatedly and rapidly.
type Source interface {
    // LocalInstance returns the identifier of the instance this process runs on.
    LocalInstance(ctx context.Context) (string, error)
    // DescribeOwningGroup returns the name of the group that owns instanceID.
    DescribeOwningGroup(ctx context.Context, instanceID string) (string, error)
    // ListGroupMembers returns every member of the group regardless of state.
    ListGroupMembers(ctx context.Context, group string) ([]Record, error)
}

// Lifecycle is implemented by sources that keep background state (for example
// a gossip agent) and must be started before the first lookup.
type Lifecycle interface {
    Start(ctx context.Context) error
    Stop() error
}

var (
    ErrGroupNotFound    = errors.New("membership: owning group not found")
    ErrInstanceNotFound = errors.New("membership: local instance unknown")
)

// DiscoveryError reports a failed inventory lookup. Op names the step that
// failed: "local-instance", "owning-group" or "list-members".
type DiscoveryError struct {
    Op  string
    Err error
}

func (e *DiscoveryError) Error() string {
    return fmt.Sprintf("membership: discovery failed at %s: %v", e.Op, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }
