package cluster

import (
    "fmt"

    "github.com/amirimatin/rabbit-autocluster/pkg/node"
)

// Phase is the convergence state of the local node.
type Phase string

const (
    PhaseUnformed       Phase = "unformed"
    PhaseJoining        Phase = "joining"
    PhaseFormed         Phase = "formed"
    PhaseCleanupPending Phase = "cleanup_pending"
)

// Decision is the outcome of comparing desired membership with broker state.
type Decision struct {
    Phase    Phase           `json:"phase"`
    Target   node.Identity   `json:"target,omitempty"`
    Removals []node.Identity `json:"removals,omitempty"`
    Reason   string          `json:"reason"`
}

// IsFormed reports whether the broker cluster matches desired: running nodes
// and a cluster name are reported, every desired node is both a disc and a
// running node, the running count equals the desired count and the disc count
// is at least the desired count. An empty desired set is never formed.
func IsFormed(desired *node.Set, st ClusterStatus) bool {
    if !st.HasRunning() || !st.HasClusterName() { return false }
    if desired.Len() == 0 { return false }
    for _, n := range desired.Slice() {
        if !st.DiscNodes.Has(n) || !st.RunningNodes.Has(n) { return false }
    }
    return desired.Len() == st.RunningNodes.Len() && st.DiscNodes.Len() >= desired.Len()
}

// ChooseJoinTarget returns the first desired node, in discovery order, that is
// not self.
func ChooseJoinTarget(desired *node.Set, self node.Identity) (node.Identity, error) {
    for _, n := range desired.Slice() {
        if !n.Equal(self) { return n, nil }
    }
    return "", ErrNoPeerAvailable
}

// PlanRemovals returns the disc nodes that are neither running nor desired.
// It returns nothing unless the cluster is formed for the same inputs, so a
// node that is merely down but still desired is never forgotten.
func PlanRemovals(desired *node.Set, st ClusterStatus) []node.Identity {
    if !IsFormed(desired, st) { return nil }
    return st.DiscNodes.Difference(st.RunningNodes, desired).Slice()
}

// Decide classifies the current observation for self.
func Decide(desired *node.Set, st ClusterStatus, self node.Identity) Decision {
    if !IsFormed(desired, st) {
        target, err := ChooseJoinTarget(desired, self)
        if err != nil {
            return Decision{Phase: PhaseUnformed, Reason: fmt.Sprintf("not formed and %v", err)}
        }
        return Decision{Phase: PhaseJoining, Target: target, Reason: fmt.Sprintf("not formed: desired %d, running %d, disc %d", desired.Len(), st.RunningNodes.Len(), st.DiscNodes.Len())}
    }
    if rm := PlanRemovals(desired, st); len(rm) > 0 {
        return Decision{Phase: PhaseCleanupPending, Removals: rm, Reason: fmt.Sprintf("formed with %d stale disc node(s)", len(rm))}
    }
    return Decision{Phase: PhaseFormed, Reason: "formed"}
}
