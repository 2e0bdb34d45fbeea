package cluster

import (
    "github.com/amirimatin/rabbit-autocluster/pkg/node"
)

// ClusterStatus is a snapshot of the broker's self-reported clustering state,
// recomputed on every status query. A nil set or an empty ClusterName means
// the broker did not report that field, which the decision engine reads as
// "clustering has not started" rather than as an error.
type ClusterStatus struct {
    // DiscNodes are the members the broker persistently considers part of the cluster.
    DiscNodes    *node.Set `json:"discNodes,omitempty"`
    // RunningNodes are the members currently up and participating.
    RunningNodes *node.Set `json:"runningNodes,omitempty"`
    ClusterName  string    `json:"clusterName,omitempty"`
}

// HasRunning reports whether the broker listed running nodes at all.
func (s ClusterStatus) HasRunning() bool { return s.RunningNodes != nil }

// HasClusterName reports whether the broker reported a cluster name.
func (s ClusterStatus) HasClusterName() bool { return s.ClusterName != "" }
