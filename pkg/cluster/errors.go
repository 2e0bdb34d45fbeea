package cluster

import "errors"

var (
    // ErrNoPeerAvailable means the desired set holds no node other than self.
    ErrNoPeerAvailable = errors.New("cluster: no peer available to join")
    ErrNotConverged    = errors.New("cluster: not converged within max attempts")
    ErrPassInProgress  = errors.New("cluster: convergence pass already running")
)
