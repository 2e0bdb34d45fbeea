package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    Passes = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "autocluster",
        Name:      "passes_total",
        Help:      "Convergence passes by outcome (converged, not_converged, discovery_error, canceled)",
    }, []string{"result"})

    JoinAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "autocluster",
        Name:      "join_attempts_total",
        Help:      "Join attempts by outcome (ok, failed, no_peer)",
    }, []string{"result"})

    Forgets = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "autocluster",
        Name:      "forget_nodes_total",
        Help:      "Stale nodes removed from the broker cluster by outcome",
    }, []string{"result"})

    BrokerCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "autocluster",
        Subsystem: "broker",
        Name:      "commands_total",
        Help:      "Broker control commands executed by command and outcome",
    }, []string{"command", "result"})

    MgmtRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "autocluster",
        Subsystem: "mgmt",
        Name:      "requests_total",
        Help:      "Management API requests by protocol, endpoint and outcome",
    }, []string{"proto", "endpoint", "result"})

    DiscoveryErrors = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "autocluster",
        Subsystem: "discovery",
        Name:      "errors_total",
        Help:      "Failed membership discovery calls",
    })

    Formed = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "autocluster",
        Name:      "formed",
        Help:      "1 if the last observation found the cluster formed, else 0",
    })

    DesiredNodes = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "autocluster",
        Name:      "desired_nodes",
        Help:      "Healthy in-service members of the elastic group at last discovery",
    })

    RunningNodes = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "autocluster",
        Name:      "running_nodes",
        Help:      "Running nodes reported by the broker at last observation",
    })

    DiscNodes = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "autocluster",
        Name:      "disc_nodes",
        Help:      "Disc nodes reported by the broker at last observation",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(Passes)
        prometheus.MustRegister(JoinAttempts)
        prometheus.MustRegister(Forgets)
        prometheus.MustRegister(BrokerCommands)
        prometheus.MustRegister(MgmtRequests)
        prometheus.MustRegister(DiscoveryErrors)
        prometheus.MustRegister(Formed)
        prometheus.MustRegister(DesiredNodes)
        prometheus.MustRegister(RunningNodes)
        prometheus.MustRegister(DiscNodes)
    })
}
