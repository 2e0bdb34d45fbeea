package membership

import "strings"

// HostRecords builds records for sources that only know host names: every host
// is assumed in service and healthy, and doubles as its own instance id.
func HostRecords(hosts []string) []Record {
    out := make([]Record, 0, len(hosts))
    for _, h := range hosts {
        h = strings.TrimSpace(h)
        if h == "" { continue }
        out = append(out, Record{InstanceID: h, Lifecycle: LifecycleInService, Health: HealthHealthy, PrivateDNSName: h})
    }
    return out
}

// ShortHost drops every label after the first dot.
func ShortHost(h string) string {
    h = strings.TrimSpace(h)
    if i := strings.IndexByte(h, '.'); i >= 0 { return h[:i] }
    return h
}

// ContainsHost reports whether self matches one of hosts by short name.
func ContainsHost(hosts []string, self string) bool {
    s := ShortHost(self)
    for _, h := range hosts {
        if ShortHost(h) == s { return true }
    }
    return false
}
