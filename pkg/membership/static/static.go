package static

import (
    "context"
    "strings"

    "github.com/amirimatin/rabbit-autocluster/pkg/membership"
)

// GroupName is the group every static member belongs to.
const GroupName = "static"

type staticSource struct {
    self  string
    hosts []string
}

// New returns a Source whose group is a fixed list of host names. self is the
// local host name; it must appear in hosts for the group to own it.
func New(self string, hosts ...string) membership.Source {
    cleaned := make([]string, 0, len(hosts))
    for _, v := range hosts {
        v = strings.TrimSpace(v)
        if v != "" {
            cleaned = append(cleaned, v)
        }
    }
    return &staticSource{self: strings.TrimSpace(self), hosts: cleaned}
}

func (s *staticSource) LocalInstance(context.Context) (string, error) { return s.self, nil }

func (s *staticSource) DescribeOwningGroup(_ context.Context, id string) (string, error) {
    if !membership.ContainsHost(s.hosts, id) { return "", membership.ErrGroupNotFound }
    return GroupName, nil
}

func (s *staticSource) ListGroupMembers(context.Context, string) ([]membership.Record, error) {
    return membership.HostRecords(s.hosts), nil
}

// Parse converts a comma-separated list into host names.
func Parse(csv string) []string {
    if csv == "" {
        return nil
    }
    parts := strings.Split(csv, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts {
        p = strings.TrimSpace(p)
        if p != "" {
            out = append(out, p)
        }
    }
    return out
}
