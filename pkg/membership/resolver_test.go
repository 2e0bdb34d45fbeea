package membership

import (
    "context"
    "errors"
    "testing"

    "github.com/google/go-cmp/cmp"

    "github.com/amirimatin/rabbit-autocluster/pkg/node"
)

type fakeSource struct {
    self      string
    selfErr   error
    group     string
    groupErr  error
    records   []Record
    listErr   error
    listCalls int
}

func (f *fakeSource) LocalInstance(context.Context) (string, error) { return f.self, f.selfErr }
func (f *fakeSource) DescribeOwningGroup(_ context.Context, id string) (string, error) {
    if id != f.self { return "", errors.New("unexpected instance " + id) }
    return f.group, f.groupErr
}
func (f *fakeSource) ListGroupMembers(_ context.Context, group string) ([]Record, error) {
    f.listCalls++
    if group != f.group { return nil, errors.New("unexpected group " + group) }
    return f.records, f.listErr
}

func TestResolveDesiredNodesFiltersHealthyInService(t *testing.T) {
    src := &fakeSource{
        self:  "i-1",
        group: "rabbit-asg",
        records: []Record{
            {InstanceID: "i-1", Lifecycle: LifecycleInService, Health: HealthHealthy, PrivateDNSName: "ip-10-0-0-1.ec2.internal"},
            {InstanceID: "i-2", Lifecycle: LifecyclePending, Health: HealthHealthy, PrivateDNSName: "ip-10-0-0-2.ec2.internal"},
            {InstanceID: "i-3", Lifecycle: LifecycleInService, Health: HealthUnhealthy, PrivateDNSName: "ip-10-0-0-3.ec2.internal"},
            {InstanceID: "i-4", Lifecycle: LifecycleInService, Health: HealthHealthy, PrivateDNSName: "ip-10-0-0-4.ec2.internal"},
            {InstanceID: "i-5", Lifecycle: LifecycleTerminating, Health: HealthHealthy, PrivateDNSName: "ip-10-0-0-5.ec2.internal"},
            {InstanceID: "i-6", Lifecycle: LifecycleInService, Health: HealthHealthy},
        },
    }
    r := NewResolver(src, "rabbit", nil)
    got, err := r.ResolveDesiredNodes(context.Background())
    if err != nil { t.Fatalf("resolve: %v", err) }
    want := []node.Identity{"rabbit@ip-10-0-0-1", "rabbit@ip-10-0-0-4"}
    if diff := cmp.Diff(want, got.Slice()); diff != "" {
        t.Fatalf("desired mismatch (-want +got):\n%s", diff)
    }
}

func TestResolveDesiredNodesIsNotCached(t *testing.T) {
    src := &fakeSource{self: "i-1", group: "g", records: []Record{
        {InstanceID: "i-1", Lifecycle: LifecycleInService, Health: HealthHealthy, PrivateDNSName: "a"},
    }}
    r := NewResolver(src, "", nil)
    if _, err := r.ResolveDesiredNodes(context.Background()); err != nil { t.Fatal(err) }
    src.records = append(src.records, Record{InstanceID: "i-2", Lifecycle: LifecycleInService, Health: HealthHealthy, PrivateDNSName: "b"})
    got, err := r.ResolveDesiredNodes(context.Background())
    if err != nil { t.Fatal(err) }
    if got.Len() != 2 || src.listCalls != 2 {
        t.Fatalf("expected fresh listing: len=%d calls=%d", got.Len(), src.listCalls)
    }
}

func TestResolveDesiredNodesDiscoveryErrors(t *testing.T) {
    boom := errors.New("boom")
    cases := []struct {
        name   string
        src    *fakeSource
        op     string
        target error
    }{
        {"self lookup", &fakeSource{selfErr: boom}, "local-instance", boom},
        {"empty self", &fakeSource{}, "local-instance", ErrInstanceNotFound},
        {"group lookup", &fakeSource{self: "i-1", groupErr: boom}, "owning-group", boom},
        {"no group", &fakeSource{self: "i-1"}, "owning-group", ErrGroupNotFound},
        {"list", &fakeSource{self: "i-1", group: "g", listErr: boom}, "list-members", boom},
    }
    for _, c := range cases {
        t.Run(c.name, func(t *testing.T) {
            _, err := NewResolver(c.src, "rabbit", nil).ResolveDesiredNodes(context.Background())
            var de *DiscoveryError
            if !errors.As(err, &de) { t.Fatalf("expected DiscoveryError, got %v", err) }
            if de.Op != c.op { t.Fatalf("op = %q, want %q", de.Op, c.op) }
            if !errors.Is(err, c.target) { t.Fatalf("expected %v in chain, got %v", c.target, err) }
        })
    }
}
