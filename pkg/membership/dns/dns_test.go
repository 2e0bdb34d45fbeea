package dns

import (
    "context"
    "errors"
    "net"
    "testing"
    "time"

    "github.com/google/go-cmp/cmp"
)

type fakeResolver struct {
    srv   map[string][]*net.SRV
    hosts map[string][]string
    ptr   map[string][]string
    calls int
}

func (f *fakeResolver) LookupSRV(_ context.Context, service, proto, name string) (string, []*net.SRV, error) {
    f.calls++
    key := "_" + service + "._" + proto + "." + name
    if v, ok := f.srv[key]; ok { return "", v, nil }
    return "", nil, errors.New("no such SRV")
}

func (f *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
    f.calls++
    if v, ok := f.hosts[host]; ok { return v, nil }
    return nil, errors.New("no such host")
}

func (f *fakeResolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
    if v, ok := f.ptr[addr]; ok { return v, nil }
    return nil, errors.New("no PTR")
}

func TestParseSRVName(t *testing.T) {
    s, p, n := parseSRVName("_rabbitmq._tcp.example.com")
    if s != "rabbitmq" || p != "tcp" || n != "example.com" {
        t.Fatalf("parseSRVName failed: got (%q,%q,%q)", s, p, n)
    }
    s, p, n = parseSRVName("bad.srv")
    if s != "" || p != "" || n != "" {
        t.Fatalf("expected empty parts for bad input, got (%q,%q,%q)", s, p, n)
    }
}

func TestSRVAndReverseLookup(t *testing.T) {
    r := &fakeResolver{
        srv: map[string][]*net.SRV{
            "_rabbitmq._tcp.example.com": {{Target: "ip-10-0-0-2.ec2.internal.", Port: 4369}, {Target: "ip-10-0-0-1.ec2.internal.", Port: 4369}},
        },
        hosts: map[string][]string{"mq.example.com": {"10.0.0.3", "10.0.0.9"}},
        ptr:   map[string][]string{"10.0.0.3": {"ip-10-0-0-3.ec2.internal."}},
    }
    d := New(Options{Self: "ip-10-0-0-1", Names: []string{"_rabbitmq._tcp.example.com", "mq.example.com"}, Resolver: r})
    recs, err := d.ListGroupMembers(context.Background(), GroupName)
    if err != nil { t.Fatal(err) }
    var got []string
    for _, rec := range recs { got = append(got, rec.PrivateDNSName) }
    want := []string{"ip-10-0-0-1.ec2.internal", "ip-10-0-0-2.ec2.internal", "ip-10-0-0-3.ec2.internal"}
    if diff := cmp.Diff(want, got); diff != "" {
        t.Fatalf("hosts mismatch (-want +got):\n%s", diff)
    }
    if g, err := d.DescribeOwningGroup(context.Background(), "ip-10-0-0-1"); err != nil || g != GroupName {
        t.Fatalf("group = %q err=%v", g, err)
    }
}

func TestCacheWithinRefresh(t *testing.T) {
    r := &fakeResolver{srv: map[string][]*net.SRV{"_a._tcp.b": {{Target: "h1."}}}}
    d := New(Options{Names: []string{"_a._tcp.b"}, Resolver: r, Refresh: time.Minute})
    for i := 0; i < 3; i++ {
        if _, err := d.ListGroupMembers(context.Background(), GroupName); err != nil { t.Fatal(err) }
    }
    if r.calls != 1 { t.Fatalf("expected cached lookups, calls=%d", r.calls) }
}

func TestAllLookupsFail(t *testing.T) {
    d := New(Options{Names: []string{"missing.example.com"}, Resolver: &fakeResolver{}})
    if _, err := d.ListGroupMembers(context.Background(), GroupName); err == nil {
        t.Fatalf("expected error when nothing resolves")
    }
}
