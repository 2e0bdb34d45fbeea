package memberlist

import (
    "context"
    "encoding/json"
    "net"
    "testing"
    "time"

    "github.com/hashicorp/memberlist"

    base "github.com/amirimatin/rabbit-autocluster/pkg/membership"
)

func TestRecordOfMapsGossipState(t *testing.T) {
    meta, _ := json.Marshal(map[string]string{metaHost: "ip-10-0-0-5.ec2.internal"})
    cases := []struct{
        state  memberlist.NodeStateType
        life   base.LifecycleState
        health base.HealthStatus
    }{
        {memberlist.StateAlive, base.LifecycleInService, base.HealthHealthy},
        {memberlist.StateSuspect, base.LifecycleInService, base.HealthUnhealthy},
        {memberlist.StateDead, base.LifecycleTerminating, base.HealthUnhealthy},
        {memberlist.StateLeft, base.LifecycleTerminating, base.HealthUnhealthy},
    }
    for _, c := range cases {
        r := recordOf(&memberlist.Node{Name: "i-5", Addr: net.ParseIP("127.0.0.1"), Meta: meta, State: c.state})
        if r.Lifecycle != c.life || r.Health != c.health {
            t.Fatalf("state %v: got %s/%s want %s/%s", c.state, r.Lifecycle, r.Health, c.life, c.health)
        }
        if r.PrivateDNSName != "ip-10-0-0-5.ec2.internal" || r.InstanceID != "i-5" {
            t.Fatalf("unexpected record: %#v", r)
        }
    }
    if r := recordOf(&memberlist.Node{Name: "plain"}); r.PrivateDNSName != "plain" {
        t.Fatalf("host should default to node name, got %q", r.PrivateDNSName)
    }
}

func TestNotStarted(t *testing.T) {
    s, err := New(Options{NodeID: "n0", Bind: "127.0.0.1:0"})
    if err != nil { t.Fatal(err) }
    if _, err := s.ListGroupMembers(context.Background(), GroupName); err != ErrNotStarted {
        t.Fatalf("expected ErrNotStarted, got %v", err)
    }
    if s.HealthScore() != -1 { t.Fatalf("expected -1 health before start") }
}

func TestNewValidates(t *testing.T) {
    if _, err := New(Options{Bind: ":7946"}); err == nil { t.Fatalf("expected error for empty NodeID") }
    if _, err := New(Options{NodeID: "x"}); err == nil { t.Fatalf("expected error for empty Bind") }
}

func TestMemberlist_TwoNodeGroup(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    n1 := startNode(t, ctx, "n1", nil)
    defer n1.Stop()
    n2 := startNode(t, ctx, "n2", []string{n1.Addr()})
    defer n2.Stop()

    deadline := time.Now().Add(5 * time.Second)
    for {
        recs, err := n1.ListGroupMembers(ctx, GroupName)
        if err != nil { t.Fatal(err) }
        if len(recs) == 2 {
            if recs[0].PrivateDNSName != "n1.host" || recs[1].PrivateDNSName != "n2.host" {
                t.Fatalf("unexpected hosts: %#v", recs)
            }
            break
        }
        if time.Now().After(deadline) { t.Fatalf("members timeout: %#v", recs) }
        time.Sleep(100 * time.Millisecond)
    }

    g, err := n2.DescribeOwningGroup(ctx, "n1")
    if err != nil || g != GroupName { t.Fatalf("group = %q err=%v", g, err) }
    if _, ok := interface{}(n1).(base.HealthReporter); !ok { t.Fatalf("source does not implement HealthReporter") }
}

func startNode(t *testing.T, ctx context.Context, id string, seeds []string) *Source {
    t.Helper()
    m, err := New(Options{NodeID: id, Host: id + ".host", Bind: "127.0.0.1:0", Seeds: seeds, ProbeInterval: 100 * time.Millisecond, SuspicionMult: 2})
    if err != nil { t.Fatalf("new %s: %v", id, err) }
    if err := m.Start(ctx); err != nil { t.Fatalf("start %s: %v", id, err) }
    if m.Addr() == "" { t.Fatalf("local addr empty for %s", id) }
    return m
}
