package kube

import (
    "context"
    "errors"
    "testing"

    "github.com/google/go-cmp/cmp"
    corev1 "k8s.io/api/core/v1"
    metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
    "k8s.io/apimachinery/pkg/runtime"
    k8sfake "k8s.io/client-go/kubernetes/fake"

    "github.com/amirimatin/rabbit-autocluster/pkg/membership"
)

func pod(name string, lbl map[string]string, phase corev1.PodPhase, ready bool) *corev1.Pod {
    p := &corev1.Pod{
        ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "mq", Labels: lbl},
        Spec:       corev1.PodSpec{Hostname: name},
        Status:     corev1.PodStatus{Phase: phase},
    }
    st := corev1.ConditionFalse
    if ready { st = corev1.ConditionTrue }
    p.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: st}}
    return p
}

func newSource(t *testing.T, objs ...runtime.Object) *Source {
    t.Helper()
    s, err := New(Options{Client: k8sfake.NewSimpleClientset(objs...), Namespace: "mq", Selector: "app=rabbitmq", PodName: "rabbitmq-0"})
    if err != nil { t.Fatal(err) }
    return s
}

func TestResolvesReadyPods(t *testing.T) {
    app := map[string]string{"app": "rabbitmq"}
    terminating := pod("rabbitmq-3", app, corev1.PodRunning, true)
    now := metav1.Now()
    terminating.DeletionTimestamp = &now
    s := newSource(t,
        pod("rabbitmq-0", app, corev1.PodRunning, true),
        pod("rabbitmq-1", app, corev1.PodRunning, false),
        pod("rabbitmq-2", app, corev1.PodPending, false),
        terminating,
        pod("rabbitmq-4", app, corev1.PodRunning, true),
        pod("other-0", map[string]string{"app": "other"}, corev1.PodRunning, true),
    )
    set, err := membership.NewResolver(s, "", nil).ResolveDesiredNodes(context.Background())
    if err != nil { t.Fatal(err) }
    if diff := cmp.Diff([]string{"rabbit@rabbitmq-0", "rabbit@rabbitmq-4"}, set.Strings()); diff != "" {
        t.Fatalf("desired mismatch (-want +got):\n%s", diff)
    }
}

func TestSelfNotSelected(t *testing.T) {
    s := newSource(t, pod("rabbitmq-0", map[string]string{"app": "other"}, corev1.PodRunning, true))
    if _, err := s.DescribeOwningGroup(context.Background(), "rabbitmq-0"); !errors.Is(err, membership.ErrGroupNotFound) {
        t.Fatalf("expected ErrGroupNotFound, got %v", err)
    }
    if _, err := s.DescribeOwningGroup(context.Background(), "missing"); !errors.Is(err, membership.ErrInstanceNotFound) {
        t.Fatalf("expected ErrInstanceNotFound, got %v", err)
    }
}

func TestBadSelector(t *testing.T) {
    if _, err := New(Options{Client: k8sfake.NewSimpleClientset(), Selector: "app in ("}); err == nil {
        t.Fatalf("expected selector parse error")
    }
}
