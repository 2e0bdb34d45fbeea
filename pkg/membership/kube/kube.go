package kube

import (
    "context"
    "fmt"
    "os"
    "sort"

    corev1 "k8s.io/api/core/v1"
    apierrors "k8s.io/apimachinery/pkg/api/errors"
    metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
    "k8s.io/apimachinery/pkg/labels"
    "k8s.io/client-go/kubernetes"
    "k8s.io/client-go/tools/clientcmd"

    "github.com/amirimatin/rabbit-autocluster/pkg/membership"
)

type Options struct {
    Client    kubernetes.Interface
    Namespace string
    // Selector picks the broker pods, e.g. "app=rabbitmq".
    Selector string
    // PodName is the local pod. Defaults to $HOSTNAME.
    PodName string
}

// Source treats the pods matching a label selector as the elastic group.
type Source struct {
    opts     Options
    selector labels.Selector
}

func New(opts Options) (*Source, error) {
    if opts.Client == nil { return nil, fmt.Errorf("kube: nil client") }
    if opts.Namespace == "" { opts.Namespace = metav1.NamespaceDefault }
    if opts.PodName == "" { opts.PodName = os.Getenv("HOSTNAME") }
    sel, err := labels.Parse(opts.Selector)
    if err != nil { return nil, fmt.Errorf("kube: selector %q: %w", opts.Selector, err) }
    return &Source{opts: opts, selector: sel}, nil
}

// NewFromKubeconfig builds a clientset from kubeconfigPath, or from the
// in-cluster service account when the path is empty.
func NewFromKubeconfig(kubeconfigPath string, opts Options) (*Source, error) {
    cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
    if err != nil { return nil, fmt.Errorf("kube: %w", err) }
    cs, err := kubernetes.NewForConfig(cfg)
    if err != nil { return nil, fmt.Errorf("kube: %w", err) }
    opts.Client = cs
    return New(opts)
}

func (s *Source) LocalInstance(context.Context) (string, error) { return s.opts.PodName, nil }

func (s *Source) group() string { return s.opts.Namespace + "/" + s.selector.String() }

func (s *Source) DescribeOwningGroup(ctx context.Context, podName string) (string, error) {
    pod, err := s.opts.Client.CoreV1().Pods(s.opts.Namespace).Get(ctx, podName, metav1.GetOptions{})
    if apierrors.IsNotFound(err) { return "", membership.ErrInstanceNotFound }
    if err != nil { return "", err }
    if !s.selector.Matches(labels.Set(pod.Labels)) { return "", membership.ErrGroupNotFound }
    return s.group(), nil
}

func (s *Source) ListGroupMembers(ctx context.Context, group string) ([]membership.Record, error) {
    if group != s.group() { return nil, membership.ErrGroupNotFound }
    pods, err := s.opts.Client.CoreV1().Pods(s.opts.Namespace).List(ctx, metav1.ListOptions{LabelSelector: s.selector.String()})
    if err != nil { return nil, err }
    out := make([]membership.Record, 0, len(pods.Items))
    for i := range pods.Items {
        out = append(out, recordOf(&pods.Items[i]))
    }
    sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
    return out, nil
}

func recordOf(pod *corev1.Pod) membership.Record {
    host := pod.Spec.Hostname
    if host == "" { host = pod.Name }
    r := membership.Record{InstanceID: pod.Name, PrivateDNSName: host, Health: membership.HealthUnhealthy}
    switch {
    case pod.DeletionTimestamp != nil:
        r.Lifecycle = membership.LifecycleTerminating
    case pod.Status.Phase == corev1.PodRunning:
        r.Lifecycle = membership.LifecycleInService
    case pod.Status.Phase == corev1.PodSucceeded, pod.Status.Phase == corev1.PodFailed:
        r.Lifecycle = membership.LifecycleTerminated
    default:
        r.Lifecycle = membership.LifecyclePending
    }
    for _, c := range pod.Status.Conditions {
        if c.Type == corev1.PodReady && c.Status == corev1.ConditionTrue {
            r.Health = membership.HealthHealthy
        }
    }
    return r
}
