package asg

import (
    "context"
    "fmt"
    "io"
    "strings"

    "github.com/aws/aws-sdk-go-v2/aws"
    awsconfig "github.com/aws/aws-sdk-go-v2/config"
    "github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
    "github.com/aws/aws-sdk-go-v2/service/autoscaling"
    "github.com/aws/aws-sdk-go-v2/service/ec2"
    "go.uber.org/zap"

    "github.com/amirimatin/rabbit-autocluster/pkg/internal/logutil"
    "github.com/amirimatin/rabbit-autocluster/pkg/membership"
)

// AutoScalingAPI is the part of the Auto Scaling client used for discovery.
type AutoScalingAPI interface {
    DescribeAutoScalingInstances(ctx context.Context, in *autoscaling.DescribeAutoScalingInstancesInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingInstancesOutput, error)
    DescribeAutoScalingGroups(ctx context.Context, in *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
}

// EC2API resolves instance ids to private DNS names.
type EC2API interface {
    ec2.DescribeInstancesAPIClient
}

// MetadataAPI reads the instance metadata service.
type MetadataAPI interface {
    GetMetadata(ctx context.Context, in *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// Options configures the Auto Scaling source.
type Options struct {
    // InstanceID overrides the metadata lookup of the local instance.
    InstanceID string

    AutoScaling AutoScalingAPI
    EC2         EC2API
    Metadata    MetadataAPI

    // Logger optional.
    Logger *zap.Logger
}

// Source discovers members of the Auto Scaling group owning this instance.
type Source struct {
    opts Options
}

// New returns a source over the supplied clients. AutoScaling and EC2 are
// required; Metadata is required unless InstanceID is set.
func New(opts Options) (*Source, error) {
    if opts.AutoScaling == nil || opts.EC2 == nil {
        return nil, fmt.Errorf("asg: autoscaling and ec2 clients are required")
    }
    if opts.Metadata == nil && opts.InstanceID == "" {
        return nil, fmt.Errorf("asg: metadata client or instance id required")
    }
    opts.Logger = logutil.OrNop(opts.Logger)
    return &Source{opts: opts}, nil
}

// NewFromEnv loads the default AWS credential chain. An empty region is
// resolved from the instance metadata service.
func NewFromEnv(ctx context.Context, region, instanceID string, logger *zap.Logger) (*Source, error) {
    var loadOpts []func(*awsconfig.LoadOptions) error
    if region != "" { loadOpts = append(loadOpts, awsconfig.WithRegion(region)) }
    cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
    if err != nil { return nil, fmt.Errorf("asg: load aws config: %w", err) }
    md := imds.NewFromConfig(cfg)
    if cfg.Region == "" {
        out, err := md.GetRegion(ctx, &imds.GetRegionInput{})
        if err != nil { return nil, fmt.Errorf("asg: resolve region: %w", err) }
        cfg.Region = out.Region
    }
    return New(Options{
        InstanceID:  instanceID,
        AutoScaling: autoscaling.NewFromConfig(cfg),
        EC2:         ec2.NewFromConfig(cfg),
        Metadata:    md,
        Logger:      logger,
    })
}

func (s *Source) LocalInstance(ctx context.Context) (string, error) {
    if s.opts.InstanceID != "" { return s.opts.InstanceID, nil }
    out, err := s.opts.Metadata.GetMetadata(ctx, &imds.GetMetadataInput{Path: "instance-id"})
    if err != nil { return "", err }
    defer out.Content.Close()
    b, err := io.ReadAll(out.Content)
    if err != nil { return "", err }
    return strings.TrimSpace(string(b)), nil
}

func (s *Source) DescribeOwningGroup(ctx context.Context, instanceID string) (string, error) {
    out, err := s.opts.AutoScaling.DescribeAutoScalingInstances(ctx, &autoscaling.DescribeAutoScalingInstancesInput{
        InstanceIds: []string{instanceID},
    })
    if err != nil { return "", err }
    for _, d := range out.AutoScalingInstances {
        if aws.ToString(d.InstanceId) == instanceID && aws.ToString(d.AutoScalingGroupName) != "" {
            return aws.ToString(d.AutoScalingGroupName), nil
        }
    }
    return "", membership.ErrGroupNotFound
}

func (s *Source) ListGroupMembers(ctx context.Context, group string) ([]membership.Record, error) {
    out, err := s.opts.AutoScaling.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
        AutoScalingGroupNames: []string{group},
    })
    if err != nil { return nil, err }
    if len(out.AutoScalingGroups) == 0 { return nil, membership.ErrGroupNotFound }

    var recs []membership.Record
    var ids []string
    for _, g := range out.AutoScalingGroups {
        if aws.ToString(g.AutoScalingGroupName) != group { continue }
        for _, in := range g.Instances {
            id := aws.ToString(in.InstanceId)
            if id == "" { continue }
            recs = append(recs, membership.Record{
                InstanceID: id,
                Lifecycle:  membership.LifecycleState(in.LifecycleState),
                Health:     membership.HealthStatus(aws.ToString(in.HealthStatus)),
            })
            ids = append(ids, id)
        }
    }
    if len(ids) == 0 { return recs, nil }

    names, err := s.privateDNSNames(ctx, ids)
    if err != nil { return nil, err }
    for i := range recs {
        recs[i].PrivateDNSName = names[recs[i].InstanceID]
    }
    return recs, nil
}

func (s *Source) privateDNSNames(ctx context.Context, ids []string) (map[string]string, error) {
    names := make(map[string]string, len(ids))
    p := ec2.NewDescribeInstancesPaginator(s.opts.EC2, &ec2.DescribeInstancesInput{InstanceIds: ids})
    for p.HasMorePages() {
        page, err := p.NextPage(ctx)
        if err != nil { return nil, err }
        for _, r := range page.Reservations {
            for _, in := range r.Instances {
                names[aws.ToString(in.InstanceId)] = aws.ToString(in.PrivateDnsName)
            }
        }
    }
    for _, id := range ids {
        if names[id] == "" { logutil.Warnf(s.opts.Logger, "asg: instance %s has no private dns name", id) }
    }
    return names, nil
}
