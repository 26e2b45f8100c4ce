// Package aws implements the AWS provider on the EC2 and S3 clients of
// aws-sdk-go-v2.
package aws

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cumulus/internal/config"
	"github.com/yairfalse/cumulus/internal/label"
	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// Name is the provider name.
const Name = "aws"

const (
	// maxPageSize is the EC2 Describe* maximum. Kinds with a lower limit
	// report their own.
	maxPageSize = 1000
	// labelTag is the tag holding the cumulus label.
	labelTag = "cumulus-label"
	// nameTag holds the immutable name of EC2 resources.
	nameTag = "Name"
)

// Operation names. EC2 has no operation objects; progress is read from
// the target resource.
const (
	opCreate = "create"
	opDelete = "delete"
)

func init() {
	provider.Register(Name, func(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
		return Open(ctx, Options{Region: cfg.AWS.Region, Profile: cfg.AWS.Profile})
	})
}

// Options configures the AWS provider.
type Options struct {
	Region  string
	Profile string
	// EC2 and S3 replace the SDK clients, for tests.
	EC2       EC2API
	S3        S3API
	AccountID string
	Logger    *zerolog.Logger
}

// Provider is an open connection to one AWS account and region.
type Provider struct {
	region    string
	partition string
	accountID string
	ec2       EC2API
	s3        S3API
	logger    zerolog.Logger
	adapters  map[resource.Kind]provider.Adapter

	// attachments are volumes to attach once an instance is running.
	mu          sync.Mutex
	attachments map[string][]attachment
}

type attachment struct {
	volume string
	device string
}

// Open loads the default AWS configuration for opts.Region and resolves
// the account ID.
func Open(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	p := &Provider{
		region:      opts.Region,
		partition:   "aws",
		accountID:   opts.AccountID,
		ec2:         opts.EC2,
		s3:          opts.S3,
		logger:      log.Logger,
		attachments: make(map[string][]attachment),
	}
	if opts.Logger != nil {
		p.logger = *opts.Logger
	}
	if strings.HasPrefix(opts.Region, "cn-") {
		p.partition = "aws-cn"
	} else if strings.HasPrefix(opts.Region, "us-gov-") {
		p.partition = "aws-us-gov"
	}

	if p.ec2 == nil || p.s3 == nil {
		loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
		if opts.Profile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		if p.ec2 == nil {
			p.ec2 = ec2.NewFromConfig(awsCfg)
		}
		if p.s3 == nil {
			p.s3 = s3.NewFromConfig(awsCfg)
		}
	}

	if p.accountID == "" {
		id, err := getAccountID(ctx, p.ec2)
		if err != nil {
			return nil, fmt.Errorf("get account id: %w", err)
		}
		p.accountID = id
	}

	p.adapters = p.newAdapters()
	return p, nil
}

func getAccountID(ctx context.Context, client EC2API) (string, error) {
	output, err := client.DescribeAccountAttributes(ctx, &ec2.DescribeAccountAttributesInput{})
	if err != nil {
		return "", err
	}

	for _, attr := range output.AccountAttributes {
		if aws.ToString(attr.AttributeName) == "account-id" && len(attr.AttributeValues) > 0 {
			return aws.ToString(attr.AttributeValues[0].AttributeValue), nil
		}
	}

	return "unknown", nil
}

func (p *Provider) newAdapters() map[resource.Kind]provider.Adapter {
	return map[resource.Kind]provider.Adapter{
		resource.KindInstance: newInstances(p),
		resource.KindVolume:   newVolumes(p),
		resource.KindSnapshot: newSnapshots(p),
		resource.KindNetwork:  newVPCs(p),
		resource.KindSubnet:   newSubnets(p),
		resource.KindRouter:   newRouteTables(p),
		resource.KindFirewall: newSecurityGroups(p),
		resource.KindKeyPair:  &keyPairs{p},
		resource.KindBucket:   &buckets{p},
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return Name }

// Adapter returns the adapter for kind.
func (p *Provider) Adapter(kind resource.Kind) (provider.Adapter, error) {
	a, ok := p.adapters[kind]
	if !ok {
		return nil, provider.Unsupported(Name, kind)
	}
	return a, nil
}

// Metadata returns nil: every labeled kind carries the label as a tag.
func (p *Provider) Metadata() label.Store { return nil }

// Poller reads operation progress from the target resource state.
func (p *Provider) Poller() operation.Poller { return operation.PollerFunc(p.poll) }

// Defaults returns the configured region and its first zone.
func (p *Provider) Defaults() provider.Defaults {
	return provider.Defaults{Region: p.region, Zone: p.region + "a"}
}

// RegionOf strips the zone letter: "us-east-1a" is in "us-east-1".
func (p *Provider) RegionOf(zone string) string {
	if n := len(zone); n > 1 && zone[n-1] >= 'a' && zone[n-1] <= 'z' && zone[n-2] >= '0' && zone[n-2] <= '9' {
		return zone[:n-1]
	}
	return zone
}

// Close releases nothing: the SDK clients share the default HTTP client.
func (p *Provider) Close() error { return nil }

func (p *Provider) regionOf(s resource.Scope) string {
	switch {
	case s.Type == resource.ScopeRegion && s.Name != "":
		return s.Name
	case s.Type == resource.ScopeZone && s.Name != "":
		return p.RegionOf(s.Name)
	}
	return p.region
}

// in returns the per-call options that send an EC2 request to the region
// of scope.
func (p *Provider) in(s resource.Scope) []func(*ec2.Options) {
	region := p.regionOf(s)
	if region == p.region {
		return nil
	}
	return []func(*ec2.Options){func(o *ec2.Options) { o.Region = region }}
}

// regional is the handle scope of EC2 resources: IDs are unique per region.
func (p *Provider) regional(s resource.Scope) resource.Scope {
	return resource.Region(p.regionOf(s))
}

// zoneOf returns the availability zone requested by scope, or "" to let
// EC2 choose.
func zoneOf(s resource.Scope) string {
	if s.Type == resource.ScopeZone {
		return s.Name
	}
	return ""
}

func (p *Provider) deferAttach(instanceID string, a attachment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attachments[instanceID] = append(p.attachments[instanceID], a)
}

func (p *Provider) takeAttachments(instanceID string) []attachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.attachments[instanceID]
	delete(p.attachments, instanceID)
	return a
}

// ═══════════════════════════════════════════════════════════════════════════
// Polling
// ═══════════════════════════════════════════════════════════════════════════

func (p *Provider) poll(ctx context.Context, op *operation.Operation) (operation.State, error) {
	h := op.Target
	switch h.Kind {
	case resource.KindInstance:
		return p.pollInstance(ctx, op)
	case resource.KindVolume:
		out, err := p.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{h.ProviderID}}, p.in(h.Scope)...)
		if err := p.gone(err, out == nil || len(out.Volumes) == 0, op); err != nil {
			return p.goneState(op, err)
		}
		return lifecycle(op, string(out.Volumes[0].State), []string{"available", "in-use"}, []string{"error"}, ""), nil
	case resource.KindSnapshot:
		out, err := p.ec2.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: []string{h.ProviderID}}, p.in(h.Scope)...)
		if err := p.gone(err, out == nil || len(out.Snapshots) == 0, op); err != nil {
			return p.goneState(op, err)
		}
		s := out.Snapshots[0]
		return lifecycle(op, string(s.State), []string{"completed"}, []string{"error"}, aws.ToString(s.StateMessage)), nil
	case resource.KindNetwork:
		out, err := p.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{h.ProviderID}}, p.in(h.Scope)...)
		if err := p.gone(err, out == nil || len(out.Vpcs) == 0, op); err != nil {
			return p.goneState(op, err)
		}
		return lifecycle(op, string(out.Vpcs[0].State), []string{"available"}, nil, ""), nil
	case resource.KindSubnet:
		out, err := p.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: []string{h.ProviderID}}, p.in(h.Scope)...)
		if err := p.gone(err, out == nil || len(out.Subnets) == 0, op); err != nil {
			return p.goneState(op, err)
		}
		return lifecycle(op, string(out.Subnets[0].State), []string{"available"}, nil, ""), nil
	}
	// Every other call is synchronous.
	return operation.State{Status: operation.Done, Link: op.Link}, nil
}

func (p *Provider) pollInstance(ctx context.Context, op *operation.Operation) (operation.State, error) {
	h := op.Target
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{h.ProviderID}}, p.in(h.Scope)...)
	var inst *types.Instance
	if err == nil {
		if all := flattenInstances(out); len(all) > 0 {
			inst = &all[0]
		}
	}
	if err := p.gone(err, err == nil && inst == nil, op); err != nil {
		return p.goneState(op, err)
	}

	var state string
	if inst.State != nil {
		state = string(inst.State.Name)
	}
	if op.Name == opDelete {
		if state == "terminated" {
			return operation.State{Status: operation.Done}, nil
		}
		return operation.State{Status: operation.Pending}, nil
	}
	switch state {
	case "running":
		if err := p.attachPending(ctx, h); err != nil {
			return operation.State{Status: operation.Failed, Err: &operation.OperationError{Reason: err.Error(), Raw: err}}, nil
		}
		return operation.State{Status: operation.Done, Link: p.arnOf(h)}, nil
	case "pending":
		return operation.State{Status: operation.Pending}, nil
	}
	reason := state
	if inst.StateReason != nil {
		reason = state + ": " + aws.ToString(inst.StateReason.Message)
	}
	p.takeAttachments(h.ProviderID)
	return operation.State{Status: operation.Failed, Err: &operation.OperationError{Reason: reason}}, nil
}

// attachPending attaches the volumes deferred until the instance runs.
func (p *Provider) attachPending(ctx context.Context, h resource.Handle) error {
	for _, a := range p.takeAttachments(h.ProviderID) {
		_, err := p.ec2.AttachVolume(ctx, &ec2.AttachVolumeInput{
			InstanceId: aws.String(h.ProviderID),
			VolumeId:   aws.String(a.volume),
			Device:     aws.String(a.device),
		}, p.in(h.Scope)...)
		if err != nil {
			return classify(err, resource.KindVolume, "attach", a.volume)
		}
		p.logger.Debug().Str("instance", h.ProviderID).Str("volume", a.volume).Str("device", a.device).Msg("attached volume")
	}
	return nil
}

// errGone marks a target that no longer exists.
var errGone = fmt.Errorf("target gone: %w", resource.ErrNotFound)

// gone folds a describe error or an empty result into errGone. Other
// errors are classified and returned.
func (p *Provider) gone(err error, empty bool, op *operation.Operation) error {
	if err != nil {
		err = classify(err, op.Target.Kind, "poll", op.Target.ProviderID)
		if resource.IsNotFound(err) {
			return errGone
		}
		return err
	}
	if empty {
		return errGone
	}
	return nil
}

// goneState turns a vanished target into Done for deletes and a failure
// for creates.
func (p *Provider) goneState(op *operation.Operation, err error) (operation.State, error) {
	if err != errGone {
		return operation.State{}, err
	}
	if op.Name == opDelete {
		return operation.State{Status: operation.Done}, nil
	}
	return operation.State{Status: operation.Failed, Err: &operation.OperationError{Reason: "resource disappeared while being created", Raw: err}}, nil
}

// lifecycle maps a resource state string to an operation status. Creates
// finish in one of done; deletes finish once the resource is gone or
// reported "deleted".
func lifecycle(op *operation.Operation, state string, done, failed []string, reason string) operation.State {
	if op.Name == opDelete {
		if state == "deleted" {
			return operation.State{Status: operation.Done}
		}
		return operation.State{Status: operation.Pending}
	}
	switch {
	case contains(done, state):
		return operation.State{Status: operation.Done, Link: op.Link}
	case contains(failed, state):
		if reason == "" {
			reason = state
		}
		return operation.State{Status: operation.Failed, Err: &operation.OperationError{Reason: reason}}
	}
	return operation.State{Status: operation.Pending}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// started returns a pending operation on h carrying its ARN.
func (p *Provider) started(verb string, h resource.Handle) *operation.Operation {
	op := operation.Started(verb, h)
	op.Link = p.arnOf(h)
	return op
}

// completed returns a finished operation on h carrying its ARN.
func (p *Provider) completed(h resource.Handle) *operation.Operation {
	return operation.Completed(h, p.arnOf(h))
}
