// Package hetzner implements the Hetzner Cloud provider on hcloud-go.
//
// Every ID is unique within a project, so handles carry no scope. Locations
// (fsn1, ash, ...) play the part of zones and network zones (eu-central,
// us-east, ...) the part of regions.
package hetzner

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cumulus/internal/config"
	"github.com/yairfalse/cumulus/internal/label"
	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// Name is the provider name.
const Name = "hetzner"

const (
	// maxPageSize is the largest per_page the API accepts.
	maxPageSize = 50
	// labelKey is the label holding the cumulus label.
	labelKey = "cumulus-label"
	// subnetLabelPrefix keys subnet labels on the parent network.
	subnetLabelPrefix = "cumulus-subnet-"

	defaultLocation   = "fsn1"
	defaultServerType = "cx22"
)

// networkZones maps locations to their network zone.
var networkZones = map[string]string{
	"fsn1": "eu-central",
	"nbg1": "eu-central",
	"hel1": "eu-central",
	"ash":  "us-east",
	"hil":  "us-west",
	"sin":  "ap-southeast",
}

func init() {
	provider.Register(Name, func(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
		return Open(ctx, Options{
			Token:    cfg.Hetzner.Token,
			Location: cfg.Hetzner.Location,
			Endpoint: cfg.Hetzner.Endpoint,
		})
	})
}

// Options configures the Hetzner provider.
type Options struct {
	// Token defaults to $HCLOUD_TOKEN.
	Token    string
	Location string
	Endpoint string
	// Client replaces the API client.
	Client *hcloud.Client
	Logger *zerolog.Logger
}

// Provider is an open connection to one Hetzner Cloud project.
type Provider struct {
	client   *hcloud.Client
	location string
	logger   zerolog.Logger
	adapters map[resource.Kind]provider.Adapter
}

// Open builds the API client. No call is made until the first request.
func Open(_ context.Context, opts Options) (*Provider, error) {
	if opts.Location == "" {
		opts.Location = defaultLocation
	}
	p := &Provider{
		client:   opts.Client,
		location: opts.Location,
		logger:   log.Logger,
	}
	if opts.Logger != nil {
		p.logger = *opts.Logger
	}
	if _, ok := networkZones[p.location]; !ok {
		p.logger.Warn().Str("location", p.location).Msg("unknown hetzner location, regions will be empty")
	}

	if p.client == nil {
		token := opts.Token
		if token == "" {
			token = os.Getenv("HCLOUD_TOKEN")
		}
		if token == "" {
			return nil, fmt.Errorf("hetzner: token required (or set HCLOUD_TOKEN)")
		}
		clientOpts := []hcloud.ClientOption{
			hcloud.WithToken(token),
			hcloud.WithApplication("cumulus", ""),
		}
		if opts.Endpoint != "" {
			clientOpts = append(clientOpts, hcloud.WithEndpoint(opts.Endpoint))
		}
		p.client = hcloud.NewClient(clientOpts...)
	}

	p.adapters = map[resource.Kind]provider.Adapter{
		resource.KindInstance: p.newServers(),
		resource.KindVolume:   p.newVolumes(),
		resource.KindNetwork:  p.newNetworks(),
		resource.KindSubnet:   &subnets{p: p},
		resource.KindFirewall: p.newFirewalls(),
		resource.KindKeyPair:  &sshKeys{p: p},
	}
	return p, nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Adapter(kind resource.Kind) (provider.Adapter, error) {
	if a, ok := p.adapters[kind]; ok {
		return a, nil
	}
	return nil, provider.Unsupported(Name, kind)
}

// Metadata is nil: servers, volumes, networks and firewalls carry native
// labels and subnets keep theirs on the parent network.
func (p *Provider) Metadata() label.Store { return nil }

func (p *Provider) Poller() operation.Poller { return operation.PollerFunc(p.poll) }

func (p *Provider) Defaults() provider.Defaults {
	return provider.Defaults{Region: p.RegionOf(p.location), Zone: p.location}
}

// RegionOf returns the network zone of a location.
func (p *Provider) RegionOf(zone string) string { return networkZones[zone] }

func (p *Provider) Close() error { return nil }

// locationOf picks the location for a create.
func (p *Provider) locationOf(scope resource.Scope) string {
	if scope.Type == resource.ScopeZone && scope.Name != "" {
		return scope.Name
	}
	return p.location
}

// networkZoneOf picks the network zone for a subnet.
func (p *Provider) networkZoneOf(scope resource.Scope) string {
	switch {
	case scope.Type == resource.ScopeRegion && scope.Name != "":
		return scope.Name
	case scope.Type == resource.ScopeZone:
		return p.RegionOf(scope.Name)
	}
	return p.RegionOf(p.location)
}

// ═══════════════════════════════════════════════════════════════════════════
// Actions
// ═══════════════════════════════════════════════════════════════════════════

// started wraps the actions of a mutating call. The operation name lists
// the unfinished action IDs, comma separated.
func (p *Provider) started(h resource.Handle, actions ...*hcloud.Action) *operation.Operation {
	ids := make([]string, 0, len(actions))
	for _, a := range actions {
		if a != nil && a.Status != hcloud.ActionStatusSuccess {
			ids = append(ids, strconv.FormatInt(a.ID, 10))
		}
	}
	if len(ids) == 0 {
		return operation.Completed(h, linkOf(h))
	}
	op := operation.Started(strings.Join(ids, ","), h)
	op.Link = linkOf(h)
	return op
}

// poll is done when every action succeeded and failed when any failed.
func (p *Provider) poll(ctx context.Context, op *operation.Operation) (operation.State, error) {
	if op.Name == "" {
		return operation.State{Status: operation.Done, Link: op.Link}, nil
	}
	state := operation.State{Status: operation.Done, Link: op.Link}
	for _, raw := range strings.Split(op.Name, ",") {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return operation.State{}, fmt.Errorf("parse action id %q: %w", raw, err)
		}
		a, _, err := p.client.Action.GetByID(ctx, id)
		if err != nil {
			return operation.State{}, classify(err, op.Target.Kind, "poll action", raw)
		}
		if a == nil {
			return operation.State{}, fmt.Errorf("poll action %d: %w", id, resource.ErrNotFound)
		}
		switch a.Status {
		case hcloud.ActionStatusError:
			return operation.State{
				Status: operation.Failed,
				Err: &operation.OperationError{
					Reason: fmt.Sprintf("%s: %s", a.ErrorCode, a.ErrorMessage),
					Raw:    hcloud.Error{Code: hcloud.ErrorCode(a.ErrorCode), Message: a.ErrorMessage},
				},
			}, nil
		case hcloud.ActionStatusRunning:
			state.Status = operation.Pending
		}
	}
	return state, nil
}
