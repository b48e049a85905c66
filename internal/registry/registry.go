// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package registry maintains one EC2 client per region. Regions
// partition the provider's resources and API surface; no query spans
// regions implicitly, so every cross-region operation iterates the
// registry explicitly.
package registry

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("lineage.registry")

// Client exposes the subset of the EC2 API that we require. It is
// satisfied by *ec2.Client.
type Client interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, opts ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DescribeSnapshots(ctx context.Context, in *ec2.DescribeSnapshotsInput, opts ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	CreateVolume(ctx context.Context, in *ec2.CreateVolumeInput, opts ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	AttachVolume(ctx context.Context, in *ec2.AttachVolumeInput, opts ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	CreateSnapshot(ctx context.Context, in *ec2.CreateSnapshotInput, opts ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error)
	DeleteSnapshot(ctx context.Context, in *ec2.DeleteSnapshotInput, opts ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, opts ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

// RegionEnumerator enumerates the regions available to the current
// credentials.
type RegionEnumerator interface {
	DescribeRegions(ctx context.Context, in *ec2.DescribeRegionsInput, opts ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

// ClientFactory returns a Client scoped to the given region.
type ClientFactory func(region string) Client

// Registry holds one Client per region. It is built once, before any
// workflow runs, and is read-only thereafter.
type Registry struct {
	clients map[string]Client
}

// New enumerates all available regions and constructs one client per
// region via newClient. Failure to enumerate regions is fatal; there is
// no partial registry.
func New(ctx context.Context, regions RegionEnumerator, newClient ClientFactory) (*Registry, error) {
	out, err := regions.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, errors.Annotate(err, "enumerating regions")
	}
	clients := make(map[string]Client)
	for _, region := range out.Regions {
		name := aws.ToString(region.RegionName)
		if name == "" {
			continue
		}
		clients[name] = newClient(name)
	}
	logger.Debugf("registry built for regions %v", set.NewStrings(regionNames(clients)...).SortedValues())
	return &Registry{clients: clients}, nil
}

// NewFromConfig is New with clients derived from the given AWS
// configuration, each overriding only the region.
func NewFromConfig(ctx context.Context, cfg aws.Config) (*Registry, error) {
	return New(ctx, ec2.NewFromConfig(cfg), func(region string) Client {
		return ec2.NewFromConfig(cfg, func(o *ec2.Options) {
			o.Region = region
		})
	})
}

// NewFromClients returns a registry over a fixed set of clients,
// bypassing region enumeration.
func NewFromClients(clients map[string]Client) *Registry {
	copied := make(map[string]Client, len(clients))
	for region, client := range clients {
		copied[region] = client
	}
	return &Registry{clients: copied}
}

// Client returns the client for the given region, or an error
// satisfying errors.IsNotFound if the region is not in the registry.
func (r *Registry) Client(region string) (Client, error) {
	client, ok := r.clients[region]
	if !ok {
		return nil, errors.NotFoundf("region %q", region)
	}
	return client, nil
}

// Clients returns a copy of the region to client mapping.
func (r *Registry) Clients() map[string]Client {
	clients := make(map[string]Client, len(r.clients))
	for region, client := range r.clients {
		clients[region] = client
	}
	return clients
}

// Regions returns the registry's region names in sorted order, so
// cross-region scans are deterministic from the caller's point of view.
func (r *Registry) Regions() []string {
	return set.NewStrings(regionNames(r.clients)...).SortedValues()
}

func regionNames(clients map[string]Client) []string {
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	return names
}
