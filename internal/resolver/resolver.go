// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package resolver maps identifiers and lineage names to concrete EC2
// resources. Provider ids are globally unique but region-partitioned,
// so lookups by id scan regions until one answers; lookups by lineage
// use the provider's tag-key filter in every region.
package resolver

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/lineage/core/lineage"
	"github.com/juju/lineage/internal/registry"
)

var logger = loggo.GetLogger("lineage.resolver")

// tagKeyFilter is the provider-side filter name selecting resources
// that carry a given tag key, whatever its value.
const tagKeyFilter = "tag-key"

// Instance is a compute node located in exactly one region.
type Instance struct {
	ID               string
	Region           string
	AvailabilityZone string
	State            types.InstanceStateName
}

// Attachment describes a volume's binding to an instance.
type Attachment struct {
	InstanceID string
	Device     string
	State      types.VolumeAttachmentState
}

// Volume is a block device located in exactly one region.
type Volume struct {
	ID          string
	Region      string
	SizeGiB     int32
	State       types.VolumeState
	Attachments []Attachment
	TagKeys     []string
}

// Attached reports the volume's first attachment, if any.
func (v Volume) Attached() (Attachment, bool) {
	if len(v.Attachments) == 0 {
		return Attachment{}, false
	}
	return v.Attachments[0], true
}

// Snapshot is an immutable point-in-time copy of a volume, located in
// the volume's region.
type Snapshot struct {
	ID        string
	Region    string
	VolumeID  string
	StartTime time.Time
	State     types.SnapshotState
	TagKeys   []string
}

// Resolver locates instances, volumes and snapshots across the
// registry's regions.
type Resolver struct {
	registry *registry.Registry
}

// New returns a Resolver over the given registry.
func New(reg *registry.Registry) *Resolver {
	return &Resolver{registry: reg}
}

// FindInstance scans every region for the instance with the given id.
// Provider ids are globally unique, so the first region to answer
// wins. Returns an error satisfying errors.IsNotFound when no region
// knows the id.
func (r *Resolver) FindInstance(ctx context.Context, id string) (Instance, error) {
	for _, region := range r.registry.Regions() {
		client, err := r.registry.Client(region)
		if err != nil {
			return Instance{}, errors.Trace(err)
		}
		out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{id},
		})
		if err != nil {
			if IsProviderNotFound(err) {
				continue
			}
			return Instance{}, errors.Annotatef(err, "describing instance %q in region %q", id, region)
		}
		for _, reservation := range out.Reservations {
			for _, inst := range reservation.Instances {
				if aws.ToString(inst.InstanceId) != id {
					continue
				}
				return instanceFromEC2(region, inst), nil
			}
		}
	}
	return Instance{}, errors.NotFoundf("instance %q", id)
}

// FindVolume locates the volume with the given id. A non-empty region
// queries that region only and fails fast; an empty region scans all
// of them. Returns an error satisfying errors.IsNotFound when the
// volume cannot be located.
func (r *Resolver) FindVolume(ctx context.Context, id, region string) (Volume, error) {
	regions := r.registry.Regions()
	if region != "" {
		regions = []string{region}
	}
	for _, reg := range regions {
		client, err := r.registry.Client(reg)
		if err != nil {
			return Volume{}, errors.Trace(err)
		}
		out, err := client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
			VolumeIds: []string{id},
		})
		if err != nil {
			if IsProviderNotFound(err) {
				if region == "" {
					continue
				}
				return Volume{}, errors.NotFoundf("volume %q in region %q", id, region)
			}
			return Volume{}, errors.Annotatef(err, "describing volume %q in region %q", id, reg)
		}
		for _, vol := range out.Volumes {
			if aws.ToString(vol.VolumeId) == id {
				return volumeFromEC2(reg, vol), nil
			}
		}
	}
	return Volume{}, errors.NotFoundf("volume %q", id)
}

// FindVolumesByLineage returns, per region, the volumes whose tag set
// contains the lineage's tag key. Every registry region appears in the
// result; regions with no matches contribute an empty slice.
func (r *Resolver) FindVolumesByLineage(ctx context.Context, name lineage.Name) (map[string][]Volume, error) {
	result := make(map[string][]Volume)
	for _, region := range r.registry.Regions() {
		client, err := r.registry.Client(region)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out, err := client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
			Filters: []types.Filter{{
				Name:   aws.String(tagKeyFilter),
				Values: []string{name.TagKey()},
			}},
		})
		if err != nil {
			return nil, errors.Annotatef(err, "listing volumes for lineage %q in region %q", name, region)
		}
		volumes := make([]Volume, 0, len(out.Volumes))
		for _, vol := range out.Volumes {
			volumes = append(volumes, volumeFromEC2(region, vol))
		}
		logger.Debugf("lineage %q has %d volume(s) in region %q", name, len(volumes), region)
		result[region] = volumes
	}
	return result, nil
}

// FindSnapshotsByLineage returns, per region, the snapshots whose tag
// set contains the lineage's tag key. A non-empty region restricts the
// scan to that region; regions scanned but empty still appear in the
// result with an empty slice.
func (r *Resolver) FindSnapshotsByLineage(ctx context.Context, name lineage.Name, region string) (map[string][]Snapshot, error) {
	regions := r.registry.Regions()
	if region != "" {
		regions = []string{region}
	}
	result := make(map[string][]Snapshot)
	for _, reg := range regions {
		client, err := r.registry.Client(reg)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out, err := client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
			Filters: []types.Filter{{
				Name:   aws.String(tagKeyFilter),
				Values: []string{name.TagKey()},
			}},
		})
		if err != nil {
			return nil, errors.Annotatef(err, "listing snapshots for lineage %q in region %q", name, reg)
		}
		snapshots := make([]Snapshot, 0, len(out.Snapshots))
		for _, snap := range out.Snapshots {
			snapshots = append(snapshots, snapshotFromEC2(reg, snap))
		}
		result[reg] = snapshots
	}
	return result, nil
}

// NewestSnapshot returns a snapshot with maximal start time, or false
// for an empty set. Ties between identical start times are broken
// arbitrarily.
func NewestSnapshot(snapshots []Snapshot) (Snapshot, bool) {
	if len(snapshots) == 0 {
		return Snapshot{}, false
	}
	newest := snapshots[0]
	for _, snap := range snapshots[1:] {
		if snap.StartTime.After(newest.StartTime) {
			newest = snap
		}
	}
	return newest, true
}

// OldestFirst returns the snapshots sorted ascending by start time,
// the ordering used by retention pruning.
func OldestFirst(snapshots []Snapshot) []Snapshot {
	sorted := make([]Snapshot, len(snapshots))
	copy(sorted, snapshots)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StartTime.Before(sorted[j].StartTime)
	})
	return sorted
}

func instanceFromEC2(region string, inst types.Instance) Instance {
	result := Instance{
		ID:     aws.ToString(inst.InstanceId),
		Region: region,
	}
	if inst.Placement != nil {
		result.AvailabilityZone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	if inst.State != nil {
		result.State = inst.State.Name
	}
	return result
}

func volumeFromEC2(region string, vol types.Volume) Volume {
	result := Volume{
		ID:      aws.ToString(vol.VolumeId),
		Region:  region,
		SizeGiB: aws.ToInt32(vol.Size),
		State:   vol.State,
		TagKeys: tagKeys(vol.Tags),
	}
	for _, att := range vol.Attachments {
		result.Attachments = append(result.Attachments, Attachment{
			InstanceID: aws.ToString(att.InstanceId),
			Device:     aws.ToString(att.Device),
			State:      att.State,
		})
	}
	return result
}

func snapshotFromEC2(region string, snap types.Snapshot) Snapshot {
	return Snapshot{
		ID:        aws.ToString(snap.SnapshotId),
		Region:    region,
		VolumeID:  aws.ToString(snap.VolumeId),
		StartTime: aws.ToTime(snap.StartTime),
		State:     snap.State,
		TagKeys:   tagKeys(snap.Tags),
	}
}

func tagKeys(tags []types.Tag) []string {
	keys := make([]string, 0, len(tags))
	for _, tag := range tags {
		keys = append(keys, aws.ToString(tag.Key))
	}
	return keys
}

// IsProviderNotFound reports whether the error is the provider saying
// "no such id", as opposed to a transport or authorisation failure.
func IsProviderNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "InvalidInstanceID.NotFound",
		"InvalidInstanceID.Malformed",
		"InvalidVolume.NotFound",
		"InvalidSnapshot.NotFound":
		return true
	}
	return false
}
