// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing implements an EC2 simulator covering the small
// surface the lineage workflows use: regions, instances, volumes,
// snapshots and tags, partitioned by region the way the real provider
// partitions them.
package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/juju/lineage/internal/registry"
)

// TagCall records one CreateTags invocation, in the order issued.
type TagCall struct {
	Region     string
	ResourceID string
	Key        string
	Value      string
}

// Server simulates the EC2 API across a fixed set of regions.
type Server struct {
	mu sync.Mutex

	regions map[string]*Region
	nextID  int

	// Now stamps snapshot start times; tests may replace it.
	Now func() time.Time

	// TagCalls holds every CreateTags call in issue order,
	// across all regions.
	TagCalls []TagCall
}

// Region is one regional partition of a Server. It implements
// registry.Client.
type Region struct {
	server *Server
	name   string

	instances map[string]types.Instance
	volumes   map[string]*types.Volume
	snapshots map[string]*types.Snapshot

	// DeletedSnapshots records DeleteSnapshot calls in issue order.
	DeletedSnapshots []string
}

var _ registry.Client = (*Region)(nil)

// NewServer returns a simulator with one partition per named region.
func NewServer(regions ...string) *Server {
	srv := &Server{
		regions: make(map[string]*Region),
		Now:     time.Now,
	}
	for _, name := range regions {
		srv.regions[name] = &Region{
			server:    srv,
			name:      name,
			instances: make(map[string]types.Instance),
			volumes:   make(map[string]*types.Volume),
			snapshots: make(map[string]*types.Snapshot),
		}
	}
	return srv
}

// Region returns the named regional partition, which must exist.
func (s *Server) Region(name string) *Region {
	region, ok := s.regions[name]
	if !ok {
		panic(fmt.Sprintf("no such test region %q", name))
	}
	return region
}

// Clients returns the region to client mapping in the shape the
// registry consumes.
func (s *Server) Clients() map[string]registry.Client {
	clients := make(map[string]registry.Client, len(s.regions))
	for name, region := range s.regions {
		clients[name] = region
	}
	return clients
}

// DescribeRegions implements registry.RegionEnumerator.
func (s *Server) DescribeRegions(
	ctx context.Context,
	in *ec2.DescribeRegionsInput,
	opts ...func(*ec2.Options),
) (*ec2.DescribeRegionsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &ec2.DescribeRegionsOutput{}
	for name := range s.regions {
		out.Regions = append(out.Regions, types.Region{RegionName: aws.String(name)})
	}
	return out, nil
}

func (s *Server) newID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%08x", prefix, s.nextID)
}

func apiError(code, format string, args ...interface{}) error {
	return &smithy.GenericAPIError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// AddInstance seeds a running instance and returns its id.
func (r *Region) AddInstance(az string) string {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	id := r.server.newID("i")
	r.instances[id] = types.Instance{
		InstanceId: aws.String(id),
		Placement:  &types.Placement{AvailabilityZone: aws.String(az)},
		State:      &types.InstanceState{Name: types.InstanceStateNameRunning},
	}
	return id
}

// AddVolume seeds a volume and returns its id.
func (r *Region) AddVolume(state types.VolumeState, sizeGiB int32, tagKeys ...string) string {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	id := r.server.newID("vol")
	r.volumes[id] = &types.Volume{
		VolumeId: aws.String(id),
		Size:     aws.Int32(sizeGiB),
		State:    state,
		Tags:     tagsFromKeys(tagKeys),
	}
	return id
}

// AttachVolumeTo seeds an attachment on an existing volume.
func (r *Region) AttachVolumeTo(volumeID, instanceID, device string) {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	vol := r.volumes[volumeID]
	vol.State = types.VolumeStateInUse
	vol.Attachments = append(vol.Attachments, types.VolumeAttachment{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
		State:      types.VolumeAttachmentStateAttached,
	})
}

// SetVolumeState overrides a volume's lifecycle state.
func (r *Region) SetVolumeState(volumeID string, state types.VolumeState) {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	r.volumes[volumeID].State = state
}

// AddSnapshot seeds a snapshot with the given start time and returns
// its id.
func (r *Region) AddSnapshot(startTime time.Time, tagKeys ...string) string {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	id := r.server.newID("snap")
	r.snapshots[id] = &types.Snapshot{
		SnapshotId: aws.String(id),
		StartTime:  aws.Time(startTime),
		State:      types.SnapshotStateCompleted,
		Tags:       tagsFromKeys(tagKeys),
	}
	return id
}

// Volume returns a copy of the stored volume.
func (r *Region) Volume(volumeID string) types.Volume {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	return *r.volumes[volumeID]
}

// Snapshot returns a copy of the stored snapshot.
func (r *Region) Snapshot(snapshotID string) types.Snapshot {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	return *r.snapshots[snapshotID]
}

// SnapshotIDs returns the ids of all stored snapshots.
func (r *Region) SnapshotIDs() []string {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	ids := make([]string, 0, len(r.snapshots))
	for id := range r.snapshots {
		ids = append(ids, id)
	}
	return ids
}

// DescribeInstances implements registry.Client.
func (r *Region) DescribeInstances(
	ctx context.Context,
	in *ec2.DescribeInstancesInput,
	opts ...func(*ec2.Options),
) (*ec2.DescribeInstancesOutput, error) {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	out := &ec2.DescribeInstancesOutput{}
	for _, id := range in.InstanceIds {
		inst, ok := r.instances[id]
		if !ok {
			return nil, apiError("InvalidInstanceID.NotFound", "The instance ID '%s' does not exist", id)
		}
		out.Reservations = append(out.Reservations, types.Reservation{
			Instances: []types.Instance{inst},
		})
	}
	return out, nil
}

// DescribeVolumes implements registry.Client.
func (r *Region) DescribeVolumes(
	ctx context.Context,
	in *ec2.DescribeVolumesInput,
	opts ...func(*ec2.Options),
) (*ec2.DescribeVolumesOutput, error) {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	out := &ec2.DescribeVolumesOutput{}
	if len(in.VolumeIds) > 0 {
		for _, id := range in.VolumeIds {
			vol, ok := r.volumes[id]
			if !ok {
				return nil, apiError("InvalidVolume.NotFound", "The volume '%s' does not exist", id)
			}
			out.Volumes = append(out.Volumes, *vol)
		}
		return out, nil
	}
	for _, vol := range r.volumes {
		if matchesFilters(vol.Tags, in.Filters) {
			out.Volumes = append(out.Volumes, *vol)
		}
	}
	return out, nil
}

// DescribeSnapshots implements registry.Client.
func (r *Region) DescribeSnapshots(
	ctx context.Context,
	in *ec2.DescribeSnapshotsInput,
	opts ...func(*ec2.Options),
) (*ec2.DescribeSnapshotsOutput, error) {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	out := &ec2.DescribeSnapshotsOutput{}
	if len(in.SnapshotIds) > 0 {
		for _, id := range in.SnapshotIds {
			snap, ok := r.snapshots[id]
			if !ok {
				return nil, apiError("InvalidSnapshot.NotFound", "The snapshot '%s' does not exist", id)
			}
			out.Snapshots = append(out.Snapshots, *snap)
		}
		return out, nil
	}
	for _, snap := range r.snapshots {
		if matchesFilters(snap.Tags, in.Filters) {
			out.Snapshots = append(out.Snapshots, *snap)
		}
	}
	return out, nil
}

// CreateVolume implements registry.Client. Created volumes become
// available immediately; tests that need slower or failing
// transitions override the client.
func (r *Region) CreateVolume(
	ctx context.Context,
	in *ec2.CreateVolumeInput,
	opts ...func(*ec2.Options),
) (*ec2.CreateVolumeOutput, error) {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	if snapID := aws.ToString(in.SnapshotId); snapID != "" {
		if _, ok := r.snapshots[snapID]; !ok {
			return nil, apiError("InvalidSnapshot.NotFound", "The snapshot '%s' does not exist", snapID)
		}
	}
	id := r.server.newID("vol")
	r.volumes[id] = &types.Volume{
		VolumeId:         aws.String(id),
		Size:             in.Size,
		SnapshotId:       in.SnapshotId,
		AvailabilityZone: in.AvailabilityZone,
		State:            types.VolumeStateAvailable,
	}
	return &ec2.CreateVolumeOutput{
		VolumeId:         aws.String(id),
		Size:             in.Size,
		SnapshotId:       in.SnapshotId,
		AvailabilityZone: in.AvailabilityZone,
	}, nil
}

// AttachVolume implements registry.Client. Attachments complete
// immediately.
func (r *Region) AttachVolume(
	ctx context.Context,
	in *ec2.AttachVolumeInput,
	opts ...func(*ec2.Options),
) (*ec2.AttachVolumeOutput, error) {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	volID := aws.ToString(in.VolumeId)
	vol, ok := r.volumes[volID]
	if !ok {
		return nil, apiError("InvalidVolume.NotFound", "The volume '%s' does not exist", volID)
	}
	instID := aws.ToString(in.InstanceId)
	if _, ok := r.instances[instID]; !ok {
		return nil, apiError("InvalidInstanceID.NotFound", "The instance ID '%s' does not exist", instID)
	}
	vol.State = types.VolumeStateInUse
	vol.Attachments = append(vol.Attachments, types.VolumeAttachment{
		VolumeId:   in.VolumeId,
		InstanceId: in.InstanceId,
		Device:     in.Device,
		State:      types.VolumeAttachmentStateAttached,
	})
	return &ec2.AttachVolumeOutput{
		VolumeId:   in.VolumeId,
		InstanceId: in.InstanceId,
		Device:     in.Device,
		State:      types.VolumeAttachmentStateAttached,
	}, nil
}

// CreateSnapshot implements registry.Client.
func (r *Region) CreateSnapshot(
	ctx context.Context,
	in *ec2.CreateSnapshotInput,
	opts ...func(*ec2.Options),
) (*ec2.CreateSnapshotOutput, error) {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	volID := aws.ToString(in.VolumeId)
	if _, ok := r.volumes[volID]; !ok {
		return nil, apiError("InvalidVolume.NotFound", "The volume '%s' does not exist", volID)
	}
	id := r.server.newID("snap")
	r.snapshots[id] = &types.Snapshot{
		SnapshotId:  aws.String(id),
		VolumeId:    in.VolumeId,
		Description: in.Description,
		StartTime:   aws.Time(r.server.Now()),
		State:       types.SnapshotStateCompleted,
	}
	return &ec2.CreateSnapshotOutput{
		SnapshotId: aws.String(id),
		VolumeId:   in.VolumeId,
	}, nil
}

// DeleteSnapshot implements registry.Client.
func (r *Region) DeleteSnapshot(
	ctx context.Context,
	in *ec2.DeleteSnapshotInput,
	opts ...func(*ec2.Options),
) (*ec2.DeleteSnapshotOutput, error) {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	id := aws.ToString(in.SnapshotId)
	if _, ok := r.snapshots[id]; !ok {
		return nil, apiError("InvalidSnapshot.NotFound", "The snapshot '%s' does not exist", id)
	}
	delete(r.snapshots, id)
	r.DeletedSnapshots = append(r.DeletedSnapshots, id)
	return &ec2.DeleteSnapshotOutput{}, nil
}

// CreateTags implements registry.Client.
func (r *Region) CreateTags(
	ctx context.Context,
	in *ec2.CreateTagsInput,
	opts ...func(*ec2.Options),
) (*ec2.CreateTagsOutput, error) {
	r.server.mu.Lock()
	defer r.server.mu.Unlock()
	for _, id := range in.Resources {
		for _, tag := range in.Tags {
			if vol, ok := r.volumes[id]; ok {
				vol.Tags = append(vol.Tags, tag)
			} else if snap, ok := r.snapshots[id]; ok {
				snap.Tags = append(snap.Tags, tag)
			} else {
				return nil, apiError("InvalidID", "The ID '%s' is not valid", id)
			}
			r.server.TagCalls = append(r.server.TagCalls, TagCall{
				Region:     r.name,
				ResourceID: id,
				Key:        aws.ToString(tag.Key),
				Value:      aws.ToString(tag.Value),
			})
		}
	}
	return &ec2.CreateTagsOutput{}, nil
}

func tagsFromKeys(keys []string) []types.Tag {
	tags := make([]types.Tag, 0, len(keys))
	for _, key := range keys {
		tags = append(tags, types.Tag{Key: aws.String(key), Value: aws.String("")})
	}
	return tags
}

func matchesFilters(tags []types.Tag, filters []types.Filter) bool {
	for _, filter := range filters {
		if aws.ToString(filter.Name) != "tag-key" {
			continue
		}
		matched := false
		for _, value := range filter.Values {
			for _, tag := range tags {
				if aws.ToString(tag.Key) == value {
					matched = true
				}
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
