// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provisioner

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/errors"

	"github.com/juju/lineage/core/lineage"
	"github.com/juju/lineage/internal/registry"
	"github.com/juju/lineage/internal/resolver"
)

// AttachOptions tunes AttachFromLineage.
type AttachOptions struct {
	// SnapshotID names the snapshot to restore from, overriding the
	// lineage lookup.
	SnapshotID string
	// Timeout bounds each polling wait; zero means DefaultTimeout.
	Timeout time.Duration
	// ExtraTags are additional marker tag keys applied to the new
	// volume after its lineage tag.
	ExtraTags []string
}

// AttachFromLineage creates a volume continuing the named lineage and
// attaches it to the given instance at the given device path. The
// volume is restored from, in order of preference: the snapshot named
// in the options; the lineage's newest snapshot in the instance's
// region (snapshots are region-local and are never restored across
// regions); or nothing, yielding a blank volume. Returns the new
// volume's id.
//
// The new volume is tagged with the lineage marker first and any extra
// tags after, each in a separate call. If the workflow fails between
// volume creation and tagging, the volume is orphaned; it is not
// rolled back.
func (p *Provisioner) AttachFromLineage(
	ctx context.Context,
	instanceID string,
	name lineage.Name,
	sizeGiB int32,
	device string,
	opts AttachOptions,
) (string, error) {
	if err := name.Validate(); err != nil {
		return "", errors.Trace(err)
	}
	if sizeGiB <= 0 {
		return "", errors.NotValidf("volume size %d GiB", sizeGiB)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	inst, err := p.resolver.FindInstance(ctx, instanceID)
	if err != nil {
		return "", errors.Trace(err)
	}
	client, err := p.registry.Client(inst.Region)
	if err != nil {
		return "", errors.Trace(err)
	}

	release, err := p.lockLineage(name)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer release()

	sourceID := opts.SnapshotID
	if sourceID == "" {
		byRegion, err := p.resolver.FindSnapshotsByLineage(ctx, name, inst.Region)
		if err != nil {
			return "", errors.Trace(err)
		}
		if newest, ok := resolver.NewestSnapshot(byRegion[inst.Region]); ok {
			sourceID = newest.ID
			logger.Infof("continuing lineage %q from snapshot %s (started %s)",
				name, newest.ID, newest.StartTime.Format(time.RFC3339))
		} else {
			logger.Infof("no snapshots for lineage %q in region %s, creating a blank volume",
				name, inst.Region)
		}
	}

	createInput := &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(inst.AvailabilityZone),
		Size:             aws.Int32(sizeGiB),
	}
	if sourceID != "" {
		createInput.SnapshotId = aws.String(sourceID)
	}
	created, err := client.CreateVolume(ctx, createInput)
	if err != nil {
		return "", errors.Annotatef(err, "creating volume for lineage %q", name)
	}
	volumeID := aws.ToString(created.VolumeId)
	logger.Infof("created volume %s for lineage %q in %s", volumeID, name, inst.Region)

	err = p.waitVolume(ctx, client, volumeID, timeout,
		func(vol types.Volume) bool {
			return vol.State == types.VolumeStateAvailable || vol.State == types.VolumeStateInUse
		},
		fmt.Sprintf("volume %s to become available", volumeID),
	)
	if err != nil {
		return "", errors.Trace(err)
	}

	if _, err := client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(device),
		InstanceId: aws.String(instanceID),
		VolumeId:   aws.String(volumeID),
	}); err != nil {
		return "", errors.Annotatef(err, "attaching volume %s to instance %s at %s; volume is orphaned",
			volumeID, instanceID, device)
	}

	err = p.waitVolume(ctx, client, volumeID, timeout,
		attachedTo(instanceID),
		fmt.Sprintf("volume %s to attach to instance %s", volumeID, instanceID),
	)
	if err != nil {
		return "", errors.Trace(err)
	}

	if err := p.tagger.SetTag(ctx, inst.Region, volumeID, name.TagKey()); err != nil {
		return "", errors.Annotatef(err, "volume %s attached but untagged; it is orphaned from lineage %q",
			volumeID, name)
	}
	for _, extra := range opts.ExtraTags {
		if err := p.tagger.SetTag(ctx, inst.Region, volumeID, extra); err != nil {
			return "", errors.Annotatef(err, "applying extra tag %q to volume %s", extra, volumeID)
		}
	}
	return volumeID, nil
}

// attachedTo returns a readiness check passing once a volume is in use
// with an attachment bound to the given instance.
func attachedTo(instanceID string) func(types.Volume) bool {
	return func(vol types.Volume) bool {
		if vol.State != types.VolumeStateInUse {
			return false
		}
		for _, att := range vol.Attachments {
			if aws.ToString(att.InstanceId) == instanceID &&
				att.State == types.VolumeAttachmentStateAttached {
				return true
			}
		}
		return false
	}
}

// waitVolume polls the volume until ready reports true. A volume
// observed deleting, deleted, errored or absent aborts the wait with
// an error satisfying IsVolumeStateError, distinct from a timeout.
func (p *Provisioner) waitVolume(
	ctx context.Context,
	client registry.Client,
	volumeID string,
	timeout time.Duration,
	ready func(types.Volume) bool,
	what string,
) error {
	return p.poller.WaitUntil(ctx, func() (bool, error) {
		out, err := client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
			VolumeIds: []string{volumeID},
		})
		if err != nil {
			if resolver.IsProviderNotFound(err) {
				return false, &volumeStateError{volumeID: volumeID, state: "absent"}
			}
			return false, errors.Trace(err)
		}
		if len(out.Volumes) == 0 {
			return false, &volumeStateError{volumeID: volumeID, state: "absent"}
		}
		vol := out.Volumes[0]
		switch vol.State {
		case types.VolumeStateDeleting, types.VolumeStateDeleted, types.VolumeStateError:
			return false, &volumeStateError{volumeID: volumeID, state: string(vol.State)}
		}
		return !ready(vol), nil
	}, timeout, what)
}
