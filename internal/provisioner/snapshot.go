// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provisioner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/errors"

	"github.com/juju/lineage/core/lineage"
	"github.com/juju/lineage/internal/resolver"
)

// SnapshotOptions tunes SnapshotLineage.
type SnapshotOptions struct {
	// VolumeID names a single volume to snapshot instead of resolving
	// the lineage's volumes. The lineage argument still wins over the
	// volume's own tags: the snapshot is tagged for the lineage passed
	// to SnapshotLineage even if the volume belongs to another.
	VolumeID string
	// Timeout bounds each polling wait; zero means DefaultTimeout.
	Timeout time.Duration
	// ExtraTags are additional marker tag keys applied to every
	// created snapshot after its lineage tag.
	ExtraTags []string
	// HistoryToKeep, when non-nil, is the number of most recent
	// snapshots retained per region after this run; all older ones
	// are deleted. Nil keeps unlimited history. Zero keeps none.
	HistoryToKeep *int
}

// SnapshotLineage snapshots the named lineage's volumes and prunes
// excess history. Volumes are resolved across every region unless a
// single volume id is supplied. Each volume is handled independently:
// a volume whose state is not snapshottable is skipped with a warning,
// never an error, and one region's outcome does not affect another's.
// Returns the created snapshot ids per region.
func (p *Provisioner) SnapshotLineage(
	ctx context.Context,
	name lineage.Name,
	opts SnapshotOptions,
) (map[string][]string, error) {
	if err := name.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if opts.HistoryToKeep != nil && *opts.HistoryToKeep < 0 {
		return nil, errors.NotValidf("history to keep %d", *opts.HistoryToKeep)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	release, err := p.lockLineage(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer release()

	targets, err := p.snapshotTargets(ctx, name, opts.VolumeID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	created := make(map[string][]string)
	var allCreated []string
	for _, region := range sortedRegions(targets) {
		client, err := p.registry.Client(region)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, vol := range targets[region] {
			if !snapshottable(vol) {
				logger.Warningf("skipping volume %s in region %s: state %q is not snapshottable",
					vol.ID, region, vol.State)
				continue
			}
			description := snapshotDescription(name, vol)
			out, err := client.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
				VolumeId:    aws.String(vol.ID),
				Description: aws.String(description),
			})
			if err != nil {
				return nil, errors.Annotatef(err, "snapshotting volume %s in region %s", vol.ID, region)
			}
			snapID := aws.ToString(out.SnapshotId)
			logger.Infof("created snapshot %s of volume %s for lineage %q", snapID, vol.ID, name)
			created[region] = append(created[region], snapID)
			allCreated = append(allCreated, snapID)
		}
	}

	if p.inventory != nil && len(allCreated) > 0 {
		err := p.poller.WaitUntil(ctx, func() (bool, error) {
			for _, id := range allCreated {
				ok, err := p.inventory.HasRecord(ctx, id)
				if err != nil {
					return false, errors.Trace(err)
				}
				if !ok {
					return true, nil
				}
			}
			return false, nil
		}, timeout, fmt.Sprintf("inventory records for lineage %q snapshots", name))
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	tags := append([]string{name.TagKey()}, opts.ExtraTags...)
	for _, region := range sortedRegions(created) {
		for _, snapID := range created[region] {
			for _, key := range tags {
				if err := p.tagger.SetTag(ctx, region, snapID, key); err != nil {
					return nil, errors.Annotatef(err, "tagging snapshot %s", snapID)
				}
			}
		}
	}

	if opts.HistoryToKeep != nil {
		if err := p.pruneHistory(ctx, name, *opts.HistoryToKeep); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return created, nil
}

// snapshotTargets resolves the volumes to snapshot: the single named
// volume, or every volume carrying the lineage tag in any region.
func (p *Provisioner) snapshotTargets(
	ctx context.Context,
	name lineage.Name,
	volumeID string,
) (map[string][]resolver.Volume, error) {
	if volumeID != "" {
		vol, err := p.resolver.FindVolume(ctx, volumeID, "")
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !name.HasTag(vol.TagKeys) {
			logger.Warningf("volume %s does not carry the %q tag; its snapshots will join lineage %q anyway",
				vol.ID, name.TagKey(), name)
		}
		return map[string][]resolver.Volume{vol.Region: {vol}}, nil
	}
	targets, err := p.resolver.FindVolumesByLineage(ctx, name)
	return targets, errors.Trace(err)
}

// pruneHistory deletes, per region independently, every lineage
// snapshot older than the keep most recent ones. A region with keep or
// fewer snapshots is left alone. Regions are never compared against
// each other; retention is region-scoped because snapshots are.
func (p *Provisioner) pruneHistory(ctx context.Context, name lineage.Name, keep int) error {
	byRegion, err := p.resolver.FindSnapshotsByLineage(ctx, name, "")
	if err != nil {
		return errors.Trace(err)
	}
	for _, region := range sortedRegions(byRegion) {
		ordered := resolver.OldestFirst(byRegion[region])
		if len(ordered) <= keep {
			continue
		}
		client, err := p.registry.Client(region)
		if err != nil {
			return errors.Trace(err)
		}
		doomed := ordered[:len(ordered)-keep]
		for _, snap := range doomed {
			logger.Infof("pruning snapshot %s (started %s) of lineage %q in region %s",
				snap.ID, snap.StartTime.Format(time.RFC3339), name, region)
			if _, err := client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{
				SnapshotId: aws.String(snap.ID),
			}); err != nil {
				return errors.Annotatef(err, "deleting snapshot %s in region %s", snap.ID, region)
			}
		}
	}
	return nil
}

func snapshottable(vol resolver.Volume) bool {
	return vol.State == types.VolumeStateAvailable || vol.State == types.VolumeStateInUse
}

// snapshotDescription generates the human-readable description noting
// the lineage and the volume's attachment at snapshot time.
func snapshotDescription(name lineage.Name, vol resolver.Volume) string {
	if att, ok := vol.Attached(); ok {
		return fmt.Sprintf("lineage %s of volume %s attached to %s at %s",
			name, vol.ID, att.InstanceID, att.Device)
	}
	return fmt.Sprintf("lineage %s of volume %s (detached)", name, vol.ID)
}

func sortedRegions[T any](m map[string][]T) []string {
	regions := make([]string, 0, len(m))
	for region := range m {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}
