// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provisioner_test

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/lineage/core/lineage"
	"github.com/juju/lineage/internal/provisioner"
	lineagetesting "github.com/juju/lineage/internal/testing"
)

type snapshotSuite struct {
	testing.IsolationSuite

	server *lineagetesting.Server
}

var _ = gc.Suite(&snapshotSuite{})

func (s *snapshotSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.server = lineagetesting.NewServer("us-east-1", "eu-west-1")
}

func intPtr(i int) *int {
	return &i
}

func (s *snapshotSuite) TestSnapshotLineageAcrossRegions(c *gc.C) {
	db := lineage.Name("db")
	east := s.server.Region("us-east-1")
	west := s.server.Region("eu-west-1")

	instID := east.AddInstance("us-east-1a")
	attached := east.AddVolume(types.VolumeStateAvailable, 10, db.TagKey())
	east.AttachVolumeTo(attached, instID, "/dev/sdf")
	detached := west.AddVolume(types.VolumeStateAvailable, 10, db.TagKey())
	west.AddVolume(types.VolumeStateAvailable, 10) // untagged, not a target

	p, locks := newProvisioner(c, s.server, nil, nil)
	created, err := p.SnapshotLineage(context.Background(), db, provisioner.SnapshotOptions{})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(created["us-east-1"], gc.HasLen, 1)
	c.Assert(created["eu-west-1"], gc.HasLen, 1)

	eastSnap := east.Snapshot(created["us-east-1"][0])
	c.Assert(aws.ToString(eastSnap.VolumeId), gc.Equals, attached)
	c.Assert(aws.ToString(eastSnap.Description), gc.Equals,
		"lineage db of volume "+attached+" attached to "+instID+" at /dev/sdf")

	westSnap := west.Snapshot(created["eu-west-1"][0])
	c.Assert(aws.ToString(westSnap.VolumeId), gc.Equals, detached)
	c.Assert(aws.ToString(westSnap.Description), gc.Equals,
		"lineage db of volume "+detached+" (detached)")

	for _, call := range s.server.TagCalls {
		c.Check(call.Key, gc.Equals, "lineage=db")
	}
	c.Assert(s.server.TagCalls, gc.HasLen, 2)
	c.Assert(locks.released, gc.Equals, 1)
}

func (s *snapshotSuite) TestSnapshotSkipsIneligibleVolume(c *gc.C) {
	db := lineage.Name("db")
	s.server.Region("us-east-1").AddVolume(types.VolumeStateCreating, 10, db.TagKey())

	p, _ := newProvisioner(c, s.server, nil, nil)
	created, err := p.SnapshotLineage(context.Background(), db, provisioner.SnapshotOptions{})
	// Skipping is not a failure.
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(created, gc.HasLen, 0)
	c.Assert(s.server.Region("us-east-1").SnapshotIDs(), gc.HasLen, 0)
}

func (s *snapshotSuite) TestSnapshotExplicitVolumeLineageOverride(c *gc.C) {
	// The lineage argument wins over the volume's own tags: an
	// explicit volume id lets a caller snapshot a volume belonging to
	// another lineage, and the snapshot is tagged for the lineage
	// passed in.
	other := lineage.Name("other")
	volID := s.server.Region("us-east-1").AddVolume(types.VolumeStateAvailable, 10, other.TagKey())

	p, _ := newProvisioner(c, s.server, nil, nil)
	created, err := p.SnapshotLineage(context.Background(), "db", provisioner.SnapshotOptions{
		VolumeID: volID,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(created["us-east-1"], gc.HasLen, 1)

	c.Assert(s.server.TagCalls, gc.HasLen, 1)
	c.Assert(s.server.TagCalls[0].Key, gc.Equals, "lineage=db")
	c.Assert(s.server.TagCalls[0].ResourceID, gc.Equals, created["us-east-1"][0])
}

func (s *snapshotSuite) TestSnapshotExtraTagsAfterLineageTag(c *gc.C) {
	db := lineage.Name("db")
	s.server.Region("us-east-1").AddVolume(types.VolumeStateAvailable, 10, db.TagKey())

	p, _ := newProvisioner(c, s.server, nil, nil)
	_, err := p.SnapshotLineage(context.Background(), db, provisioner.SnapshotOptions{
		ExtraTags: []string{"backup=nightly"},
	})
	c.Assert(err, jc.ErrorIsNil)

	var keys []string
	for _, call := range s.server.TagCalls {
		keys = append(keys, call.Key)
	}
	c.Assert(keys, gc.DeepEquals, []string{"lineage=db", "backup=nightly"})
}

func (s *snapshotSuite) TestRetentionPrunesPerRegionIndependently(c *gc.C) {
	db := lineage.Name("db")
	east := s.server.Region("us-east-1")
	west := s.server.Region("eu-west-1")
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var eastSnaps []string
	for i := 0; i < 9; i++ {
		eastSnaps = append(eastSnaps, east.AddSnapshot(t0.Add(time.Duration(i)*time.Hour), db.TagKey()))
	}
	for i := 0; i < 3; i++ {
		west.AddSnapshot(t0.Add(time.Duration(i)*time.Hour), db.TagKey())
	}

	p, _ := newProvisioner(c, s.server, nil, nil)
	_, err := p.SnapshotLineage(context.Background(), db, provisioner.SnapshotOptions{
		HistoryToKeep: intPtr(7),
	})
	c.Assert(err, jc.ErrorIsNil)

	// The two oldest in the crowded region go; the sparse region,
	// holding fewer than the retention count, keeps everything.
	c.Assert(east.DeletedSnapshots, gc.DeepEquals, eastSnaps[:2])
	c.Assert(west.DeletedSnapshots, gc.HasLen, 0)
	c.Assert(east.SnapshotIDs(), gc.HasLen, 7)
	c.Assert(west.SnapshotIDs(), gc.HasLen, 3)
}

func (s *snapshotSuite) TestRetentionBounds(c *gc.C) {
	db := lineage.Name("db")
	east := s.server.Region("us-east-1")
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		east.AddSnapshot(t0.Add(time.Duration(i)*time.Hour), db.TagKey())
	}

	p, _ := newProvisioner(c, s.server, nil, nil)

	// Retention exceeding the count deletes nothing.
	_, err := p.SnapshotLineage(context.Background(), db, provisioner.SnapshotOptions{
		HistoryToKeep: intPtr(10),
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(east.DeletedSnapshots, gc.HasLen, 0)

	// Keep zero deletes all history.
	_, err = p.SnapshotLineage(context.Background(), db, provisioner.SnapshotOptions{
		HistoryToKeep: intPtr(0),
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(east.SnapshotIDs(), gc.HasLen, 0)
	c.Assert(east.DeletedSnapshots, gc.HasLen, 5)
}

func (s *snapshotSuite) TestRetentionNegativeNotValid(c *gc.C) {
	p, _ := newProvisioner(c, s.server, nil, nil)
	_, err := p.SnapshotLineage(context.Background(), "db", provisioner.SnapshotOptions{
		HistoryToKeep: intPtr(-1),
	})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *snapshotSuite) TestRetentionAbsentKeepsUnlimitedHistory(c *gc.C) {
	db := lineage.Name("db")
	east := s.server.Region("us-east-1")
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		east.AddSnapshot(t0.Add(time.Duration(i)*time.Hour), db.TagKey())
	}

	p, _ := newProvisioner(c, s.server, nil, nil)
	_, err := p.SnapshotLineage(context.Background(), db, provisioner.SnapshotOptions{})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(east.DeletedSnapshots, gc.HasLen, 0)
}

// slowInventory answers false for every id until released.
type slowInventory struct {
	mu    sync.Mutex
	ready bool
	calls int
}

func (i *slowInventory) HasRecord(ctx context.Context, resourceID string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	return i.ready, nil
}

func (i *slowInventory) release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ready = true
}

func (s *snapshotSuite) TestSnapshotWaitsForInventory(c *gc.C) {
	db := lineage.Name("db")
	s.server.Region("us-east-1").AddVolume(types.VolumeStateAvailable, 10, db.TagKey())

	clk := testclock.NewClock(time.Time{})
	inv := &slowInventory{}
	p, _ := newProvisioner(c, s.server, inv, clk)

	done := make(chan error, 1)
	go func() {
		_, err := p.SnapshotLineage(context.Background(), db, provisioner.SnapshotOptions{})
		done <- err
	}()

	// The workflow is parked on the inventory readiness wait; no tag
	// has been applied yet.
	c.Assert(clk.WaitAdvance(0, testing.LongWait, 1), jc.ErrorIsNil)
	c.Check(s.server.TagCalls, gc.HasLen, 0)

	inv.release()
	c.Assert(clk.WaitAdvance(2*time.Second, testing.LongWait, 1), jc.ErrorIsNil)

	select {
	case err := <-done:
		c.Assert(err, jc.ErrorIsNil)
	case <-time.After(testing.LongWait):
		c.Fatal("timed out waiting for SnapshotLineage to return")
	}
	c.Assert(inv.calls >= 2, jc.IsTrue)
	c.Assert(s.server.TagCalls, gc.HasLen, 1)
}

func (s *snapshotSuite) TestSnapshotInventoryLookupErrorIsFatal(c *gc.C) {
	db := lineage.Name("db")
	s.server.Region("us-east-1").AddVolume(types.VolumeStateAvailable, 10, db.TagKey())

	failing := inventoryFunc(func(ctx context.Context, resourceID string) (bool, error) {
		return false, errors.New("inventory unreachable")
	})
	p, _ := newProvisioner(c, s.server, failing, nil)

	_, err := p.SnapshotLineage(context.Background(), db, provisioner.SnapshotOptions{
		Timeout: time.Hour,
	})
	c.Assert(err, gc.ErrorMatches, "inventory unreachable")
	c.Assert(s.server.TagCalls, gc.HasLen, 0)
}

type inventoryFunc func(ctx context.Context, resourceID string) (bool, error)

func (f inventoryFunc) HasRecord(ctx context.Context, resourceID string) (bool, error) {
	return f(ctx, resourceID)
}
