// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provisioner_test

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/lineage/core/lineage"
	"github.com/juju/lineage/internal/provisioner"
	"github.com/juju/lineage/internal/registry"
	lineagetesting "github.com/juju/lineage/internal/testing"
)

type attachSuite struct {
	testing.IsolationSuite

	server *lineagetesting.Server
}

var _ = gc.Suite(&attachSuite{})

func (s *attachSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.server = lineagetesting.NewServer("us-east-1", "eu-west-1")
}

func (s *attachSuite) TestAttachBlankVolume(c *gc.C) {
	instID := s.server.Region("us-east-1").AddInstance("us-east-1a")
	p, locks := newProvisioner(c, s.server, nil, nil)

	volID, err := p.AttachFromLineage(
		context.Background(), instID, "db", 10, "/dev/sdf", provisioner.AttachOptions{})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(volID, gc.Matches, "vol-.*")

	vol := s.server.Region("us-east-1").Volume(volID)
	c.Assert(aws.ToInt32(vol.Size), gc.Equals, int32(10))
	c.Assert(vol.SnapshotId, gc.IsNil)
	c.Assert(aws.ToString(vol.AvailabilityZone), gc.Equals, "us-east-1a")
	c.Assert(vol.State, gc.Equals, types.VolumeStateInUse)
	c.Assert(vol.Attachments, gc.HasLen, 1)
	c.Assert(aws.ToString(vol.Attachments[0].InstanceId), gc.Equals, instID)
	c.Assert(aws.ToString(vol.Attachments[0].Device), gc.Equals, "/dev/sdf")

	c.Assert(s.server.TagCalls, gc.DeepEquals, []lineagetesting.TagCall{{
		Region:     "us-east-1",
		ResourceID: volID,
		Key:        "lineage=db",
		Value:      "",
	}})

	c.Assert(locks.names, gc.HasLen, 1)
	c.Assert(locks.names[0], gc.Matches, "lineage-[0-9a-f]{8}")
	c.Assert(locks.released, gc.Equals, 1)
}

func (s *attachSuite) TestAttachSelectsNewestSnapshotInRegion(c *gc.C) {
	db := lineage.Name("db")
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.server.Region("us-east-1").AddSnapshot(t0.Add(10*time.Second), db.TagKey())
	newest := s.server.Region("us-east-1").AddSnapshot(t0.Add(20*time.Second), db.TagKey())
	// Newer still, but in another region: snapshots are region-local
	// and must never be selected across regions.
	s.server.Region("eu-west-1").AddSnapshot(t0.Add(30*time.Second), db.TagKey())

	instID := s.server.Region("us-east-1").AddInstance("us-east-1a")
	p, _ := newProvisioner(c, s.server, nil, nil)

	volID, err := p.AttachFromLineage(
		context.Background(), instID, db, 10, "/dev/sdf", provisioner.AttachOptions{})
	c.Assert(err, jc.ErrorIsNil)

	vol := s.server.Region("us-east-1").Volume(volID)
	c.Assert(aws.ToString(vol.SnapshotId), gc.Equals, newest)
}

func (s *attachSuite) TestAttachExplicitSnapshotWins(c *gc.C) {
	db := lineage.Name("db")
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	older := s.server.Region("us-east-1").AddSnapshot(t0, db.TagKey())
	s.server.Region("us-east-1").AddSnapshot(t0.Add(time.Hour), db.TagKey())

	instID := s.server.Region("us-east-1").AddInstance("us-east-1a")
	p, _ := newProvisioner(c, s.server, nil, nil)

	volID, err := p.AttachFromLineage(
		context.Background(), instID, db, 10, "/dev/sdf", provisioner.AttachOptions{
			SnapshotID: older,
		})
	c.Assert(err, jc.ErrorIsNil)

	vol := s.server.Region("us-east-1").Volume(volID)
	c.Assert(aws.ToString(vol.SnapshotId), gc.Equals, older)
}

func (s *attachSuite) TestAttachExtraTagsAfterLineageTag(c *gc.C) {
	instID := s.server.Region("us-east-1").AddInstance("us-east-1a")
	p, _ := newProvisioner(c, s.server, nil, nil)

	volID, err := p.AttachFromLineage(
		context.Background(), instID, "db", 10, "/dev/sdf", provisioner.AttachOptions{
			ExtraTags: []string{"env=prod", "team=data"},
		})
	c.Assert(err, jc.ErrorIsNil)

	var keys []string
	for _, call := range s.server.TagCalls {
		c.Check(call.ResourceID, gc.Equals, volID)
		keys = append(keys, call.Key)
	}
	c.Assert(keys, gc.DeepEquals, []string{"lineage=db", "env=prod", "team=data"})
}

func (s *attachSuite) TestAttachInstanceNotFound(c *gc.C) {
	p, _ := newProvisioner(c, s.server, nil, nil)

	_, err := p.AttachFromLineage(
		context.Background(), "i-deadbeef", "db", 10, "/dev/sdf", provisioner.AttachOptions{})
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
	c.Assert(s.server.TagCalls, gc.HasLen, 0)
}

func (s *attachSuite) TestAttachRejectsBadInputs(c *gc.C) {
	p, _ := newProvisioner(c, s.server, nil, nil)

	_, err := p.AttachFromLineage(
		context.Background(), "i-1", "db", 0, "/dev/sdf", provisioner.AttachOptions{})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)

	_, err = p.AttachFromLineage(
		context.Background(), "i-1", "", 10, "/dev/sdf", provisioner.AttachOptions{})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

// deletingVolumes reports every volume as deleting, simulating a
// volume torn down underneath the workflow while it waits.
type deletingVolumes struct {
	*lineagetesting.Region
}

func (d deletingVolumes) DescribeVolumes(
	ctx context.Context,
	in *ec2.DescribeVolumesInput,
	opts ...func(*ec2.Options),
) (*ec2.DescribeVolumesOutput, error) {
	out, err := d.Region.DescribeVolumes(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	for i := range out.Volumes {
		out.Volumes[i].State = types.VolumeStateDeleting
	}
	return out, nil
}

func (s *attachSuite) TestAttachFatalVolumeState(c *gc.C) {
	instID := s.server.Region("us-east-1").AddInstance("us-east-1a")

	p, err := provisioner.New(provisioner.Config{
		Registry: registry.NewFromClients(map[string]registry.Client{
			"us-east-1": deletingVolumes{s.server.Region("us-east-1")},
		}),
	})
	c.Assert(err, jc.ErrorIsNil)
	rec := &lockRecorder{}
	provisioner.PatchAcquireMutex(p, rec.acquire)

	// However large the deadline, the fatal state aborts at the first
	// poll rather than waiting it out.
	start := time.Now()
	_, err = p.AttachFromLineage(
		context.Background(), instID, "db", 10, "/dev/sdf", provisioner.AttachOptions{
			Timeout: time.Hour,
		})
	c.Assert(err, jc.Satisfies, provisioner.IsVolumeStateError)
	c.Assert(err, gc.ErrorMatches, `volume "vol-.*" in unexpected state "deleting"`)
	c.Assert(err, gc.Not(jc.Satisfies), errors.IsTimeout)
	c.Assert(time.Since(start), jc.LessThan, time.Minute)
	c.Assert(rec.released, gc.Equals, 1)
}
