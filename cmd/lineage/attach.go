// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/lineage/core/lineage"
	"github.com/juju/lineage/internal/cmd"
	"github.com/juju/lineage/internal/provisioner"
)

const attachDoc = `
Creates a volume continuing the named lineage and attaches it to the
given instance. The volume is restored from the lineage's newest
snapshot in the instance's region, from the snapshot named with
--snapshot, or created blank when the lineage has no snapshots there.

The new volume is tagged with the lineage marker, so later snapshot
runs will find it.
`

type attachCommand struct {
	provisionerCommand

	instanceID string
	name       lineage.Name
	sizeGiB    int32
	device     string

	snapshotID string
	timeout    time.Duration
	tags       tagsValue
}

// Info implements cmd.Command.
func (c *attachCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:        "attach",
		Args:        "<instance-id> <lineage> <size-gib> <device>",
		Purpose:     "create and attach a volume continuing a lineage",
		Doc:         attachDoc,
		Intersperse: true,
	}
}

// SetFlags implements cmd.Command.
func (c *attachCommand) SetFlags(f *gnuflag.FlagSet) {
	c.provisionerCommand.setFlags(f)
	f.StringVar(&c.snapshotID, "snapshot", "", "snapshot id to restore from, overriding the lineage lookup")
	f.DurationVar(&c.timeout, "timeout", provisioner.DefaultTimeout, "how long to wait for provider state transitions")
	f.Var(&c.tags, "tag", "extra marker tag key for the new volume (repeatable)")
}

// Init implements cmd.Command.
func (c *attachCommand) Init(args []string) error {
	if len(args) < 4 {
		return errors.New("instance id, lineage, size and device are required")
	}
	if err := cmd.CheckEmpty(args[4:]); err != nil {
		return err
	}
	c.instanceID = args[0]
	c.name = lineage.Name(args[1])
	if err := c.name.Validate(); err != nil {
		return errors.Trace(err)
	}
	size, err := strconv.ParseInt(args[2], 10, 32)
	if err != nil || size <= 0 {
		return errors.NotValidf("volume size %q", args[2])
	}
	c.sizeGiB = int32(size)
	c.device = args[3]
	return nil
}

// Run implements cmd.Command.
func (c *attachCommand) Run(ctx context.Context) error {
	p, err := c.newProvisioner(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	volumeID, err := p.AttachFromLineage(ctx, c.instanceID, c.name, c.sizeGiB, c.device, provisioner.AttachOptions{
		SnapshotID: c.snapshotID,
		Timeout:    c.timeout,
		ExtraTags:  c.tags,
	})
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Println(volumeID)
	return nil
}
