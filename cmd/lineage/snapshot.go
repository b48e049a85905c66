// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/lineage/core/lineage"
	"github.com/juju/lineage/internal/cmd"
	"github.com/juju/lineage/internal/provisioner"
)

const snapshotDoc = `
Snapshots every volume carrying the lineage tag, in every region, or
the single volume named with --volume. Volumes in a state that cannot
be snapshotted are skipped with a warning.

Note that --volume snapshots that volume under the lineage given on
the command line, even when the volume is tagged for a different
lineage.

With --history-to-keep N, each region independently retains only its N
most recent snapshots of the lineage and deletes all older ones. The
default of -1 keeps unlimited history.
`

type snapshotCommand struct {
	provisionerCommand

	name lineage.Name

	volumeID      string
	timeout       time.Duration
	tags          tagsValue
	historyToKeep int
}

// Info implements cmd.Command.
func (c *snapshotCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:        "snapshot",
		Args:        "<lineage>",
		Purpose:     "snapshot a lineage's volumes and prune old history",
		Doc:         snapshotDoc,
		Intersperse: true,
	}
}

// SetFlags implements cmd.Command.
func (c *snapshotCommand) SetFlags(f *gnuflag.FlagSet) {
	c.provisionerCommand.setFlags(f)
	f.StringVar(&c.volumeID, "volume", "", "volume id to snapshot instead of resolving the lineage")
	f.DurationVar(&c.timeout, "timeout", provisioner.DefaultTimeout, "how long to wait for provider state transitions")
	f.Var(&c.tags, "tag", "extra marker tag key for each snapshot (repeatable)")
	f.IntVar(&c.historyToKeep, "history-to-keep", -1, "snapshots to retain per region; -1 keeps all")
}

// Init implements cmd.Command.
func (c *snapshotCommand) Init(args []string) error {
	name, err := cmd.ZeroOrOneArgs(args)
	if err != nil {
		return err
	}
	if name == "" {
		return errors.New("a lineage is required")
	}
	c.name = lineage.Name(name)
	return errors.Trace(c.name.Validate())
}

// Run implements cmd.Command.
func (c *snapshotCommand) Run(ctx context.Context) error {
	p, err := c.newProvisioner(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	opts := provisioner.SnapshotOptions{
		VolumeID:  c.volumeID,
		Timeout:   c.timeout,
		ExtraTags: c.tags,
	}
	if c.historyToKeep >= 0 {
		opts.HistoryToKeep = &c.historyToKeep
	}
	created, err := p.SnapshotLineage(ctx, c.name, opts)
	if err != nil {
		return errors.Trace(err)
	}
	for region, ids := range created {
		for _, id := range ids {
			fmt.Printf("%s %s\n", region, id)
		}
	}
	return nil
}
