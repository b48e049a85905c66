// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package provisioner drives the lineage workflows: attaching a volume
// that continues a lineage, and snapshotting a lineage's volumes while
// pruning old history. Each workflow is a strict sequence of provider
// calls bridged by bounded polling; there is no rollback of partially
// completed work, and a mid-workflow failure can leave an orphaned,
// untagged resource behind. That gap is logged, never hidden.
package provisioner

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mutex/v2"

	"github.com/juju/lineage/core/lineage"
	"github.com/juju/lineage/internal/inventory"
	"github.com/juju/lineage/internal/poller"
	"github.com/juju/lineage/internal/registry"
	"github.com/juju/lineage/internal/resolver"
	"github.com/juju/lineage/internal/tagger"
)

var logger = loggo.GetLogger("lineage.provisioner")

// DefaultTimeout bounds a workflow's polling when the caller does not
// say otherwise.
const DefaultTimeout = 5 * time.Minute

// lockRetryDelay is the interval between attempts to take the
// per-lineage mutex.
const lockRetryDelay = 250 * time.Millisecond

// Config holds a Provisioner's collaborators. Only the registry is
// required; the resolver, tagger and poller are derived from it, the
// inventory is optional and the clock defaults to wall time.
type Config struct {
	Registry  *registry.Registry
	Tagger    tagger.Tagger
	Inventory inventory.Inventory
	Clock     clock.Clock
}

// Validate returns an error satisfying errors.IsNotValid if the
// configuration cannot produce a working Provisioner.
func (c Config) Validate() error {
	if c.Registry == nil {
		return errors.NotValidf("missing registry")
	}
	return nil
}

// Provisioner owns one registry of regional clients, built before any
// workflow runs and read-only thereafter, and runs the lineage
// workflows against it.
type Provisioner struct {
	registry  *registry.Registry
	resolver  *resolver.Resolver
	poller    poller.Poller
	tagger    tagger.Tagger
	inventory inventory.Inventory
	clock     clock.Clock

	acquireMutex func(mutex.Spec) (func(), error)
}

// New returns a Provisioner over the given configuration.
func New(cfg Config) (*Provisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	tag := cfg.Tagger
	if tag == nil {
		tag = tagger.NewEC2Tagger(cfg.Registry)
	}
	return &Provisioner{
		registry:     cfg.Registry,
		resolver:     resolver.New(cfg.Registry),
		poller:       poller.New(clk),
		tagger:       tag,
		inventory:    cfg.Inventory,
		clock:        clk,
		acquireMutex: acquireMutex,
	}, nil
}

// lockLineage takes the machine-local mutex serialising workflows that
// mutate the same lineage. Concurrent invocations from other hosts are
// not excluded.
func (p *Provisioner) lockLineage(name lineage.Name) (func(), error) {
	release, err := p.acquireMutex(mutex.Spec{
		Name:  lockName(name),
		Clock: p.clock,
		Delay: lockRetryDelay,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "locking lineage %q", name)
	}
	return release, nil
}

// lockName derives a valid mutex name from a lineage name, which may
// contain characters the mutex package rejects.
func lockName(name lineage.Name) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("lineage-%08x", h.Sum32())
}

func acquireMutex(spec mutex.Spec) (func(), error) {
	releaser, err := mutex.Acquire(spec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return func() { releaser.Release() }, nil
}
