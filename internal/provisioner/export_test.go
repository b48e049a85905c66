// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provisioner

import (
	"github.com/juju/mutex/v2"
)

// PatchAcquireMutex replaces the per-lineage mutex acquisition so
// tests stay hermetic.
func PatchAcquireMutex(p *Provisioner, acquire func(mutex.Spec) (func(), error)) {
	p.acquireMutex = acquire
}
