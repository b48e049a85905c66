// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provisioner

import (
	"fmt"

	"github.com/juju/errors"
)

// volumeStateError reports a volume observed in a state that can never
// satisfy the condition being waited for, e.g. deleting while waiting
// for an attachment. It aborts a wait immediately regardless of the
// remaining deadline, and is distinct from a timeout.
type volumeStateError struct {
	volumeID string
	state    string
}

// Error implements error.
func (e *volumeStateError) Error() string {
	return fmt.Sprintf("volume %q in unexpected state %q", e.volumeID, e.state)
}

// IsVolumeStateError returns whether the cause of this error was a
// volume reaching a fatal lifecycle state while being waited on.
func IsVolumeStateError(err error) bool {
	_, ok := errors.Cause(err).(*volumeStateError)
	return ok
}
