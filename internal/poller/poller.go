// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package poller provides the bounded wait primitive used by every
// asynchronous provider workflow. Cloud API calls return before their
// effects are visible; the poller bridges that gap by re-evaluating a
// readiness predicate on a fixed backoff schedule under a hard
// deadline.
package poller

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
)

var logger = loggo.GetLogger("lineage.poller")

// The backoff schedule between predicate evaluations: 2s, 5s, 10s,
// then hold at 15s. Roughly four polls a minute once settled.
const (
	initialDelay = 2 * time.Second
	secondDelay  = 5 * time.Second
	thirdDelay   = 10 * time.Second
	maxDelay     = 15 * time.Second
)

// errStillWaiting marks a predicate evaluation that reported "not
// ready yet". Any other predicate error is fatal and aborts the wait
// immediately, regardless of the remaining deadline.
var errStillWaiting = errors.New("still waiting")

// Poller waits for asynchronous provider state transitions.
type Poller struct {
	clock clock.Clock
}

// New returns a Poller using the given clock for sleeps and deadlines.
func New(clk clock.Clock) Poller {
	return Poller{clock: clk}
}

// WaitUntil evaluates stillWaiting until it reports false, the timeout
// elapses, or the predicate fails. A true result sleeps for the next
// value of the backoff schedule and re-evaluates; a false result
// returns immediately, so a condition that is already satisfied costs
// no sleep at all. Exceeding the timeout returns an error satisfying
// errors.IsTimeout that names what was being waited for. A predicate
// error propagates at once, bypassing both backoff and deadline.
func (p Poller) WaitUntil(ctx context.Context, stillWaiting func() (bool, error), timeout time.Duration, what string) error {
	start := p.clock.Now()
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			waiting, err := stillWaiting()
			if err != nil {
				return errors.Trace(err)
			}
			if waiting {
				return errStillWaiting
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return errors.Cause(err) != errStillWaiting
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Tracef("attempt %d waiting for %s", attempt, what)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       initialDelay,
		MaxDelay:    maxDelay,
		MaxDuration: timeout,
		BackoffFunc: nextDelay,
		Clock:       p.clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsDurationExceeded(err), retry.IsAttemptsExceeded(err):
		elapsed := p.clock.Now().Sub(start)
		return errors.Timeoutf("timed out after %ds waiting for %s", int(elapsed.Seconds()), what)
	case retry.IsRetryStopped(err):
		return errors.Annotatef(ctx.Err(), "waiting for %s", what)
	}
	return errors.Trace(err)
}

// nextDelay steps through the fixed backoff schedule. It receives the
// delay used for the previous sleep and returns the next one.
func nextDelay(delay time.Duration, attempt int) time.Duration {
	if attempt == 1 {
		return delay
	}
	switch delay {
	case initialDelay:
		return secondDelay
	case secondDelay:
		return thirdDelay
	default:
		return maxDelay
	}
}
