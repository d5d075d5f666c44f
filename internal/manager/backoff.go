package manager

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/appvisor/internal/process"
)

// newRestartBackoff returns the restart delay policy of an app: exponential
// from RestartDelay, doubling, capped at RestartDelayMax, without jitter and
// without an elapsed-time limit (the fast-failure counter bounds retries).
func newRestartBackoff(spec process.Spec) *backoff.ExponentialBackOff {
	initial := spec.RestartDelay
	if initial <= 0 {
		initial = process.DefaultRestartDelay
	}
	maxDelay := spec.RestartDelayMax
	if maxDelay <= 0 {
		maxDelay = process.DefaultRestartDelayMax
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// nextDelay returns the next restart delay.
func nextDelay(b *backoff.ExponentialBackOff) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return b.MaxInterval
	}
	return d
}
