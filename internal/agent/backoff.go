package agent

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// resetThreshold is how long a subprocess must stay alive for the
	// restart backoff to reset.
	resetThreshold = 30 * time.Second
)

// newRestartBackoff creates an exponential backoff: 1s → 60s, multiplier 2x, ±20% jitter.
func newRestartBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}
