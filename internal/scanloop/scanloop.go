// Package scanloop provides jittered periodic loops for background sweeps
// (retention, gateway GC, metrics logging).
package scanloop

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	// DefaultMinInterval and DefaultJitterRange define the shared sweep cadence.
	DefaultMinInterval = 13 * time.Second
	DefaultJitterRange = 4 * time.Second
)

// Run executes fn at a jittered interval until stopCh is closed.
// The interval is: minInterval + random([0, jitterRange)).
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}

// RunCtx is Run driven by context cancellation instead of a stop channel.
// fn receives the loop context so sweep I/O can observe cancellation.
func RunCtx(ctx context.Context, minInterval, jitterRange time.Duration, fn func(context.Context)) {
	Run(ctx.Done(), minInterval, jitterRange, func() {
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	})
}
