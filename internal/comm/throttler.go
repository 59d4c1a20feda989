package comm

import (
	"fmt"
	"time"
)

const (
	// MinimumBitrate is the lowest target the throttler supports, in bits
	// per second. Enabling below this is a configuration error.
	MinimumBitrate = 100

	// DefaultEstimationWindow is how often the bitrate estimates are
	// recomputed. Process must be called faster than this.
	DefaultEstimationWindow = 100 * time.Millisecond
)

// Throttler shapes outgoing bandwidth against a target bitrate using two
// exponential moving averages of the observed rate: a fast filter that
// reacts to bursts and a slow filter that remembers sustained load.
// Admission requires both to sit under the target, which keeps a single
// favorable instant from letting a burst through.
type Throttler struct {
	clock  Clock
	window time.Duration

	enabled bool
	target  float64

	fastTau float64 // seconds
	slowTau float64

	fastEstimate float64
	slowEstimate float64
	consumedBits float64
	lastTick     time.Time
}

func NewThrottler(clock Clock) *Throttler {
	if clock == nil {
		clock = SystemClock
	}
	t := &Throttler{clock: clock}
	t.SetEstimationWindow(DefaultEstimationWindow)

	return t
}

// SetEstimationWindow changes the recomputation period and derives the
// filter time constants from it.
func (t *Throttler) SetEstimationWindow(window time.Duration) {
	if window <= 0 {
		window = DefaultEstimationWindow
	}
	t.window = window
	t.fastTau = max(0.05, window.Seconds())
	t.slowTau = max(1.0, window.Seconds())
}

// Enable starts throttling against targetBitrate (bits per second).
func (t *Throttler) Enable(targetBitrate float64) error {
	if targetBitrate < MinimumBitrate {
		return fmt.Errorf("target bitrate %.0f below minimum %d bps", targetBitrate, MinimumBitrate)
	}
	t.enabled = true
	t.target = targetBitrate
	t.Reset()

	return nil
}

// Disable stops throttling; every request is admitted.
func (t *Throttler) Disable() {
	t.enabled = false
	t.target = 0
	t.Reset()
}

func (t *Throttler) Enabled() bool {
	return t.enabled
}

// Reset zeroes the estimates and the pending consumption counter.
func (t *Throttler) Reset() {
	t.fastEstimate = 0
	t.slowEstimate = 0
	t.consumedBits = 0
	t.lastTick = t.clock.Now()
}

// Consume records bits sent or received since the last estimation tick.
func (t *Throttler) Consume(bits int) {
	if !t.enabled || bits <= 0 {
		return
	}
	t.consumedBits += float64(bits)
}

// Process recomputes both filters once per estimation window, using the
// actual elapsed wall-clock delta so the estimates stay stable under
// scheduling jitter.
func (t *Throttler) Process() {
	if !t.enabled {
		return
	}

	now := t.clock.Now()
	dt := now.Sub(t.lastTick).Seconds()
	if dt < t.window.Seconds() {
		return
	}

	instant := t.consumedBits / dt
	t.fastEstimate += min(1, dt/t.fastTau) * (instant - t.fastEstimate)
	t.slowEstimate += min(1, dt/t.slowTau) * (instant - t.slowEstimate)
	t.consumedBits = 0
	t.lastTick = now
}

// Allowed reports whether deltaBits may be sent right now.
func (t *Throttler) Allowed(deltaBits int) bool {
	if !t.enabled {
		return true
	}

	return max(t.fastEstimate, t.slowEstimate)+float64(deltaBits) <= t.target
}

// Possible distinguishes "not right now" from "never": it reports false
// only when deltaBits can never pass admission under the current target.
func (t *Throttler) Possible(deltaBits int) bool {
	if !t.enabled {
		return true
	}

	return t.target > 0 && float64(deltaBits) <= t.target
}

// EstimatedBitrate returns the governing (larger) of the two estimates.
func (t *Throttler) EstimatedBitrate() float64 {
	return max(t.fastEstimate, t.slowEstimate)
}
