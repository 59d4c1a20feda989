package comm

import "time"

// Clock abstracts wall-clock reads so tests can simulate elapsed time
// without sleeping. All protocol timers poll a Clock on Process ticks;
// there are no OS timer callbacks anywhere in the stack.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// SystemClock reads the real monotonic clock.
var SystemClock Clock = systemClock{}
