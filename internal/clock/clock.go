// Package clock abstracts time for components that need deterministic tests.
package clock

import "time"

// Clock provides the time operations the runtime and scheduler depend on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker

	// After returns a channel that receives the time after d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Ticker is the subset of time.Ticker the runtime uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is a Clock backed by the time package.
type Real struct{}

// New returns the real clock.
func New() Real {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time {
	return r.t.C
}

func (r realTicker) Stop() {
	r.t.Stop()
}
