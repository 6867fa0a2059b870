package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Timers and tickers fire
// only when Advance moves the fake time past their deadlines.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	period   time.Duration // zero for one-shot After timers
	ch       chan time.Time
	stopped  bool
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{
		deadline: f.now.Add(d),
		period:   d,
		ch:       make(chan time.Time, 1),
	}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{clock: f, w: w}
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{
		deadline: f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	f.waiters = append(f.waiters, w)
	return w.ch
}

// Advance moves the clock forward by d, firing every timer and ticker
// whose deadline falls within the new window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)

	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if w.stopped {
			continue
		}
		for !w.deadline.After(f.now) {
			select {
			case w.ch <- w.deadline:
			default:
			}
			if w.period == 0 {
				w.stopped = true
				break
			}
			w.deadline = w.deadline.Add(w.period)
		}
		if !w.stopped {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
}

type fakeTicker struct {
	clock *Fake
	w     *fakeWaiter
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.w.ch
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.w.stopped = true
}
