package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Timers fire synchronously inside Advance,
// in deadline order, so tests observe a deterministic schedule.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	waiters []*fakeTimer
}

type fakeTimer struct {
	fake     *Fake
	id       int
	deadline time.Time
	fn       func()
	ch       chan time.Time
	delay    time.Duration
}

// NewFake returns a Fake clock set to now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.schedule(d, nil, ch)
	return ch
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	return f.schedule(d, fn, nil)
}

func (f *Fake) schedule(d time.Duration, fn func(), ch chan time.Time) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{
		fake:     f,
		id:       f.seq,
		deadline: f.now.Add(d),
		fn:       fn,
		ch:       ch,
		delay:    d,
	}
	f.waiters = append(f.waiters, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	f := t.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range f.waiters {
		if w == t {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Set moves the clock to now without firing timers whose deadline is passed
// over; use Advance to fire them.
func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Advance moves the clock forward by d and fires every timer whose deadline
// falls within the window. AfterFunc callbacks run on the calling goroutine.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		sort.SliceStable(f.waiters, func(i, j int) bool {
			if f.waiters[i].deadline.Equal(f.waiters[j].deadline) {
				return f.waiters[i].id < f.waiters[j].id
			}
			return f.waiters[i].deadline.Before(f.waiters[j].deadline)
		})
		if len(f.waiters) == 0 || f.waiters[0].deadline.After(target) {
			f.now = target
			f.mu.Unlock()
			return
		}
		t := f.waiters[0]
		f.waiters = f.waiters[1:]
		f.now = t.deadline
		f.mu.Unlock()

		if t.fn != nil {
			t.fn()
		} else {
			t.ch <- t.deadline
		}
	}
}

// Pending returns the delays, as originally requested, of the timers that have
// not fired yet, in deadline order.
func (f *Fake) Pending() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws := make([]*fakeTimer, len(f.waiters))
	copy(ws, f.waiters)
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].deadline.Before(ws[j].deadline) })
	out := make([]time.Duration, len(ws))
	for i, w := range ws {
		out[i] = w.delay
	}
	return out
}

// Compile-time check that Fake implements Clock.
var _ Clock = (*Fake)(nil)
