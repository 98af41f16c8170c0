package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	f := NewFake(start)

	var order []int
	f.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	f.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	f.AfterFunc(5*time.Second, func() { order = append(order, 5) })

	f.Advance(3 * time.Second)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("fired = %v, want [1 2]", order)
	}
	if got := f.Now(); !got.Equal(start.Add(3 * time.Second)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(3*time.Second))
	}
	if p := f.Pending(); len(p) != 1 || p[0] != 5*time.Second {
		t.Errorf("Pending() = %v, want [5s]", p)
	}
}

func TestFakeStop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	fired := false
	tm := f.AfterFunc(time.Second, func() { fired = true })

	if !tm.Stop() {
		t.Error("Stop() = false, want true for pending timer")
	}
	if tm.Stop() {
		t.Error("second Stop() = true, want false")
	}
	f.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFakeAfterChannel(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ch := f.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	f.Advance(time.Minute)
	select {
	case got := <-ch:
		if !got.Equal(time.Unix(60, 0)) {
			t.Errorf("After delivered %v, want %v", got, time.Unix(60, 0))
		}
	default:
		t.Fatal("After did not fire after Advance")
	}
}

func TestFakeTimerScheduledFromCallback(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			f.AfterFunc(time.Second, tick)
		}
	}
	f.AfterFunc(time.Second, tick)

	f.Advance(10 * time.Second)
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}
