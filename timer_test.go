package main

import (
	"testing"
	"time"
)

func TestTimerHeapOrdering(t *testing.T) {
	a := newTestDaemon()
	h := a.Timers

	var fired []string
	now := a.now()

	h.schedule(now, 3*time.Second, func(a *Alder) time.Duration {
		fired = append(fired, "c")
		return 0
	})
	h.schedule(now, 1*time.Second, func(a *Alder) time.Duration {
		fired = append(fired, "a")
		return 0
	})
	h.schedule(now, 2*time.Second, func(a *Alder) time.Duration {
		fired = append(fired, "b")
		return 0
	})

	deadline, ok := h.next()
	if !ok {
		t.Fatalf("no next deadline")
	}
	if deadline != now.Add(1*time.Second) {
		t.Errorf("next deadline = %s, wanted +1s", deadline.Sub(now))
	}

	h.runDue(a, now.Add(5*time.Second))

	if len(fired) != 3 || fired[0] != "a" || fired[1] != "b" ||
		fired[2] != "c" {
		t.Errorf("fired = %v, wanted [a b c]", fired)
	}

	if h.Len() != 0 {
		t.Errorf("heap not drained: %d", h.Len())
	}
}

func TestTimerCancel(t *testing.T) {
	a := newTestDaemon()
	h := a.Timers
	now := a.now()

	fired := false
	id := h.schedule(now, time.Second, func(a *Alder) time.Duration {
		fired = true
		return 0
	})

	if !h.cancel(id) {
		t.Fatalf("cancel reported failure")
	}
	if h.cancel(id) {
		t.Errorf("double cancel reported success")
	}

	h.runDue(a, now.Add(time.Minute))
	if fired {
		t.Errorf("cancelled timer fired")
	}
}

func TestTimerPeriodicReArms(t *testing.T) {
	a := newTestDaemon()
	h := a.Timers
	now := a.now()

	count := 0
	h.schedule(now, time.Second, func(a *Alder) time.Duration {
		count++
		if count >= 3 {
			return 0
		}
		return time.Second
	})

	// Each pass fires at most once per pending deadline; the re-arm
	// pushes the next deadline past "now" for that pass.
	h.runDue(a, now.Add(1*time.Second))
	h.runDue(a, now.Add(2*time.Second))
	h.runDue(a, now.Add(3*time.Second))

	if count != 3 {
		t.Errorf("count = %d, wanted 3", count)
	}

	if h.Len() != 0 {
		t.Errorf("timer should be done after returning 0")
	}
}

func TestTimerOnlyDueFire(t *testing.T) {
	a := newTestDaemon()
	h := a.Timers
	now := a.now()

	var fired []string
	h.schedule(now, time.Second, func(a *Alder) time.Duration {
		fired = append(fired, "early")
		return 0
	})
	h.schedule(now, time.Hour, func(a *Alder) time.Duration {
		fired = append(fired, "late")
		return 0
	})

	h.runDue(a, now.Add(2*time.Second))

	if len(fired) != 1 || fired[0] != "early" {
		t.Errorf("fired = %v, wanted [early]", fired)
	}
	if h.Len() != 1 {
		t.Errorf("late timer should remain")
	}
}
