package main

import (
	"container/heap"
	"time"
)

// TimerID identifies a scheduled timer for cancellation.
type TimerID uint64

// TimerFn runs when a timer fires. Returning a non-zero duration
// re-arms the timer that far in the future; zero means one-shot.
type TimerFn func(a *Alder) time.Duration

type timer struct {
	deadline time.Time
	id       TimerID
	fn       TimerFn

	// index in the heap, maintained by the heap interface. -1 once
	// removed.
	index int
}

// timerHeap is a min-heap of timers keyed by deadline. Owned by the
// event loop goroutine; never touched elsewhere.
type timerHeap struct {
	timers []*timer
	byID   map[TimerID]*timer
	nextID TimerID
}

func newTimerHeap() *timerHeap {
	return &timerHeap{byID: make(map[TimerID]*timer)}
}

func (h *timerHeap) Len() int { return len(h.timers) }

func (h *timerHeap) Less(i, j int) bool {
	return h.timers[i].deadline.Before(h.timers[j].deadline)
}

func (h *timerHeap) Swap(i, j int) {
	h.timers[i], h.timers[j] = h.timers[j], h.timers[i]
	h.timers[i].index = i
	h.timers[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*timer)
	t.index = len(h.timers)
	h.timers = append(h.timers, t)
}

func (h *timerHeap) Pop() interface{} {
	old := h.timers
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	h.timers = old[:n-1]
	return t
}

// schedule adds a timer firing after d.
func (h *timerHeap) schedule(now time.Time, d time.Duration, fn TimerFn) TimerID {
	h.nextID++
	t := &timer{
		deadline: now.Add(d),
		id:       h.nextID,
		fn:       fn,
	}
	h.byID[t.id] = t
	heap.Push(h, t)
	return t.id
}

// cancel removes a timer by id. It reports whether the timer was
// still pending.
func (h *timerHeap) cancel(id TimerID) bool {
	t, exists := h.byID[id]
	if !exists {
		return false
	}
	delete(h.byID, id)
	heap.Remove(h, t.index)
	return true
}

// next returns the soonest deadline, or false if no timers are
// pending.
func (h *timerHeap) next() (time.Time, bool) {
	if len(h.timers) == 0 {
		return time.Time{}, false
	}
	return h.timers[0].deadline, true
}

// runDue fires every timer at or before now. Periodic timers re-arm
// by returning a new interval from their callback.
func (h *timerHeap) runDue(a *Alder, now time.Time) {
	for len(h.timers) > 0 && !h.timers[0].deadline.After(now) {
		t := heap.Pop(h).(*timer)
		delete(h.byID, t.id)

		again := t.fn(a)
		if again > 0 {
			t.deadline = now.Add(again)
			t.index = 0
			h.byID[t.id] = t
			heap.Push(h, t)
		}
	}
}

// scheduleTimer is the event loop facing wrapper.
func (a *Alder) scheduleTimer(d time.Duration, fn TimerFn) TimerID {
	return a.Timers.schedule(a.now(), d, fn)
}

func (a *Alder) cancelTimer(id TimerID) bool {
	return a.Timers.cancel(id)
}
