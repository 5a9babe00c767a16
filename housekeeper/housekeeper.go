// Package housekeeper provides a mechanism for registering cleanup/renewal
// callbacks that are invoked at specified intervals — one goroutine, one
// min-heap of pending fires. The scheduler registers its periodic
// queue-depth report here.
/*
 * Copyright (c) 2026 Abyteon. All rights reserved.
 */
package housekeeper

import (
	"container/heap"
	"sync"
	"time"
)

// request is a callback registration: it fires after `interval` has
// elapsed since the previous fire (or since registration, the first time),
// and whatever duration it returns becomes the next interval.
type request struct {
	name     string
	fn       func() time.Duration
	due      time.Time
	index    int // heap.Interface bookkeeping
}

type reqHeap []*request

func (h reqHeap) Len() int            { return len(h) }
func (h reqHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h reqHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *reqHeap) Push(x interface{}) {
	r := x.(*request)
	r.index = len(*h)
	*h = append(*h, r)
}
func (h *reqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// cleaner drives the heap of pending callbacks. A process normally has one
// singleton cleaner (see the package-level functions below); tests construct
// their own to stay isolated.
type cleaner struct {
	mu      sync.Mutex
	byName  map[string]*request
	pending reqHeap
	wake    chan struct{}
	stopCh  chan struct{}
	started bool
}

func newCleaner() *cleaner {
	c := &cleaner{
		byName: make(map[string]*request),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	heap.Init(&c.pending)
	return c
}

func (c *cleaner) reg(name string, fn func() time.Duration, initial ...time.Duration) {
	due := time.Now()
	if len(initial) > 0 {
		due = due.Add(initial[0])
	}
	r := &request{name: name, fn: fn, due: due}

	c.mu.Lock()
	if old, ok := c.byName[name]; ok {
		heap.Remove(&c.pending, old.index)
	}
	c.byName[name] = r
	heap.Push(&c.pending, r)
	started := c.started
	c.started = true
	c.mu.Unlock()

	if !started {
		go c.run()
	} else {
		c.nudge()
	}
}

func (c *cleaner) unreg(name string) {
	c.mu.Lock()
	if r, ok := c.byName[name]; ok {
		heap.Remove(&c.pending, r.index)
		delete(c.byName, name)
	}
	c.mu.Unlock()
}

func (c *cleaner) nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *cleaner) stop() {
	close(c.stopCh)
}

func (c *cleaner) run() {
	for {
		c.mu.Lock()
		var sleep time.Duration
		if len(c.pending) == 0 {
			sleep = time.Hour
		} else {
			sleep = time.Until(c.pending[0].due)
			if sleep < 0 {
				sleep = 0
			}
		}
		c.mu.Unlock()

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-c.wake:
			timer.Stop()
		case <-c.stopCh:
			timer.Stop()
			return
		}

		c.fireDue()
	}
}

func (c *cleaner) fireDue() {
	now := time.Now()
	for {
		c.mu.Lock()
		if len(c.pending) == 0 || c.pending[0].due.After(now) {
			c.mu.Unlock()
			return
		}
		r := heap.Pop(&c.pending).(*request)
		c.mu.Unlock()

		next := r.fn()

		c.mu.Lock()
		if _, ok := c.byName[r.name]; ok { // still registered (not Unreg'd mid-call)
			r.due = time.Now().Add(next)
			heap.Push(&c.pending, r)
		}
		c.mu.Unlock()
	}
}

var global = newCleaner()

// Reg registers fn under name, firing it immediately (or after the optional
// initial delay), then again after each duration fn returns. Re-registering
// an existing name replaces it.
func Reg(name string, fn func() time.Duration, initial ...time.Duration) {
	global.reg(name, fn, initial...)
}

// Unreg removes name's registration; a call already in flight still
// completes, but it will not be rescheduled.
func Unreg(name string) {
	global.unreg(name)
}

// initCleaner resets the global cleaner; unexported and used by tests only, so each
// suite's BeforeEach can keep its registrations isolated from the others.
func initCleaner() {
	global.stop()
	global = newCleaner()
}
