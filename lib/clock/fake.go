// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"container/heap"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time stands still until Advance
// is called; pending After channels and tickers whose deadlines fall
// inside the advanced window fire in deadline order.
//
// FakeClock is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending waiterHeap
	changed *sync.Cond
	nextSeq uint64
}

// Fake returns a FakeClock whose time starts at initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

type waiter struct {
	deadline time.Time
	seq      uint64
	channel  chan time.Time
	interval time.Duration
	stopped  bool
	index    int
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	w := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	w.index = -1
	return w
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.scheduleLocked(&waiter{deadline: c.now.Add(d), channel: channel})
	return channel
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{deadline: c.now.Add(d), channel: channel, interval: d}
	c.scheduleLocked(w)
	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w.stopped {
				return
			}
			w.stopped = true
			if w.index >= 0 {
				heap.Remove(&c.pending, w.index)
			}
			c.changed.Broadcast()
		},
	}
}

func (c *FakeClock) scheduleLocked(w *waiter) {
	c.nextSeq++
	w.seq = c.nextSeq
	heap.Push(&c.pending, w)
	c.changed.Broadcast()
}

// Advance moves time forward by d, firing every waiter whose deadline
// is reached. A ticker spanning several intervals fires once per
// interval, but its one-slot channel keeps only the first undelivered
// tick.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for c.pending.Len() > 0 {
		next := c.pending[0]
		if next.deadline.After(c.now) {
			break
		}
		heap.Pop(&c.pending)
		select {
		case next.channel <- c.now:
		default:
		}
		if next.interval > 0 && !next.stopped {
			next.deadline = next.deadline.Add(next.interval)
			heap.Push(&c.pending, next)
		}
	}
	c.changed.Broadcast()
}

// WaitForTimers blocks until at least n After channels or tickers are
// pending. Call it before Advance so the goroutine under test has
// registered its timer.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending.Len() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of pending After channels and
// tickers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}
