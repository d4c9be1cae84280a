package pipeline

import (
	"context"
	"sync/atomic"
	"time"
)

// Signal is a lock-free broadcast. Waiters obtain a channel with Wait that is
// closed by the next Broadcast. The channel is only allocated when someone
// is waiting, so Broadcast on the hot path is a single atomic swap.
//
// To avoid lost wake-ups a waiter calls Wait before re-checking its
// condition, and only then blocks on the channel.
type Signal struct {
	ch atomic.Pointer[chan struct{}]
}

// Wait returns a channel closed by the next Broadcast.
func (s *Signal) Wait() <-chan struct{} {
	for {
		if p := s.ch.Load(); p != nil {
			return *p
		}
		c := make(chan struct{})
		if s.ch.CompareAndSwap(nil, &c) {
			return c
		}
	}
}

// Broadcast wakes every current waiter.
func (s *Signal) Broadcast() {
	if p := s.ch.Swap(nil); p != nil {
		close(*p)
	}
}

// poller is a reusable bounded wait: it returns when the wake channel closes,
// the poll interval elapses or ctx is done.
type poller struct {
	interval time.Duration
	timer    *time.Timer
}

func newPoller(interval time.Duration) *poller {
	t := time.NewTimer(interval)
	t.Stop()
	return &poller{interval: interval, timer: t}
}

// wait blocks for at most one interval. It returns false if ctx is done.
func (p *poller) wait(ctx context.Context, wake <-chan struct{}) bool {
	p.timer.Reset(p.interval)
	defer p.timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-p.timer.C:
		return true
	}
}

// sleep waits for d or until ctx is done. It returns false if ctx is done.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
