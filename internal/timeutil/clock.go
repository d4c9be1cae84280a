// Package timeutil lets stage timing run against a controllable clock.
// Busy fractions, idle flushes and load-shedding cadence all read time
// through a Clock.
package timeutil

import (
	"sync/atomic"
	"time"
)

// Clock is the time source the pipeline measures against.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// System reads the wall clock.
type System struct{}

func (System) Now() time.Time                  { return time.Now() }
func (System) Since(t time.Time) time.Duration { return time.Since(t) }

// Manual only moves when told to. Safe for concurrent use.
type Manual struct {
	nanos atomic.Int64
}

// NewManual returns a Manual clock reading t.
func NewManual(t time.Time) *Manual {
	m := &Manual{}
	m.Set(t)
	return m
}

func (m *Manual) Now() time.Time { return time.Unix(0, m.nanos.Load()) }

func (m *Manual) Since(t time.Time) time.Duration { return m.Now().Sub(t) }

// Set jumps the clock to t, backwards included.
func (m *Manual) Set(t time.Time) { m.nanos.Store(t.UnixNano()) }

// Advance moves the clock forward by d and returns the new reading.
func (m *Manual) Advance(d time.Duration) time.Time {
	return time.Unix(0, m.nanos.Add(int64(d)))
}
