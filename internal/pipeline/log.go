package pipeline

import "sync/atomic"

// Log is the shared, time-ordered event log. The newest record is at the
// front and the oldest at the back.
//
// Exactly one goroutine inserts (Transmission, via PushFront) and exactly one
// removes (Cleanup, via TrimBelow). Any number of stage goroutines walk the
// log concurrently from their own cursor using Record.Newer and
// Record.Older; no locks are taken.
type Log struct {
	front  atomic.Pointer[Record]
	back   atomic.Pointer[Record]
	length atomic.Int64

	pushed Signal
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Front returns the newest record, or nil if the log is empty.
func (l *Log) Front() *Record { return l.front.Load() }

// Back returns the oldest record, or nil if the log is empty.
func (l *Log) Back() *Record { return l.back.Load() }

// Len returns the number of retained records.
func (l *Log) Len() int { return int(l.length.Load()) }

// Pushed returns a channel that is closed on the next PushFront.
func (l *Log) Pushed() <-chan struct{} { return l.pushed.Wait() }

// PushFront appends r as the new front. Transmission only.
func (l *Log) PushFront(r *Record) {
	front := l.front.Load()
	r.newer.Store(nil)
	r.older.Store(front)
	if front == nil {
		l.back.Store(r)
	} else {
		front.newer.Store(r)
	}
	l.front.Store(r)
	l.length.Add(1)
	l.pushed.Broadcast()
}

// TrimBelow removes every record with ID < floor from the back of the log
// and returns how many were removed. The front record is never removed so
// that cursors resting on it can still see the next push. Cleanup only.
func (l *Log) TrimBelow(floor uint64) int {
	removed := 0
	for {
		back := l.back.Load()
		if back == nil || back.ID >= floor {
			return removed
		}
		next := back.newer.Load()
		if next == nil {
			return removed
		}
		// Once nothing links to back the garbage collector reclaims it and
		// its payloads. The removed record keeps its newer link so a reader
		// still holding it can walk forward.
		l.back.Store(next)
		next.older.Store(nil)
		l.length.Add(-1)
		removed++
	}
}

// WalkFrom returns the record after cursor toward the front, or the back of
// the log when cursor is nil. It returns nil when nothing newer exists yet.
func (l *Log) WalkFrom(cursor *Record) *Record {
	if cursor == nil {
		return l.Back()
	}
	return cursor.Newer()
}

// reset empties the log. Only valid while no stage is running.
func (l *Log) reset() {
	l.front.Store(nil)
	l.back.Store(nil)
	l.length.Store(0)
}
