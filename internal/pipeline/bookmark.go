package pipeline

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/eventhorizon/internal/timeutil"
)

// Bookmark is a stage's published progress. LastProcessedID is written only
// by the owning stage and only ever grows; anyone may read it.
type Bookmark struct {
	last        atomic.Uint64
	windowStart atomic.Uint64
	advanced    Signal
}

// LastProcessedID returns the ID of the last record the stage finished.
func (b *Bookmark) LastProcessedID() uint64 { return b.last.Load() }

// WindowStartID returns the oldest record inside a windowed stage's trailing
// window. It is zero for point stages and before the first window.
func (b *Bookmark) WindowStartID() uint64 { return b.windowStart.Load() }

// Advanced returns a channel closed the next time the bookmark moves.
func (b *Bookmark) Advanced() <-chan struct{} { return b.advanced.Wait() }

// advance moves the bookmark forward to id. Smaller IDs are ignored.
func (b *Bookmark) advance(id uint64) {
	if id <= b.last.Load() {
		return
	}
	b.last.Store(id)
	b.advanced.Broadcast()
}

func (b *Bookmark) setWindowStart(id uint64) {
	b.windowStart.Store(id)
}

func (b *Bookmark) reset() {
	b.last.Store(0)
	b.windowStart.Store(0)
}

// UsageMeter measures the fraction of wall time a stage goroutine spends
// working rather than waiting. It stands in for per-thread CPU usage, which
// Go does not expose per goroutine.
//
// Begin, End and Sample are called by the owning goroutine only; Usage may
// be read from anywhere.
type UsageMeter struct {
	clock  timeutil.Clock
	period time.Duration

	periodStart time.Time
	busyStart   time.Time
	busy        time.Duration

	usage atomic.Uint64 // float64 bits
}

// NewUsageMeter returns a meter that republishes its usage every period.
func NewUsageMeter(clock timeutil.Clock, period time.Duration) *UsageMeter {
	if clock == nil {
		clock = timeutil.System{}
	}
	return &UsageMeter{clock: clock, period: period, periodStart: clock.Now()}
}

// Begin marks the start of a busy interval.
func (m *UsageMeter) Begin() {
	m.busyStart = m.clock.Now()
}

// End closes the busy interval opened by Begin.
func (m *UsageMeter) End() {
	if m.busyStart.IsZero() {
		return
	}
	m.busy += m.clock.Since(m.busyStart)
	m.busyStart = time.Time{}
}

// Sample publishes a new usage value once the current period has elapsed.
// It reports whether a new value was published.
func (m *UsageMeter) Sample() bool {
	now := m.clock.Now()
	elapsed := now.Sub(m.periodStart)
	if elapsed < m.period || elapsed <= 0 {
		return false
	}
	u := float64(m.busy) / float64(elapsed)
	m.usage.Store(math.Float64bits(math.Min(1, math.Max(0, u))))
	m.busy = 0
	m.periodStart = now
	return true
}

// Usage returns the last published busy fraction in [0, 1].
func (m *UsageMeter) Usage() float64 {
	return math.Float64frombits(m.usage.Load())
}

