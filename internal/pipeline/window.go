package pipeline

import (
	"context"
	"time"
)

// windowStage is the event-horizon machinery shared by the histogramming and
// identification stages. On a fixed cadence it moves a private horizon to
// the newest record carrying its flag, collects the trailing window behind
// it and hands the window to cycle.
type windowStage struct {
	stageBase
	horizon  *Record
	flag     func(r *Record) bool
	upstream func() <-chan struct{}
	interval time.Duration

	// compute recomputes the stage's result over one window, newest first.
	compute func(horizon *Record, window []*Record, acc float64, started time.Time)

	poll *poller
}

// advance moves the horizon toward the front while the next record carries
// the stage's flag. It reports whether a horizon exists.
func (w *windowStage) advance() bool {
	next := w.pc.log.WalkFrom(w.horizon)
	for next != nil && w.flag(next) {
		w.horizon = next
		next = next.Newer()
	}
	return w.horizon != nil
}

// collect walks older from the horizon and returns every record within acc
// seconds of it, newest first. The walk also stops at a resynchronization
// point, where timestamps jump forward going backward.
func (w *windowStage) collect(acc float64) []*Record {
	h := w.horizon
	var out []*Record
	for r := h; r != nil; r = r.Older() {
		d := h.Timestamp - r.Timestamp
		if d < 0 || d >= acc {
			break
		}
		out = append(out, r)
	}
	return out
}

// cycle runs one windowing pass. It reports false when no record has
// reached the stage's flag yet.
func (w *windowStage) cycle() bool {
	started := w.pc.clock.Now()
	w.usage.Begin()
	defer w.usage.End()
	if !w.advance() {
		return false
	}
	acc := w.pc.accumulationTime()
	window := w.collect(acc)
	w.compute(w.horizon, window, acc, started)
	w.mark.setWindowStart(window[len(window)-1].ID)
	w.mark.advance(w.horizon.ID)
	w.processed.Add(1)
	w.pc.cycles.Broadcast()
	return true
}

func (w *windowStage) run(ctx context.Context) {
	if w.poll == nil {
		w.poll = newPoller(w.pc.settings.PollInterval)
	}
	for ctx.Err() == nil {
		wake := w.upstream()
		ok := w.cycle()
		w.sampleUsage()
		if !ok {
			if !w.poll.wait(ctx, wake) {
				return
			}
			continue
		}
		if !sleep(ctx, w.interval) {
			return
		}
	}
}
