package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/banshee-data/eventhorizon/internal/event"
)

// TransmissionState is the connection state of the transmission stage.
type TransmissionState int32

const (
	StateDisconnected TransmissionState = iota
	StateConnecting
	StateConnected
	StateReceiving
	StateDisconnecting
)

func (s TransmissionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReceiving:
		return "receiving"
	case StateDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("TransmissionState(%d)", int32(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s TransmissionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *TransmissionState) UnmarshalText(b []byte) error {
	for st := StateDisconnected; st <= StateDisconnecting; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown transmission state %q", b)
}

// TransmissionStats counts what the transmission stage has seen.
type TransmissionStats struct {
	Connects         uint64 `json:"connects"`
	ConnectionLosses uint64 `json:"connection_losses"`
	Blocks           uint64 `json:"blocks"`
	Groups           uint64 `json:"groups"`
	Malformed        uint64 `json:"malformed"`
	TimeJumps        uint64 `json:"time_jumps"`
	Resyncs          uint64 `json:"resyncs"`
	Published        uint64 `json:"published"`
	SinkErrors       uint64 `json:"sink_errors"`
}

type transmissionCounters struct {
	connects, losses, blocks, groups, malformed atomic.Uint64
	jumps, resyncs, published, sinkErrors       atomic.Uint64
}

// Transmission receives raw text from the Source, parses it into groups,
// restores time order and publishes records onto the log. It is the log's
// only writer.
//
// Parsed groups wait in a private buffer sorted by timestamp until they are
// more than InitializationCutOff older than the newest timestamp seen; only
// then do they get an ID and become visible downstream. A group older than
// the last published timestamp cannot be placed any more and counts as a
// time jump.
type Transmission struct {
	stageBase
	src    Source
	sink   Sink
	parser *event.Parser
	poll   *poller

	buffer []*Record // sorted by Timestamp, equal timestamps in arrival order

	front     float64 // newest timestamp received
	haveFront bool
	watermark float64 // last published timestamp
	haveMark  bool
	jumps     int // consecutive time jumps

	stats transmissionCounters
}

func newTransmission(pc *PipelineContext, src Source, sink Sink) *Transmission {
	return &Transmission{
		stageBase: newStageBase(pc, StageTransmission),
		src:       src,
		sink:      sink,
		parser:    event.NewParser(),
	}
}

// Stats returns a copy of the stage counters.
func (t *Transmission) Stats() TransmissionStats {
	return TransmissionStats{
		Connects:         t.stats.connects.Load(),
		ConnectionLosses: t.stats.losses.Load(),
		Blocks:           t.stats.blocks.Load(),
		Groups:           t.stats.groups.Load(),
		Malformed:        t.stats.malformed.Load(),
		TimeJumps:        t.stats.jumps.Load(),
		Resyncs:          t.stats.resyncs.Load(),
		Published:        t.stats.published.Load(),
		SinkErrors:       t.stats.sinkErrors.Load(),
	}
}

// Buffered returns the number of records waiting for initialization.
// Only meaningful from the stage goroutine or while the stage is stopped.
func (t *Transmission) Buffered() int { return len(t.buffer) }

func (t *Transmission) setState(s TransmissionState) {
	if TransmissionState(t.pc.state.Swap(int32(s))) != s {
		tracef("transmission: %s", s)
	}
}

func (t *Transmission) run(ctx context.Context) {
	if t.poll == nil {
		t.poll = newPoller(t.pc.settings.PollInterval)
	}
	minBackoff, maxBackoff := t.pc.settings.ReconnectMin, t.pc.settings.ReconnectMax
	backoff := minBackoff
	for ctx.Err() == nil {
		wake := t.pc.connectionReq.Wait()
		if !t.pc.wantConnected.Load() {
			t.setState(StateDisconnected)
			if !t.poll.wait(ctx, wake) {
				return
			}
			continue
		}

		t.setState(StateConnecting)
		if err := t.src.Open(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			opsf("transmission: connect failed: %v; retrying in %v", err, backoff)
			if !sleep(ctx, backoff) {
				break
			}
			backoff = min(2*backoff, maxBackoff)
			continue
		}
		backoff = minBackoff
		t.stats.connects.Add(1)
		t.setState(StateConnected)
		diagf("transmission: connected")

		lost := t.receive(ctx)
		t.disconnect()
		if lost && !sleep(ctx, backoff) {
			break
		}
	}
	t.setState(StateDisconnected)
}

// receive reads blocks until the connection is lost, a disconnect is
// requested or ctx is done. It reports whether the connection was lost.
func (t *Transmission) receive(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		if !t.pc.wantConnected.Load() {
			t.setState(StateDisconnecting)
			return false
		}
		block, err := t.src.Receive(ctx)
		if err != nil && !errors.Is(err, ErrNoData) {
			if ctx.Err() != nil {
				return false
			}
			t.stats.losses.Add(1)
			opsf("transmission: connection lost: %v", err)
			return true
		}
		if block != "" {
			t.setState(StateReceiving)
			t.usage.Begin()
			t.ingest(block)
			t.usage.End()
		}
		t.sampleUsage()
	}
}

// disconnect publishes everything still buffered and closes the source.
func (t *Transmission) disconnect() {
	t.setState(StateDisconnecting)
	groups, errs := t.parser.Flush()
	t.handle(groups, errs)
	t.publishAll()
	if err := t.src.Close(); err != nil {
		diagf("transmission: close source: %v", err)
	}
	if t.sink != nil {
		if err := t.sink.Flush(); err != nil {
			opsf("transmission: flush sink: %v", err)
		}
	}
	t.setState(StateDisconnected)
	diagf("transmission: disconnected, %d records published", t.stats.published.Load())
}

// ingest parses one received block and publishes whatever became ready.
func (t *Transmission) ingest(block string) {
	t.stats.blocks.Add(1)
	groups, errs := t.parser.Feed(block)
	t.handle(groups, errs)
	t.release()
}

func (t *Transmission) handle(groups []*event.Group, errs []error) {
	for _, err := range errs {
		t.stats.malformed.Add(1)
		diagf("transmission: ignoring group: %v", err)
	}
	for _, g := range groups {
		t.accept(g)
	}
}

// accept places one parsed group into the reorder buffer, or drops it as a
// time jump.
func (t *Transmission) accept(g *event.Group) {
	t.stats.groups.Add(1)
	if t.haveMark && g.Timestamp < t.watermark {
		t.jumps++
		if t.jumps <= t.pc.settings.MaxContinuousTimeJumps {
			t.stats.jumps.Add(1)
			t.dropped.Add(1)
			tracef("transmission: time jump %d: t=%.6f behind watermark %.6f", t.jumps, g.Timestamp, t.watermark)
			return
		}
		t.resync(g)
		return
	}
	t.jumps = 0
	t.insert(newRecord(g))
	if !t.haveFront || g.Timestamp > t.front {
		t.front, t.haveFront = g.Timestamp, true
	}
}

// resync abandons the current timeline: everything buffered is published,
// the watermark is forgotten and g starts the new timeline.
func (t *Transmission) resync(g *event.Group) {
	opsf("transmission: %d consecutive time jumps, resynchronizing at t=%.6f (watermark was %.6f)",
		t.jumps, g.Timestamp, t.watermark)
	t.stats.resyncs.Add(1)
	t.publishAll()
	t.haveMark = false
	t.jumps = 0
	t.insert(newRecord(g))
	t.front, t.haveFront = g.Timestamp, true
}

func (t *Transmission) insert(r *Record) {
	i := sort.Search(len(t.buffer), func(i int) bool {
		return t.buffer[i].Timestamp > r.Timestamp
	})
	t.buffer = append(t.buffer, nil)
	copy(t.buffer[i+1:], t.buffer[i:])
	t.buffer[i] = r
}

// release publishes every buffered record older than the cut-off.
func (t *Transmission) release() {
	if !t.haveFront {
		return
	}
	limit := t.front - t.pc.settings.InitializationCutOff
	n := 0
	for n < len(t.buffer) && t.buffer[n].Timestamp < limit {
		t.publish(t.buffer[n])
		n++
	}
	t.shift(n)
}

func (t *Transmission) publishAll() {
	for _, r := range t.buffer {
		t.publish(r)
	}
	t.shift(len(t.buffer))
}

func (t *Transmission) shift(n int) {
	if n == 0 {
		return
	}
	clear(t.buffer[:n])
	t.buffer = t.buffer[n:]
	if len(t.buffer) == 0 {
		t.buffer = t.buffer[:0:0]
	}
}

// publish gives r the next ID and makes it visible downstream.
func (t *Transmission) publish(r *Record) {
	r.ID = t.pc.lastID.Add(1)
	r.initialized.Store(true)
	t.pc.log.PushFront(r)
	t.watermark, t.haveMark = r.Timestamp, true
	t.mark.advance(r.ID)
	t.stats.published.Add(1)
	t.processed.Add(1)
	if t.sink != nil {
		if err := t.sink.Append(r); err != nil {
			if t.stats.sinkErrors.Add(1) == 1 {
				opsf("transmission: accumulation sink: %v", err)
			}
		}
	}
}
