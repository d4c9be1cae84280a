package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/eventhorizon/internal/timeutil"
)

func TestLoadShedder_Adjust(t *testing.T) {
	s := NewLoadShedder(DefaultShedConfig(), 7)
	assert.Zero(t, s.Fraction())
	assert.False(t, s.ShouldDrop())

	for i := 0; i < 100; i++ {
		s.Adjust(1.0)
	}
	assert.InDelta(t, 0.9, s.Fraction(), 1e-9, "capped at MaxFraction")

	// Between the thresholds nothing moves.
	s.Adjust(0.9)
	assert.InDelta(t, 0.9, s.Fraction(), 1e-9)

	for i := 0; i < 100; i++ {
		s.Adjust(0.1)
	}
	assert.Zero(t, s.Fraction())
}

func TestLoadShedder_ShouldDropFollowsFraction(t *testing.T) {
	s := NewLoadShedder(DefaultShedConfig(), 42)
	for i := 0; i < 10; i++ {
		s.Adjust(1.0)
	}
	drops := 0
	const n = 10000
	for i := 0; i < n; i++ {
		if s.ShouldDrop() {
			drops++
		}
	}
	assert.InDelta(t, 0.5, float64(drops)/n, 0.05)
}

func TestLoadShedder_Disabled(t *testing.T) {
	cfg := DefaultShedConfig()
	cfg.Enabled = false
	s := NewLoadShedder(cfg, 1)
	s.Adjust(1.0)
	assert.Zero(t, s.Fraction())
	assert.False(t, s.ShouldDrop())
}

func TestUsageMeter(t *testing.T) {
	clock := timeutil.NewManual(time.Unix(1000, 0))
	m := NewUsageMeter(clock, time.Second)

	m.Begin()
	clock.Advance(250 * time.Millisecond)
	m.End()
	assert.False(t, m.Sample(), "period not over")

	clock.Advance(750 * time.Millisecond)
	assert.True(t, m.Sample())
	assert.InDelta(t, 0.25, m.Usage(), 1e-9)

	// A fully busy period.
	m.Begin()
	clock.Advance(2 * time.Second)
	m.End()
	assert.True(t, m.Sample())
	assert.InDelta(t, 1.0, m.Usage(), 1e-9)

	m.End() // unmatched End is ignored
	assert.InDelta(t, 1.0, m.Usage(), 1e-9)
}
