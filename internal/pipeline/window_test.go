package pipeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/eventhorizon/internal/event"
)

var ignoreElapsed = cmpopts.IgnoreFields(Snapshot{}, "Elapsed")

// Scenario A.
func TestHistogramming_CountRateIntegralMatchesWindow(t *testing.T) {
	a := newTestAnalyzer(t, testSettings(), testCollaborators())
	feed(a, series(1, 100, 662))
	drain(a)

	require.True(t, a.histogramming.cycle())
	snap := a.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(100), snap.HorizonID)
	assert.Equal(t, uint64(91), snap.WindowStartID)
	assert.Equal(t, 10, snap.Events)
	assert.InDelta(t, 10, snap.CountRate.Integral(), 1)
	assert.Equal(t, 10, snap.CountRate.Bins())
	assert.InDelta(t, 10, snap.Spectrum.Sum(), 1e-9)
	require.NotNil(t, snap.Image)
	assert.Equal(t, 10, snap.Image.Events)
	assert.Equal(t, uint64(91), a.WindowStartID(StageHistogramming))
	assert.Equal(t, uint64(100), a.LastProcessedID(StageHistogramming))
}

func TestHistogramming_NoImagedRecordSkipsCycle(t *testing.T) {
	a := newTestAnalyzer(t, testSettings(), testCollaborators())
	assert.False(t, a.histogramming.cycle())
	feed(a, series(1, 3, 10))
	assert.False(t, a.histogramming.cycle(), "nothing imaged yet")
	assert.Nil(t, a.Snapshot())
}

func TestHistogramming_IdempotentWithoutNewRecords(t *testing.T) {
	a := newTestAnalyzer(t, testSettings(), testCollaborators())
	feed(a, series(1, 40, 500))
	drain(a)

	require.True(t, a.histogramming.cycle())
	first := a.Snapshot()
	require.True(t, a.histogramming.cycle())
	second := a.Snapshot()
	if diff := cmp.Diff(first, second, ignoreElapsed); diff != "" {
		t.Errorf("republished snapshot differs (-first +second):\n%s", diff)
	}
}

func TestHistogramming_SumLaw(t *testing.T) {
	s := testSettings()
	s.AccumulationTime = 7.5
	s.CountRateBinWidth = 0.5
	a := newTestAnalyzer(t, s, testCollaborators())
	var text string
	for i := 0; i < 200; i++ {
		text += descriptor(float64(i)*0.13, 100)
	}
	feed(a, text)
	drain(a)

	require.True(t, a.histogramming.cycle())
	snap := a.Snapshot()
	visited := int(snap.HorizonID - snap.WindowStartID + 1)
	assert.Equal(t, visited, snap.Events)
	assert.InDelta(t, float64(visited), snap.CountRate.Integral(), 1e-9)
}

func TestHistogramming_Reconfiguration(t *testing.T) {
	a := newTestAnalyzer(t, testSettings(), testCollaborators())
	feed(a, series(1, 50, 100))
	drain(a)

	require.True(t, a.histogramming.cycle())
	assert.Equal(t, uint64(41), a.Snapshot().WindowStartID)

	require.NoError(t, a.SetAccumulationTime(5))
	require.True(t, a.histogramming.cycle())
	snap := a.Snapshot()
	assert.Equal(t, uint64(46), snap.WindowStartID, "window shrinks forward")
	assert.Equal(t, 5.0, snap.AccumulationTime)
	assert.InDelta(t, 5, snap.CountRate.Integral(), 1e-9)

	require.NoError(t, a.SetAccumulationTime(30))
	require.True(t, a.histogramming.cycle())
	assert.Equal(t, uint64(21), a.Snapshot().WindowStartID, "window grows backward")

	assert.ErrorIs(t, a.SetAccumulationTime(0), ErrInvalidAccumulationTime)
	assert.ErrorIs(t, a.SetAccumulationTime(-3), ErrInvalidAccumulationTime)
	assert.Equal(t, 30.0, a.AccumulationTime())
}

func TestHistogramming_WindowStopsAtResyncPoint(t *testing.T) {
	a := newTestAnalyzer(t, testSettings(), testCollaborators())
	feed(a, series(100, 5, 100))
	tr := a.transmission
	at := func(ts float64) *event.Group {
		return &event.Group{Timestamp: ts, Hits: []event.Hit{{Energy: 100}}}
	}
	for i := 0; i <= a.pc.settings.MaxContinuousTimeJumps; i++ {
		tr.accept(at(3))
	}
	require.Equal(t, uint64(1), tr.Stats().Resyncs)
	tr.accept(at(4))
	tr.publishAll()
	drain(a)

	require.True(t, a.histogramming.cycle())
	snap := a.Snapshot()
	assert.Equal(t, 2, snap.Events, "records of the old timeline are not in the new window")
}

func TestHistogramming_ImageSelection(t *testing.T) {
	s := testSettings()
	s.EnergyWindows = []EnergyWindow{{Min: 600, Max: 700}}
	a := newTestAnalyzer(t, s, testCollaborators())
	feed(a, descriptor(1, 100)+descriptor(2, 662)+descriptor(3, 650)+descriptor(4, 1000))
	drain(a)

	require.True(t, a.histogramming.cycle())
	snap := a.Snapshot()
	assert.Equal(t, 4, snap.Events)
	assert.Equal(t, 2, snap.ImageEvents)
	assert.Equal(t, 2.0, snap.Image.Pixels[0])
}

func TestSnapshotCopiesAreIndependent(t *testing.T) {
	a := newTestAnalyzer(t, testSettings(), testCollaborators())
	feed(a, series(1, 5, 100))
	drain(a)
	require.True(t, a.histogramming.cycle())

	cr := a.CountRate()
	cr.Counts[0] = 1e6
	assert.NotEqual(t, 1e6, a.CountRate().Counts[0])
	sp := a.Spectrum()
	sp.Counts[0] = -1
	assert.NotEqual(t, -1.0, a.Spectrum().Counts[0])
	im := a.Image()
	im.Pixels[0] = -1
	assert.NotEqual(t, -1.0, a.Image().Pixels[0])
}

func TestIdentification_KeepsPreviousListOnFailure(t *testing.T) {
	id := &fakeIdentifier{}
	c := testCollaborators()
	c.Identifier = id
	a := newTestAnalyzer(t, testSettings(), c)
	assert.Empty(t, a.Isotopes())

	feed(a, series(1, 20, 661.7))
	a.coincidence.step()

	require.True(t, a.identification.cycle(), "identification only needs coincident records")
	got := a.Isotopes()
	require.Len(t, got, 1)
	assert.Equal(t, "Cs-137", got[0].Name)
	assert.Equal(t, uint64(11), a.WindowStartID(StageIdentification))

	id.setErr(errBoom)
	feed(a, series(21, 5, 661.7))
	a.coincidence.step()
	require.True(t, a.identification.cycle())
	assert.Equal(t, got, a.Isotopes())
	assert.Equal(t, uint64(1), a.identification.Failed())
	assert.Equal(t, uint64(25), a.LastProcessedID(StageIdentification))
}

func TestCleanup_NeverRemovesReadableRecords(t *testing.T) {
	a := newTestAnalyzer(t, testSettings(), testCollaborators())
	feed(a, series(1, 60, 100))

	assert.Zero(t, a.cleanup.sweep(), "floor is zero until every stage has progressed")

	drain(a)
	assert.Zero(t, a.cleanup.sweep(), "windowed stages have not published a window start")

	require.True(t, a.histogramming.cycle())
	require.True(t, a.identification.cycle())
	floor := a.pc.floor()
	assert.Equal(t, uint64(51), floor)

	removed := a.cleanup.sweep()
	assert.Equal(t, 50, removed)
	ids := logIDs(a.pc.log)
	require.NotEmpty(t, ids)
	assert.Equal(t, floor, ids[0])
	for i := 1; i < len(ids); i++ {
		assert.Equal(t, ids[i-1]+1, ids[i])
	}
	assert.Equal(t, uint64(50), a.CleanedUp())

	// The windows are still intact after trimming.
	require.True(t, a.histogramming.cycle())
	assert.Equal(t, 10, a.Snapshot().Events)
}

func TestCleanup_RespectsSlowestStage(t *testing.T) {
	a := newTestAnalyzer(t, testSettings(), testCollaborators())
	feed(a, series(1, 30, 100))
	a.coincidence.step()
	require.True(t, a.identification.cycle())
	a.reconstruction.step()
	// Imaging has not run: its bookmark is zero and nothing may go.
	assert.Zero(t, a.pc.floor())
	assert.Zero(t, a.cleanup.sweep())
	assert.Equal(t, 30, a.LogLength())
}

func TestAnalyzer_IsotopeListIsACopy(t *testing.T) {
	a := newTestAnalyzer(t, testSettings(), testCollaborators())
	assert.Nil(t, a.IsotopeList())

	a.pc.isotopes.Store(&IsotopeList{
		Isotopes:      []event.Isotope{{Name: "Cs-137", Lines: []float64{662}, Confidence: 0.9}},
		HorizonID:     42,
		WindowStartID: 7,
	})
	l := a.IsotopeList()
	require.NotNil(t, l)
	assert.Equal(t, uint64(42), l.HorizonID)
	assert.Equal(t, uint64(7), l.WindowStartID)

	l.Isotopes[0].Lines[0] = 0
	assert.Equal(t, 662.0, a.IsotopeList().Isotopes[0].Lines[0])
}
