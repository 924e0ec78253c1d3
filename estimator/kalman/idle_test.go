package kalman

import (
	"math"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestIdleFirstMeasurementSeedsState(t *testing.T) {
	f := NewIdleFilter()
	assert.Equal(t, f.Estimate().Source, SourceNone)

	assert.Assert(t, f.UpdateFuelRate(0.8))

	est := f.Estimate()
	assert.Equal(t, est.IdleGPH, 0.8)
	assert.Equal(t, est.Source, SourceFuelRate)
	assert.Equal(t, est.SamplesUsed, 1)
	assert.Assert(t, est.ConfidencePct > 80, "confidence %v", est.ConfidencePct)
}

func TestIdleAdaptiveNoiseAbsorbsOutlier(t *testing.T) {
	f := NewIdleFilter()

	// Ten clean one-minute cycles at 0.75 gph build an innovation history.
	for i := 0; i < 10; i++ {
		f.Predict(1.0 / 60)
		assert.Assert(t, f.UpdateFuelRate(0.75))
	}
	assert.Equal(t, f.Estimate().IdleGPH, 0.75)

	// One wild reading. The short innovation window inflates R before the
	// estimate can chase it.
	f.Predict(1.0 / 60)
	assert.Assert(t, f.UpdateFuelRate(2.0))
	afterOutlier := f.Estimate().IdleGPH
	assert.Assert(t, math.Abs(afterOutlier-0.75) < 0.1,
		"outlier moved estimate to %v", afterOutlier)
	assert.Assert(t, afterOutlier > 0.75)

	// Clean readings pull it back.
	for i := 0; i < 4; i++ {
		f.Predict(1.0 / 60)
		assert.Assert(t, f.UpdateFuelRate(0.75))
	}
	final := f.Estimate().IdleGPH
	assert.Assert(t, math.Abs(final-0.75) < 0.1, "post-recovery estimate %v", final)
	assert.Assert(t, final < afterOutlier)
}

func TestIdleShortHistoryTrustsMeasurementsMore(t *testing.T) {
	// With too little history to judge, the same outlier moves the
	// estimate much further than in TestIdleAdaptiveNoiseAbsorbsOutlier.
	f := NewIdleFilter()
	f.UpdateFuelRate(0.75)
	f.UpdateFuelRate(2.0)
	shortJump := f.Estimate().IdleGPH - 0.75

	g := NewIdleFilter()
	for i := 0; i < 10; i++ {
		g.Predict(1.0 / 60)
		g.UpdateFuelRate(0.75)
	}
	g.Predict(1.0 / 60)
	g.UpdateFuelRate(2.0)
	longJump := g.Estimate().IdleGPH - 0.75

	assert.Assert(t, shortJump > 3*longJump,
		"short-history jump %v vs long-history jump %v", shortJump, longJump)
}

func TestIdleVarianceGrowsBetweenUpdates(t *testing.T) {
	f := NewIdleFilter()
	for i := 0; i < 5; i++ {
		f.UpdateFuelRate(0.7)
	}
	before := f.Estimate().ConfidencePct
	assert.Assert(t, before > 90, "confidence %v", before)

	// Hours off idle with no evidence: confidence decays.
	f.Predict(5)
	assert.Assert(t, f.Estimate().ConfidencePct < before)
	// The estimate itself does not drift.
	assert.Equal(t, f.Estimate().IdleGPH, 0.7)
}

func TestIdleECUCounterDeltas(t *testing.T) {
	f := NewIdleFilter()
	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	accepted, rebaselined := f.UpdateECUIdleCounter(10.0, t0)
	assert.Assert(t, !accepted && !rebaselined, "first observation only baselines")

	// 0.4 gal over 30 minutes is 0.8 gph.
	accepted, rebaselined = f.UpdateECUIdleCounter(10.4, t0.Add(30*time.Minute))
	assert.Assert(t, accepted && !rebaselined)
	if got := f.Estimate().IdleGPH; math.Abs(got-0.8) > 1e-9 {
		t.Fatalf("idle estimate: got %v, want 0.8", got)
	}
	assert.Equal(t, f.Estimate().Source, SourceECUCounter)

	// Counter reset: no update, new baseline.
	before := f.Estimate().IdleGPH
	accepted, rebaselined = f.UpdateECUIdleCounter(10.2, t0.Add(45*time.Minute))
	assert.Assert(t, !accepted)
	assert.Assert(t, rebaselined)
	assert.Equal(t, f.Estimate().IdleGPH, before)

	// Deltas resume against the new baseline: 0.1 gal over 15 min.
	accepted, rebaselined = f.UpdateECUIdleCounter(10.3, t0.Add(60*time.Minute))
	assert.Assert(t, accepted && !rebaselined)
	got := f.Estimate().IdleGPH
	assert.Assert(t, got < 0.8 && got > 0.4, "estimate %v", got)

	// A duplicate timestamp cannot produce an infinite rate.
	accepted, rebaselined = f.UpdateECUIdleCounter(10.5, t0.Add(60*time.Minute))
	assert.Assert(t, !accepted && !rebaselined)
}

func TestIdleFuelDeltaConfidenceScalesNoise(t *testing.T) {
	trusted := NewIdleFilter()
	doubted := NewIdleFilter()
	assert.Assert(t, trusted.UpdateFuelDelta(1.0, 1.0))
	assert.Assert(t, doubted.UpdateFuelDelta(1.0, 1.0))

	trusted.UpdateFuelDelta(0.5, 1.0)
	doubted.UpdateFuelDelta(0.5, 0.1)

	a := trusted.Estimate().IdleGPH
	b := doubted.Estimate().IdleGPH
	assert.Assert(t, a < b, "high confidence %v should track the measurement closer than low confidence %v", a, b)
	assert.Assert(t, a > 0.5 && b > 0.5)
}

func TestIdleRPMModelMeasurement(t *testing.T) {
	f := NewIdleFilter()
	assert.Assert(t, f.UpdateRPMModel(600, 20, 80))
	warm := f.Estimate().IdleGPH
	if math.Abs(warm-0.68) > 1e-9 {
		t.Fatalf("warm idle model: got %v, want 0.68", warm)
	}
	assert.Equal(t, f.Estimate().Source, SourceRPMModel)

	g := NewIdleFilter()
	assert.Assert(t, g.UpdateRPMModel(600, 20, 50))
	cold := g.Estimate().IdleGPH
	if math.Abs(cold-0.816) > 1e-9 {
		t.Fatalf("cold idle model: got %v, want 0.816", cold)
	}
	assert.Assert(t, cold > warm)

	assert.Assert(t, !f.UpdateRPMModel(-5, 20, 70))
}

func TestIdleSourceTracksContributors(t *testing.T) {
	f := NewIdleFilter()

	f.StartCycle()
	f.UpdateFuelRate(0.7)
	assert.Equal(t, f.Estimate().Source, SourceFuelRate)

	f.StartCycle()
	f.UpdateFuelRate(0.7)
	f.UpdateRPMModel(650, 10, 70)
	assert.Equal(t, f.Estimate().Source, SourceMultiSensor)

	f.StartCycle()
	f.UpdateFuelDelta(0.7, 0.9)
	assert.Equal(t, f.Estimate().Source, SourceFuelDelta)
}

func TestIdleRejectsOutOfRange(t *testing.T) {
	f := NewIdleFilter()
	assert.Assert(t, !f.UpdateFuelRate(-1))
	assert.Assert(t, !f.UpdateFuelRate(51))
	assert.Assert(t, !f.UpdateFuelRate(math.NaN()))
	assert.Assert(t, !f.UpdateFuelDelta(math.Inf(1), 0.5))
	assert.Equal(t, f.Estimate().SamplesUsed, 0)
}

func TestIdleStateRoundTrip(t *testing.T) {
	f := NewIdleFilter()
	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	f.UpdateECUIdleCounter(5, t0)
	f.UpdateECUIdleCounter(5.2, t0.Add(15*time.Minute))
	f.Predict(0.5)
	f.UpdateFuelRate(0.9)

	restored := NewIdleFilter()
	restored.Restore(f.State())
	assert.DeepEqual(t, restored.State(), f.State())

	f.UpdateFuelRate(0.85)
	restored.UpdateFuelRate(0.85)
	assert.DeepEqual(t, restored.State(), f.State())
}

func TestIdleResetClearsEverything(t *testing.T) {
	f := NewIdleFilter()
	f.UpdateFuelRate(0.9)
	f.UpdateRPMModel(700, 15, 60)

	f.Reset()
	est := f.Estimate()
	assert.Equal(t, est.IdleGPH, 0.0)
	assert.Equal(t, est.Source, SourceNone)
	assert.Equal(t, est.SamplesUsed, 0)
	assert.Equal(t, est.ConfidencePct, 0.0)
}
