package fusion_test

import (
	"math"
	"testing"
	"time"

	"github.com/fleetbeacon/fuelcore/estimator/fusion"
	"gotest.tools/v3/assert"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func approx(t *testing.T, got, want, tol float64, what string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Fatalf("%s: got %v, want %v", what, got, want)
	}
}

func TestFusesDisagreeingChannelsWithFullWeights(t *testing.T) {
	e := fusion.New(fusion.DefaultConfig(500))
	e.SetReference(70, 1000) // counter at 1000 L burned means 70%

	assert.Assert(t, e.Observe(fusion.FuelLevel, t0, 50))
	assert.Assert(t, e.Observe(fusion.ECUFuelUsed, t0, 1000))

	est := e.Estimate(t0)
	// Spread of {50, 70} sits exactly at the variance threshold, which does
	// not trip the halving: both channels keep their base weight.
	assert.Equal(t, est.Weights[fusion.FuelLevel], 0.4)
	assert.Equal(t, est.Weights[fusion.ECUFuelUsed], 0.8)
	approx(t, est.FuelPct, 190.0/3.0, 1e-9, "fused pct")
	approx(t, est.FuelL, 190.0/3.0/100*500, 1e-9, "fused liters")
	assert.Equal(t, est.Confidence, 2.0/3.0)
	// Only the level channel strays more than the divergence threshold
	// from the fused value.
	assert.DeepEqual(t, est.Flagged, []string{string(fusion.FuelLevel)})
	assert.Assert(t, !est.NoEstimates)
}

func TestHighVarianceHalvesWeights(t *testing.T) {
	e := fusion.New(fusion.DefaultConfig(500))
	e.SetReference(75, 2000)

	assert.Assert(t, e.Observe(fusion.FuelLevel, t0, 40))
	assert.Assert(t, e.Observe(fusion.ECUFuelUsed, t0, 2000))

	est := e.Estimate(t0)
	assert.Equal(t, est.Weights[fusion.FuelLevel], 0.2)
	assert.Equal(t, est.Weights[fusion.ECUFuelUsed], 0.4)
	approx(t, est.FuelPct, 190.0/3.0, 1e-9, "fused pct")
	assert.DeepEqual(t, est.Flagged, []string{
		string(fusion.ECUFuelUsed),
		string(fusion.FuelLevel),
		fusion.FlagHighVariance,
	})
}

func TestNoValidChannelsFallsBackToFloorConfidence(t *testing.T) {
	e := fusion.New(fusion.DefaultConfig(500))
	assert.Assert(t, !e.Observe(fusion.FuelLevel, t0, math.NaN()))

	est := e.Estimate(t0)
	assert.Assert(t, est.NoEstimates)
	assert.Equal(t, est.Confidence, 0.3)
	assert.Equal(t, est.FuelPct, 0.0)
	assert.DeepEqual(t, est.Flagged, []string{fusion.FlagNoEstimates})

	// A valid reading recovers the channel on the next call.
	assert.Assert(t, e.Observe(fusion.FuelLevel, t0.Add(time.Minute), 60))
	est = e.Estimate(t0.Add(time.Minute))
	assert.Assert(t, !est.NoEstimates)
	assert.Equal(t, est.FuelPct, 60.0)
	assert.Equal(t, est.Confidence, 1.0/3.0)
}

func TestFallbackCarriesRestoredPreviousEstimate(t *testing.T) {
	e := fusion.New(fusion.DefaultConfig(500))
	e.Restore(fusion.State{
		Samples:   map[fusion.Channel][]fusion.Sample{},
		LastValid: map[fusion.Channel]fusion.Sample{},
		PrevPct:   55,
		PrevGPH:   2.5,
		PrevAt:    t0,
		HavePrev:  true,
	})

	est := e.Estimate(t0.Add(10 * time.Minute))
	assert.Assert(t, est.NoEstimates)
	assert.Equal(t, est.FuelPct, 55.0)
	assert.Equal(t, est.ConsumptionGPH, 2.5)
	assert.Equal(t, est.Confidence, 0.3)
	assert.Equal(t, est.At, t0.Add(10*time.Minute))
}

func TestRateOfChangeRejection(t *testing.T) {
	e := fusion.New(fusion.DefaultConfig(500))

	assert.Assert(t, e.Observe(fusion.FuelLevel, t0, 50))
	// 4% in one minute exceeds the 2%/min budget.
	assert.Assert(t, !e.Observe(fusion.FuelLevel, t0.Add(time.Minute), 54))
	// Rejected samples do not move the baseline: ten minutes later a 10%
	// drop against the last valid reading is fine.
	assert.Assert(t, e.Observe(fusion.FuelLevel, t0.Add(10*time.Minute), 40))

	hist := e.History(fusion.FuelLevel)
	assert.Equal(t, len(hist), 3)
	assert.Assert(t, hist[0].Valid)
	assert.Assert(t, !hist[1].Valid)
	assert.Assert(t, hist[2].Valid)
}

func TestRefuelStepNeedsChannelReset(t *testing.T) {
	e := fusion.New(fusion.DefaultConfig(500))
	assert.Assert(t, e.Observe(fusion.FuelLevel, t0, 30))

	// A refuel jump fails the rate-of-change check on its own.
	refuelAt := t0.Add(10 * time.Minute)
	assert.Assert(t, !e.Observe(fusion.FuelLevel, refuelAt, 85))

	// The refuel handler re-seeds the channel at the new level.
	e.ResetChannel(fusion.FuelLevel, refuelAt, 85)
	assert.Assert(t, e.Observe(fusion.FuelLevel, refuelAt.Add(time.Minute), 84.5))

	est := e.Estimate(refuelAt.Add(time.Minute))
	approx(t, est.FuelPct, (1*84.5+0.5*85)/1.5, 1e-9, "post-refuel level")
}

func TestLevelEstimateWeighsNewestHighest(t *testing.T) {
	e := fusion.New(fusion.DefaultConfig(500))
	assert.Assert(t, e.Observe(fusion.FuelLevel, t0, 80))
	assert.Assert(t, e.Observe(fusion.FuelLevel, t0.Add(2*time.Minute), 76))
	assert.Assert(t, e.Observe(fusion.FuelLevel, t0.Add(4*time.Minute), 74))

	est := e.Estimate(t0.Add(4 * time.Minute))
	approx(t, est.FuelPct, (1*74+0.5*76+0.25*80)/1.75, 1e-9, "weighted level")
	assert.Equal(t, est.Confidence, 1.0/3.0)
}

func TestOutOfRangeSamplesKeptButExcluded(t *testing.T) {
	e := fusion.New(fusion.DefaultConfig(500))
	assert.Assert(t, e.Observe(fusion.FuelLevel, t0, 80))
	assert.Assert(t, !e.Observe(fusion.FuelLevel, t0.Add(time.Minute), 150))

	est := e.Estimate(t0.Add(time.Minute))
	assert.Equal(t, est.FuelPct, 80.0)
	assert.Equal(t, len(e.History(fusion.FuelLevel)), 2)
}

func TestECUUsedImpliesLevelFromReference(t *testing.T) {
	e := fusion.New(fusion.DefaultConfig(500))
	e.SetReference(70, 1000)

	assert.Assert(t, e.Observe(fusion.ECUFuelUsed, t0, 1000))
	assert.Assert(t, e.Observe(fusion.ECUFuelUsed, t0.Add(20*time.Minute), 1002))

	est := e.Estimate(t0.Add(20 * time.Minute))
	// 2 L over 20 minutes is 6 L/h.
	approx(t, est.ConsumptionGPH, 6.0/3.78541, 1e-9, "burn rate")
	// 2 L burned since the anchor on a 500 L tank.
	approx(t, est.FuelPct, 69.6, 1e-9, "implied level")
	assert.Equal(t, est.Confidence, 1.0/3.0)
	assert.Equal(t, len(est.Flagged), 0)
}

func TestECURateProjectsFromPreviousEstimate(t *testing.T) {
	e := fusion.New(fusion.DefaultConfig(500))
	assert.Assert(t, e.Observe(fusion.FuelLevel, t0, 60))
	first := e.Estimate(t0)
	assert.Equal(t, first.FuelPct, 60.0)
	assert.Equal(t, first.Confidence, 1.0/3.0)

	assert.Assert(t, e.Observe(fusion.ECUFuelRate, t0.Add(30*time.Second), 6.0))
	assert.Assert(t, e.Observe(fusion.ECUFuelRate, t0.Add(time.Minute), 6.2))

	est := e.Estimate(t0.Add(time.Minute))
	// With a previous fused level to project from, the rate channel now
	// contributes a level too.
	assert.Equal(t, est.Confidence, 2.0/3.0)
	approx(t, est.ConsumptionGPH, 6.1, 1e-9, "mean rate")
	assert.Assert(t, est.FuelPct < 60 && est.FuelPct > 59.9,
		"projected level %v should sit just under the previous fused level", est.FuelPct)
}

func TestObserveUnknownChannelRejected(t *testing.T) {
	e := fusion.New(fusion.DefaultConfig(500))
	assert.Assert(t, !e.Observe(fusion.Channel("exhaust_temp"), t0, 1))
	assert.Assert(t, e.History(fusion.Channel("exhaust_temp")) == nil)
}

func TestStateRoundTrip(t *testing.T) {
	a := fusion.New(fusion.DefaultConfig(500))
	a.SetReference(70, 1000)
	a.Observe(fusion.FuelLevel, t0, 62)
	a.Observe(fusion.ECUFuelUsed, t0, 1001)
	a.Observe(fusion.ECUFuelRate, t0, 5.5)
	a.Estimate(t0)

	b := fusion.New(fusion.DefaultConfig(500))
	b.Restore(a.State())

	next := t0.Add(time.Minute)
	a.Observe(fusion.FuelLevel, next, 61.5)
	b.Observe(fusion.FuelLevel, next, 61.5)
	assert.DeepEqual(t, a.Estimate(next), b.Estimate(next))
}
