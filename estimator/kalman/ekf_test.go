package kalman

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/fleetbeacon/fuelcore/estimator/tank"
	"gonum.org/v1/gonum/mat"
	"gotest.tools/v3/assert"
)

func newTestEKF(t *testing.T, shape tank.Shape) *FuelEKF {
	t.Helper()
	spec := tank.Spec{CapacityL: 500, Shape: shape}
	model, known := tank.ModelFor(spec)
	assert.Assert(t, known)
	return NewFuelEKF(spec, model, DefaultTuning())
}

func assertInvariants(t *testing.T, e *FuelEKF) {
	t.Helper()
	est := e.Estimate()
	assert.Assert(t, est.VolumeL >= 0 && est.VolumeL <= 500, "volume %v", est.VolumeL)
	rateLph := est.ConsumptionGPH * tank.LitersPerGallon
	assert.Assert(t, rateLph >= MinRateLph-1e-9 && rateLph <= MaxRateLph+1e-9, "rate %v", rateLph)
	assert.Assert(t, est.Efficiency >= MinEfficiency && est.Efficiency <= MaxEfficiency, "efficiency %v", est.Efficiency)

	p := e.Covariance()
	for i := 0; i < 3; i++ {
		assert.Assert(t, p.At(i, i) >= 0, "P[%d,%d] = %v", i, i, p.At(i, i))
		for j := 0; j < 3; j++ {
			if math.Abs(p.At(i, j)-p.At(j, i)) > 1e-9 {
				t.Fatalf("P not symmetric at (%d,%d): %v vs %v", i, j, p.At(i, j), p.At(j, i))
			}
		}
	}
	sym := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			sym.SetSym(i, j, p.At(i, j))
		}
	}
	var es mat.EigenSym
	assert.Assert(t, es.Factorize(sym, false))
	for _, v := range es.Values(nil) {
		assert.Assert(t, v >= -1e-9, "negative eigenvalue %v", v)
	}
}

func TestPredictIntegratesConsumption(t *testing.T) {
	e := newTestEKF(t, tank.Cylinder)
	e.Bootstrap(50) // 250 L

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e.Predict(1.0, NeutralInput(), at)

	est := e.Estimate()
	// Initial rate 2.0 Lph integrated over an hour.
	assert.Assert(t, math.Abs(est.VolumeL-248) < 1e-9, "volume %v", est.VolumeL)
	// Rate low-passes toward the physics prediction of 1.2 Lph at rest:
	// 0.3*1.2 + 0.7*2.0.
	wantLph := 1.76
	if math.Abs(est.ConsumptionGPH*tank.LitersPerGallon-wantLph) > 1e-9 {
		t.Fatalf("rate: got %v Lph", est.ConsumptionGPH*tank.LitersPerGallon)
	}
	assert.Equal(t, est.At, at)
	assertInvariants(t, e)
}

func TestPredictPhysicsRespondsToDrivingContext(t *testing.T) {
	rest := predictedRate(NeutralInput())
	if math.Abs(rest-1.2) > 1e-12 {
		t.Fatalf("resting rate: got %v", rest)
	}
	highway := predictedRate(DrivingInput{SpeedMPH: 65, EngineLoadPct: 70, GradePct: 0, AmbientTempF: 70})
	// 1.2 + 3e-4*65^2*1.2 = 1.2 + 1.521.
	if math.Abs(highway-2.721) > 1e-9 {
		t.Fatalf("highway rate: got %v", highway)
	}
	uphill := predictedRate(DrivingInput{SpeedMPH: 65, EngineLoadPct: 70, GradePct: 4, AmbientTempF: 70})
	assert.Assert(t, uphill > highway)
	cold := predictedRate(DrivingInput{SpeedMPH: 65, EngineLoadPct: 70, GradePct: 0, AmbientTempF: 30})
	assert.Assert(t, cold > highway)
}

func TestFirstLevelReadingBootstraps(t *testing.T) {
	e := newTestEKF(t, tank.Cylinder)
	assert.Assert(t, !e.Bootstrapped())
	assert.NilError(t, e.UpdateFuelLevel(60))
	assert.Assert(t, e.Bootstrapped())
	if got := e.Estimate().VolumeL; math.Abs(got-300) > 1e-9 {
		t.Fatalf("bootstrapped volume: got %v, want 300", got)
	}
}

func TestFuelLevelUpdateMovesTowardMeasurement(t *testing.T) {
	e := newTestEKF(t, tank.Cylinder)
	e.Bootstrap(50)
	p0 := e.Covariance().At(0, 0)

	assert.NilError(t, e.UpdateFuelLevel(40))

	est := e.Estimate()
	assert.Assert(t, est.VolumeL < 250, "volume should drop, got %v", est.VolumeL)
	assert.Assert(t, est.VolumeL > 200, "volume should not fully trust one noisy reading, got %v", est.VolumeL)
	assert.Assert(t, e.Covariance().At(0, 0) < p0)
	assertInvariants(t, e)
}

func TestFuelLevelUsesTankCurveSlope(t *testing.T) {
	// Same measurement step, but the saddle tank's low region has a
	// shallower slope than a cylinder, so the gain differs.
	cyl := newTestEKF(t, tank.Cylinder)
	sad := newTestEKF(t, tank.Saddle)
	cyl.Bootstrap(9)
	sad.Bootstrap(9) // saddle: fill 10% → 50 L

	assert.NilError(t, cyl.UpdateFuelLevel(18))
	assert.NilError(t, sad.UpdateFuelLevel(18))

	dCyl := cyl.Estimate().VolumeL - 45
	dSad := sad.Estimate().VolumeL - 50
	assert.Assert(t, dCyl > 0 && dSad > 0)
	assert.Assert(t, dCyl != dSad, "distinct tank curves must produce distinct gains")
	assertInvariants(t, sad)
}

func TestECUCumulativeRegressionRebaselines(t *testing.T) {
	e := newTestEKF(t, tank.Cylinder)
	e.Bootstrap(50)

	accepted, rebaselined := e.UpdateECUCumulative(100)
	assert.Assert(t, !accepted && !rebaselined, "first observation only sets the baseline")

	before := e.Estimate()
	accepted, rebaselined = e.UpdateECUCumulative(99) // counter went backwards
	assert.Assert(t, !accepted)
	assert.Assert(t, rebaselined)
	assert.DeepEqual(t, e.Estimate(), before)

	// Counter resumes from the new baseline.
	accepted, rebaselined = e.UpdateECUCumulative(99.5)
	assert.Assert(t, accepted)
	assert.Assert(t, !rebaselined)
	assertInvariants(t, e)
}

func TestECUCumulativeOversizedDeltaRebaselines(t *testing.T) {
	e := newTestEKF(t, tank.Cylinder)
	e.UpdateECUCumulative(100)
	accepted, rebaselined := e.UpdateECUCumulative(300) // 200 L in one step: corruption
	assert.Assert(t, !accepted)
	assert.Assert(t, rebaselined)
}

func TestECUCumulativeHalvesVolumeUncertainty(t *testing.T) {
	e := newTestEKF(t, tank.Cylinder)
	e.Bootstrap(50)
	e.UpdateECUCumulative(100)
	p0 := e.Covariance().At(0, 0)
	accepted, _ := e.UpdateECUCumulative(102)
	assert.Assert(t, accepted)
	assert.Equal(t, e.Covariance().At(0, 0), p0/2)
}

func TestECUCumulativeNudgesEfficiency(t *testing.T) {
	e := newTestEKF(t, tank.Cylinder)
	e.Bootstrap(50) // 250 L
	e.UpdateECUCumulative(1000)

	// Integrate 2 L of predicted burn, then report 3 L actually injected.
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e.Predict(1.0, NeutralInput(), at) // volume 250 → 248

	accepted, _ := e.UpdateECUCumulative(1003)
	assert.Assert(t, accepted)
	// ratio = 3/2 = 1.5; eff = 0.95*1.0 + 0.05*1.5.
	if got := e.Estimate().Efficiency; math.Abs(got-1.025) > 1e-9 {
		t.Fatalf("efficiency: got %v, want 1.025", got)
	}
	assertInvariants(t, e)
}

func TestFuelRateMismatchBlendsInsteadOfJumping(t *testing.T) {
	e := newTestEKF(t, tank.Cylinder)
	e.Bootstrap(50)

	// 6 gph = 22.7 Lph against an estimated 2 Lph: way outside band.
	mismatch, err := e.UpdateFuelRate(6)
	assert.NilError(t, err)
	assert.Assert(t, mismatch)
	gotLph := e.Estimate().ConsumptionGPH * tank.LitersPerGallon
	wantLph := 0.9*2.0 + 0.1*6*tank.LitersPerGallon
	if math.Abs(gotLph-wantLph) > 1e-9 {
		t.Fatalf("blended rate: got %v Lph, want %v", gotLph, wantLph)
	}

	// A nearby observation goes through the normal scalar update.
	mismatch, err = e.UpdateFuelRate(1.2)
	assert.NilError(t, err)
	assert.Assert(t, !mismatch)
	assertInvariants(t, e)
}

func TestNumericalAnomalyRevertsState(t *testing.T) {
	e := newTestEKF(t, tank.Cylinder)
	e.Bootstrap(50)
	before := e.State()

	err := e.UpdateFuelLevel(math.NaN())
	assert.Assert(t, errors.Is(err, ErrNumericalAnomaly))
	assert.DeepEqual(t, e.State(), before)

	_, err = e.UpdateFuelRate(math.Inf(1))
	assert.Assert(t, errors.Is(err, ErrNumericalAnomaly))
	assert.DeepEqual(t, e.State(), before)
}

func TestReanchorAfterRefuel(t *testing.T) {
	e := newTestEKF(t, tank.Cylinder)
	e.Bootstrap(28)
	e.UpdateECUCumulative(500)

	e.ReanchorAfterRefuel(85)
	if got := e.Estimate().VolumeL; math.Abs(got-425) > 1e-9 {
		t.Fatalf("reanchored volume: got %v, want 425", got)
	}

	// The liters added must not read as consumption: a subsequent normal
	// ECU delta nudges efficiency from the new anchor, not the old volume.
	accepted, rebaselined := e.UpdateECUCumulative(501)
	assert.Assert(t, accepted)
	assert.Assert(t, !rebaselined)
	assert.Assert(t, e.Estimate().Efficiency >= MinEfficiency)
	assertInvariants(t, e)
}

func TestStateRoundTrip(t *testing.T) {
	e := newTestEKF(t, tank.Saddle)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.NilError(t, e.UpdateFuelLevel(47))
	e.UpdateECUCumulative(100)
	e.Predict(0.25, DrivingInput{SpeedMPH: 55, EngineLoadPct: 60, AmbientTempF: 65}, at)
	e.UpdateECUCumulative(101.5)

	restored := newTestEKF(t, tank.Saddle)
	restored.Restore(e.State())
	assert.DeepEqual(t, restored.State(), e.State())

	// Both copies must evolve identically from here.
	assert.NilError(t, e.UpdateFuelLevel(45))
	assert.NilError(t, restored.UpdateFuelLevel(45))
	assert.DeepEqual(t, restored.State(), e.State())
}

func TestResetIsIdempotent(t *testing.T) {
	e := newTestEKF(t, tank.Cylinder)
	assert.NilError(t, e.UpdateFuelLevel(60))
	e.UpdateECUCumulative(10)

	e.Reset()
	first := e.State()
	e.Reset()
	assert.DeepEqual(t, e.State(), first)
	assert.Assert(t, !e.Bootstrapped())
}

func TestLongRunKeepsCovarianceHealthy(t *testing.T) {
	e := newTestEKF(t, tank.Saddle)
	at := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	assert.NilError(t, e.UpdateFuelLevel(80))

	level := 80.0
	ecu := 0.0
	in := DrivingInput{SpeedMPH: 58, EngineLoadPct: 65, GradePct: 1, AmbientTempF: 60}
	for i := 0; i < 240; i++ {
		at = at.Add(time.Minute)
		e.Predict(1.0/60, in, at)
		level -= 0.07
		ecu += 0.35
		assert.NilError(t, e.UpdateFuelLevel(level))
		e.UpdateECUCumulative(ecu)
		_, err := e.UpdateFuelRate(5.5)
		assert.NilError(t, err)
	}
	assertInvariants(t, e)
	// Dense clean telemetry tightens the level estimate well under the
	// bootstrap uncertainty.
	assert.Assert(t, e.Estimate().UncertaintyPct < 2, "uncertainty %v", e.Estimate().UncertaintyPct)
}
