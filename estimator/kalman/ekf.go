// Copyright 2025 FleetBeacon LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kalman holds the two estimation filters: a three-state extended
// Kalman filter tracking tank volume, burn rate and a per-truck efficiency
// factor, and a scalar filter with adaptive measurement noise for idle
// consumption. Both commit state only from fully validated candidates, so
// a poisoned measurement can never leave NaN behind.
package kalman

import (
	"errors"
	"math"
	"time"

	"github.com/fleetbeacon/fuelcore/estimator/tank"
	"gonum.org/v1/gonum/mat"
)

// ErrNumericalAnomaly reports that an update produced NaN or Inf and was
// rolled back. The caller should surface a sensor-malfunction event.
var ErrNumericalAnomaly = errors.New("update produced a non-finite state")

// State vector indices.
const (
	ixVolume = iota
	ixRate
	ixEfficiency
)

// Bounds every committed state must satisfy.
const (
	MinRateLph      = 0.5
	MaxRateLph      = 30.0
	MinEfficiency   = 0.5
	MaxEfficiency   = 2.0
	maxECUDeltaL    = 50.0
	rateMismatchLph = 5.0
	efficiencyAlpha = 0.05
)

// Tuning is the EKF noise configuration. Per-truck overrides arrive from
// config as loose maps and are decoded onto this struct.
type Tuning struct {
	QVolume     float64 `mapstructure:"q_volume"`
	QRate       float64 `mapstructure:"q_rate"`
	QEfficiency float64 `mapstructure:"q_efficiency"`
	RFuelSensor float64 `mapstructure:"r_fuel_sensor"`
	RECUUsed    float64 `mapstructure:"r_ecu_used"`
	RFuelRate   float64 `mapstructure:"r_fuel_rate"`
}

func DefaultTuning() Tuning {
	return Tuning{
		QVolume:     0.1,
		QRate:       0.5,
		QEfficiency: 0.001,
		RFuelSensor: 25,
		RECUUsed:    0.01,
		RFuelRate:   1.0,
	}
}

// DrivingInput is the per-reading context for the physics prediction.
// Callers substitute neutral values for absent channels: speed 0, load 50,
// grade 0, ambient 70.
type DrivingInput struct {
	SpeedMPH      float64
	EngineLoadPct float64
	GradePct      float64
	AmbientTempF  float64
}

// NeutralInput is what Predict sees when a reading carries no driving
// context at all.
func NeutralInput() DrivingInput {
	return DrivingInput{SpeedMPH: 0, EngineLoadPct: 50, GradePct: 0, AmbientTempF: 70}
}

// Estimate is the filter's published output.
type Estimate struct {
	At             time.Time
	VolumeL        float64
	FuelPct        float64 // fill fraction of capacity, percent
	ConsumptionGPH float64
	UncertaintyPct float64 // sqrt(P[volume,volume]) relative to capacity
	Efficiency     float64
}

// FuelEKF tracks one truck's fuel state. Not safe for concurrent use;
// the owning coordinator serializes access.
type FuelEKF struct {
	spec   tank.Spec
	model  tank.Model
	tuning Tuning

	x *mat.VecDense // [volume_L, rate_Lph, efficiency]
	p *mat.Dense    // 3x3 covariance

	lastECUTotal     float64
	haveECUBaseline  bool
	// Volume at the previous accepted ECU update, the anchor for
	// efficiency learning.
	volumeAtLastECU  float64
	haveVolumeAnchor bool

	bootstrapped bool
	lastAt       time.Time
}

func NewFuelEKF(spec tank.Spec, model tank.Model, tuning Tuning) *FuelEKF {
	e := &FuelEKF{
		spec:   spec,
		model:  model,
		tuning: tuning,
		x:      mat.NewVecDense(3, []float64{spec.CapacityL / 2, 2.0, 1.0}),
		p:      mat.NewDense(3, 3, nil),
	}
	e.resetCovariance()
	return e
}

func (e *FuelEKF) resetCovariance() {
	sigmaV := 0.05 * e.spec.CapacityL
	e.p.Zero()
	e.p.Set(ixVolume, ixVolume, sigmaV*sigmaV)
	e.p.Set(ixRate, ixRate, 4.0)
	e.p.Set(ixEfficiency, ixEfficiency, 0.04)
}

// Bootstrapped reports whether the volume has been seeded from a real
// level reading yet.
func (e *FuelEKF) Bootstrapped() bool { return e.bootstrapped }

// Bootstrap seeds the volume from a sensor percent. Used on the first
// level reading of a fresh filter and to re-seed after a refuel, when the
// tank contents changed faster than the filter can follow.
func (e *FuelEKF) Bootstrap(sensorPct float64) {
	v := e.model.VolumeFromSensorPct(sensorPct)
	e.x.SetVec(ixVolume, v)
	sigmaV := 0.03 * e.spec.CapacityL
	e.p.Set(ixVolume, ixVolume, sigmaV*sigmaV)
	e.p.Set(ixVolume, ixRate, 0)
	e.p.Set(ixRate, ixVolume, 0)
	e.p.Set(ixVolume, ixEfficiency, 0)
	e.p.Set(ixEfficiency, ixVolume, 0)
	e.bootstrapped = true
}

func loadFactor(loadPct float64) float64 { return 1 + (loadPct-50)/100 }

func gradeFactor(gradePct float64) float64 { return 1 + 0.05*gradePct }

func tempFactor(ambientF float64) float64 { return 1 + math.Max(0, (70-ambientF)/100) }

// predictedRate is the physics consumption model in liters per hour,
// before the efficiency factor.
func predictedRate(in DrivingInput) float64 {
	return baseIdleLph +
		aeroCoef*in.SpeedMPH*in.SpeedMPH*
			loadFactor(in.EngineLoadPct)*
			gradeFactor(in.GradePct)*
			tempFactor(in.AmbientTempF)
}

const (
	baseIdleLph = 1.2
	aeroCoef    = 3e-4
)

// Predict advances the state by dtHours using the physics model. The rate
// component low-passes toward the prediction; volume integrates the rate.
func (e *FuelEKF) Predict(dtHours float64, in DrivingInput, at time.Time) {
	if dtHours <= 0 || math.IsNaN(dtHours) || math.IsInf(dtHours, 0) {
		return
	}
	pr := predictedRate(in) * e.x.AtVec(ixEfficiency)
	pr = clampF(pr, MinRateLph, MaxRateLph)

	volume := clampF(e.x.AtVec(ixVolume)-e.x.AtVec(ixRate)*dtHours, 0, e.spec.CapacityL)
	rate := clampF(0.3*pr+0.7*e.x.AtVec(ixRate), MinRateLph, MaxRateLph)
	e.x.SetVec(ixVolume, volume)
	e.x.SetVec(ixRate, rate)

	f := mat.NewDense(3, 3, []float64{
		1, -dtHours, 0,
		0, 0.7, 0,
		0, 0, 1,
	})
	var fp, fpf mat.Dense
	fp.Mul(f, e.p)
	fpf.Mul(&fp, f.T())
	fpf.Set(ixVolume, ixVolume, fpf.At(ixVolume, ixVolume)+e.tuning.QVolume)
	fpf.Set(ixRate, ixRate, fpf.At(ixRate, ixRate)+e.tuning.QRate)
	fpf.Set(ixEfficiency, ixEfficiency, fpf.At(ixEfficiency, ixEfficiency)+e.tuning.QEfficiency)
	symmetrize(&fpf)
	e.p.Copy(&fpf)
	e.lastAt = at
}

// UpdateFuelLevel applies the capacitive sender reading through the tank
// model. The Jacobian row is the tank curve's slope at the current volume.
func (e *FuelEKF) UpdateFuelLevel(sensorPct float64) error {
	if !e.bootstrapped {
		e.Bootstrap(sensorPct)
		return nil
	}
	predicted := e.model.SensorPctFromVolume(e.x.AtVec(ixVolume))
	slope := e.model.SlopePctPerLiter(e.x.AtVec(ixVolume))
	h := mat.NewVecDense(3, []float64{slope, 0, 0})
	return e.scalarUpdate(h, sensorPct-predicted, e.tuning.RFuelSensor)
}

// UpdateECUCumulative folds in the high-precision cumulative counter.
// Deltas outside (0, 50] liters mean a counter reset or corruption: the
// baseline moves to the observed value and the update is skipped.
func (e *FuelEKF) UpdateECUCumulative(totalL float64) (accepted, rebaselined bool) {
	if math.IsNaN(totalL) || math.IsInf(totalL, 0) {
		return false, false
	}
	if !e.haveECUBaseline {
		e.lastECUTotal = totalL
		e.haveECUBaseline = true
		e.volumeAtLastECU = e.x.AtVec(ixVolume)
		e.haveVolumeAnchor = true
		return false, false
	}
	delta := totalL - e.lastECUTotal
	if delta < 0 || delta > maxECUDeltaL {
		e.lastECUTotal = totalL
		e.volumeAtLastECU = e.x.AtVec(ixVolume)
		return false, true
	}
	if delta == 0 {
		return false, false
	}

	// The counter pins the volume trajectory precisely.
	e.p.Set(ixVolume, ixVolume, e.p.At(ixVolume, ixVolume)/2)

	if e.haveVolumeAnchor {
		predictedConsumption := e.volumeAtLastECU - e.x.AtVec(ixVolume)
		if predictedConsumption > 0 && delta > 0 {
			ratio := clampF(delta/predictedConsumption, MinEfficiency, MaxEfficiency)
			eff := (1-efficiencyAlpha)*e.x.AtVec(ixEfficiency) + efficiencyAlpha*ratio
			e.x.SetVec(ixEfficiency, clampF(eff, MinEfficiency, MaxEfficiency))
		}
	}
	e.lastECUTotal = totalL
	e.volumeAtLastECU = e.x.AtVec(ixVolume)
	e.haveVolumeAnchor = true
	return true, false
}

// UpdateFuelRate folds in the ECU instantaneous rate, given in gallons
// per hour. A large disagreement with the estimated rate is blended
// rather than trusted; the bool reports that mismatch so the caller can
// log it.
func (e *FuelEKF) UpdateFuelRate(rateGPH float64) (mismatch bool, err error) {
	obsLph := rateGPH * tank.LitersPerGallon
	if math.IsNaN(obsLph) || math.IsInf(obsLph, 0) {
		return false, ErrNumericalAnomaly
	}
	est := e.x.AtVec(ixRate)
	if math.Abs(est-obsLph) > rateMismatchLph {
		blended := clampF(0.9*est+0.1*obsLph, MinRateLph, MaxRateLph)
		e.x.SetVec(ixRate, blended)
		return true, nil
	}
	h := mat.NewVecDense(3, []float64{0, 1, 0})
	return false, e.scalarUpdate(h, obsLph-est, e.tuning.RFuelRate)
}

// scalarUpdate runs a standard EKF measurement update for a 1-D
// observation with Jacobian row h and noise r. The candidate state is
// validated before commit; a non-finite result leaves the filter unchanged.
func (e *FuelEKF) scalarUpdate(h *mat.VecDense, innovation, r float64) error {
	var ph mat.VecDense
	ph.MulVec(e.p, h)
	s := mat.Dot(h, &ph) + r
	if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return ErrNumericalAnomaly
	}

	var k mat.VecDense
	k.ScaleVec(1/s, &ph)

	var xNew mat.VecDense
	xNew.ScaleVec(innovation, &k)
	xNew.AddVec(e.x, &xNew)

	var kh mat.Dense
	kh.Outer(1, &k, h)
	var ikh mat.Dense
	ikh.Sub(identity3(), &kh)
	var pNew mat.Dense
	pNew.Mul(&ikh, e.p)
	symmetrize(&pNew)

	if !finiteVec(&xNew) || !finiteDense(&pNew) {
		return ErrNumericalAnomaly
	}

	e.x.SetVec(ixVolume, clampF(xNew.AtVec(ixVolume), 0, e.spec.CapacityL))
	e.x.SetVec(ixRate, clampF(xNew.AtVec(ixRate), MinRateLph, MaxRateLph))
	e.x.SetVec(ixEfficiency, clampF(xNew.AtVec(ixEfficiency), MinEfficiency, MaxEfficiency))
	e.p.Copy(&pNew)
	return nil
}

// ReanchorAfterRefuel re-seeds the volume from the post-refuel level and
// moves the efficiency-learning baseline so the liters added are not
// mistaken for consumption.
func (e *FuelEKF) ReanchorAfterRefuel(postPct float64) {
	e.Bootstrap(postPct)
	e.volumeAtLastECU = e.x.AtVec(ixVolume)
}

func (e *FuelEKF) Estimate() Estimate {
	vol := e.x.AtVec(ixVolume)
	return Estimate{
		At:             e.lastAt,
		VolumeL:        vol,
		FuelPct:        100 * vol / e.spec.CapacityL,
		ConsumptionGPH: e.x.AtVec(ixRate) / tank.LitersPerGallon,
		UncertaintyPct: math.Sqrt(math.Max(0, e.p.At(ixVolume, ixVolume))) / e.spec.CapacityL * 100,
		Efficiency:     e.x.AtVec(ixEfficiency),
	}
}

// Covariance returns a copy of P, for invariant checks and diagnostics.
func (e *FuelEKF) Covariance() *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	out.Copy(e.p)
	return out
}

// EKFState is the serializable filter state for checkpoints.
type EKFState struct {
	X                [3]float64 `yaml:"x"`
	P                [9]float64 `yaml:"p"`
	LastECUTotal     float64    `yaml:"last_ecu_total"`
	HaveECUBaseline  bool       `yaml:"have_ecu_baseline"`
	VolumeAtLastECU  float64    `yaml:"volume_at_last_ecu"`
	HaveVolumeAnchor bool       `yaml:"have_volume_anchor"`
	Bootstrapped     bool       `yaml:"bootstrapped"`
	LastAt           time.Time  `yaml:"last_at"`
}

func (e *FuelEKF) State() EKFState {
	var st EKFState
	for i := 0; i < 3; i++ {
		st.X[i] = e.x.AtVec(i)
		for j := 0; j < 3; j++ {
			st.P[i*3+j] = e.p.At(i, j)
		}
	}
	st.LastECUTotal = e.lastECUTotal
	st.HaveECUBaseline = e.haveECUBaseline
	st.VolumeAtLastECU = e.volumeAtLastECU
	st.HaveVolumeAnchor = e.haveVolumeAnchor
	st.Bootstrapped = e.bootstrapped
	st.LastAt = e.lastAt
	return st
}

func (e *FuelEKF) Restore(st EKFState) {
	for i := 0; i < 3; i++ {
		e.x.SetVec(i, st.X[i])
		for j := 0; j < 3; j++ {
			e.p.Set(i, j, st.P[i*3+j])
		}
	}
	e.lastECUTotal = st.LastECUTotal
	e.haveECUBaseline = st.HaveECUBaseline
	e.volumeAtLastECU = st.VolumeAtLastECU
	e.haveVolumeAnchor = st.HaveVolumeAnchor
	e.bootstrapped = st.Bootstrapped
	e.lastAt = st.LastAt
}

// Reset returns the filter to its freshly constructed state. Used by the
// operator reset command.
func (e *FuelEKF) Reset() {
	e.x.SetVec(ixVolume, e.spec.CapacityL/2)
	e.x.SetVec(ixRate, 2.0)
	e.x.SetVec(ixEfficiency, 1.0)
	e.resetCovariance()
	e.lastECUTotal = 0
	e.haveECUBaseline = false
	e.volumeAtLastECU = 0
	e.haveVolumeAnchor = false
	e.bootstrapped = false
	e.lastAt = time.Time{}
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

func symmetrize(p *mat.Dense) {
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			v := (p.At(i, j) + p.At(j, i)) / 2
			p.Set(i, j, v)
			p.Set(j, i, v)
		}
		if p.At(i, i) < 0 {
			p.Set(i, i, 0)
		}
	}
}

func finiteVec(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		if math.IsNaN(v.AtVec(i)) || math.IsInf(v.AtVec(i), 0) {
			return false
		}
	}
	return true
}

func finiteDense(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.IsNaN(m.At(i, j)) || math.IsInf(m.At(i, j), 0) {
				return false
			}
		}
	}
	return true
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
