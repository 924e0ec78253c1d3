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

package kalman

import (
	"math"
	"time"

	"github.com/fleetbeacon/fuelcore/internal/ring"
)

// IdleSource labels which channel moved the idle estimate last.
type IdleSource string

const (
	SourceNone        IdleSource = "NONE"
	SourceECUCounter  IdleSource = "ECU_COUNTER"
	SourceFuelRate    IdleSource = "FUEL_RATE"
	SourceFuelDelta   IdleSource = "FUEL_DELTA"
	SourceRPMModel    IdleSource = "RPM_MODEL"
	SourceMultiSensor IdleSource = "MULTI_SENSOR"
)

// Base measurement noise per channel, ordered most to least trustworthy.
const (
	rIdleECUCounter = 0.05
	rIdleFuelRate   = 0.15
	rIdleFuelDelta  = 0.25
	rIdleRPMModel   = 0.35

	idleProcessNoise = 0.01 // per hour

	// Adaptive-R window shape: the short window is compared against the
	// whole retained history once enough innovations exist.
	adaptiveRecentWindow = 4
	adaptiveMinSamples   = 8
	adaptiveFloor        = 0.5
	adaptiveCeil         = 5.0

	innovationHistoryCap = 100
)

// IdleEstimate is the filter's published output.
type IdleEstimate struct {
	IdleGPH       float64
	ConfidencePct float64
	Source        IdleSource
	SamplesUsed   int
}

// IdleFilter is a scalar Kalman filter over idle burn rate in gallons per
// hour. Measurement noise adapts to recent innovation variance, so a
// single outlier in an otherwise clean stream barely moves the estimate.
// Not safe for concurrent use; the owning coordinator serializes access.
type IdleFilter struct {
	x           float64
	variance    float64
	initialized bool

	innovations *ring.Ring[float64]
	samplesUsed int

	lastECUIdleGal  float64
	haveECUBaseline bool
	lastECUIdleAt   time.Time

	// Channels that contributed during the current reading cycle.
	cycleSources []IdleSource
	lastSource   IdleSource
}

func NewIdleFilter() *IdleFilter {
	return &IdleFilter{
		variance:    1.0,
		innovations: ring.New[float64](innovationHistoryCap),
		lastSource:  SourceNone,
	}
}

// Predict grows the variance with elapsed time. Runs on every reading,
// idle or not; measurements only land while the truck is idle.
func (f *IdleFilter) Predict(dtHours float64) {
	if dtHours <= 0 || math.IsNaN(dtHours) || math.IsInf(dtHours, 0) {
		return
	}
	f.variance += idleProcessNoise * dtHours
}

// StartCycle marks the beginning of one reading's worth of updates, so
// the output source can distinguish single- from multi-sensor evidence.
func (f *IdleFilter) StartCycle() {
	f.cycleSources = f.cycleSources[:0]
}

// UpdateECUIdleCounter consumes the cumulative idle-fuel counter. A
// negative delta re-baselines (counter reset) and reports it.
func (f *IdleFilter) UpdateECUIdleCounter(totalGal float64, at time.Time) (accepted, rebaselined bool) {
	if math.IsNaN(totalGal) || math.IsInf(totalGal, 0) {
		return false, false
	}
	if !f.haveECUBaseline {
		f.lastECUIdleGal = totalGal
		f.lastECUIdleAt = at
		f.haveECUBaseline = true
		return false, false
	}
	delta := totalGal - f.lastECUIdleGal
	hours := at.Sub(f.lastECUIdleAt).Hours()
	if delta < 0 {
		f.lastECUIdleGal = totalGal
		f.lastECUIdleAt = at
		return false, true
	}
	if hours <= 0 {
		return false, false
	}
	f.lastECUIdleGal = totalGal
	f.lastECUIdleAt = at
	f.update(delta/hours, rIdleECUCounter, SourceECUCounter)
	return true, false
}

// UpdateFuelRate consumes the ECU instantaneous rate while idling.
func (f *IdleFilter) UpdateFuelRate(gph float64) bool {
	if math.IsNaN(gph) || math.IsInf(gph, 0) || gph < 0 || gph > 50 {
		return false
	}
	f.update(gph, rIdleFuelRate, SourceFuelRate)
	return true
}

// UpdateFuelDelta consumes a burn rate derived from the fused level drop.
// The channel's noise scales inversely with the supplied confidence.
func (f *IdleFilter) UpdateFuelDelta(gph, confidence float64) bool {
	if math.IsNaN(gph) || math.IsInf(gph, 0) || gph < 0 || gph > 50 {
		return false
	}
	conf := clampF(confidence, 0.1, 1.0)
	f.update(gph, rIdleFuelDelta/conf, SourceFuelDelta)
	return true
}

// UpdateRPMModel consumes the physics fallback built from engine state.
func (f *IdleFilter) UpdateRPMModel(rpm, loadPct, ambientF float64) bool {
	if math.IsNaN(rpm) || rpm < 0 {
		return false
	}
	m := (0.4 + rpm/1000*0.3 + loadPct/100*0.5) * tempFactor(ambientF)
	f.update(m, rIdleRPMModel, SourceRPMModel)
	return true
}

func (f *IdleFilter) update(measurement, rBase float64, src IdleSource) {
	if !f.initialized {
		f.x = measurement
		f.initialized = true
	}
	innovation := measurement - f.x
	f.innovations.Push(innovation)

	r := rBase * f.adaptiveFactor()
	gain := f.variance / (f.variance + r)
	f.x += gain * innovation
	if f.x < 0 {
		f.x = 0
	}
	f.variance = (1 - gain) * f.variance
	if f.variance < 0 {
		f.variance = 0
	}
	f.samplesUsed++
	f.cycleSources = append(f.cycleSources, src)
	f.lastSource = src
	if len(f.cycleSources) > 1 {
		f.lastSource = SourceMultiSensor
	}
}

// adaptiveFactor compares the variance of the newest innovations against
// the whole retained history. A fresh outlier inflates the short window
// first, pushing R up before the estimate can chase it.
func (f *IdleFilter) adaptiveFactor() float64 {
	if f.innovations.Len() < adaptiveMinSamples {
		return 1
	}
	base := varianceOf(f.innovations.Values())
	if base < 1e-9 {
		return 1
	}
	recent := varianceOf(f.innovations.Last(adaptiveRecentWindow))
	return clampF(recent/base, adaptiveFloor, adaptiveCeil)
}

func varianceOf(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var mean float64
	for _, v := range vs {
		mean += v
	}
	mean /= float64(len(vs))
	var sum float64
	for _, v := range vs {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(vs))
}

func (f *IdleFilter) Estimate() IdleEstimate {
	return IdleEstimate{
		IdleGPH:       f.x,
		ConfidencePct: clampF((1-f.variance)*100, 0, 100),
		Source:        f.lastSource,
		SamplesUsed:   f.samplesUsed,
	}
}

// IdleState is the serializable filter state for checkpoints.
type IdleState struct {
	X               float64    `yaml:"x"`
	Variance        float64    `yaml:"variance"`
	Initialized     bool       `yaml:"initialized"`
	Innovations     []float64  `yaml:"innovations"`
	SamplesUsed     int        `yaml:"samples_used"`
	LastECUIdleGal  float64    `yaml:"last_ecu_idle_gal"`
	HaveECUBaseline bool       `yaml:"have_ecu_baseline"`
	LastECUIdleAt   time.Time  `yaml:"last_ecu_idle_at"`
	LastSource      IdleSource `yaml:"last_source"`
}

func (f *IdleFilter) State() IdleState {
	return IdleState{
		X:               f.x,
		Variance:        f.variance,
		Initialized:     f.initialized,
		Innovations:     f.innovations.Values(),
		SamplesUsed:     f.samplesUsed,
		LastECUIdleGal:  f.lastECUIdleGal,
		HaveECUBaseline: f.haveECUBaseline,
		LastECUIdleAt:   f.lastECUIdleAt,
		LastSource:      f.lastSource,
	}
}

func (f *IdleFilter) Restore(st IdleState) {
	f.x = st.X
	f.variance = st.Variance
	f.initialized = st.Initialized
	f.innovations.Clear()
	for _, v := range st.Innovations {
		f.innovations.Push(v)
	}
	f.samplesUsed = st.SamplesUsed
	f.lastECUIdleGal = st.LastECUIdleGal
	f.haveECUBaseline = st.HaveECUBaseline
	f.lastECUIdleAt = st.LastECUIdleAt
	f.lastSource = st.LastSource
}

// Reset returns the filter to its initial state.
func (f *IdleFilter) Reset() {
	f.x = 0
	f.variance = 1.0
	f.initialized = false
	f.innovations.Clear()
	f.samplesUsed = 0
	f.lastECUIdleGal = 0
	f.haveECUBaseline = false
	f.lastECUIdleAt = time.Time{}
	f.cycleSources = nil
	f.lastSource = SourceNone
}
