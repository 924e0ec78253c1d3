// Copyright 2024 FleetBeacon LLC
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

// Package fusion combines the truck's fuel sensor channels into one
// level-and-rate estimate. Each channel keeps a bounded history with
// per-sample validity; a fusion call weighs whatever channels currently
// have something credible to say and never fails; with nothing valid it
// hands back the previous estimate at floor confidence.
package fusion

import (
	"math"
	"sort"
	"time"

	"github.com/fleetbeacon/fuelcore/internal/ring"
)

// Channel names one fuel-related sensor stream.
type Channel string

const (
	FuelLevel   Channel = "fuel_level"
	ECUFuelUsed Channel = "ecu_fuel_used"
	ECUFuelRate Channel = "ecu_fuel_rate"
)

// FlagHighVariance marks an estimate whose contributing channels disagree
// beyond the consistency threshold. FlagNoEstimates marks a fusion call
// that had no valid channel at all.
const (
	FlagHighVariance = "high_variance"
	FlagNoEstimates  = "no_estimates"
)

const litersPerGallon = 3.78541

// Limits is one channel's validation envelope.
type Limits struct {
	Min float64
	Max float64
	// MaxRatePerMin bounds change per minute against the previous valid
	// sample. Zero disables the rate-of-change check.
	MaxRatePerMin float64
}

type Config struct {
	CapacityL float64
	// HistoryWindow is the per-channel ring capacity.
	HistoryWindow int
	BaseWeights   map[Channel]float64
	Limits        map[Channel]Limits
	// VarianceThresholdPct2 trips weight halving and the high_variance
	// flag when the spread of contributing estimates exceeds it.
	VarianceThresholdPct2 float64
	// DivergencePct flags a single channel that strays this far from the
	// fused value.
	DivergencePct float64
	// LevelEWMASamples is how many of the newest valid fuel_level samples
	// feed the exponentially weighted mean.
	LevelEWMASamples int
}

// DefaultConfig returns the stock tuning for a tank of the given capacity.
func DefaultConfig(capacityL float64) Config {
	return Config{
		CapacityL:     capacityL,
		HistoryWindow: 20,
		BaseWeights: map[Channel]float64{
			FuelLevel:   0.4,
			ECUFuelUsed: 0.8,
			ECUFuelRate: 0.3,
		},
		Limits: map[Channel]Limits{
			FuelLevel:   {Min: 0, Max: 100, MaxRatePerMin: 2},
			ECUFuelUsed: {Min: 0, Max: 1e9, MaxRatePerMin: 5},
			ECUFuelRate: {Min: 0, Max: 50},
		},
		VarianceThresholdPct2: 100,
		DivergencePct:         10,
		LevelEWMASamples:      5,
	}
}

// Sample is one observation on one channel. Invalid samples stay in the
// history for diagnosis but are excluded from fusion.
type Sample struct {
	At    time.Time `yaml:"at"`
	Value float64   `yaml:"value"`
	Valid bool      `yaml:"valid"`
}

// Estimate is the fused output. Weights holds the effective per-channel
// weights used; Flagged lists channels (or markers) that looked wrong.
type Estimate struct {
	At             time.Time
	FuelPct        float64
	FuelL          float64
	ConsumptionGPH float64
	Confidence     float64
	Weights        map[Channel]float64
	Flagged        []string
	NoEstimates    bool
}

type Engine struct {
	cfg       Config
	hist      map[Channel]*ring.Ring[Sample]
	lastValid map[Channel]Sample

	// Reference anchor for translating the ECU cumulative counter into a
	// level: at refECU liters consumed the level was refPct.
	refPct  float64
	refECU  float64
	haveRef bool

	prev     Estimate
	havePrev bool
}

func New(cfg Config) *Engine {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	if cfg.LevelEWMASamples <= 0 {
		cfg.LevelEWMASamples = 5
	}
	e := &Engine{
		cfg:       cfg,
		hist:      map[Channel]*ring.Ring[Sample]{},
		lastValid: map[Channel]Sample{},
	}
	for ch := range cfg.Limits {
		e.hist[ch] = ring.New[Sample](cfg.HistoryWindow)
	}
	return e
}

// Observe validates and records one channel sample, reporting whether it
// passed. Samples must arrive in non-decreasing time order per channel;
// the coordinator's ordering rules guarantee that.
func (e *Engine) Observe(ch Channel, at time.Time, value float64) bool {
	lim, configured := e.cfg.Limits[ch]
	if !configured {
		return false
	}
	valid := !math.IsNaN(value) && !math.IsInf(value, 0) &&
		value >= lim.Min && value <= lim.Max
	if valid && lim.MaxRatePerMin > 0 {
		if prev, ok := e.lastValid[ch]; ok {
			mins := at.Sub(prev.At).Minutes()
			if mins > 0 && math.Abs(value-prev.Value) > lim.MaxRatePerMin*mins {
				valid = false
			}
		}
	}
	s := Sample{At: at, Value: value, Valid: valid}
	e.hist[ch].Push(s)
	if valid {
		e.lastValid[ch] = s
	}
	return valid
}

// SetReference anchors the ECU cumulative counter to a known level so the
// counter can imply levels going forward. Called at bootstrap and after
// every refuel.
func (e *Engine) SetReference(fuelPct, ecuTotalL float64) {
	e.refPct = fuelPct
	e.refECU = ecuTotalL
	e.haveRef = true
}

// ResetChannel clears a channel's validity baseline and seeds it with the
// given sample. Used after a refuel, when the level legitimately steps
// outside the rate-of-change budget.
func (e *Engine) ResetChannel(ch Channel, at time.Time, value float64) {
	if _, configured := e.cfg.Limits[ch]; !configured {
		return
	}
	s := Sample{At: at, Value: value, Valid: true}
	e.lastValid[ch] = s
	e.hist[ch].Clear()
	e.hist[ch].Push(s)
}

// History returns the retained samples for a channel, oldest first.
func (e *Engine) History(ch Channel) []Sample {
	r, ok := e.hist[ch]
	if !ok {
		return nil
	}
	return r.Values()
}

type channelEstimate struct {
	ch  Channel
	pct float64
}

// Estimate fuses everything currently credible into one level estimate.
// Never fails: with zero contributing channels it returns the previous
// estimate at floor confidence with the no-estimates flag set.
func (e *Engine) Estimate(at time.Time) Estimate {
	var contributions []channelEstimate
	var rates []float64 // gph

	if pct, ok := e.levelEstimate(); ok {
		contributions = append(contributions, channelEstimate{FuelLevel, pct})
	}
	if rateLph, impliedPct, haveRate, havePct := e.ecuUsedEstimate(); haveRate || havePct {
		if haveRate {
			rates = append(rates, rateLph/litersPerGallon)
		}
		if havePct {
			contributions = append(contributions, channelEstimate{ECUFuelUsed, impliedPct})
		}
	}
	if rateGph, impliedPct, havePct, ok := e.ecuRateEstimate(at); ok {
		rates = append(rates, rateGph)
		if havePct {
			contributions = append(contributions, channelEstimate{ECUFuelRate, impliedPct})
		}
	}

	out := Estimate{At: at, Weights: map[Channel]float64{}}

	if len(contributions) == 0 {
		out = e.prev
		out.At = at
		out.Weights = map[Channel]float64{}
		out.Confidence = 0.3
		out.NoEstimates = true
		out.Flagged = []string{FlagNoEstimates}
		e.prev = out
		e.havePrev = true
		return out
	}

	variance := pctVariance(contributions)
	highVariance := variance > e.cfg.VarianceThresholdPct2

	var sumW, sumWV float64
	for _, c := range contributions {
		w := e.cfg.BaseWeights[c.ch]
		if w == 0 {
			w = 0.1
		}
		if highVariance {
			w /= 2
		}
		out.Weights[c.ch] = w
		sumW += w
		sumWV += w * c.pct
	}
	fused := sumWV / sumW
	out.FuelPct = clampPct(fused)
	out.FuelL = out.FuelPct / 100 * e.cfg.CapacityL

	if len(rates) > 0 {
		var s float64
		for _, r := range rates {
			s += r
		}
		out.ConsumptionGPH = s / float64(len(rates))
	} else if e.havePrev {
		out.ConsumptionGPH = e.prev.ConsumptionGPH
	}

	configured := len(e.cfg.Limits)
	if configured > 0 {
		out.Confidence = float64(len(contributions)) / float64(configured)
	}

	var flagged []string
	if highVariance {
		flagged = append(flagged, FlagHighVariance)
	}
	for _, c := range contributions {
		if math.Abs(c.pct-fused) > e.cfg.DivergencePct {
			flagged = append(flagged, string(c.ch))
		}
	}
	sort.Strings(flagged)
	out.Flagged = flagged

	e.prev = out
	e.havePrev = true
	return out
}

// levelEstimate is the exponentially weighted mean of the newest valid
// fuel_level samples, newest weighted highest (ratio 0.5 per step back).
func (e *Engine) levelEstimate() (float64, bool) {
	r, ok := e.hist[FuelLevel]
	if !ok {
		return 0, false
	}
	var recent []Sample
	all := r.Values()
	for i := len(all) - 1; i >= 0 && len(recent) < e.cfg.LevelEWMASamples; i-- {
		if all[i].Valid {
			recent = append(recent, all[i]) // newest first
		}
	}
	if len(recent) == 0 {
		return 0, false
	}
	var sumW, sumWV float64
	w := 1.0
	for _, s := range recent {
		sumW += w
		sumWV += w * s.Value
		w *= 0.5
	}
	return sumWV / sumW, true
}

// ecuUsedEstimate derives a burn rate from the cumulative counter across
// the retained window and, when a reference anchor exists, the level that
// counter implies. A single sample anchors a level but carries no rate.
func (e *Engine) ecuUsedEstimate() (rateLph, impliedPct float64, haveRate, havePct bool) {
	r, hasRing := e.hist[ECUFuelUsed]
	if !hasRing {
		return 0, 0, false, false
	}
	var first, last *Sample
	for _, s := range r.Values() {
		s := s
		if !s.Valid {
			continue
		}
		if first == nil {
			first = &s
		}
		last = &s
	}
	if last == nil {
		return 0, 0, false, false
	}
	if first != last {
		hours := last.At.Sub(first.At).Hours()
		delta := last.Value - first.Value
		if hours > 0 && delta >= 0 {
			rateLph = delta / hours
			haveRate = true
		}
	}
	if e.haveRef && e.cfg.CapacityL > 0 {
		burned := last.Value - e.refECU
		impliedPct = clampPct(e.refPct - burned/e.cfg.CapacityL*100)
		havePct = true
	}
	return rateLph, impliedPct, haveRate, havePct
}

// ecuRateEstimate averages the valid instantaneous-rate window and, when
// a previous fused estimate exists, projects the level it implies now.
func (e *Engine) ecuRateEstimate(at time.Time) (rateGph, impliedPct float64, havePct, ok bool) {
	r, hasRing := e.hist[ECUFuelRate]
	if !hasRing {
		return 0, 0, false, false
	}
	var sum float64
	var n int
	for _, s := range r.Values() {
		if s.Valid {
			sum += s.Value
			n++
		}
	}
	if n == 0 {
		return 0, 0, false, false
	}
	rateGph = sum / float64(n)
	if e.havePrev && e.cfg.CapacityL > 0 {
		hours := at.Sub(e.prev.At).Hours()
		if hours >= 0 {
			burnedL := rateGph * litersPerGallon * hours
			impliedPct = clampPct(e.prev.FuelPct - burnedL/e.cfg.CapacityL*100)
			havePct = true
		}
	}
	return rateGph, impliedPct, havePct, true
}

func pctVariance(cs []channelEstimate) float64 {
	if len(cs) < 2 {
		return 0
	}
	var mean float64
	for _, c := range cs {
		mean += c.pct
	}
	mean /= float64(len(cs))
	var v float64
	for _, c := range cs {
		d := c.pct - mean
		v += d * d
	}
	return v / float64(len(cs))
}

func clampPct(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// State is the engine's complete serializable state for checkpointing.
type State struct {
	Samples   map[Channel][]Sample `yaml:"samples"`
	LastValid map[Channel]Sample   `yaml:"last_valid"`
	RefPct    float64              `yaml:"ref_pct"`
	RefECU    float64              `yaml:"ref_ecu"`
	HaveRef   bool                 `yaml:"have_ref"`
	PrevPct   float64              `yaml:"prev_pct"`
	PrevGPH   float64              `yaml:"prev_gph"`
	PrevAt    time.Time            `yaml:"prev_at"`
	HavePrev  bool                 `yaml:"have_prev"`
}

func (e *Engine) State() State {
	st := State{
		Samples:   map[Channel][]Sample{},
		LastValid: map[Channel]Sample{},
		RefPct:    e.refPct,
		RefECU:    e.refECU,
		HaveRef:   e.haveRef,
		PrevPct:   e.prev.FuelPct,
		PrevGPH:   e.prev.ConsumptionGPH,
		PrevAt:    e.prev.At,
		HavePrev:  e.havePrev,
	}
	for ch, r := range e.hist {
		st.Samples[ch] = r.Values()
	}
	for ch, s := range e.lastValid {
		st.LastValid[ch] = s
	}
	return st
}

func (e *Engine) Restore(st State) {
	for ch, r := range e.hist {
		r.Clear()
		for _, s := range st.Samples[ch] {
			r.Push(s)
		}
	}
	e.lastValid = map[Channel]Sample{}
	for ch, s := range st.LastValid {
		e.lastValid[ch] = s
	}
	e.refPct = st.RefPct
	e.refECU = st.RefECU
	e.haveRef = st.HaveRef
	e.prev = Estimate{At: st.PrevAt, FuelPct: st.PrevPct, FuelL: st.PrevPct / 100 * e.cfg.CapacityL, ConsumptionGPH: st.PrevGPH}
	e.havePrev = st.HavePrev
}
