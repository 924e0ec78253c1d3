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

package estimator

import (
	"math"
	"time"

	"github.com/fleetbeacon/fuelcore/estimator/tank"
)

// simpleEstimator is the fallback estimation core selected by
// estimator_mode "simple". It exponentially smooths the raw level sensor
// and derives consumption from ECU counter deltas when available, level
// deltas otherwise. No filters, no fusion, flat confidence.
type simpleEstimator struct {
	spec tank.Spec

	havePct bool
	pct     float64
	gph     float64

	haveLevel bool
	lastPct   float64
	lastAt    time.Time

	haveECU bool
	ecuL    float64
	ecuAt   time.Time
}

const simpleAlpha = 0.3

func newSimpleEstimator(spec tank.Spec) *simpleEstimator {
	return &simpleEstimator{spec: spec}
}

func (s *simpleEstimator) Observe(r Reading) {
	if r.FuelLevelPct != nil {
		pct := *r.FuelLevelPct
		if pct >= 0 && pct <= 100 && !math.IsNaN(pct) {
			if !s.havePct {
				s.pct = pct
				s.havePct = true
			} else {
				s.pct = simpleAlpha*pct + (1-simpleAlpha)*s.pct
			}
			if s.haveLevel && !s.haveECU {
				dt := r.At.Sub(s.lastAt).Hours()
				drop := s.lastPct - pct
				if dt > 0 && drop > 0 {
					lph := drop / 100 * s.spec.CapacityL / dt
					s.observeRate(lph / tank.LitersPerGallon)
				}
			}
			s.lastPct = pct
			s.lastAt = r.At
			s.haveLevel = true
		}
	}
	if r.ECUTotalFuelL != nil {
		total := *r.ECUTotalFuelL
		if !math.IsNaN(total) && !math.IsInf(total, 0) {
			if s.haveECU {
				dt := r.At.Sub(s.ecuAt).Hours()
				delta := total - s.ecuL
				if dt > 0 && delta > 0 && delta <= 50 {
					s.observeRate(delta / dt / tank.LitersPerGallon)
				}
			}
			s.ecuL = total
			s.ecuAt = r.At
			s.haveECU = true
		}
	}
}

func (s *simpleEstimator) observeRate(gph float64) {
	if s.gph == 0 {
		s.gph = gph
		return
	}
	s.gph = simpleAlpha*gph + (1-simpleAlpha)*s.gph
}

// Estimate reports the smoothed level. ok is false until the first valid
// level sample arrives.
func (s *simpleEstimator) Estimate() (pct, volumeL, gph float64, ok bool) {
	if !s.havePct {
		return 0, 0, 0, false
	}
	return s.pct, s.pct / 100 * s.spec.CapacityL, s.gph, true
}

func (s *simpleEstimator) Reset() {
	spec := s.spec
	*s = simpleEstimator{spec: spec}
}

func (s *simpleEstimator) Clone() *simpleEstimator {
	c := *s
	return &c
}

// SimpleState is the serializable form of the fallback estimator.
type SimpleState struct {
	HavePct   bool      `yaml:"have_pct"`
	Pct       float64   `yaml:"pct"`
	GPH       float64   `yaml:"gph"`
	HaveLevel bool      `yaml:"have_level"`
	LastPct   float64   `yaml:"last_pct"`
	LastAt    time.Time `yaml:"last_at"`
	HaveECU   bool      `yaml:"have_ecu"`
	ECUL      float64   `yaml:"ecu_l"`
	ECUAt     time.Time `yaml:"ecu_at"`
}

func (s *simpleEstimator) State() SimpleState {
	return SimpleState{
		HavePct:   s.havePct,
		Pct:       s.pct,
		GPH:       s.gph,
		HaveLevel: s.haveLevel,
		LastPct:   s.lastPct,
		LastAt:    s.lastAt,
		HaveECU:   s.haveECU,
		ECUL:      s.ecuL,
		ECUAt:     s.ecuAt,
	}
}

func (s *simpleEstimator) Restore(st SimpleState) {
	s.havePct = st.HavePct
	s.pct = st.Pct
	s.gph = st.GPH
	s.haveLevel = st.HaveLevel
	s.lastPct = st.LastPct
	s.lastAt = st.LastAt
	s.haveECU = st.HaveECU
	s.ecuL = st.ECUL
	s.ecuAt = st.ECUAt
}
