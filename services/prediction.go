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

package services

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fleetbeacon/fuelcore/bus"
	"github.com/fleetbeacon/fuelcore/internal/logs"
	"github.com/fleetbeacon/fuelcore/internal/ring"
)

// predictionHistory bounds the per-truck level window the forecaster sees.
const predictionHistory = 48

// DefaultHorizons are the operator-facing forecast points.
var DefaultHorizons = []time.Duration{
	1 * time.Hour,
	4 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
}

// Sample is one point of the level history a Forecaster consumes.
type Sample struct {
	At      time.Time
	FuelPct float64
}

// Forecast is the fuel outlook at one horizon. Low and High bound the
// central estimate at 95% under the model's error assumptions.
type Forecast struct {
	Horizon time.Duration `json:"horizon"`
	FuelPct float64       `json:"fuel_pct"`
	LowPct  float64       `json:"low_pct"`
	HighPct float64       `json:"high_pct"`
}

// Forecaster turns recent history into level forecasts. Implementations
// must be deterministic for a given history; a learned backend plugs in
// here, the bundled model is the linear trend.
type Forecaster interface {
	Forecast(history []Sample, horizons []time.Duration) []Forecast
}

// linearTrend fits ordinary least squares over the window and projects
// it forward with a ±1.96σ residual band.
type linearTrend struct{}

func (linearTrend) Forecast(history []Sample, horizons []time.Duration) []Forecast {
	out := make([]Forecast, 0, len(horizons))
	if len(history) == 0 {
		return out
	}
	if len(history) == 1 {
		// One point carries no trend; forecast flat with a vacuous band.
		for _, h := range horizons {
			out = append(out, Forecast{Horizon: h, FuelPct: clampPct(history[0].FuelPct), LowPct: 0, HighPct: 100})
		}
		return out
	}

	t0 := history[0].At
	n := float64(len(history))
	var sx, sy, sxx, sxy float64
	for _, s := range history {
		x := s.At.Sub(t0).Hours()
		sx += x
		sy += s.FuelPct
		sxx += x * x
		sxy += x * s.FuelPct
	}
	den := n*sxx - sx*sx
	slope := 0.0
	if den > 1e-12 {
		slope = (n*sxy - sx*sy) / den
	}
	intercept := (sy - slope*sx) / n

	sigma := 0.0
	if len(history) > 2 {
		var ss float64
		for _, s := range history {
			r := s.FuelPct - (intercept + slope*s.At.Sub(t0).Hours())
			ss += r * r
		}
		sigma = math.Sqrt(ss / (n - 2))
	}

	last := history[len(history)-1].At.Sub(t0).Hours()
	for _, h := range horizons {
		pred := intercept + slope*(last+h.Hours())
		band := 1.96 * sigma
		out = append(out, Forecast{
			Horizon: h,
			FuelPct: clampPct(pred),
			LowPct:  clampPct(pred - band),
			HighPct: clampPct(pred + band),
		})
	}
	return out
}

func clampPct(v float64) float64 { return clampRange(v, 0, 100) }

// PredictionService retains a bounded level window per truck and answers
// pull-side forecast queries. It publishes nothing; the admin surface and
// tests are its consumers.
type PredictionService struct {
	logger logs.StructuredLogger
	model  Forecaster

	mu     sync.Mutex
	trucks map[string]*ring.Ring[Sample]
}

func newPredictionService(b *bus.Bus, logger logs.StructuredLogger, model Forecaster) *PredictionService {
	if model == nil {
		model = linearTrend{}
	}
	s := &PredictionService{
		logger: logger,
		model:  model,
		trucks: map[string]*ring.Ring[Sample]{},
	}
	b.Subscribe(bus.TopicFuelLevelChange, "prediction", s.onFuelLevelChange)
	return s
}

func (s *PredictionService) onFuelLevelChange(ev bus.Event) error {
	change, ok := ev.(bus.FuelLevelChange)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev, ev.Topic())
	}
	// Unanchored estimates carry no confidence and would poison the trend.
	if change.Confidence <= 0 {
		return nil
	}
	s.mu.Lock()
	r, found := s.trucks[change.TruckID]
	if !found {
		r = ring.New[Sample](predictionHistory)
		s.trucks[change.TruckID] = r
	}
	r.Push(Sample{At: change.At, FuelPct: change.FuelPct})
	s.mu.Unlock()
	return nil
}

// Outlook forecasts the truck's level at the default horizons from its
// retained window.
func (s *PredictionService) Outlook(truckID string) ([]Forecast, error) {
	return s.OutlookAt(truckID, DefaultHorizons)
}

// OutlookAt forecasts at caller-chosen horizons.
func (s *PredictionService) OutlookAt(truckID string, horizons []time.Duration) ([]Forecast, error) {
	s.mu.Lock()
	r, found := s.trucks[truckID]
	var history []Sample
	if found {
		history = r.Values()
	}
	s.mu.Unlock()

	if len(history) == 0 {
		return nil, fmt.Errorf("no level history for truck %q", truckID)
	}
	return s.model.Forecast(history, horizons), nil
}
