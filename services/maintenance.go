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
	"sync"
	"time"

	"github.com/fleetbeacon/fuelcore/bus"
	"github.com/fleetbeacon/fuelcore/estimator"
	"github.com/fleetbeacon/fuelcore/internal/logs"
	"github.com/fleetbeacon/fuelcore/internal/ring"
)

// maintBaselineSamples bounds the rolling consumption baseline.
const maintBaselineSamples = 20

type maintTruck struct {
	baseline *ring.Ring[float64]

	effBelowSince time.Time
	effFired      bool

	consAboveSince time.Time
	consFired      bool
}

// MaintenanceService watches for wear signatures that are not operational
// anomalies: consumption sustained above the truck's own baseline, and the
// learned efficiency factor drifting under the configured floor. Both
// conditions must hold for the full efficiency window before a hint fires,
// and each continuous excursion fires exactly once.
type MaintenanceService struct {
	bus     *bus.Bus
	logger  logs.StructuredLogger
	runtime func() *estimator.Runtime

	mu     sync.Mutex
	trucks map[string]*maintTruck
}

func newMaintenanceService(b *bus.Bus, logger logs.StructuredLogger, runtime func() *estimator.Runtime) *MaintenanceService {
	s := &MaintenanceService{
		bus:     b,
		logger:  logger,
		runtime: runtime,
		trucks:  map[string]*maintTruck{},
	}
	b.Subscribe(bus.TopicFuelLevelChange, "maintenance", s.onFuelLevelChange)
	return s
}

func (s *MaintenanceService) onFuelLevelChange(ev bus.Event) error {
	change, ok := ev.(bus.FuelLevelChange)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev, ev.Topic())
	}
	th := s.runtime().Thresholds
	window := th.EfficiencyWindow()

	var hints []bus.MaintenanceHint
	s.mu.Lock()
	t, found := s.trucks[change.TruckID]
	if !found {
		t = &maintTruck{baseline: ring.New[float64](maintBaselineSamples)}
		s.trucks[change.TruckID] = t
	}

	// Sustained consumption against the truck's own rolling mean.
	if t.baseline.Len() >= spikeMinSamples {
		mean := meanOf(t.baseline.Values())
		if mean > 0 && change.ConsumptionGPH > th.HighConsumptionRatio*mean {
			if t.consAboveSince.IsZero() {
				t.consAboveSince = change.At
			}
			if !t.consFired && change.At.Sub(t.consAboveSince) >= window {
				t.consFired = true
				hints = append(hints, bus.MaintenanceHint{
					TruckID:   change.TruckID,
					At:        change.At,
					Reason:    "sustained_consumption",
					Metric:    "consumption_gph",
					Value:     change.ConsumptionGPH,
					Threshold: th.HighConsumptionRatio * mean,
					Message: fmt.Sprintf("consumption held at %.1f gph, %.1fx the truck's %.1f gph baseline, for %s",
						change.ConsumptionGPH, th.HighConsumptionRatio, mean, window),
				})
			}
		} else {
			t.consAboveSince = time.Time{}
			t.consFired = false
		}
	}
	t.baseline.Push(change.ConsumptionGPH)

	// Efficiency factor drifting under the floor.
	if change.Efficiency > 0 && change.Efficiency < th.EfficiencyMin {
		if t.effBelowSince.IsZero() {
			t.effBelowSince = change.At
		}
		if !t.effFired && change.At.Sub(t.effBelowSince) >= window {
			t.effFired = true
			hints = append(hints, bus.MaintenanceHint{
				TruckID:   change.TruckID,
				At:        change.At,
				Reason:    "efficiency_drift",
				Metric:    "efficiency",
				Value:     change.Efficiency,
				Threshold: th.EfficiencyMin,
				Message: fmt.Sprintf("efficiency factor %.2f has sat under %.2f for %s; check injectors and sensor calibration",
					change.Efficiency, th.EfficiencyMin, window),
			})
		}
	} else {
		t.effBelowSince = time.Time{}
		t.effFired = false
	}
	s.mu.Unlock()

	for _, h := range hints {
		s.logger.Infof("truck %s: maintenance hint (%s): %s", h.TruckID, h.Reason, h.Message)
		s.bus.Publish(h)
	}
	return nil
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
