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
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/fleetbeacon/fuelcore/bus"
	"github.com/fleetbeacon/fuelcore/estimator"
	"github.com/fleetbeacon/fuelcore/estimator/tank"
)

// parkedBurn builds an engine-off, stationary sample losing fuel well past
// twice the idle ceiling.
func parkedBurn(at time.Time, mutate func(*bus.FuelLevelChange)) bus.FuelLevelChange {
	return flc(at, func(e *bus.FuelLevelChange) {
		e.Activity = string(estimator.ActivityEngineOff)
		e.SpeedMPH = pf(0)
		e.RPM = pf(0)
		e.ConsumptionGPH = 7.9
		if mutate != nil {
			mutate(e)
		}
	})
}

func TestSiphoningFiresOncePerEpisode(t *testing.T) {
	_, b, log := newTestRegistry(t, nil, Options{})

	for i := 0; i < 6; i++ {
		b.Publish(parkedBurn(testStart.Add(time.Duration(i)*time.Minute), nil))
	}

	got := log.anomalies(bus.KindSiphoning)
	assert.Equal(t, len(got), 1)
	assert.Equal(t, got[0].Severity, bus.SeverityCritical)
	assert.Equal(t, got[0].Confidence, 0.9)
	assert.Equal(t, got[0].At, testStart.Add(2*time.Minute))
	assert.Equal(t, got[0].Metadata["streak"], 3.0)

	// Driving closes the episode; parking again re-arms the rule.
	b.Publish(flc(testStart.Add(10*time.Minute), func(e *bus.FuelLevelChange) { e.SpeedMPH = pf(45) }))
	for i := 11; i < 15; i++ {
		b.Publish(parkedBurn(testStart.Add(time.Duration(i)*time.Minute), nil))
	}
	assert.Equal(t, len(log.anomalies(bus.KindSiphoning)), 2)
}

func TestSiphoningIgnoresBurnWithinIdleCeiling(t *testing.T) {
	_, b, log := newTestRegistry(t, nil, Options{})

	// 1.5 gph is under twice the 1.0 gph idle ceiling.
	for i := 0; i < 6; i++ {
		b.Publish(parkedBurn(testStart.Add(time.Duration(i)*time.Minute), func(e *bus.FuelLevelChange) {
			e.ConsumptionGPH = 1.5
		}))
	}
	assert.Equal(t, len(log.anomalies(bus.KindSiphoning)), 0)
}

func TestSiphoningHonorsParkingGeofence(t *testing.T) {
	yard := func(cfg *estimator.FleetConfig) {
		cfg.Activity.ParkingGeofences = []estimator.GeofenceConfig{{
			Name: "yard",
			Vertices: []estimator.VertexConfig{
				{Lat: 39.9, Lon: -75.1},
				{Lat: 39.9, Lon: -74.9},
				{Lat: 40.1, Lon: -74.9},
				{Lat: 40.1, Lon: -75.1},
			},
		}}
	}
	_, b, log := newTestRegistry(t, yard, Options{})

	at := func(i int) time.Time { return testStart.Add(time.Duration(i) * time.Minute) }

	// Engine off at the roadside: fences are configured, so this is a
	// breakdown, not parking.
	for i := 0; i < 5; i++ {
		b.Publish(parkedBurn(at(i), func(e *bus.FuelLevelChange) {
			e.Latitude = pf(41.0)
			e.Longitude = pf(-75.0)
		}))
	}
	assert.Equal(t, len(log.anomalies(bus.KindSiphoning)), 0)

	// Same burn inside the yard fence.
	for i := 5; i < 10; i++ {
		b.Publish(parkedBurn(at(i), func(e *bus.FuelLevelChange) {
			e.Latitude = pf(40.0)
			e.Longitude = pf(-75.0)
		}))
	}
	assert.Equal(t, len(log.anomalies(bus.KindSiphoning)), 1)
}

func TestSlowLeakOnRisingStationaryBurn(t *testing.T) {
	_, b, log := newTestRegistry(t, nil, Options{})

	// Stationary burn climbing 0.05 gph every 10 minutes: 0.3 gph/h,
	// about 1.14 Lph/h against the 0.1 Lph/h threshold.
	for i := 0; i < 6; i++ {
		b.Publish(flc(testStart.Add(time.Duration(i*10)*time.Minute), func(e *bus.FuelLevelChange) {
			e.Activity = string(estimator.ActivityEngineOff)
			e.SpeedMPH = pf(0)
			e.RPM = pf(0)
			e.ConsumptionGPH = 0.5 + 0.05*float64(i)
		}))
	}

	leaks := log.anomalies(bus.KindSlowLeak)
	assert.Equal(t, len(leaks), 1)
	assert.Equal(t, leaks[0].Severity, bus.SeverityWarning)
	wantSlope := 0.3 * tank.LitersPerGallon
	assert.Assert(t, math.Abs(leaks[0].Metadata["slope_lph_per_hour"]-wantSlope) < 1e-9)
}

func TestSlowLeakNeedsFullyStationaryWindow(t *testing.T) {
	_, b, log := newTestRegistry(t, nil, Options{})

	for i := 0; i < 6; i++ {
		speed := 0.0
		if i == 2 {
			speed = 30 // one moving sample poisons the window
		}
		b.Publish(flc(testStart.Add(time.Duration(i*10)*time.Minute), func(e *bus.FuelLevelChange) {
			e.Activity = string(estimator.ActivityEngineOff)
			e.SpeedMPH = pf(speed)
			e.RPM = pf(0)
			e.ConsumptionGPH = 0.5 + 0.05*float64(i)
		}))
	}
	assert.Equal(t, len(log.anomalies(bus.KindSlowLeak)), 0)
}

func TestConsumptionSpikeAgainstOwnBaseline(t *testing.T) {
	_, b, log := newTestRegistry(t, nil, Options{})

	for i := 0; i < 12; i++ {
		b.Publish(flc(testStart.Add(time.Duration(i)*time.Minute), func(e *bus.FuelLevelChange) {
			e.ConsumptionGPH = 6
		}))
	}
	assert.Equal(t, len(log.anomalies(bus.KindConsumptionSpike)), 0)

	b.Publish(flc(testStart.Add(13*time.Minute), func(e *bus.FuelLevelChange) {
		e.ConsumptionGPH = 15
	}))

	spikes := log.anomalies(bus.KindConsumptionSpike)
	assert.Equal(t, len(spikes), 1)
	assert.Equal(t, spikes[0].Metadata["p95_gph"], 6.0)
	assert.Equal(t, spikes[0].Severity, bus.SeverityWarning)
}

func TestSpikeSilentUntilBaselineExists(t *testing.T) {
	_, b, log := newTestRegistry(t, nil, Options{})

	// Fewer than ten prior samples: even a wild value has no baseline
	// to stand out against.
	for i := 0; i < 5; i++ {
		b.Publish(flc(testStart.Add(time.Duration(i)*time.Minute), func(e *bus.FuelLevelChange) {
			e.ConsumptionGPH = 6
		}))
	}
	b.Publish(flc(testStart.Add(6*time.Minute), func(e *bus.FuelLevelChange) {
		e.ConsumptionGPH = 30
	}))
	assert.Equal(t, len(log.anomalies(bus.KindConsumptionSpike)), 0)
}

func TestInconsistentRefuelFlagged(t *testing.T) {
	_, b, log := newTestRegistry(t, nil, Options{})

	// Level went down across a "refuel".
	b.Publish(bus.RefuelDetected{TruckID: "T100", At: testStart, GallonsAdded: 20, PctBefore: 70, PctAfter: 50})
	// More gallons than a 500 L tank holds.
	b.Publish(bus.RefuelDetected{TruckID: "T100", At: testStart.Add(time.Minute), GallonsAdded: 200, PctBefore: 10, PctAfter: 95})
	assert.Equal(t, len(log.anomalies(bus.KindInconsistentRefuel)), 2)

	// A plausible refuel stays quiet.
	b.Publish(bus.RefuelDetected{TruckID: "T100", At: testStart.Add(2*time.Minute), GallonsAdded: 50, PctBefore: 20, PctAfter: 60})
	assert.Equal(t, len(log.anomalies(bus.KindInconsistentRefuel)), 2)
}

func TestSensorMalfunctionPassesThrough(t *testing.T) {
	_, b, log := newTestRegistry(t, nil, Options{})

	b.Publish(bus.SensorMalfunction{TruckID: "T100", At: testStart, Channel: "fuel_level", Reason: "non-finite update"})

	got := log.anomalies(bus.KindSensorMalfunction)
	assert.Equal(t, len(got), 1)
	assert.Assert(t, strings.Contains(got[0].Message, "fuel_level"))
}

func TestIdleExcessiveResetsEachDay(t *testing.T) {
	_, b, log := newTestRegistry(t, nil, Options{})

	idle := func(at time.Time) bus.FuelLevelChange {
		return flc(at, func(e *bus.FuelLevelChange) {
			e.Activity = string(estimator.ActivityNonProductiveIdle)
			e.SpeedMPH = pf(0)
			e.RPM = pf(650)
			e.ConsumptionGPH = 0.8
		})
	}

	// Ten-minute samples; the budget (120 min) is crossed at sample 13.
	for i := 0; i <= 13; i++ {
		b.Publish(idle(testStart.Add(time.Duration(i*10) * time.Minute)))
	}
	got := log.anomalies(bus.KindIdleExcessive)
	assert.Equal(t, len(got), 1)
	assert.Equal(t, got[0].Metadata["idle_minutes"], 130.0)

	// The next day starts a fresh budget; a couple of idle samples do
	// not re-fire, and the overnight gap is not counted as idle.
	nextDay := testStart.Add(24 * time.Hour)
	for i := 0; i <= 2; i++ {
		b.Publish(idle(nextDay.Add(time.Duration(i*10) * time.Minute)))
	}
	assert.Equal(t, len(log.anomalies(bus.KindIdleExcessive)), 1)
}

type fakeClassifier struct {
	mu       sync.Mutex
	observed int
	verdict  Verdict
	flag     bool
}

func (f *fakeClassifier) Observe(string, Features) {
	f.mu.Lock()
	f.observed++
	f.mu.Unlock()
}

func (f *fakeClassifier) Score(string, Features) (Verdict, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verdict, f.flag
}

func (f *fakeClassifier) seen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.observed
}

func TestClassifierConsultedAfterTrainingFloor(t *testing.T) {
	fc := &fakeClassifier{verdict: Verdict{Kind: bus.KindConsumptionSpike, Score: 0.91}, flag: true}
	_, b, log := newTestRegistry(t, nil, Options{Classifier: fc})

	for i := 0; i < 9; i++ {
		b.Publish(flc(testStart.Add(time.Duration(i)*time.Minute), nil))
	}
	assert.Equal(t, len(log.byTopic(bus.TopicAnomalyDetected)), 0)

	b.Publish(flc(testStart.Add(9*time.Minute), nil))

	got := log.anomalies(bus.KindConsumptionSpike)
	assert.Equal(t, len(got), 1)
	assert.Equal(t, got[0].Confidence, 0.91)
	assert.Equal(t, fc.seen(), 10)
}

func TestClassifierMutedWhenRuleFires(t *testing.T) {
	fc := &fakeClassifier{verdict: Verdict{Kind: bus.KindSlowLeak, Score: 0.95}, flag: true}
	_, b, log := newTestRegistry(t, nil, Options{Classifier: fc})

	// Train past the floor, then trip the siphoning rule; the sample that
	// fires a rule must not also carry a classifier verdict. The training
	// burn sits near the parked burn so the spike rule stays out of it.
	for i := 0; i < 10; i++ {
		b.Publish(flc(testStart.Add(time.Duration(i)*time.Minute), func(e *bus.FuelLevelChange) {
			e.ConsumptionGPH = 7
		}))
	}
	// Everything after the floor is classifier-flagged, so drain the
	// verdicts the training samples produced before tripping the rule.
	flagged := len(log.anomalies(bus.KindSlowLeak))
	assert.Equal(t, flagged, 1)

	for i := 10; i < 13; i++ {
		b.Publish(parkedBurn(testStart.Add(time.Duration(i)*time.Minute), nil))
	}

	assert.Equal(t, len(log.anomalies(bus.KindSiphoning)), 1)
	// The rule-firing sample produced no extra classifier verdict; the two
	// quiet parked samples before it did.
	assert.Equal(t, len(log.anomalies(bus.KindSlowLeak)), 3)
}
