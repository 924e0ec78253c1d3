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
	"github.com/fleetbeacon/fuelcore/estimator"
	"github.com/fleetbeacon/fuelcore/internal/logs"
)

const (
	// rpmSpikeDelta is the sample-to-sample RPM jump counted as an
	// aggressive throttle event.
	rpmSpikeDelta = 1500.0
	// speedingLimitMPH marks time spent above fleet highway policy.
	speedingLimitMPH = 70.0
)

// sessionStats accumulates one driver session in O(1) space: Welford
// for speed variance, plain counters for everything else.
type sessionStats struct {
	driverID  string
	startedAt time.Time
	lastAt    time.Time

	samples int

	speedN    int
	speedMean float64
	speedM2   float64
	speeding  int

	haveRPM   bool
	prevRPM   float64
	rpmSpikes int

	idleSamples   int
	movingSamples int

	fuelGal    float64
	distanceMi float64

	effN   int
	effSum float64
}

func (st *sessionStats) observe(change bus.FuelLevelChange) {
	dtHours := 0.0
	if !st.lastAt.IsZero() && change.At.After(st.lastAt) {
		dtHours = change.At.Sub(st.lastAt).Hours()
	}
	st.samples++

	if v, ok := deref(change.SpeedMPH); ok {
		st.speedN++
		d := v - st.speedMean
		st.speedMean += d / float64(st.speedN)
		st.speedM2 += d * (v - st.speedMean)
		if v > speedingLimitMPH {
			st.speeding++
		}
		st.distanceMi += v * dtHours
	}
	if rpm, ok := deref(change.RPM); ok {
		if st.haveRPM && math.Abs(rpm-st.prevRPM) > rpmSpikeDelta {
			st.rpmSpikes++
		}
		st.prevRPM = rpm
		st.haveRPM = true
	}
	switch change.Activity {
	case string(estimator.ActivityProductiveIdle), string(estimator.ActivityNonProductiveIdle):
		st.idleSamples++
	case string(estimator.ActivityDriving):
		st.movingSamples++
	}
	st.fuelGal += change.ConsumptionGPH * dtHours
	if change.Efficiency > 0 {
		st.effN++
		st.effSum += change.Efficiency
	}
	st.lastAt = change.At
}

// report closes the books on a session. The three scores are independent
// 0-100 values; stars weights them 0.4 efficiency, 0.4 safety, 0.2
// calmness and maps [0,100] onto 1..5.
func (st *sessionStats) report(truckID string, endAt time.Time) bus.DriverSessionEnd {
	hours := endAt.Sub(st.startedAt).Hours()

	meanEff := 1.0
	if st.effN > 0 {
		meanEff = st.effSum / float64(st.effN)
	}
	idleFrac := 0.0
	if n := st.idleSamples + st.movingSamples; n > 0 {
		idleFrac = float64(st.idleSamples) / float64(n)
	}
	// Efficiency factor 1.0 is the fleet baseline; 2.0 is the filter's
	// worst case. Idle time discounts the score on top of that.
	efficiency := clampRange((2.0-meanEff)*100-30*idleFrac, 0, 100)

	stddev := 0.0
	if st.speedN > 1 {
		stddev = math.Sqrt(st.speedM2 / float64(st.speedN-1))
	}
	spikesPerHour := 0.0
	if hours > 0 {
		spikesPerHour = float64(st.rpmSpikes) / hours
	}
	aggressiveness := clampRange(math.Min(50, 2.5*stddev)+math.Min(50, 10*spikesPerHour), 0, 100)

	speedingFrac := 0.0
	if st.speedN > 0 {
		speedingFrac = float64(st.speeding) / float64(st.speedN)
	}
	safety := clampRange(100-60*speedingFrac-math.Min(40, 8*spikesPerHour), 0, 100)

	weighted := 0.4*efficiency + 0.4*safety + 0.2*(100-aggressiveness)
	stars := int(weighted/20) + 1
	if stars > 5 {
		stars = 5
	}

	var recs []string
	if idleFrac > 0.3 {
		recs = append(recs, "reduce non-productive idling")
	}
	if spikesPerHour > 3 {
		recs = append(recs, "smooth throttle inputs; large RPM swings waste fuel")
	}
	if speedingFrac > 0.1 {
		recs = append(recs, fmt.Sprintf("hold highway speed under %.0f mph", speedingLimitMPH))
	}
	if efficiency < 50 {
		recs = append(recs, "schedule coaching on progressive shifting and cruise control")
	}

	return bus.DriverSessionEnd{
		TruckID:   truckID,
		DriverID:  st.driverID,
		At:        endAt,
		StartedAt: st.startedAt,
		Scores: bus.DriverScores{
			Efficiency:     efficiency,
			Aggressiveness: aggressiveness,
			Safety:         safety,
			Stars:          stars,
		},
		Recommendations: recs,
	}
}

// DriverBehaviorService scores driver sessions from the estimate stream.
// Session identity is the coordinator's call (driver_id rides on every
// FuelLevelChange); this service owns only the rolling aggregates and the
// scoring. A session closes when the driver changes, when the truck goes
// OFFLINE, or when an operator forces it.
type DriverBehaviorService struct {
	bus    *bus.Bus
	logger logs.StructuredLogger

	mu       sync.Mutex
	sessions map[string]*sessionStats
}

func newDriverBehaviorService(b *bus.Bus, logger logs.StructuredLogger) *DriverBehaviorService {
	s := &DriverBehaviorService{
		bus:      b,
		logger:   logger,
		sessions: map[string]*sessionStats{},
	}
	b.Subscribe(bus.TopicFuelLevelChange, "driver-behavior", s.onFuelLevelChange)
	b.Subscribe(bus.TopicActivityTransition, "driver-behavior", s.onActivityTransition)
	return s
}

func (s *DriverBehaviorService) onFuelLevelChange(ev bus.Event) error {
	change, ok := ev.(bus.FuelLevelChange)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev, ev.Topic())
	}

	var closed *bus.DriverSessionEnd
	s.mu.Lock()
	st := s.sessions[change.TruckID]
	if st != nil && st.driverID != change.DriverID {
		r := st.report(change.TruckID, change.At)
		closed = &r
		delete(s.sessions, change.TruckID)
		st = nil
	}
	if st == nil && change.DriverID != "" {
		st = &sessionStats{driverID: change.DriverID, startedAt: change.At}
		s.sessions[change.TruckID] = st
	}
	if st != nil {
		st.observe(change)
	}
	s.mu.Unlock()

	if closed != nil {
		s.publish(*closed)
	}
	return nil
}

func (s *DriverBehaviorService) onActivityTransition(ev bus.Event) error {
	tr, ok := ev.(bus.ActivityTransition)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev, ev.Topic())
	}
	if tr.To != string(estimator.ActivityOffline) {
		return nil
	}

	s.mu.Lock()
	st := s.sessions[tr.TruckID]
	if st == nil {
		s.mu.Unlock()
		return nil
	}
	report := st.report(tr.TruckID, tr.At)
	delete(s.sessions, tr.TruckID)
	s.mu.Unlock()

	s.publish(report)
	return nil
}

// ForceClose ends the open session on a truck at the operator's request.
// When driverID is non-empty it must match the open session. Reports
// whether a session was open and scored.
func (s *DriverBehaviorService) ForceClose(truckID, driverID string, at time.Time) (bus.DriverSessionEnd, bool) {
	s.mu.Lock()
	st := s.sessions[truckID]
	if st == nil || (driverID != "" && st.driverID != driverID) {
		s.mu.Unlock()
		return bus.DriverSessionEnd{}, false
	}
	report := st.report(truckID, at)
	delete(s.sessions, truckID)
	s.mu.Unlock()

	s.publish(report)
	return report, true
}

func (s *DriverBehaviorService) publish(r bus.DriverSessionEnd) {
	s.logger.Infof("driver %s session on truck %s scored %d stars (efficiency %.0f, safety %.0f, aggressiveness %.0f)",
		r.DriverID, r.TruckID, r.Scores.Stars, r.Scores.Efficiency, r.Scores.Safety, r.Scores.Aggressiveness)
	s.bus.Publish(r)
}
