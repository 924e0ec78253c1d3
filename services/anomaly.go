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
	"sort"
	"sync"
	"time"

	"github.com/fleetbeacon/fuelcore/bus"
	"github.com/fleetbeacon/fuelcore/estimator"
	"github.com/fleetbeacon/fuelcore/estimator/tank"
	"github.com/fleetbeacon/fuelcore/geo"
	"github.com/fleetbeacon/fuelcore/internal/logs"
	"github.com/fleetbeacon/fuelcore/internal/metrics"
	"github.com/fleetbeacon/fuelcore/internal/ring"
)

const (
	// consumptionHistory bounds the per-truck sample window used for the
	// spike percentile and the leak regression.
	consumptionHistory = 20
	// leakWindow is how many consecutive stationary samples the slow-leak
	// regression needs.
	leakWindow = 6
	// spikeMinSamples gates the percentile check until the baseline means
	// something.
	spikeMinSamples = 10
	// siphonStreakToFire keeps one noisy parked sample from paging anyone.
	siphonStreakToFire = 3
	// classifierMinSamples is the per-truck training floor before the
	// learned detector gets a vote.
	classifierMinSamples = 10

	parkedSpeedMPH = 2.0
)

type consumptionSample struct {
	at        time.Time
	gph       float64
	speed     float64
	haveSpeed bool
}

// anomalyTruck is one truck's bounded rule state. The fired flags hold an
// episode open so a persisting condition raises exactly one event until
// it clears.
type anomalyTruck struct {
	history *ring.Ring[consumptionSample]

	siphonStreak int
	siphonFired  bool
	spikeFired   bool
	leakFired    bool

	idleDay     time.Time
	idleMinutes float64
	idleFired   bool
	lastIdle    bool

	lastAt  time.Time
	samples int
}

// AnomalyService turns the estimate stream into categorized
// AnomalyDetected events. Rules run on every FuelLevelChange; the
// optional learned classifier is consulted only for trucks past the
// training floor, and only when no rule already fired for the sample.
type AnomalyService struct {
	bus        *bus.Bus
	logger     logs.StructuredLogger
	runtime    func() *estimator.Runtime
	capacityL  func(truckID string) (float64, bool)
	classifier Classifier

	mu     sync.Mutex
	trucks map[string]*anomalyTruck
}

func newAnomalyService(b *bus.Bus, logger logs.StructuredLogger, runtime func() *estimator.Runtime, capacityL func(string) (float64, bool), classifier Classifier) *AnomalyService {
	s := &AnomalyService{
		bus:        b,
		logger:     logger,
		runtime:    runtime,
		capacityL:  capacityL,
		classifier: classifier,
		trucks:     map[string]*anomalyTruck{},
	}
	b.Subscribe(bus.TopicFuelLevelChange, "anomaly", s.onFuelLevelChange)
	b.Subscribe(bus.TopicRefuelDetected, "anomaly", s.onRefuel)
	b.Subscribe(bus.TopicSensorMalfunction, "anomaly", s.onSensorMalfunction)
	return s
}

func (s *AnomalyService) truck(id string) *anomalyTruck {
	t, ok := s.trucks[id]
	if !ok {
		t = &anomalyTruck{history: ring.New[consumptionSample](consumptionHistory)}
		s.trucks[id] = t
	}
	return t
}

func (s *AnomalyService) onFuelLevelChange(ev bus.Event) error {
	change, ok := ev.(bus.FuelLevelChange)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev, ev.Topic())
	}
	rt := s.runtime()

	s.mu.Lock()
	findings := s.evaluate(s.truck(change.TruckID), change, rt)
	s.mu.Unlock()

	for _, a := range findings {
		s.publish(a)
	}
	return nil
}

// evaluate runs every rule against one sample and mutates the truck's
// episode state. Called with s.mu held; publishing happens outside.
func (s *AnomalyService) evaluate(t *anomalyTruck, change bus.FuelLevelChange, rt *estimator.Runtime) []bus.AnomalyDetected {
	th := rt.Thresholds
	var findings []bus.AnomalyDetected

	speed, haveSpeed := deref(change.SpeedMPH)
	stationary := haveSpeed && speed < parkedSpeedMPH

	// consumption_spike compares against the percentile of the window
	// before this sample joins it.
	if t.history.Len() >= spikeMinSamples {
		p95 := percentile95(t.history.Values())
		limit := th.HighConsumptionRatio * p95
		if p95 > 0 && change.ConsumptionGPH > limit {
			if !t.spikeFired {
				t.spikeFired = true
				findings = append(findings, bus.AnomalyDetected{
					TruckID:    change.TruckID,
					At:         change.At,
					Kind:       bus.KindConsumptionSpike,
					Severity:   bus.SeverityWarning,
					Confidence: math.Min(0.9, 0.4+0.2*change.ConsumptionGPH/limit),
					Message: fmt.Sprintf("burning %.1f gph against a %.1f gph p95 baseline",
						change.ConsumptionGPH, p95),
					Metadata: map[string]float64{
						"consumption_gph": change.ConsumptionGPH,
						"p95_gph":         p95,
						"ratio":           th.HighConsumptionRatio,
					},
				})
			}
		} else {
			t.spikeFired = false
		}
	}

	t.history.Push(consumptionSample{at: change.At, gph: change.ConsumptionGPH, speed: speed, haveSpeed: haveSpeed})

	// slow_leak: burn trending upward across a fully stationary window.
	if stationary {
		window := t.history.Last(leakWindow)
		if len(window) == leakWindow && allStationary(window) {
			slope := burnSlopeLphPerHour(window)
			if slope > th.SlowLeakLphPerHour {
				if !t.leakFired {
					t.leakFired = true
					findings = append(findings, bus.AnomalyDetected{
						TruckID:    change.TruckID,
						At:         change.At,
						Kind:       bus.KindSlowLeak,
						Severity:   bus.SeverityWarning,
						Confidence: math.Min(0.9, 0.5+0.2*(slope/th.SlowLeakLphPerHour-1)),
						Message: fmt.Sprintf("stationary burn rising %.2f Lph per hour over the last %d samples",
							slope, leakWindow),
						Metadata: map[string]float64{
							"slope_lph_per_hour": slope,
							"threshold":          th.SlowLeakLphPerHour,
						},
					})
				}
			} else if slope <= 0 {
				t.leakFired = false
			}
		}
	} else {
		t.leakFired = false
	}

	// siphoning: fuel leaving a parked truck faster than twice the idle
	// ceiling. The idle filter's estimate is used when it exceeds the
	// apparent burn; with the engine off only the apparent burn moves.
	burn := change.ConsumptionGPH
	if g, ok := deref(change.IdleGPH); ok && g > burn {
		burn = g
	}
	parked := false
	if lat, ok := deref(change.Latitude); ok {
		if lon, ok2 := deref(change.Longitude); ok2 {
			parked = rt.Geo.InTag(geo.Point{Lat: lat, Lon: lon}, geo.TagParking)
		}
	}
	if !parked && rt.Geo.Empty() {
		// With no geofences configured, a stationary engine-off truck is
		// parked by definition.
		parked = change.Activity == string(estimator.ActivityEngineOff)
	}
	if stationary && parked && th.IdleMaxGPH > 0 && burn > 2*th.IdleMaxGPH {
		t.siphonStreak++
		if !t.siphonFired && t.siphonStreak >= siphonStreakToFire {
			t.siphonFired = true
			findings = append(findings, bus.AnomalyDetected{
				TruckID:    change.TruckID,
				At:         change.At,
				Kind:       bus.KindSiphoning,
				Severity:   bus.SeverityCritical,
				Confidence: math.Min(0.98, 0.9+0.01*float64(t.siphonStreak-siphonStreakToFire)),
				Message: fmt.Sprintf("losing %.1f gph while parked, idle ceiling is %.1f gph",
					burn, th.IdleMaxGPH),
				Metadata: map[string]float64{
					"burn_gph":     burn,
					"idle_max_gph": th.IdleMaxGPH,
					"streak":       float64(t.siphonStreak),
				},
			})
		}
	} else {
		t.siphonStreak = 0
		t.siphonFired = false
	}

	// idle_excessive: non-productive idle minutes accumulated per UTC day.
	// Time counts only between consecutive idle samples, and a gap longer
	// than the staleness horizon is unknown time, not idle time.
	day := change.At.UTC().Truncate(24 * time.Hour)
	if !day.Equal(t.idleDay) {
		t.idleDay = day
		t.idleMinutes = 0
		t.idleFired = false
	}
	idleNow := change.Activity == string(estimator.ActivityNonProductiveIdle)
	gap := change.At.Sub(t.lastAt)
	if idleNow && t.lastIdle && !t.lastAt.IsZero() && gap > 0 && gap <= th.StaleAfter() {
		t.idleMinutes += gap.Minutes()
		if !t.idleFired && th.NonProductiveIdleMaxMinutes > 0 && t.idleMinutes > th.NonProductiveIdleMaxMinutes {
			t.idleFired = true
			findings = append(findings, bus.AnomalyDetected{
				TruckID:    change.TruckID,
				At:         change.At,
				Kind:       bus.KindIdleExcessive,
				Severity:   bus.SeverityWarning,
				Confidence: 0.8,
				Message: fmt.Sprintf("%.0f minutes of non-productive idle today, limit is %.0f",
					t.idleMinutes, th.NonProductiveIdleMaxMinutes),
				Metadata: map[string]float64{
					"idle_minutes": t.idleMinutes,
					"limit":        th.NonProductiveIdleMaxMinutes,
				},
			})
		}
	}
	t.lastIdle = idleNow
	t.lastAt = change.At

	t.samples++
	if s.classifier != nil {
		rpm, _ := deref(change.RPM)
		idleGPH, _ := deref(change.IdleGPH)
		f := Features{
			FuelPct:        change.FuelPct,
			ConsumptionGPH: change.ConsumptionGPH,
			SpeedMPH:       speed,
			RPM:            rpm,
			IdleGPH:        idleGPH,
			UncertaintyPct: change.UncertaintyPct,
		}
		s.classifier.Observe(change.TruckID, f)
		if len(findings) == 0 && t.samples >= classifierMinSamples {
			if v, flagged := s.classifier.Score(change.TruckID, f); flagged {
				findings = append(findings, bus.AnomalyDetected{
					TruckID:    change.TruckID,
					At:         change.At,
					Kind:       v.Kind,
					Severity:   bus.SeverityWarning,
					Confidence: v.Score,
					Message:    "learned detector flagged this sample",
					Metadata:   map[string]float64{"score": v.Score},
				})
			}
		}
	}
	return findings
}

func (s *AnomalyService) onRefuel(ev bus.Event) error {
	ref, ok := ev.(bus.RefuelDetected)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev, ev.Topic())
	}
	capacityGal := 0.0
	if capL, known := s.capacityL(ref.TruckID); known {
		capacityGal = capL / tank.LitersPerGallon
	}
	inconsistent := ref.PctAfter < ref.PctBefore ||
		(capacityGal > 0 && ref.GallonsAdded > capacityGal)
	if !inconsistent {
		return nil
	}
	s.publish(bus.AnomalyDetected{
		TruckID:    ref.TruckID,
		At:         ref.At,
		Kind:       bus.KindInconsistentRefuel,
		Severity:   bus.SeverityWarning,
		Confidence: 0.8,
		Message: fmt.Sprintf("refuel of %.1f gal reported from %.0f%% to %.0f%% does not add up",
			ref.GallonsAdded, ref.PctBefore, ref.PctAfter),
		Metadata: map[string]float64{
			"gallons_added": ref.GallonsAdded,
			"capacity_gal":  capacityGal,
			"pct_before":    ref.PctBefore,
			"pct_after":     ref.PctAfter,
		},
	})
	return nil
}

func (s *AnomalyService) onSensorMalfunction(ev bus.Event) error {
	mal, ok := ev.(bus.SensorMalfunction)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev, ev.Topic())
	}
	s.publish(bus.AnomalyDetected{
		TruckID:    mal.TruckID,
		At:         mal.At,
		Kind:       bus.KindSensorMalfunction,
		Severity:   bus.SeverityWarning,
		Confidence: 0.7,
		Message:    fmt.Sprintf("channel %s: %s", mal.Channel, mal.Reason),
	})
	return nil
}

func (s *AnomalyService) publish(a bus.AnomalyDetected) {
	metrics.Anomalies.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
	if a.Severity == bus.SeverityCritical {
		s.logger.Warnf("truck %s: %s anomaly: %s", a.TruckID, a.Kind, a.Message)
	} else {
		s.logger.Infof("truck %s: %s anomaly: %s", a.TruckID, a.Kind, a.Message)
	}
	s.bus.Publish(a)
}

func allStationary(window []consumptionSample) bool {
	for _, s := range window {
		if !s.haveSpeed || s.speed >= parkedSpeedMPH {
			return false
		}
	}
	return true
}

// burnSlopeLphPerHour fits consumption (in Lph) against hours by ordinary
// least squares and returns the slope.
func burnSlopeLphPerHour(window []consumptionSample) float64 {
	t0 := window[0].at
	n := float64(len(window))
	var sx, sy, sxx, sxy float64
	for _, s := range window {
		x := s.at.Sub(t0).Hours()
		y := s.gph * tank.LitersPerGallon
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	den := n*sxx - sx*sx
	if den <= 1e-12 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

func percentile95(samples []consumptionSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	vals := make([]float64, len(samples))
	for i, s := range samples {
		vals[i] = s.gph
	}
	sort.Float64s(vals)
	idx := int(math.Ceil(0.95*float64(len(vals)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return vals[idx]
}
