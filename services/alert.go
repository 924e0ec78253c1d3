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
	"github.com/fleetbeacon/fuelcore/internal/metrics"
	"github.com/fleetbeacon/fuelcore/internal/ring"
)

// alertsKept bounds the queryable recent-alert log.
const alertsKept = 256

// Alert is one operator-visible notification after dedup.
type Alert struct {
	TruckID  string       `json:"truck_id"`
	At       time.Time    `json:"timestamp"`
	Kind     string       `json:"kind"`
	Severity bus.Severity `json:"severity"`
	Message  string       `json:"message"`
}

type alertKey struct {
	truckID string
	kind    string
}

// AlertService maps anomaly, refuel, activity and low-fuel conditions to
// operator alerts. Alerts repeat for an ongoing condition, but never more
// than once per (truck, kind) inside the dedup window. Dedup runs on
// event time, so replaying an archive raises the same alerts.
type AlertService struct {
	logger  logs.StructuredLogger
	runtime func() *estimator.Runtime

	mu        sync.Mutex
	lastFired map[alertKey]time.Time
	recent    *ring.Ring[Alert]
}

func newAlertService(b *bus.Bus, logger logs.StructuredLogger, runtime func() *estimator.Runtime) *AlertService {
	s := &AlertService{
		logger:    logger,
		runtime:   runtime,
		lastFired: map[alertKey]time.Time{},
		recent:    ring.New[Alert](alertsKept),
	}
	b.Subscribe(bus.TopicFuelLevelChange, "alert", s.onFuelLevelChange)
	b.Subscribe(bus.TopicAnomalyDetected, "alert", s.onAnomaly)
	b.Subscribe(bus.TopicRefuelDetected, "alert", s.onRefuel)
	b.Subscribe(bus.TopicActivityTransition, "alert", s.onActivity)
	return s
}

func (s *AlertService) onFuelLevelChange(ev bus.Event) error {
	change, ok := ev.(bus.FuelLevelChange)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev, ev.Topic())
	}
	th := s.runtime().Thresholds
	// Confidence zero means the estimator has not anchored on data yet;
	// its placeholder zeros are not an empty tank.
	if change.Confidence <= 0 || change.FuelPct > th.LowFuelPct {
		return nil
	}
	severity := bus.SeverityWarning
	if change.FuelPct <= th.LowFuelPct/2 {
		severity = bus.SeverityCritical
	}
	s.raise(Alert{
		TruckID:  change.TruckID,
		At:       change.At,
		Kind:     "low_fuel",
		Severity: severity,
		Message:  fmt.Sprintf("fuel at %.1f%%, threshold %.0f%%", change.FuelPct, th.LowFuelPct),
	})
	return nil
}

func (s *AlertService) onAnomaly(ev bus.Event) error {
	a, ok := ev.(bus.AnomalyDetected)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev, ev.Topic())
	}
	s.raise(Alert{
		TruckID:  a.TruckID,
		At:       a.At,
		Kind:     string(a.Kind),
		Severity: a.Severity,
		Message:  a.Message,
	})
	return nil
}

func (s *AlertService) onRefuel(ev bus.Event) error {
	ref, ok := ev.(bus.RefuelDetected)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev, ev.Topic())
	}
	s.raise(Alert{
		TruckID:  ref.TruckID,
		At:       ref.At,
		Kind:     "refuel",
		Severity: bus.SeverityInfo,
		Message:  fmt.Sprintf("%.1f gal added (%.0f%% to %.0f%%)", ref.GallonsAdded, ref.PctBefore, ref.PctAfter),
	})
	return nil
}

func (s *AlertService) onActivity(ev bus.Event) error {
	tr, ok := ev.(bus.ActivityTransition)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev, ev.Topic())
	}
	switch {
	case tr.To == string(estimator.ActivityOffline):
		s.raise(Alert{
			TruckID:  tr.TruckID,
			At:       tr.At,
			Kind:     "offline",
			Severity: bus.SeverityWarning,
			Message:  "telemetry went silent, truck marked offline",
		})
	case tr.From == string(estimator.ActivityOffline):
		s.raise(Alert{
			TruckID:  tr.TruckID,
			At:       tr.At,
			Kind:     "back_online",
			Severity: bus.SeverityInfo,
			Message:  "telemetry resumed",
		})
	}
	return nil
}

func (s *AlertService) raise(a Alert) {
	window := s.runtime().Thresholds.AlertDedupWindow()

	s.mu.Lock()
	key := alertKey{a.TruckID, a.Kind}
	if last, fired := s.lastFired[key]; fired && a.At.Sub(last) < window {
		s.mu.Unlock()
		return
	}
	s.lastFired[key] = a.At
	s.recent.Push(a)
	s.mu.Unlock()

	metrics.Alerts.WithLabelValues(a.Kind, string(a.Severity)).Inc()
	switch a.Severity {
	case bus.SeverityCritical:
		s.logger.Errorf("ALERT truck %s [%s]: %s", a.TruckID, a.Kind, a.Message)
	case bus.SeverityWarning:
		s.logger.Warnf("ALERT truck %s [%s]: %s", a.TruckID, a.Kind, a.Message)
	default:
		s.logger.Infof("ALERT truck %s [%s]: %s", a.TruckID, a.Kind, a.Message)
	}
}

// Recent returns the newest n alerts, oldest first.
func (s *AlertService) Recent(n int) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > s.recent.Len() {
		n = s.recent.Len()
	}
	return s.recent.Last(n)
}
