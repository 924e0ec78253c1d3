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
	"context"
	"fmt"
	"sort"
	"time"
)

// Data sources a snapshot can come from. Checkpoint-restored state keeps
// the marker until the first fresh reading is committed.
const (
	DataSourceFresh      = "fresh"
	DataSourceCheckpoint = "checkpoint"
)

// Estimate sources for the published level.
const (
	SourceFusion = "fusion"
	SourceEKF    = "ekf"
	SourceSimple = "simple"
)

// TruckSnapshot is the read-only view of one truck's committed state.
// Stale is computed at read time against the configured threshold, never
// stored.
type TruckSnapshot struct {
	TruckID    string    `json:"truck_id" yaml:"truck_id"`
	At         time.Time `json:"timestamp" yaml:"timestamp"`
	DataSource string    `json:"data_source" yaml:"data_source"`
	Activity   string    `json:"activity" yaml:"activity"`
	Stale      bool      `json:"stale" yaml:"stale"`

	FuelPct        float64 `json:"fuel_pct" yaml:"fuel_pct"`
	VolumeL        float64 `json:"volume_l" yaml:"volume_l"`
	ConsumptionGPH float64 `json:"consumption_gph" yaml:"consumption_gph"`
	UncertaintyPct float64 `json:"uncertainty_pct" yaml:"uncertainty_pct"`
	Efficiency     float64 `json:"efficiency" yaml:"efficiency"`
	Confidence     float64 `json:"confidence" yaml:"confidence"`
	Source         string  `json:"source" yaml:"source"`

	Idle           IdleSnapshot    `json:"idle" yaml:"idle"`
	LastRefuel     *RefuelSnapshot `json:"last_refuel,omitempty" yaml:"last_refuel,omitempty"`
	DriverID       string          `json:"driver_id,omitempty" yaml:"driver_id,omitempty"`
	FlaggedSensors []string        `json:"flagged_sensors,omitempty" yaml:"flagged_sensors,omitempty"`
}

type IdleSnapshot struct {
	GPH           float64 `json:"gph" yaml:"gph"`
	ConfidencePct float64 `json:"confidence_pct" yaml:"confidence_pct"`
	Source        string  `json:"source" yaml:"source"`
	SamplesUsed   int     `json:"samples_used" yaml:"samples_used"`
}

type RefuelSnapshot struct {
	At           time.Time `json:"timestamp" yaml:"timestamp"`
	GallonsAdded float64   `json:"gallons_added" yaml:"gallons_added"`
	PctBefore    float64   `json:"pct_before" yaml:"pct_before"`
	PctAfter     float64   `json:"pct_after" yaml:"pct_after"`
}

// HistorySource serves archived readings for history queries. The
// persistence adapter implements it; the estimator only delegates.
type HistorySource interface {
	Readings(ctx context.Context, truckID string, from, to time.Time) ([]Reading, error)
}

// unknownTruckError is returned for queries and commands naming a truck
// that has no tank spec.
type unknownTruckError struct{ truckID string }

func (e unknownTruckError) Error() string {
	return fmt.Sprintf("unknown truck %q", e.truckID)
}

// IsUnknownTruck reports whether err identifies a truck outside the
// configured fleet.
func IsUnknownTruck(err error) bool {
	_, ok := err.(unknownTruckError)
	return ok
}

// Snapshot returns the committed state for one truck, staleness evaluated
// now.
func (m *Manager) Snapshot(truckID string) (TruckSnapshot, error) {
	c, ok := m.coordinator(truckID)
	if !ok {
		return TruckSnapshot{}, unknownTruckError{truckID}
	}
	return c.Snapshot(m.clock.Now(), m.runtime().Thresholds.StaleAfter()), nil
}

// FleetSnapshot returns every registered truck's snapshot, sorted by
// truck ID for stable output.
func (m *Manager) FleetSnapshot() []TruckSnapshot {
	now := m.clock.Now()
	stale := m.runtime().Thresholds.StaleAfter()

	m.mu.RLock()
	coords := make([]*Coordinator, 0, len(m.trucks))
	for _, c := range m.trucks {
		coords = append(coords, c)
	}
	m.mu.RUnlock()

	out := make([]TruckSnapshot, 0, len(coords))
	for _, c := range coords {
		out = append(out, c.Snapshot(now, stale))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TruckID < out[j].TruckID })
	return out
}

// History returns archived readings for the window, newest last. Requires
// a history source; without one the estimator has no reading storage.
func (m *Manager) History(ctx context.Context, truckID string, window time.Duration) ([]Reading, error) {
	if _, ok := m.coordinator(truckID); !ok {
		return nil, unknownTruckError{truckID}
	}
	if m.history == nil {
		return nil, fmt.Errorf("no history source configured")
	}
	to := m.clock.Now()
	return m.history.Readings(ctx, truckID, to.Add(-window), to)
}
