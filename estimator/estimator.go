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

// Package estimator is the core of the pipeline: per-truck fuel state
// estimation from multi-sensor telemetry. A Manager owns one Coordinator
// per configured truck; each coordinator runs an extended Kalman filter,
// an adaptive idle filter and a sensor fusion engine, and publishes the
// resulting events on the bus.
package estimator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetbeacon/fuelcore/bus"
	"github.com/fleetbeacon/fuelcore/internal/clock"
	"github.com/fleetbeacon/fuelcore/internal/logs"
	"github.com/fleetbeacon/fuelcore/internal/metrics"
	"github.com/fleetbeacon/fuelcore/internal/set"
)

// Manager owns the per-truck coordinators: construction from config,
// reading dispatch, the staleness sweep, operator resets, and checkpoint
// export and restore.
type Manager struct {
	cfg     FleetConfig
	bus     *bus.Bus
	logger  logs.StructuredLogger
	clock   clock.Clock
	history HistorySource

	rt atomic.Pointer[Runtime]

	mu     sync.RWMutex
	trucks map[string]*Coordinator

	// unknownWarned holds truck IDs already warned about, so a buggy
	// upstream feed does not flood the log.
	unknownMu     sync.Mutex
	unknownWarned set.Set[string]
}

// ManagerOptions carries the optional collaborators. Zero values select
// the real clock and no history source.
type ManagerOptions struct {
	Clock   clock.Clock
	History HistorySource
}

func NewManager(cfg FleetConfig, b *bus.Bus, logger logs.StructuredLogger, opts ManagerOptions) (*Manager, error) {
	m := &Manager{
		cfg:           cfg,
		bus:           b,
		logger:        logger,
		clock:         opts.Clock,
		history:       opts.History,
		trucks:        make(map[string]*Coordinator, len(cfg.TankSpecs)),
		unknownWarned: set.Set[string]{},
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	m.rt.Store(cfg.Runtime())

	for id, spec := range cfg.TankSpecs {
		c, err := newCoordinator(id, spec, cfg, m.runtime, b, logger)
		if err != nil {
			return nil, fmt.Errorf("truck %s: %w", id, err)
		}
		m.trucks[id] = c
	}
	logger.Infof("estimator tracking %d trucks in %s mode", len(m.trucks), cfg.EstimatorMode)
	return m, nil
}

func (m *Manager) runtime() *Runtime { return m.rt.Load() }

// ApplyRuntime swaps in new hot-reloadable settings. The config watcher
// is the only caller.
func (m *Manager) ApplyRuntime(rt *Runtime) { m.rt.Store(rt) }

func (m *Manager) coordinator(truckID string) (*Coordinator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.trucks[truckID]
	return c, ok
}

// TruckIDs lists the configured fleet, sorted.
func (m *Manager) TruckIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.trucks))
	for id := range m.trucks {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Process routes one reading to its truck's coordinator. Readings for
// trucks outside the configured fleet are dropped with a counter and a
// once-per-truck warning.
func (m *Manager) Process(r Reading) error {
	if err := r.CheckBasic(); err != nil {
		metrics.ReadingsDropped.WithLabelValues("invalid").Inc()
		return err
	}
	c, ok := m.coordinator(r.TruckID)
	if !ok {
		metrics.ReadingsDropped.WithLabelValues("unknown_truck").Inc()
		m.unknownMu.Lock()
		if !m.unknownWarned.Contains(r.TruckID) {
			m.unknownWarned.Add(r.TruckID)
			m.logger.Warnf("dropping readings for unconfigured truck %s", r.TruckID)
		}
		m.unknownMu.Unlock()
		return unknownTruckError{r.TruckID}
	}
	return c.Process(r)
}

// SweepOffline transitions every stale truck to OFFLINE and returns the
// IDs it transitioned. Staleness uses the live threshold.
func (m *Manager) SweepOffline() []string {
	now := m.clock.Now()
	staleAfter := m.runtime().Thresholds.StaleAfter()

	m.mu.RLock()
	coords := make([]*Coordinator, 0, len(m.trucks))
	for _, c := range m.trucks {
		coords = append(coords, c)
	}
	m.mu.RUnlock()

	var transitioned []string
	for _, c := range coords {
		c.mu.RLock()
		stale := c.haveProcessed && now.Sub(c.lastProcessed) > staleAfter
		c.mu.RUnlock()
		if stale && c.MarkOffline(now) {
			transitioned = append(transitioned, c.truckID)
		}
	}
	sort.Strings(transitioned)
	return transitioned
}

// RunStalenessSweep periodically marks silent trucks OFFLINE until ctx is
// done. The sweep interval is decoupled from the staleness threshold so
// tests can drive it tightly.
func (m *Manager) RunStalenessSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := m.SweepOffline(); len(ids) > 0 {
				m.logger.Infof("marked %d trucks offline: %v", len(ids), ids)
			}
		}
	}
}

// ResetEKF clears one truck's fuel estimation state. The two-step
// confirmation for unforced resets lives in the admin layer; by the time
// the manager is called the decision is made.
func (m *Manager) ResetEKF(truckID string) error {
	c, ok := m.coordinator(truckID)
	if !ok {
		return unknownTruckError{truckID}
	}
	c.ResetEKF()
	m.logger.Infof("truck %s: fuel estimation state reset", truckID)
	return nil
}

func (m *Manager) ResetIdle(truckID string) error {
	c, ok := m.coordinator(truckID)
	if !ok {
		return unknownTruckError{truckID}
	}
	c.ResetIdle()
	m.logger.Infof("truck %s: idle filter reset", truckID)
	return nil
}

// CloseDriverSession force-closes the open driver session on a truck.
// When driverID is non-empty it must match the open session.
func (m *Manager) CloseDriverSession(truckID, driverID string) (*DriverSession, error) {
	c, ok := m.coordinator(truckID)
	if !ok {
		return nil, unknownTruckError{truckID}
	}
	if driverID != "" {
		c.mu.RLock()
		cur := c.session.current()
		mismatch := cur == nil || cur.DriverID != driverID
		c.mu.RUnlock()
		if mismatch {
			return nil, fmt.Errorf("truck %s has no open session for driver %s", truckID, driverID)
		}
	}
	closed := c.CloseDriverSession()
	if closed == nil {
		return nil, fmt.Errorf("truck %s has no open driver session", truckID)
	}
	m.logger.Infof("truck %s: driver session %s closed by operator", truckID, closed.ID)
	return closed, nil
}

// ExportStates snapshots every truck's serializable state for the
// checkpoint writer.
func (m *Manager) ExportStates() map[string]CoordinatorState {
	m.mu.RLock()
	coords := make(map[string]*Coordinator, len(m.trucks))
	for id, c := range m.trucks {
		coords[id] = c
	}
	m.mu.RUnlock()

	out := make(map[string]CoordinatorState, len(coords))
	for id, c := range coords {
		out[id] = c.ExportState()
	}
	return out
}

// RestoreStates loads checkpointed state at startup. States for trucks
// no longer configured are skipped with a warning.
func (m *Manager) RestoreStates(states map[string]CoordinatorState) {
	for id, st := range states {
		c, ok := m.coordinator(id)
		if !ok {
			m.logger.Warnf("checkpoint for unconfigured truck %s skipped", id)
			continue
		}
		c.RestoreState(st)
	}
}
