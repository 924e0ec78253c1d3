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

// Package services hosts the read side of the event bus: anomaly rules,
// driver scoring, maintenance hints, fuel forecasts, operator alerts and
// the Prometheus gauge writer. Every service keeps its own bounded
// per-truck state; none of them reaches back into estimator state, so a
// misbehaving service can be dropped by the bus without touching the
// estimates.
package services

import (
	"fmt"
	"sync/atomic"

	"github.com/fleetbeacon/fuelcore/bus"
	"github.com/fleetbeacon/fuelcore/estimator"
	"github.com/fleetbeacon/fuelcore/internal/logs"
	"github.com/fleetbeacon/fuelcore/internal/metrics"
)

// Options carries the optional pluggable backends. Nil values select the
// built-in paths: rules only for anomalies, the linear trend for forecasts.
type Options struct {
	Classifier Classifier
	Forecaster Forecaster
}

// Registry owns the wired services and the hot-reloadable runtime view
// they share. The config watcher swaps the runtime through ApplyRuntime,
// same as it does for the estimator.
type Registry struct {
	rt atomic.Pointer[estimator.Runtime]

	Anomaly     *AnomalyService
	Driver      *DriverBehaviorService
	Maintenance *MaintenanceService
	Prediction  *PredictionService
	Alert       *AlertService
}

// New builds every service and subscribes it on the bus. Subscription
// names are fixed so a service dropped for slowness can be re-registered
// under the same name.
func New(cfg estimator.FleetConfig, b *bus.Bus, logger logs.StructuredLogger, opts Options) *Registry {
	r := &Registry{}
	r.rt.Store(cfg.Runtime())

	caps := make(map[string]float64, len(cfg.TankSpecs))
	for id, spec := range cfg.TankSpecs {
		caps[id] = spec.CapacityL
	}
	capacityL := func(truckID string) (float64, bool) {
		c, ok := caps[truckID]
		return c, ok
	}

	registerMetricsWriter(b)
	r.Anomaly = newAnomalyService(b, logger, r.runtime, capacityL, opts.Classifier)
	r.Driver = newDriverBehaviorService(b, logger)
	r.Maintenance = newMaintenanceService(b, logger, r.runtime)
	r.Prediction = newPredictionService(b, logger, opts.Forecaster)
	r.Alert = newAlertService(b, logger, r.runtime)
	return r
}

func (r *Registry) runtime() *estimator.Runtime { return r.rt.Load() }

// ApplyRuntime swaps in new hot-reloadable thresholds and geofences.
func (r *Registry) ApplyRuntime(rt *estimator.Runtime) { r.rt.Store(rt) }

// registerMetricsWriter mirrors every published estimate onto the
// per-truck gauges, so dashboards track levels without querying the core.
func registerMetricsWriter(b *bus.Bus) {
	b.Subscribe(bus.TopicFuelLevelChange, "metrics-writer", func(ev bus.Event) error {
		change, ok := ev.(bus.FuelLevelChange)
		if !ok {
			return fmt.Errorf("unexpected payload %T on %s", ev, ev.Topic())
		}
		metrics.FuelPct.WithLabelValues(change.TruckID).Set(change.FuelPct)
		metrics.ConsumptionGPH.WithLabelValues(change.TruckID).Set(change.ConsumptionGPH)
		metrics.UncertaintyPct.WithLabelValues(change.TruckID).Set(change.UncertaintyPct)
		return nil
	})
}

func deref(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
