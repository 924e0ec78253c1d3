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

// Package metrics holds the process-wide Prometheus instruments. Every
// recovered per-reading failure surfaces here as a counter increment, so
// operators see failure classes without reading logs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReadingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuelcore_readings_total",
		Help: "Readings accepted into a per-truck estimator.",
	})
	ReadingsOutOfOrder = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuelcore_readings_out_of_order_total",
		Help: "Readings dropped because their timestamp went backwards.",
	})
	ReadingsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuelcore_readings_duplicate_total",
		Help: "Readings ignored as duplicates of an already processed timestamp.",
	})
	ReadingsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuelcore_readings_dropped_total",
		Help: "Readings dropped before processing, by reason.",
	}, []string{"reason"})
	ChannelInvalid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuelcore_channel_invalid_total",
		Help: "Sensor samples rejected by range or rate-of-change validation.",
	}, []string{"channel"})
	ECURebaseline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuelcore_ecu_rebaseline_total",
		Help: "ECU cumulative counter resets detected and re-baselined.",
	})
	NumericReverts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuelcore_numeric_reverts_total",
		Help: "Filter updates rolled back because they produced NaN or Inf.",
	})
	RefuelsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuelcore_refuels_detected_total",
		Help: "Refuel events detected.",
	})
	Anomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuelcore_anomalies_total",
		Help: "Anomaly events published, by kind and severity.",
	}, []string{"kind", "severity"})
	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuelcore_alerts_total",
		Help: "Operator alerts raised after dedup, by kind and severity.",
	}, []string{"kind", "severity"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuelcore_events_published_total",
		Help: "Events published on the bus, by topic.",
	}, []string{"topic"})
	SubscriberErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuelcore_subscriber_errors_total",
		Help: "Subscriber handler failures, by topic and subscriber.",
	}, []string{"topic", "subscriber"})
	SubscriberSlow = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuelcore_subscriber_slow_total",
		Help: "Handler invocations that exceeded the soft time budget.",
	}, []string{"topic", "subscriber"})
	SubscribersDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuelcore_subscribers_dropped_total",
		Help: "Subscribers removed after repeated budget violations.",
	}, []string{"topic", "subscriber"})

	PersistDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuelcore_persist_dropped_total",
		Help: "Persistence records dropped on buffer overflow, by stream.",
	}, []string{"stream"})
	CheckpointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuelcore_checkpoints_written_total",
		Help: "Estimator checkpoints handed to the persistence sink.",
	})
	SourceRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuelcore_source_retries_total",
		Help: "Telemetry source fetches retried after an error or timeout.",
	})
	SourceBreakerOpen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuelcore_source_breaker_open_total",
		Help: "Fetches skipped because the source circuit breaker was open.",
	})
	WorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuelcore_worker_restarts_total",
		Help: "Ingest workers restarted by the stuck-worker watchdog.",
	})

	FuelPct = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fuelcore_fuel_pct",
		Help: "Latest published fuel level, percent of tank.",
	}, []string{"truck_id"})
	ConsumptionGPH = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fuelcore_consumption_gph",
		Help: "Latest published consumption estimate, gallons per hour.",
	}, []string{"truck_id"})
	UncertaintyPct = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fuelcore_uncertainty_pct",
		Help: "Latest published volume uncertainty, percent of capacity.",
	}, []string{"truck_id"})
)

// Handler serves the default registry for the diagnostics listener.
func Handler() http.Handler { return promhttp.Handler() }
