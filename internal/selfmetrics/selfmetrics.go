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

// Package selfmetrics publishes fleet-level gauges about the estimator
// itself: how many trucks it tracks, how many have gone stale, and the
// average fleet burn. They ride the OpenTelemetry SDK and are bridged onto
// the same Prometheus registry as the per-reading counters.
package selfmetrics

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	metricapi "go.opentelemetry.io/otel/metric"
	metricsdk "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/fleetbeacon/fuelcore/internal/logs"
	"github.com/fleetbeacon/fuelcore/internal/platform"
	"github.com/fleetbeacon/fuelcore/internal/version"
)

const (
	meterName = "fuelcore/self_metrics"

	trucksTrackedMetricName  = "fleet/trucks_tracked"
	trucksStaleMetricName    = "fleet/trucks_stale"
	avgConsumptionMetricName = "fleet/avg_consumption_gph"
	uptimeMetricName         = "fleet/estimator_uptime_seconds"
)

// FleetStats is one observation of the whole fleet, taken inside the
// gauges' callbacks so scrapes always see current values.
type FleetStats struct {
	TrucksByActivity  map[string]int
	TrucksStale       int
	AvgConsumptionGPH float64
}

// StatsFunc supplies FleetStats on demand. It is called on the scrape path
// and must be cheap.
type StatsFunc func() FleetStats

// FleetResource describes this process for the meter provider.
func FleetResource(ctx context.Context) (*resource.Resource, error) {
	p := platform.FromContext(ctx)
	return resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", "fuelcore"),
			attribute.String("service.version", version.Version),
			attribute.String("host.name", p.Hostname()),
			attribute.String("os.type", p.OS()),
		),
	)
}

// NewPrometheusBridge builds the reader that surfaces the otel gauges on a
// Prometheus registry, namespaced away from the per-reading counters.
func NewPrometheusBridge(reg promclient.Registerer) (metricsdk.Reader, error) {
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(reg),
		otelprom.WithNamespace("fuelcore_self"),
		otelprom.WithoutTargetInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating prometheus bridge: %w", err)
	}
	return exporter, nil
}

// CreateFleetMeterProvider wires the reader and resource into a provider
// for the fleet gauges.
func CreateFleetMeterProvider(reader metricsdk.Reader, res *resource.Resource) *metricsdk.MeterProvider {
	return metricsdk.NewMeterProvider(
		metricsdk.WithReader(reader),
		metricsdk.WithResource(res),
	)
}

// InstrumentFleetMetrics registers the observable gauges on meter. stats is
// consulted at collection time; startedAt anchors the uptime gauge.
func InstrumentFleetMetrics(stats StatsFunc, meter metricapi.Meter, startedAt time.Time) error {
	_, err := meter.Int64ObservableGauge(
		trucksTrackedMetricName,
		metricapi.WithInt64Callback(
			func(ctx context.Context, observer metricapi.Int64Observer) error {
				for activity, count := range stats().TrucksByActivity {
					observer.Observe(int64(count), metricapi.WithAttributes(
						attribute.String("activity", activity)))
				}
				return nil
			}),
	)
	if err != nil {
		return err
	}

	_, err = meter.Int64ObservableGauge(
		trucksStaleMetricName,
		metricapi.WithInt64Callback(
			func(ctx context.Context, observer metricapi.Int64Observer) error {
				observer.Observe(int64(stats().TrucksStale))
				return nil
			}),
	)
	if err != nil {
		return err
	}

	_, err = meter.Float64ObservableGauge(
		avgConsumptionMetricName,
		metricapi.WithFloat64Callback(
			func(ctx context.Context, observer metricapi.Float64Observer) error {
				observer.Observe(stats().AvgConsumptionGPH)
				return nil
			}),
	)
	if err != nil {
		return err
	}

	_, err = meter.Float64ObservableGauge(
		uptimeMetricName,
		metricapi.WithFloat64Callback(
			func(ctx context.Context, observer metricapi.Float64Observer) error {
				observer.Observe(time.Since(startedAt).Seconds())
				return nil
			}),
	)
	return err
}

// CollectFleetSelfMetrics runs the gauges for the life of ctx. The bridge
// is pull-based, so there is no flush loop; shutdown tears the provider
// down once the scrape surface is gone.
func CollectFleetSelfMetrics(ctx context.Context, stats StatsFunc, reg promclient.Registerer, logger logs.StructuredLogger) error {
	res, err := FleetResource(ctx)
	if err != nil {
		return fmt.Errorf("creating self metrics resource: %w", err)
	}
	reader, err := NewPrometheusBridge(reg)
	if err != nil {
		return err
	}
	provider := CreateFleetMeterProvider(reader, res)
	if err := InstrumentFleetMetrics(stats, provider.Meter(meterName), time.Now()); err != nil {
		return fmt.Errorf("instrumenting fleet metrics: %w", err)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("self metrics provider shutdown: %v", err)
	}
	return nil
}
