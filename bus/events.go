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

package bus

import "time"

// Topic names an event stream. Every payload type maps to exactly one
// topic; subscribers type-switch on the concrete payload.
type Topic string

const (
	TopicFuelLevelChange    Topic = "fuel_level_change"
	TopicRefuelDetected     Topic = "refuel_detected"
	TopicAnomalyDetected    Topic = "anomaly_detected"
	TopicSensorMalfunction  Topic = "sensor_malfunction"
	TopicActivityTransition Topic = "activity_transition"
	TopicDriverSessionEnd   Topic = "driver_session_end"
	TopicMaintenanceHint    Topic = "maintenance_hint"
)

// AllTopics lists every defined topic in a stable order, for subscribers
// that tap the whole stream.
func AllTopics() []Topic {
	return []Topic{
		TopicFuelLevelChange,
		TopicRefuelDetected,
		TopicAnomalyDetected,
		TopicSensorMalfunction,
		TopicActivityTransition,
		TopicDriverSessionEnd,
		TopicMaintenanceHint,
	}
}

// Event is the payload contract: which stream it belongs to, which truck
// it concerns, and when it happened. Payloads are plain values; once
// published they must not be mutated.
type Event interface {
	Topic() Topic
	Truck() string
	OccurredAt() time.Time
}

// AnomalyKind classifies an AnomalyDetected event.
type AnomalyKind string

const (
	KindSiphoning          AnomalyKind = "siphoning"
	KindSensorMalfunction  AnomalyKind = "sensor_malfunction"
	KindSlowLeak           AnomalyKind = "slow_leak"
	KindConsumptionSpike   AnomalyKind = "consumption_spike"
	KindInconsistentRefuel AnomalyKind = "inconsistent_refuel"
	KindIdleExcessive      AnomalyKind = "idle_excessive"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// FuelLevelChange is published once per accepted reading with the
// committed estimate plus the motion context downstream services score on.
type FuelLevelChange struct {
	TruckID        string
	At             time.Time
	FuelPct        float64
	VolumeL        float64
	ConsumptionGPH float64
	UncertaintyPct float64
	Efficiency     float64
	Confidence     float64
	// Source names which estimator produced the published level:
	// "fusion", "ekf", or "simple".
	Source    string
	Activity  string
	DriverID  string
	SpeedMPH  *float64
	RPM       *float64
	IdleGPH   *float64
	Latitude  *float64
	Longitude *float64
}

func (e FuelLevelChange) Topic() Topic          { return TopicFuelLevelChange }
func (e FuelLevelChange) Truck() string         { return e.TruckID }
func (e FuelLevelChange) OccurredAt() time.Time { return e.At }

type RefuelDetected struct {
	TruckID      string
	At           time.Time
	GallonsAdded float64
	PctBefore    float64
	PctAfter     float64
	Latitude     *float64
	Longitude    *float64
}

func (e RefuelDetected) Topic() Topic          { return TopicRefuelDetected }
func (e RefuelDetected) Truck() string         { return e.TruckID }
func (e RefuelDetected) OccurredAt() time.Time { return e.At }

type AnomalyDetected struct {
	TruckID    string
	At         time.Time
	Kind       AnomalyKind
	Severity   Severity
	Confidence float64
	Message    string
	// Metadata carries the supporting numbers behind the decision.
	Metadata map[string]float64
}

func (e AnomalyDetected) Topic() Topic          { return TopicAnomalyDetected }
func (e AnomalyDetected) Truck() string         { return e.TruckID }
func (e AnomalyDetected) OccurredAt() time.Time { return e.At }

type SensorMalfunction struct {
	TruckID string
	At      time.Time
	Channel string
	Reason  string
}

func (e SensorMalfunction) Topic() Topic          { return TopicSensorMalfunction }
func (e SensorMalfunction) Truck() string         { return e.TruckID }
func (e SensorMalfunction) OccurredAt() time.Time { return e.At }

type ActivityTransition struct {
	TruckID string
	At      time.Time
	From    string
	To      string
}

func (e ActivityTransition) Topic() Topic          { return TopicActivityTransition }
func (e ActivityTransition) Truck() string         { return e.TruckID }
func (e ActivityTransition) OccurredAt() time.Time { return e.At }

// DriverScores are the three independent 0-100 session scores plus the
// weighted star rating shown to operators.
type DriverScores struct {
	Efficiency     float64
	Aggressiveness float64
	Safety         float64
	Stars          int
}

type DriverSessionEnd struct {
	TruckID         string
	DriverID        string
	At              time.Time
	StartedAt       time.Time
	Scores          DriverScores
	Recommendations []string
}

func (e DriverSessionEnd) Topic() Topic          { return TopicDriverSessionEnd }
func (e DriverSessionEnd) Truck() string         { return e.TruckID }
func (e DriverSessionEnd) OccurredAt() time.Time { return e.At }

// MaintenanceHint is advisory: sustained consumption or efficiency drift
// that suggests a service visit, not an operational anomaly.
type MaintenanceHint struct {
	TruckID   string
	At        time.Time
	Reason    string
	Metric    string
	Value     float64
	Threshold float64
	Message   string
}

func (e MaintenanceHint) Topic() Topic          { return TopicMaintenanceHint }
func (e MaintenanceHint) Truck() string         { return e.TruckID }
func (e MaintenanceHint) OccurredAt() time.Time { return e.At }
