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

import "github.com/fleetbeacon/fuelcore/bus"

// Features is the per-sample vector handed to a learned anomaly backend.
// Absent sensor channels arrive as zero; the backend sees the same view
// the rules do.
type Features struct {
	FuelPct        float64
	ConsumptionGPH float64
	SpeedMPH       float64
	RPM            float64
	IdleGPH        float64
	UncertaintyPct float64
}

// Verdict is a learned detector's positive finding: which anomaly kind
// the sample resembles and how strongly.
type Verdict struct {
	Kind  bus.AnomalyKind
	Score float64
}

// Classifier is the pluggable learned-anomaly backend. Observe is called
// on every sample so the backend can train online; Score is consulted
// only once the truck has contributed enough training samples, and only
// when no rule fired for the sample. The rule path is the reference
// implementation and works with no Classifier configured.
type Classifier interface {
	Observe(truckID string, f Features)
	Score(truckID string, f Features) (Verdict, bool)
}
