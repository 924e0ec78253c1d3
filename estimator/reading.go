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
	"errors"
	"time"
)

// Reading is one telemetry observation for one truck. Every sensor
// channel is independently optional; nil means the channel was absent
// from the transmission, which is information in itself and must never be
// read as zero.
type Reading struct {
	TruckID  string    `yaml:"truck_id" json:"truck_id"`
	At       time.Time `yaml:"at" json:"at"`
	DriverID string    `yaml:"driver_id,omitempty" json:"driver_id,omitempty"`

	FuelLevelPct   *float64 `yaml:"fuel_level_pct,omitempty" json:"fuel_level_pct,omitempty"`       // capacitive sender, percent of tank [0,100]
	ECUTotalFuelL  *float64 `yaml:"ecu_total_fuel_l,omitempty" json:"ecu_total_fuel_l,omitempty"`   // cumulative fuel injected, liters, non-decreasing
	ECUFuelRateGPH *float64 `yaml:"ecu_fuel_rate_gph,omitempty" json:"ecu_fuel_rate_gph,omitempty"` // instantaneous rate, gallons/hour [0,50]
	ECUIdleFuelGal *float64 `yaml:"ecu_idle_fuel_gal,omitempty" json:"ecu_idle_fuel_gal,omitempty"` // cumulative idle burn, gallons

	SpeedMPH      *float64 `yaml:"speed_mph,omitempty" json:"speed_mph,omitempty"`
	RPM           *float64 `yaml:"rpm,omitempty" json:"rpm,omitempty"`
	EngineLoadPct *float64 `yaml:"engine_load_pct,omitempty" json:"engine_load_pct,omitempty"`
	AltitudeFt    *float64 `yaml:"altitude_ft,omitempty" json:"altitude_ft,omitempty"`
	AmbientTempF  *float64 `yaml:"ambient_temp_f,omitempty" json:"ambient_temp_f,omitempty"`
	Latitude      *float64 `yaml:"latitude,omitempty" json:"latitude,omitempty"`
	Longitude     *float64 `yaml:"longitude,omitempty" json:"longitude,omitempty"`
}

var (
	errNoTruckID   = errors.New("reading has no truck_id")
	errNoTimestamp = errors.New("reading has no timestamp")
)

// CheckBasic rejects readings that cannot be routed at all. Channel-level
// validation happens later, per channel, so one bad sensor never costs
// the rest of the reading.
func (r Reading) CheckBasic() error {
	if r.TruckID == "" {
		return errNoTruckID
	}
	if r.At.IsZero() {
		return errNoTimestamp
	}
	return nil
}

// HasECUCumulative reports whether the reading carries accumulation
// state. Such readings must never be dropped under backpressure.
func (r Reading) HasECUCumulative() bool {
	return r.ECUTotalFuelL != nil || r.ECUIdleFuelGal != nil
}

func fval(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}
