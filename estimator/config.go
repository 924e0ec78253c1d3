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
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	yaml "gopkg.in/yaml.v2"

	"github.com/fleetbeacon/fuelcore/estimator/fusion"
	"github.com/fleetbeacon/fuelcore/estimator/kalman"
	"github.com/fleetbeacon/fuelcore/estimator/tank"
	"github.com/fleetbeacon/fuelcore/geo"
)

// FleetConfig is the full startup configuration. Parsing is strict:
// unknown keys are errors. Only Thresholds and the geofence lists may
// change at runtime (see watch.go); everything else requires a restart.
type FleetConfig struct {
	TankSpecs  map[string]tank.Spec `yaml:"tank_specs" validate:"required,min=1,dive"`
	Thresholds Thresholds           `yaml:"thresholds"`

	// EKFTuning holds optional per-truck noise overrides as loose maps,
	// decoded onto kalman.Tuning on demand. Loose so that partial
	// overrides (just r_fuel_sensor, say) stay partial.
	EKFTuning map[string]map[string]interface{} `yaml:"ekf_tuning,omitempty"`

	Activity   ActivityClassification `yaml:"activity_classification"`
	RateLimits map[string]RateLimit   `yaml:"rate_limits,omitempty"`

	WorkerPoolSize                  int `yaml:"worker_pool_size" validate:"gte=0,lte=1024"`
	PerTruckQueueDepth              int `yaml:"per_truck_queue_depth" validate:"gte=0"`
	CkptIntervalSeconds             int `yaml:"ckpt_interval_seconds" validate:"gte=0"`
	GracefulShutdownDeadlineSeconds int `yaml:"graceful_shutdown_deadline_seconds" validate:"gte=0"`

	// EstimatorMode selects the estimation core: "ekf" (canonical) or
	// "simple" (legacy exponential smoothing).
	EstimatorMode string `yaml:"estimator_mode,omitempty" validate:"omitempty,oneof=ekf simple"`

	StateDir       string `yaml:"state_dir,omitempty"`
	AdminSocket    string `yaml:"admin_socket,omitempty"`
	MetricsAddress string `yaml:"metrics_address,omitempty"`
}

// Thresholds are the operational knobs shared by the coordinator and the
// domain services. All of them are hot-reloadable.
type Thresholds struct {
	IdleMaxGPH                  float64 `yaml:"idle_max_gph" validate:"gte=0"`
	RefuelMinPctJump            float64 `yaml:"refuel_min_pct_jump" validate:"gte=0,lte=100"`
	RefuelWindowMinutes         float64 `yaml:"refuel_window_minutes" validate:"gte=0"`
	StaleReadingMinutes         float64 `yaml:"stale_reading_minutes" validate:"gte=0"`
	SlowLeakLphPerHour          float64 `yaml:"anomaly_slow_leak_lph_per_hour" validate:"gte=0"`
	HighConsumptionRatio        float64 `yaml:"high_consumption_ratio" validate:"gte=0"`
	LowFuelPct                  float64 `yaml:"low_fuel_pct" validate:"gte=0,lte=100"`
	NonProductiveIdleMaxMinutes float64 `yaml:"non_productive_idle_max_minutes_per_day" validate:"gte=0"`
	EfficiencyMin               float64 `yaml:"efficiency_min" validate:"gte=0,lte=2"`
	EfficiencyWindowMinutes     float64 `yaml:"efficiency_window_minutes" validate:"gte=0"`
	AlertDedupMinutes           float64 `yaml:"alert_dedup_minutes" validate:"gte=0"`
}

func (t Thresholds) RefuelWindow() time.Duration {
	return time.Duration(t.RefuelWindowMinutes * float64(time.Minute))
}

func (t Thresholds) StaleAfter() time.Duration {
	return time.Duration(t.StaleReadingMinutes * float64(time.Minute))
}

func (t Thresholds) AlertDedupWindow() time.Duration {
	return time.Duration(t.AlertDedupMinutes * float64(time.Minute))
}

func (t Thresholds) EfficiencyWindow() time.Duration {
	return time.Duration(t.EfficiencyWindowMinutes * float64(time.Minute))
}

// ActivityClassification configures the driving/idle split and the
// geofences that make idle productive or mark legitimate parking.
type ActivityClassification struct {
	SpeedDrivingThresholdMPH float64          `yaml:"speed_driving_threshold_mph" validate:"gte=0"`
	ProductiveGeofences      []GeofenceConfig `yaml:"productive_geofences,omitempty" validate:"dive"`
	ParkingGeofences         []GeofenceConfig `yaml:"parking_geofences,omitempty" validate:"dive"`
}

type GeofenceConfig struct {
	Name     string         `yaml:"name" validate:"required"`
	Vertices []VertexConfig `yaml:"vertices" validate:"min=3,dive"`
}

type VertexConfig struct {
	Lat float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `yaml:"lon" validate:"gte=-180,lte=180"`
}

// RateLimit overrides one fusion channel's validation envelope.
type RateLimit struct {
	MaxRateOfChange float64 `yaml:"max_rate_of_change" validate:"gte=0"`
	HistoryWindow   int     `yaml:"history_window" validate:"gte=0"`
}

var fleetValidate = validator.New()

// UnmarshalFleetConfig parses YAML without applying defaults or
// validation. Unknown keys anywhere in the document are errors.
func UnmarshalFleetConfig(input []byte) (FleetConfig, error) {
	config := FleetConfig{}
	if err := yaml.UnmarshalStrict(input, &config); err != nil {
		return FleetConfig{}, fmt.Errorf("the fleet config file is not valid YAML. detailed error: %s", err)
	}
	return config, nil
}

// ParseFleetConfigAndValidate is the startup entry point: parse, merge
// defaults, then validate. The returned error aggregates every problem
// found, not just the first.
func ParseFleetConfigAndValidate(input []byte) (FleetConfig, error) {
	config, err := UnmarshalFleetConfig(input)
	if err != nil {
		return FleetConfig{}, err
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// SetDefaults fills every unset option with its stock value. Runs before
// validation so a minimal config (tank_specs only) is valid.
func (c *FleetConfig) SetDefaults() {
	t := &c.Thresholds
	if t.IdleMaxGPH == 0 {
		t.IdleMaxGPH = 1.0
	}
	if t.RefuelMinPctJump == 0 {
		t.RefuelMinPctJump = 10
	}
	if t.RefuelWindowMinutes == 0 {
		t.RefuelWindowMinutes = 15
	}
	if t.StaleReadingMinutes == 0 {
		t.StaleReadingMinutes = 10
	}
	if t.SlowLeakLphPerHour == 0 {
		t.SlowLeakLphPerHour = 0.1
	}
	if t.HighConsumptionRatio == 0 {
		t.HighConsumptionRatio = 1.5
	}
	if t.LowFuelPct == 0 {
		t.LowFuelPct = 10
	}
	if t.NonProductiveIdleMaxMinutes == 0 {
		t.NonProductiveIdleMaxMinutes = 120
	}
	if t.EfficiencyMin == 0 {
		t.EfficiencyMin = 0.85
	}
	if t.EfficiencyWindowMinutes == 0 {
		t.EfficiencyWindowMinutes = 30
	}
	if t.AlertDedupMinutes == 0 {
		t.AlertDedupMinutes = 15
	}
	if c.Activity.SpeedDrivingThresholdMPH == 0 {
		c.Activity.SpeedDrivingThresholdMPH = 5
	}
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = 4
	}
	if c.PerTruckQueueDepth == 0 {
		c.PerTruckQueueDepth = 64
	}
	if c.CkptIntervalSeconds == 0 {
		c.CkptIntervalSeconds = 300
	}
	if c.GracefulShutdownDeadlineSeconds == 0 {
		c.GracefulShutdownDeadlineSeconds = 10
	}
	if c.EstimatorMode == "" {
		c.EstimatorMode = "ekf"
	}
	if c.MetricsAddress == "" {
		c.MetricsAddress = "127.0.0.1:2112"
	}
}

// Validate checks field constraints and cross-field semantics. Unknown
// tank shapes are NOT errors here: the shape registry substitutes the
// linear model and the estimator logs the substitution once.
func (c FleetConfig) Validate() error {
	var result error
	if err := fleetValidate.Struct(c); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, fe := range verrs {
			result = multierror.Append(result, fmt.Errorf(
				"config field %q failed constraint %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
	}
	for id := range c.TankSpecs {
		if id == "" {
			result = multierror.Append(result, fmt.Errorf("tank_specs contains an empty truck id"))
		}
	}
	for id, spec := range c.TankSpecs {
		if spec.Shape == tank.Custom && len(spec.Calibration) > 0 && len(spec.Calibration) < 2 {
			result = multierror.Append(result, fmt.Errorf(
				"tank_specs[%s]: a custom calibration curve needs at least 2 points", id))
		}
	}
	for id := range c.EKFTuning {
		if _, ok := c.TankSpecs[id]; !ok {
			result = multierror.Append(result, fmt.Errorf(
				"ekf_tuning references truck %q which has no tank spec", id))
		}
	}
	for id := range c.EKFTuning {
		if _, err := c.TuningFor(id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for ch := range c.RateLimits {
		switch fusion.Channel(ch) {
		case fusion.FuelLevel, fusion.ECUFuelUsed, fusion.ECUFuelRate:
		default:
			result = multierror.Append(result, fmt.Errorf(
				"rate_limits references unknown channel %q", ch))
		}
	}
	return result
}

// TuningFor decodes the truck's ekf_tuning override over the stock
// tuning. Unknown keys in the override map are errors, matching the
// strictness of the outer parse.
func (c FleetConfig) TuningFor(truckID string) (kalman.Tuning, error) {
	tuning := kalman.DefaultTuning()
	raw, ok := c.EKFTuning[truckID]
	if !ok {
		return tuning, nil
	}
	// WeaklyTypedInput so "r_fuel_sensor: 25" (a YAML int) lands on the
	// float64 field.
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &tuning,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return tuning, err
	}
	if err := dec.Decode(raw); err != nil {
		return kalman.DefaultTuning(), fmt.Errorf("ekf_tuning[%s]: %s", truckID, err)
	}
	if tuning.QVolume <= 0 || tuning.QRate <= 0 || tuning.QEfficiency <= 0 ||
		tuning.RFuelSensor <= 0 || tuning.RECUUsed <= 0 || tuning.RFuelRate <= 0 {
		return kalman.DefaultTuning(), fmt.Errorf("ekf_tuning[%s]: noise values must be positive", truckID)
	}
	return tuning, nil
}

// FusionConfigFor builds the truck's fusion tuning: stock config for its
// tank capacity with any rate_limits overrides applied.
func (c FleetConfig) FusionConfigFor(spec tank.Spec) fusion.Config {
	cfg := fusion.DefaultConfig(spec.CapacityL)
	for ch, rl := range c.RateLimits {
		lim, ok := cfg.Limits[fusion.Channel(ch)]
		if !ok {
			continue
		}
		if rl.MaxRateOfChange > 0 {
			lim.MaxRatePerMin = rl.MaxRateOfChange
		}
		cfg.Limits[fusion.Channel(ch)] = lim
		if rl.HistoryWindow > 0 {
			cfg.HistoryWindow = rl.HistoryWindow
		}
	}
	return cfg
}

// Geofences flattens the configured polygons into the lookup index form.
func (c FleetConfig) Geofences() []geo.Fence {
	var fences []geo.Fence
	add := func(list []GeofenceConfig, tag string) {
		for _, g := range list {
			f := geo.Fence{Name: g.Name, Tag: tag}
			for _, v := range g.Vertices {
				f.Vertices = append(f.Vertices, geo.Point{Lat: v.Lat, Lon: v.Lon})
			}
			fences = append(fences, f)
		}
	}
	add(c.Activity.ProductiveGeofences, geo.TagProductive)
	add(c.Activity.ParkingGeofences, geo.TagParking)
	return fences
}

// Runtime is the hot-reloadable slice of FleetConfig. The estimator holds
// it behind an atomic pointer; the watcher swaps in a whole new value.
type Runtime struct {
	Thresholds               Thresholds
	SpeedDrivingThresholdMPH float64
	Geo                      *geo.Index
}

func (c FleetConfig) Runtime() *Runtime {
	return &Runtime{
		Thresholds:               c.Thresholds,
		SpeedDrivingThresholdMPH: c.Activity.SpeedDrivingThresholdMPH,
		Geo:                      geo.NewIndex(c.Geofences()),
	}
}

func (c FleetConfig) GracefulShutdownDeadline() time.Duration {
	return time.Duration(c.GracefulShutdownDeadlineSeconds) * time.Second
}

func (c FleetConfig) CheckpointInterval() time.Duration {
	return time.Duration(c.CkptIntervalSeconds) * time.Second
}
