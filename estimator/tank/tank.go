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

// Package tank maps between liters in the tank and what the capacitive
// level sender reports. The map must be invertible and differentiable
// (piecewise) because its slope feeds the measurement Jacobian of the
// fuel filter. Saddle tanks on class-8 tractors are the reason this is
// not just a division by capacity: two interconnected tanks under-read
// when near empty and saturate when near full.
package tank

import (
	"fmt"
	"sort"
)

type Shape string

const (
	Cylinder    Shape = "cylinder"
	Saddle      Shape = "saddle"
	Rectangular Shape = "rectangular"
	Custom      Shape = "custom"
)

// CalibrationPoint anchors a custom level curve: at VolumeL liters the
// sender reports SensorPct percent.
type CalibrationPoint struct {
	VolumeL   float64 `yaml:"volume_l" validate:"gte=0"`
	SensorPct float64 `yaml:"sensor_pct" validate:"gte=0,lte=100"`
}

// Spec is a truck's tank geometry. Built once at registration and
// immutable afterwards.
type Spec struct {
	CapacityL   float64            `yaml:"capacity_l" validate:"required,gt=0"`
	Shape       Shape              `yaml:"shape"`
	Calibration []CalibrationPoint `yaml:"calibration_curve,omitempty"`
}

func (s Spec) CapacityGal() float64 { return s.CapacityL / LitersPerGallon }

// LitersPerGallon converts between the two volume units in play: tanks
// and the EKF run in liters, operators and the ECU rate channel in gallons.
const LitersPerGallon = 3.78541

// Model converts between stored volume and reported sensor percent for
// one tank geometry.
type Model interface {
	// SensorPctFromVolume maps liters to the expected sender reading.
	SensorPctFromVolume(volumeL float64) float64
	// SlopePctPerLiter is d(sensor_pct)/d(volume_L) at volumeL.
	// Strictly positive everywhere so the map stays invertible.
	SlopePctPerLiter(volumeL float64) float64
	// VolumeFromSensorPct inverts the map. Approximate at region
	// boundaries; used for bootstrapping the filter, not for tracking.
	VolumeFromSensorPct(pct float64) float64
}

type modelFactory func(Spec) Model

var shapeRegistry = map[Shape]modelFactory{}

func registerShape(s Shape, f modelFactory) {
	if _, ok := shapeRegistry[s]; ok {
		panic(fmt.Sprintf("duplicate tank shape %q", s))
	}
	shapeRegistry[s] = f
}

func init() {
	registerShape(Cylinder, func(s Spec) Model { return linearModel{capacityL: s.CapacityL} })
	registerShape(Rectangular, func(s Spec) Model { return linearModel{capacityL: s.CapacityL} })
	registerShape(Saddle, func(s Spec) Model { return saddleModel{capacityL: s.CapacityL} })
	registerShape(Custom, newCustomModel)
}

// KnownShape reports whether s has a registered model.
func KnownShape(s Shape) bool {
	_, ok := shapeRegistry[s]
	return ok
}

// ModelFor returns the model for the spec's shape. Unknown shapes fall
// back to the linear model; the returned bool is false so the caller can
// log the substitution. A read never fails over tank geometry.
func ModelFor(spec Spec) (Model, bool) {
	f, ok := shapeRegistry[spec.Shape]
	if !ok {
		return linearModel{capacityL: spec.CapacityL}, false
	}
	return f(spec), true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// linearModel serves cylinder and rectangular tanks, and is the fallback
// for everything unrecognized.
type linearModel struct {
	capacityL float64
}

func (m linearModel) SensorPctFromVolume(volumeL float64) float64 {
	volumeL = clamp(volumeL, 0, m.capacityL)
	return 100 * volumeL / m.capacityL
}

func (m linearModel) SlopePctPerLiter(volumeL float64) float64 {
	return 100 / m.capacityL
}

func (m linearModel) VolumeFromSensorPct(pct float64) float64 {
	pct = clamp(pct, 0, 100)
	return pct / 100 * m.capacityL
}

// saddleModel is piecewise linear in fill fraction with three regions.
// Fill below 20% of capacity under-reads at slope 0.9, the middle band
// is true at slope 1.0, and above 80% the sender saturates at slope 0.7,
// topping out at a reading of 92 for a brim-full tank.
type saddleModel struct {
	capacityL float64
}

const (
	saddleLowBoundaryPct  = 20.0
	saddleHighBoundaryPct = 80.0
	saddleLowSlope        = 0.9
	saddleMidSlope        = 1.0
	saddleHighSlope       = 0.7
	// Sensor readings at the region boundaries, from continuity.
	saddleLowKneePct  = saddleLowSlope * saddleLowBoundaryPct                                          // 18
	saddleHighKneePct = saddleLowKneePct + saddleMidSlope*(saddleHighBoundaryPct-saddleLowBoundaryPct) // 78
)

func (m saddleModel) SensorPctFromVolume(volumeL float64) float64 {
	volumeL = clamp(volumeL, 0, m.capacityL)
	fillPct := 100 * volumeL / m.capacityL
	switch {
	case fillPct < saddleLowBoundaryPct:
		return saddleLowSlope * fillPct
	case fillPct < saddleHighBoundaryPct:
		return saddleLowKneePct + saddleMidSlope*(fillPct-saddleLowBoundaryPct)
	default:
		return saddleHighKneePct + saddleHighSlope*(fillPct-saddleHighBoundaryPct)
	}
}

func (m saddleModel) SlopePctPerLiter(volumeL float64) float64 {
	volumeL = clamp(volumeL, 0, m.capacityL)
	fillPct := 100 * volumeL / m.capacityL
	perLiter := 100 / m.capacityL
	switch {
	case fillPct < saddleLowBoundaryPct:
		return saddleLowSlope * perLiter
	case fillPct < saddleHighBoundaryPct:
		return saddleMidSlope * perLiter
	default:
		return saddleHighSlope * perLiter
	}
}

func (m saddleModel) VolumeFromSensorPct(pct float64) float64 {
	pct = clamp(pct, 0, 100)
	var fillPct float64
	switch {
	case pct < saddleLowKneePct:
		fillPct = pct / saddleLowSlope
	case pct < saddleHighKneePct:
		fillPct = saddleLowBoundaryPct + (pct-saddleLowKneePct)/saddleMidSlope
	default:
		fillPct = saddleHighBoundaryPct + (pct-saddleHighKneePct)/saddleHighSlope
	}
	return clamp(fillPct, 0, 100) / 100 * m.capacityL
}

// customModel interpolates a measured calibration curve. A curve that is
// missing or not strictly increasing in both coordinates degrades to the
// linear model; config validation reports that at startup, the hot path
// just keeps working.
type customModel struct {
	capacityL float64
	points    []CalibrationPoint
}

func newCustomModel(s Spec) Model {
	pts := ValidCalibration(s)
	if pts == nil {
		return linearModel{capacityL: s.CapacityL}
	}
	return customModel{capacityL: s.CapacityL, points: pts}
}

// ValidCalibration returns a sorted copy of the spec's calibration curve
// if it is usable for interpolation (two or more points, strictly
// increasing in volume and in sensor pct), else nil.
func ValidCalibration(s Spec) []CalibrationPoint {
	if len(s.Calibration) < 2 {
		return nil
	}
	pts := make([]CalibrationPoint, len(s.Calibration))
	copy(pts, s.Calibration)
	sort.Slice(pts, func(i, j int) bool { return pts[i].VolumeL < pts[j].VolumeL })
	for i := 1; i < len(pts); i++ {
		if pts[i].VolumeL <= pts[i-1].VolumeL || pts[i].SensorPct <= pts[i-1].SensorPct {
			return nil
		}
	}
	return pts
}

func (m customModel) SensorPctFromVolume(volumeL float64) float64 {
	volumeL = clamp(volumeL, 0, m.capacityL)
	pts := m.points
	if volumeL <= pts[0].VolumeL {
		return pts[0].SensorPct
	}
	for i := 1; i < len(pts); i++ {
		if volumeL <= pts[i].VolumeL {
			a, b := pts[i-1], pts[i]
			frac := (volumeL - a.VolumeL) / (b.VolumeL - a.VolumeL)
			return a.SensorPct + frac*(b.SensorPct-a.SensorPct)
		}
	}
	return pts[len(pts)-1].SensorPct
}

func (m customModel) SlopePctPerLiter(volumeL float64) float64 {
	volumeL = clamp(volumeL, 0, m.capacityL)
	pts := m.points
	for i := 1; i < len(pts); i++ {
		if volumeL <= pts[i].VolumeL {
			a, b := pts[i-1], pts[i]
			return (b.SensorPct - a.SensorPct) / (b.VolumeL - a.VolumeL)
		}
	}
	a, b := pts[len(pts)-2], pts[len(pts)-1]
	return (b.SensorPct - a.SensorPct) / (b.VolumeL - a.VolumeL)
}

func (m customModel) VolumeFromSensorPct(pct float64) float64 {
	pts := m.points
	pct = clamp(pct, pts[0].SensorPct, pts[len(pts)-1].SensorPct)
	for i := 1; i < len(pts); i++ {
		if pct <= pts[i].SensorPct {
			a, b := pts[i-1], pts[i]
			frac := (pct - a.SensorPct) / (b.SensorPct - a.SensorPct)
			return clamp(a.VolumeL+frac*(b.VolumeL-a.VolumeL), 0, m.capacityL)
		}
	}
	return pts[len(pts)-1].VolumeL
}
