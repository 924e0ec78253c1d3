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
	"time"

	"github.com/fleetbeacon/fuelcore/estimator/tank"
)

// refuelSample is one raw level observation. The detector works on raw
// sensor percent, not filtered output: the filters deliberately smooth
// away exactly the step a refuel produces.
type refuelSample struct {
	at    time.Time
	pct   float64
	speed float64
}

const refuelMaxSamples = 256

// refuelDetector watches a sliding window of raw level samples for a
// stationary upward step. It fires at most once per step: detection
// re-baselines the window to the post-refuel level, so the plateau after
// a fill (85, 86, 85) cannot re-trigger.
type refuelDetector struct {
	capacityGal float64
	samples     []refuelSample
}

func newRefuelDetector(spec tank.Spec) *refuelDetector {
	return &refuelDetector{capacityGal: spec.CapacityGal()}
}

// RefuelHit is a detected refuel in raw sensor terms.
type RefuelHit struct {
	PctBefore float64
	PctAfter  float64
	Gallons   float64
}

// Observe records one raw level sample and reports whether it completes
// a refuel. minJumpPct and window come from the live thresholds so a
// config reload applies immediately.
func (d *refuelDetector) Observe(at time.Time, pct, speed float64, minJumpPct float64, window time.Duration) (RefuelHit, bool) {
	d.trim(at, window)
	d.samples = append(d.samples, refuelSample{at: at, pct: pct, speed: speed})
	if len(d.samples) > refuelMaxSamples {
		d.samples = d.samples[len(d.samples)-refuelMaxSamples:]
	}

	low := 0
	for i, s := range d.samples {
		if s.pct < d.samples[low].pct {
			low = i
		}
	}
	jump := pct - d.samples[low].pct
	if jump < minJumpPct {
		return RefuelHit{}, false
	}
	// The truck must be stationary from the pre-refuel low through now.
	for _, s := range d.samples[low:] {
		if s.speed >= 2 {
			return RefuelHit{}, false
		}
	}
	gallons := jump / 100 * d.capacityGal
	if gallons < 5 || gallons > d.capacityGal {
		return RefuelHit{}, false
	}

	hit := RefuelHit{PctBefore: d.samples[low].pct, PctAfter: pct, Gallons: gallons}
	d.Rebaseline(at, pct)
	return hit, true
}

// Rebaseline forgets history and restarts the window at the given level.
// Called on detection and by operator resets.
func (d *refuelDetector) Rebaseline(at time.Time, pct float64) {
	d.samples = d.samples[:0]
	d.samples = append(d.samples, refuelSample{at: at, pct: pct})
}

func (d *refuelDetector) trim(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(d.samples) && d.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		d.samples = append(d.samples[:0], d.samples[i:]...)
	}
}

func (d *refuelDetector) Clone() *refuelDetector {
	out := &refuelDetector{capacityGal: d.capacityGal}
	out.samples = append(out.samples, d.samples...)
	return out
}

// RefuelWindowSample is the serializable form of one window entry.
type RefuelWindowSample struct {
	At    time.Time `yaml:"at"`
	Pct   float64   `yaml:"pct"`
	Speed float64   `yaml:"speed"`
}

func (d *refuelDetector) State() []RefuelWindowSample {
	out := make([]RefuelWindowSample, 0, len(d.samples))
	for _, s := range d.samples {
		out = append(out, RefuelWindowSample{At: s.at, Pct: s.pct, Speed: s.speed})
	}
	return out
}

func (d *refuelDetector) Restore(st []RefuelWindowSample) {
	d.samples = d.samples[:0]
	for _, s := range st {
		d.samples = append(d.samples, refuelSample{at: s.At, pct: s.Pct, speed: s.Speed})
	}
}
