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

// Package geo answers "where is the truck" questions: point-in-geofence
// lookups and great-circle distances. Geofences come from configuration;
// an empty index is valid and answers negatively.
package geo

import "math"

const earthRadiusM = 6371000.0

// Tags recognized on geofences. Productive zones make stationary engine-on
// time count as productive idle; parking zones arm the siphoning detector.
const (
	TagProductive = "productive"
	TagParking    = "parking"
)

type Point struct {
	Lat float64
	Lon float64
}

type Fence struct {
	Name     string
	Tag      string
	Vertices []Point
}

// Contains uses even-odd ray casting. Vertices are treated as a closed
// polygon; degenerate fences (fewer than 3 vertices) contain nothing.
func (f Fence) Contains(p Point) bool {
	n := len(f.Vertices)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		vi, vj := f.Vertices[i], f.Vertices[j]
		if (vi.Lat > p.Lat) != (vj.Lat > p.Lat) {
			x := (vj.Lon-vi.Lon)*(p.Lat-vi.Lat)/(vj.Lat-vi.Lat) + vi.Lon
			if p.Lon < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Index holds the configured geofences for lookup. Immutable once built;
// config reload swaps in a whole new Index.
type Index struct {
	fences []Fence
}

func NewIndex(fences []Fence) *Index {
	out := make([]Fence, len(fences))
	copy(out, fences)
	return &Index{fences: out}
}

func (ix *Index) Empty() bool {
	return ix == nil || len(ix.fences) == 0
}

// Lookup returns the first fence containing p, declaration order.
func (ix *Index) Lookup(p Point) (Fence, bool) {
	if ix == nil {
		return Fence{}, false
	}
	for _, f := range ix.fences {
		if f.Contains(p) {
			return f, true
		}
	}
	return Fence{}, false
}

// InTag reports whether p falls inside any fence carrying the given tag.
func (ix *Index) InTag(p Point, tag string) bool {
	if ix == nil {
		return false
	}
	for _, f := range ix.fences {
		if f.Tag == tag && f.Contains(p) {
			return true
		}
	}
	return false
}

// HaversineMeters is the great-circle distance between two points.
func HaversineMeters(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

// GradePct computes road grade as rise over run, clamped to ±25 to keep
// sensor glitches from feeding absurd slopes into the consumption model.
// Returns 0 when the run is too short to be meaningful.
func GradePct(riseM, runM float64) float64 {
	const maxAbs = 25.0
	if runM < 1 {
		return 0
	}
	g := riseM / runM * 100
	if g > maxAbs {
		return maxAbs
	}
	if g < -maxAbs {
		return -maxAbs
	}
	return g
}
