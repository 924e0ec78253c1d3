package geo_test

import (
	"math"
	"testing"

	"github.com/fleetbeacon/fuelcore/geo"
	"gotest.tools/v3/assert"
)

var depotFence = geo.Fence{
	Name: "depot",
	Tag:  geo.TagProductive,
	Vertices: []geo.Point{
		{Lat: 40.0, Lon: -105.0},
		{Lat: 40.0, Lon: -104.9},
		{Lat: 40.1, Lon: -104.9},
		{Lat: 40.1, Lon: -105.0},
	},
}

func TestFenceContains(t *testing.T) {
	for _, tc := range []struct {
		name string
		p    geo.Point
		want bool
	}{
		{"center", geo.Point{Lat: 40.05, Lon: -104.95}, true},
		{"outside north", geo.Point{Lat: 40.2, Lon: -104.95}, false},
		{"outside east", geo.Point{Lat: 40.05, Lon: -104.5}, false},
		{"far away", geo.Point{Lat: -33.9, Lon: 151.2}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, depotFence.Contains(tc.p), tc.want)
		})
	}
}

func TestDegenerateFenceContainsNothing(t *testing.T) {
	f := geo.Fence{Name: "line", Vertices: []geo.Point{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}}
	assert.Assert(t, !f.Contains(geo.Point{Lat: 1.5, Lon: 1.5}))
}

func TestIndexLookupAndTags(t *testing.T) {
	parking := geo.Fence{
		Name: "yard",
		Tag:  geo.TagParking,
		Vertices: []geo.Point{
			{Lat: 41.0, Lon: -100.0},
			{Lat: 41.0, Lon: -99.9},
			{Lat: 41.1, Lon: -99.9},
			{Lat: 41.1, Lon: -100.0},
		},
	}
	ix := geo.NewIndex([]geo.Fence{depotFence, parking})

	f, ok := ix.Lookup(geo.Point{Lat: 40.05, Lon: -104.95})
	assert.Assert(t, ok)
	assert.Equal(t, f.Name, "depot")

	assert.Assert(t, ix.InTag(geo.Point{Lat: 41.05, Lon: -99.95}, geo.TagParking))
	assert.Assert(t, !ix.InTag(geo.Point{Lat: 41.05, Lon: -99.95}, geo.TagProductive))

	_, ok = ix.Lookup(geo.Point{Lat: 0, Lon: 0})
	assert.Assert(t, !ok)
}

func TestNilIndex(t *testing.T) {
	var ix *geo.Index
	assert.Assert(t, ix.Empty())
	_, ok := ix.Lookup(geo.Point{})
	assert.Assert(t, !ok)
	assert.Assert(t, !ix.InTag(geo.Point{}, geo.TagParking))
}

func TestHaversineMeters(t *testing.T) {
	// Denver to Boulder, roughly 38.5 km.
	d := geo.HaversineMeters(
		geo.Point{Lat: 39.7392, Lon: -104.9903},
		geo.Point{Lat: 40.0150, Lon: -105.2705},
	)
	assert.Assert(t, math.Abs(d-38500) < 1500, "got %.0f m", d)

	assert.Equal(t, geo.HaversineMeters(geo.Point{Lat: 40, Lon: -105}, geo.Point{Lat: 40, Lon: -105}), 0.0)
}

func TestGradePct(t *testing.T) {
	assert.Equal(t, geo.GradePct(5, 100), 5.0)
	assert.Equal(t, geo.GradePct(-5, 100), -5.0)
	// Clamped.
	assert.Equal(t, geo.GradePct(60, 100), 25.0)
	assert.Equal(t, geo.GradePct(-60, 100), -25.0)
	// Degenerate run.
	assert.Equal(t, geo.GradePct(10, 0.5), 0.0)
}
