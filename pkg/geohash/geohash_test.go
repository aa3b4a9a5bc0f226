package geohash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeKnownValues(t *testing.T) {
	tests := []struct {
		name      string
		lat, lon  float64
		precision int
		want      string
	}{
		{"greenwich", 51.477, 0.0, 6, "u10hb5"},
		{"san francisco", 37.7749, -122.4194, 6, "9q8yyk"},
		{"ashgabat", 37.9601, 58.3261, 6, "tq9rzn"},
		{"equator origin", 0, 0, 5, "s0000"},
		{"south pole region", -89.9, -179.9, 4, "0000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Encode(tt.lat, tt.lon, tt.precision))
		})
	}
}

func TestEncodePrefixNesting(t *testing.T) {
	// A longer geohash is a refinement of the shorter one for the same
	// point.
	lat, lon := 37.7749, -122.4194
	full := Encode(lat, lon, 9)
	for p := 1; p < 9; p++ {
		assert.Equal(t, full[:p], Encode(lat, lon, p))
	}
}

func TestCenterRoundTrip(t *testing.T) {
	tests := []struct {
		lat, lon float64
	}{
		{51.477, 0.0},
		{37.7749, -122.4194},
		{-33.8688, 151.2093},
		{64.1466, -21.9426},
	}

	for _, tt := range tests {
		gh := Encode(tt.lat, tt.lon, 6)
		lat, lon := Center(gh)
		// A precision-6 cell is about 1.2km x 0.6km; the center must be
		// within half a cell of the original point.
		assert.InDelta(t, tt.lat, lat, 0.01)
		assert.InDelta(t, tt.lon, lon, 0.01)
		assert.Equal(t, gh, Encode(lat, lon, 6))
	}
}

func TestBoundingBoxContainsPoint(t *testing.T) {
	lat, lon := 37.7749, -122.4194
	gh := Encode(lat, lon, 6)
	latMin, latMax, lonMin, lonMax := BoundingBox(gh)

	assert.GreaterOrEqual(t, lat, latMin)
	assert.LessOrEqual(t, lat, latMax)
	assert.GreaterOrEqual(t, lon, lonMin)
	assert.LessOrEqual(t, lon, lonMax)
}

func TestAdjacentIsSymmetric(t *testing.T) {
	opposites := map[byte]byte{
		'n': 's',
		's': 'n',
		'e': 'w',
		'w': 'e',
	}

	for _, gh := range []string{"9q8yyk", "u10hb5", "tq9rzn", "u4pruy"} {
		for dir, opp := range opposites {
			neighbor := Adjacent(gh, dir)
			require.Len(t, neighbor, len(gh))
			assert.Equal(t, gh, Adjacent(neighbor, opp),
				"adjacent of %s in %c then back should return the original", gh, dir)
		}
	}
}

func TestAdjacentCrossesCellBoundary(t *testing.T) {
	// Neighbor cells share an edge: their centers differ by one cell
	// width along the direction axis.
	gh := "9q8yyk"
	lat, _ := Center(gh)
	northLat, _ := Center(Adjacent(gh, 'n'))
	southLat, _ := Center(Adjacent(gh, 's'))

	assert.Greater(t, northLat, lat)
	assert.Less(t, southLat, lat)
}

func TestNeighborsReturnsTilePlusEight(t *testing.T) {
	gh := "9q8yyk"
	tiles := Neighbors(gh)

	require.Len(t, tiles, 9)
	assert.Equal(t, gh, tiles[0])

	seen := make(map[string]struct{}, len(tiles))
	for _, tile := range tiles {
		_, dup := seen[tile]
		assert.False(t, dup, "duplicate tile %s", tile)
		seen[tile] = struct{}{}
		assert.Len(t, tile, len(gh))
	}
}

func TestNeighborsDedupNearPole(t *testing.T) {
	// Near the poles the wrap-around collapses some neighbors; the
	// result must still be unique and include the center.
	gh := Encode(89.9, 0, 3)
	tiles := Neighbors(gh)

	seen := make(map[string]struct{})
	for _, tile := range tiles {
		_, dup := seen[tile]
		assert.False(t, dup)
		seen[tile] = struct{}{}
	}
	assert.Contains(t, tiles, gh)
	assert.LessOrEqual(t, len(tiles), 9)
}

func TestCoverSoundness(t *testing.T) {
	// Every point within the radius must fall in a covered tile.
	centerLat, centerLon := 37.7749, -122.4194
	radiusM := 5000.0
	tiles := Cover(centerLat, centerLon, radiusM, 6)
	require.NotEmpty(t, tiles)

	covered := make(map[string]struct{}, len(tiles))
	for _, tile := range tiles {
		covered[tile] = struct{}{}
	}

	// Probe a ring of points just inside the radius plus the center.
	probes := []struct{ lat, lon float64 }{
		{centerLat, centerLon},
		{centerLat + 0.04, centerLon},
		{centerLat - 0.04, centerLon},
		{centerLat, centerLon + 0.05},
		{centerLat, centerLon - 0.05},
		{centerLat + 0.03, centerLon + 0.03},
		{centerLat - 0.03, centerLon - 0.03},
	}
	for _, p := range probes {
		if Distance(centerLat, centerLon, p.lat, p.lon) > radiusM {
			continue
		}
		gh := Encode(p.lat, p.lon, 6)
		_, ok := covered[gh]
		assert.True(t, ok, "point (%f, %f) inside radius but tile %s not covered", p.lat, p.lon, gh)
	}
}

func TestDistanceKnownValues(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		wantM                  float64
		tolM                   float64
	}{
		{"zero distance", 37.7749, -122.4194, 37.7749, -122.4194, 0, 0.001},
		{"paris to london", 48.8566, 2.3522, 51.5074, -0.1278, 343500, 1500},
		{"one degree latitude", 0, 0, 1, 0, 111195, 200},
		{"across meridian", 51.5, -0.1, 51.5, 0.1, 13870, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.wantM, got, tt.tolM)
		})
	}
}

func TestDistanceIsSymmetric(t *testing.T) {
	d1 := Distance(37.7749, -122.4194, 51.477, 0.0)
	d2 := Distance(51.477, 0.0, 37.7749, -122.4194)
	assert.Equal(t, d1, d2)
}
