// Package geohash implements the pure geospatial kernel: haversine
// distances, classic base-32 geohash encoding, disc coverage and
// neighbor enumeration. Everything here is deterministic and
// side-effect free.
package geohash

import (
	"math"
	"strings"
)

// base32 is the standard geohash alphabet.
const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// DefaultPrecision yields tiles of roughly 1.2km x 0.6km, the default
// for city-scale dispatch.
const DefaultPrecision = 6

// Encode returns the geohash of a coordinate at the given precision.
// Bit decisions interleave longitude-first, per the standard encoding.
func Encode(lat, lon float64, precision int) string {
	if precision <= 0 {
		precision = DefaultPrecision
	}

	latMin, latMax := -90.0, 90.0
	lonMin, lonMax := -180.0, 180.0

	var sb strings.Builder
	sb.Grow(precision)

	bits := [5]int{16, 8, 4, 2, 1}
	bit := 0
	ch := 0
	isLon := true

	for sb.Len() < precision {
		if isLon {
			mid := (lonMin + lonMax) / 2
			if lon >= mid {
				ch |= bits[bit]
				lonMin = mid
			} else {
				lonMax = mid
			}
		} else {
			mid := (latMin + latMax) / 2
			if lat >= mid {
				ch |= bits[bit]
				latMin = mid
			} else {
				latMax = mid
			}
		}
		isLon = !isLon

		if bit < 4 {
			bit++
		} else {
			sb.WriteByte(base32[ch])
			bit = 0
			ch = 0
		}
	}

	return sb.String()
}

// BoundingBox returns the latitude/longitude bounds of a geohash cell.
func BoundingBox(tile string) (latMin, latMax, lonMin, lonMax float64) {
	latMin, latMax = -90.0, 90.0
	lonMin, lonMax = -180.0, 180.0

	isLon := true
	for i := 0; i < len(tile); i++ {
		ch := strings.IndexByte(base32, tile[i])
		if ch < 0 {
			return latMin, latMax, lonMin, lonMax
		}
		for _, bit := range [5]int{16, 8, 4, 2, 1} {
			if isLon {
				mid := (lonMin + lonMax) / 2
				if ch&bit != 0 {
					lonMin = mid
				} else {
					lonMax = mid
				}
			} else {
				mid := (latMin + latMax) / 2
				if ch&bit != 0 {
					latMin = mid
				} else {
					latMax = mid
				}
			}
			isLon = !isLon
		}
	}

	return latMin, latMax, lonMin, lonMax
}

// Center returns the center coordinate of a geohash cell.
func Center(tile string) (lat, lon float64) {
	latMin, latMax, lonMin, lonMax := BoundingBox(tile)
	return (latMin + latMax) / 2, (lonMin + lonMax) / 2
}

// Lookup tables for adjacent cell calculation, indexed by direction and
// by parity of the geohash length (0 = even, 1 = odd).
var (
	neighborTable = map[byte][2]string{
		'n': {"p0r21436x8zb9dcf5h7kjnmqesgutwvy", "bc01fg45238967deuvhjyznpkmstqrwx"},
		's': {"14365h7k9dcfesgujnmqp0r2twvyx8zb", "238967debc01fg45kmstqrwxuvhjyznp"},
		'e': {"bc01fg45238967deuvhjyznpkmstqrwx", "p0r21436x8zb9dcf5h7kjnmqesgutwvy"},
		'w': {"238967debc01fg45kmstqrwxuvhjyznp", "14365h7k9dcfesgujnmqp0r2twvyx8zb"},
	}
	borderTable = map[byte][2]string{
		'n': {"prxz", "bcfguvyz"},
		's': {"028b", "0145hjnp"},
		'e': {"bcfguvyz", "prxz"},
		'w': {"0145hjnp", "028b"},
	}
)

// Adjacent returns the neighboring cell in the given cardinal direction
// ('n', 's', 'e' or 'w'). Returns the empty string for invalid input.
func Adjacent(tile string, direction byte) string {
	if tile == "" {
		return ""
	}
	neighbors, ok := neighborTable[direction]
	if !ok {
		return ""
	}
	borders := borderTable[direction]

	last := tile[len(tile)-1]
	parent := tile[:len(tile)-1]
	parity := len(tile) % 2

	// Cells on a border do not share the parent prefix with their
	// neighbor; recurse to adjust the parent first.
	if strings.IndexByte(borders[parity], last) != -1 && parent != "" {
		parent = Adjacent(parent, direction)
		if parent == "" {
			return ""
		}
	}

	idx := strings.IndexByte(neighbors[parity], last)
	if idx < 0 {
		return ""
	}
	return parent + string(base32[idx])
}

// Neighbors returns the tile itself plus its 8 cardinal and diagonal
// neighbors, for edge-safe fan-out near tile boundaries.
func Neighbors(tile string) []string {
	if tile == "" {
		return nil
	}

	n := Adjacent(tile, 'n')
	s := Adjacent(tile, 's')
	e := Adjacent(tile, 'e')
	w := Adjacent(tile, 'w')

	out := make([]string, 0, 9)
	seen := make(map[string]struct{}, 9)
	add := func(t string) {
		if t == "" {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}

	add(tile)
	add(n)
	add(Adjacent(n, 'e'))
	add(e)
	add(Adjacent(s, 'e'))
	add(s)
	add(Adjacent(s, 'w'))
	add(w)
	add(Adjacent(n, 'w'))

	return out
}

// Cover returns every tile at the given precision that can intersect
// the disc of radiusM meters around the center point. The result
// over-approximates: sampling a 7x7 grid in degree space guarantees no
// covered point is missed at precision <= 7 for city-scale radii.
func Cover(lat, lon, radiusM float64, precision int) []string {
	if precision <= 0 {
		precision = DefaultPrecision
	}

	// 1 degree of latitude is ~111km; longitude degrees shrink with
	// the cosine of the latitude.
	latOffset := radiusM / 111000.0
	cosLat := math.Abs(math.Cos(lat * math.Pi / 180.0))
	if cosLat < 1e-6 {
		cosLat = 1e-6
	}
	lonOffset := latOffset / cosLat

	const steps = 3 // 7x7 sample grid
	seen := make(map[string]struct{})
	out := make([]string, 0, 9)

	for latStep := -steps; latStep <= steps; latStep++ {
		for lonStep := -steps; lonStep <= steps; lonStep++ {
			sampleLat := lat + float64(latStep)*latOffset/steps
			sampleLon := lon + float64(lonStep)*lonOffset/steps
			tile := Encode(sampleLat, sampleLon, precision)
			if _, ok := seen[tile]; ok {
				continue
			}
			seen[tile] = struct{}{}
			out = append(out, tile)
		}
	}

	return out
}
