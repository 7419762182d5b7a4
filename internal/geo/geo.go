// Package geo provides the spherical-distance and viewport math shared by
// fusion gating and the broadcast gateway.
package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

// EarthRadiusMeters is the mean earth radius used by Haversine.
const EarthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters between two
// lat/lon points (degrees).
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// BBox is a client-declared viewport: [minLon, minLat, maxLon, maxLat].
type BBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// BBoxFromSlice builds a BBox from the wire form [minLon, minLat, maxLon, maxLat].
func BBoxFromSlice(v [4]float64) BBox {
	return BBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}
}

// Valid reports whether the box has sane coordinates. Boxes crossing the
// anti-meridian are expressed with MinLon > MaxLon and are valid.
func (b BBox) Valid() bool {
	return b.MinLat <= b.MaxLat &&
		b.MinLat >= -90 && b.MaxLat <= 90 &&
		b.MinLon >= -180 && b.MinLon <= 180 &&
		b.MaxLon >= -180 && b.MaxLon <= 180
}

// Contains reports whether the point lies inside the box. Longitude handles
// anti-meridian wrap: a box with MinLon > MaxLon spans the date line.
func (b BBox) Contains(lat, lon float64) bool {
	if lat < b.MinLat || lat > b.MaxLat {
		return false
	}
	if b.MinLon <= b.MaxLon {
		return lon >= b.MinLon && lon <= b.MaxLon
	}
	return lon >= b.MinLon || lon <= b.MaxLon
}

// CellPrecision is the geohash precision used for gateway room bucketing.
// Precision 4 cells are roughly 39km x 20km.
const CellPrecision = 4

// Cell returns the geohash bucket for a position at CellPrecision.
func Cell(lat, lon float64) string {
	return geohash.EncodeWithPrecision(lat, lon, CellPrecision)
}

// CoverBBox returns the set of CellPrecision geohash cells intersecting the
// box, stepping the grid by cell extent. Anti-meridian boxes are split into
// two spans. The result is capped implicitly by cell size; a whole-world box
// at precision 4 would be large, so callers should bound viewport area.
func CoverBBox(b BBox) []string {
	if b.MinLon <= b.MaxLon {
		return coverSpan(b.MinLat, b.MaxLat, b.MinLon, b.MaxLon)
	}
	cells := coverSpan(b.MinLat, b.MaxLat, b.MinLon, 180)
	return append(cells, coverSpan(b.MinLat, b.MaxLat, -180, b.MaxLon)...)
}

func coverSpan(minLat, maxLat, minLon, maxLon float64) []string {
	// Derive the cell extent from the box of an actual cell at this latitude.
	probe := geohash.BoundingBox(geohash.EncodeWithPrecision(minLat, minLon, CellPrecision))
	latStep := probe.MaxLat - probe.MinLat
	lonStep := probe.MaxLng - probe.MinLng

	seen := make(map[string]struct{})
	var cells []string
	for lat := minLat; ; lat += latStep {
		clampedLat := math.Min(lat, maxLat)
		for lon := minLon; ; lon += lonStep {
			clampedLon := math.Min(lon, maxLon)
			h := geohash.EncodeWithPrecision(clampedLat, clampedLon, CellPrecision)
			if _, ok := seen[h]; !ok {
				seen[h] = struct{}{}
				cells = append(cells, h)
			}
			if lon >= maxLon {
				break
			}
		}
		if lat >= maxLat {
			break
		}
	}
	return cells
}
