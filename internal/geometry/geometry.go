// Package geometry provides multi-polygon value helpers and the set algebra
// used by the segmentation store and relationship resolver.
package geometry

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Area returns the planar area of mp.
func Area(mp orb.MultiPolygon) float64 {
	if IsEmpty(mp) {
		return 0
	}
	return planar.Area(mp)
}

// IsEmpty reports whether mp has no polygon with an exterior ring.
func IsEmpty(mp orb.MultiPolygon) bool {
	for _, p := range mp {
		if len(p) > 0 && len(p[0]) > 0 {
			return false
		}
	}
	return true
}

// Bound returns the bounding box of mp.
func Bound(mp orb.MultiPolygon) orb.Bound {
	return mp.Bound()
}

// BoundsIntersect is a cheap prefilter before exact predicates.
func BoundsIntersect(a, b orb.MultiPolygon) bool {
	if IsEmpty(a) || IsEmpty(b) {
		return false
	}
	return a.Bound().Intersects(b.Bound())
}

// Box returns a single-polygon multipolygon covering the rectangle.
func Box(minX, minY, maxX, maxY float64) orb.MultiPolygon {
	b := orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
	return orb.MultiPolygon{b.ToPolygon()}
}

// Parts splits mp into single-polygon multipolygons, dropping empty ones.
func Parts(mp orb.MultiPolygon) []orb.MultiPolygon {
	out := make([]orb.MultiPolygon, 0, len(mp))
	for _, p := range mp {
		if len(p) == 0 || len(p[0]) == 0 {
			continue
		}
		out = append(out, orb.MultiPolygon{p.Clone()})
	}
	return out
}

// Merge concatenates the polygons of several multipolygons without dissolving them.
func Merge(parts ...orb.MultiPolygon) orb.MultiPolygon {
	var out orb.MultiPolygon
	for _, p := range parts {
		for _, poly := range p {
			if len(poly) == 0 || len(poly[0]) == 0 {
				continue
			}
			out = append(out, poly.Clone())
		}
	}
	return out
}

// Polygonal extracts the polygonal parts of an arbitrary orb geometry.
// Points and lines produced by degenerate set operations are dropped.
func Polygonal(g orb.Geometry) orb.MultiPolygon {
	switch v := g.(type) {
	case orb.Polygon:
		if len(v) == 0 {
			return nil
		}
		return orb.MultiPolygon{v}
	case orb.MultiPolygon:
		return Merge(v)
	case orb.Bound:
		return orb.MultiPolygon{v.ToPolygon()}
	case orb.Collection:
		var out orb.MultiPolygon
		for _, sub := range v {
			out = append(out, Polygonal(sub)...)
		}
		return out
	default:
		return nil
	}
}
