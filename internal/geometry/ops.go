package geometry

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/twpayne/go-geos"
)

// BufferQuadrantSegments is the number of segments used per quarter circle when buffering.
const BufferQuadrantSegments = 16

func toGEOS(mp orb.MultiPolygon) *geos.Geom {
	data, err := wkb.Marshal(mp)
	if err != nil {
		panic(fmt.Sprintf("geometry: encode wkb: %v", err))
	}
	g, err := geos.NewGeomFromWKB(data)
	if err != nil {
		panic(fmt.Sprintf("geometry: decode wkb: %v", err))
	}
	return g
}

func fromGEOS(g *geos.Geom) orb.MultiPolygon {
	if g == nil || g.IsEmpty() {
		return nil
	}
	decoded, err := wkb.Unmarshal(g.ToWKB())
	if err != nil {
		panic(fmt.Sprintf("geometry: decode geos result: %v", err))
	}
	return Polygonal(decoded)
}

// MakeValid repairs self-intersections and ring orientation.
func MakeValid(mp orb.MultiPolygon) orb.MultiPolygon {
	if IsEmpty(mp) {
		return nil
	}
	g := toGEOS(mp)
	if g.IsValid() {
		return fromGEOS(g)
	}
	return fromGEOS(g.MakeValid())
}

// Union returns the valid union of a and b.
func Union(a, b orb.MultiPolygon) orb.MultiPolygon {
	switch {
	case IsEmpty(a):
		return MakeValid(b)
	case IsEmpty(b):
		return MakeValid(a)
	}
	return fromGEOS(toGEOS(a).Union(toGEOS(b)).MakeValid())
}

// Difference returns the valid part of a not covered by b.
func Difference(a, b orb.MultiPolygon) orb.MultiPolygon {
	if IsEmpty(a) {
		return nil
	}
	if !BoundsIntersect(a, b) {
		return Merge(a)
	}
	return fromGEOS(toGEOS(a).Difference(toGEOS(b)).MakeValid())
}

// Intersection returns the valid overlap of a and b.
func Intersection(a, b orb.MultiPolygon) orb.MultiPolygon {
	if !BoundsIntersect(a, b) {
		return nil
	}
	return fromGEOS(toGEOS(a).Intersection(toGEOS(b)).MakeValid())
}

// Buffer grows (or shrinks, for negative distances) mp by distance.
func Buffer(mp orb.MultiPolygon, distance float64) orb.MultiPolygon {
	if IsEmpty(mp) {
		return nil
	}
	if distance == 0 {
		return Merge(mp)
	}
	return fromGEOS(toGEOS(mp).Buffer(distance, BufferQuadrantSegments))
}

// BufferedDifference carves buffer(b, distance) out of a.
func BufferedDifference(a, b orb.MultiPolygon, distance float64) orb.MultiPolygon {
	return Difference(a, Buffer(b, distance))
}

// Intersects reports whether a and b share any point.
func Intersects(a, b orb.MultiPolygon) bool {
	if !BoundsIntersect(a, b) {
		return false
	}
	return toGEOS(a).Intersects(toGEOS(b))
}

// IntersectionArea returns the area of the overlap of a and b.
func IntersectionArea(a, b orb.MultiPolygon) float64 {
	if !BoundsIntersect(a, b) {
		return 0
	}
	return toGEOS(a).Intersection(toGEOS(b)).Area()
}

// IoU returns intersection-over-union of a and b.
func IoU(a, b orb.MultiPolygon) float64 {
	inter := IntersectionArea(a, b)
	if inter == 0 {
		return 0
	}
	union := Area(a) + Area(b) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
