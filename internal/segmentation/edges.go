package segmentation

import (
	"github.com/paulmach/orb"

	"segmentcore/internal/geometry"
)

// Frame margins around the tile boundary used by RemoveEdgePolys.
const (
	EdgeOuterMargin = 10.0
	EdgeInnerMargin = 5.0
)

// EdgeFrame returns the band from EdgeOuterMargin outside the tile to
// EdgeInnerMargin inside it for a tile whose lower corner sits at origin.
func EdgeFrame(origin orb.Point, width, height float64) orb.MultiPolygon {
	x0, y0 := origin[0], origin[1]
	outer := geometry.Box(x0-EdgeOuterMargin, y0-EdgeOuterMargin, x0+width+EdgeOuterMargin, y0+height+EdgeOuterMargin)
	if width <= 2*EdgeInnerMargin || height <= 2*EdgeInnerMargin {
		return outer
	}
	inner := geometry.Box(x0+EdgeInnerMargin, y0+EdgeInnerMargin, x0+width-EdgeInnerMargin, y0+height-EdgeInnerMargin)
	return geometry.Difference(outer, inner)
}

// RemoveEdgePolys drops every entity with a polygon touching the edge frame
// of a tile at the origin so that entities straddling a seam are not counted
// twice. It returns the removed IDs in ascending order.
func (s *Store) RemoveEdgePolys(tileSize [2]float64) []int64 {
	return s.RemoveEdgePolysAt(orb.Point{}, tileSize)
}

// RemoveEdgePolysAt is RemoveEdgePolys for a tile whose lower corner is origin.
func (s *Store) RemoveEdgePolysAt(origin orb.Point, tileSize [2]float64) []int64 {
	frame := EdgeFrame(origin, tileSize[0], tileSize[1])
	var removed []int64
	for _, id := range s.EntityIDs() {
		for _, r := range s.entities[id].rows {
			if geometry.Intersects(r.Geometry, frame) {
				removed = append(removed, id)
				break
			}
		}
	}
	s.Remove(removed...)
	if len(removed) > 0 {
		s.logger.Debug("removed edge entities", "entity_type", s.entityType, "count", len(removed))
	}
	return removed
}
