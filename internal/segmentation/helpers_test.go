package segmentation

import (
	"github.com/paulmach/orb"

	"segmentcore/internal/geometry"
	"segmentcore/pkg/domain"
)

const (
	cell    domain.EntityType = "cell"
	nucleus domain.EntityType = "nucleus"
	tol                       = 1e-6
)

func row(id int64, z int32, mp orb.MultiPolygon) domain.Detection {
	return domain.Detection{EntityID: id, ZIndex: z, Geometry: mp, EntityType: cell}
}

func box(minX, minY, maxX, maxY float64) orb.MultiPolygon {
	return geometry.Box(minX, minY, maxX, maxY)
}

func storeOf(rows ...domain.Detection) *Store {
	return FromDetections(cell, rows)
}

func area(mp orb.MultiPolygon) float64 { return geometry.Area(mp) }
