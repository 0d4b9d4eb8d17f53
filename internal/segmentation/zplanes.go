package segmentation

import (
	"sort"

	"segmentcore/internal/geometry"
	"segmentcore/pkg/domain"
)

// DefaultFuseIoU is the IoU a polygon needs with the previous plane to inherit its ID.
const DefaultFuseIoU = 0.5

// FuseOptions parameterises FuseAcrossZ.
type FuseOptions struct {
	// MinIoU defaults to DefaultFuseIoU when zero.
	MinIoU float64
}

type fuseMatch struct {
	row    int
	target int64
	iou    float64
}

// FuseAcrossZ reconciles per-plane entity IDs from a detector that segments
// each z-plane independently. Walking planes in ascending z, a polygon that
// overlaps a polygon of the previous plane with IoU >= MinIoU inherits that
// polygon's ID; if the ID is already taken on the current plane a new
// max+1 ID is minted. Unmatched polygons keep their ID when it was not used on
// any earlier plane, otherwise they get a fresh one. The chaining is local to
// adjacent planes, not a global assignment. It returns the number of rows
// whose entity ID changed.
func (s *Store) FuseAcrossZ(opts FuseOptions) int {
	minIoU := opts.MinIoU
	if minIoU <= 0 {
		minIoU = DefaultFuseIoU
	}
	rows := s.Detections()
	byPlane := make(map[int32][]domain.Detection)
	for _, r := range rows {
		byPlane[r.ZIndex] = append(byPlane[r.ZIndex], r)
	}
	maxID := s.MaxEntityID()
	mint := func() int64 {
		maxID++
		return maxID
	}

	var fused []domain.Detection
	usedEarlier := make(map[int64]struct{})
	changed := 0
	var prev *planeIndex
	for _, z := range s.ZPlanes() {
		cur := byPlane[z]
		assigned := make([]int64, len(cur))
		done := make([]bool, len(cur))
		used := make(map[int64]struct{})

		if prev != nil {
			var matches []fuseMatch
			for i, r := range cur {
				best := fuseMatch{row: -1}
				for _, cand := range prev.candidates(r.Geometry) {
					iou := geometry.IoU(r.Geometry, prev.geoms[cand])
					if iou >= minIoU && iou > best.iou {
						best = fuseMatch{row: i, target: cand, iou: iou}
					}
				}
				if best.row >= 0 {
					matches = append(matches, best)
				}
			}
			sort.SliceStable(matches, func(i, j int) bool { return matches[i].iou > matches[j].iou })
			for _, m := range matches {
				id := m.target
				if _, taken := used[id]; taken {
					id = mint()
				}
				assigned[m.row] = id
				done[m.row] = true
				used[id] = struct{}{}
			}
		}
		for i, r := range cur {
			if done[i] {
				continue
			}
			id := r.EntityID
			_, early := usedEarlier[id]
			_, taken := used[id]
			if early || taken {
				id = mint()
			}
			assigned[i] = id
			used[id] = struct{}{}
		}

		next := newPlaneIndex()
		for i, r := range cur {
			if assigned[i] != r.EntityID {
				changed++
			}
			r.EntityID = assigned[i]
			fused = append(fused, r)
			next.insert(r.EntityID, r.Geometry)
		}
		for id := range used {
			usedEarlier[id] = struct{}{}
		}
		prev = next
	}

	s.entities = make(map[int64]*entity)
	s.nextID = 0
	for _, r := range fused {
		s.insert(r)
	}
	if changed > 0 {
		s.logger.Debug("fused entities across z", "entity_type", s.entityType, "relabelled_rows", changed)
	}
	return changed
}

// ReplicateAcrossZ fills, for every entity, each requested z-plane it lacks
// with a copy of its nearest occupied plane (ties pick the lower z). Planes
// with no occupied neighbour are left unfilled. It returns the number of rows
// added.
func (s *Store) ReplicateAcrossZ(zPlanes []int32) int {
	added := 0
	skipped := 0
	for _, id := range s.EntityIDs() {
		e := s.entities[id]
		var occupied []int32
		for _, r := range e.rows {
			if !geometry.IsEmpty(r.Geometry) {
				occupied = append(occupied, r.ZIndex)
			}
		}
		for _, z := range zPlanes {
			if e.find(z) >= 0 {
				continue
			}
			src, ok := nearestPlane(occupied, z)
			if !ok {
				skipped++
				continue
			}
			geom, _ := s.Geometry(id, src)
			_ = s.SetGeometry(id, z, geom.Clone())
			added++
		}
	}
	if skipped > 0 {
		s.logger.Debug("z planes left unfilled", "entity_type", s.entityType, "count", skipped)
	}
	return added
}

// nearestPlane picks the occupied plane closest to z; ties resolve to the lower plane.
func nearestPlane(occupied []int32, z int32) (int32, bool) {
	best, found := int32(0), false
	var bestDist int64
	for _, o := range occupied {
		d := int64(o) - int64(z)
		if d < 0 {
			d = -d
		}
		if !found || d < bestDist || (d == bestDist && o < best) {
			best, bestDist, found = o, d, true
		}
	}
	return best, found
}
