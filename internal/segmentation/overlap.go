package segmentation

import (
	"segmentcore/internal/geometry"
	"segmentcore/pkg/domain"
)

// UnionFraction is the overlap share of the smaller entity above which the
// pair is fused instead of trimmed.
const UnionFraction = 0.5

// OverlapOptions parameterises MakeNonOverlappingPolys.
type OverlapOptions struct {
	// MinDistance is the gap carved between trimmed neighbours.
	MinDistance float64
	// MinFinalArea is the per-z area an entity must exceed on at least one plane to survive.
	MinFinalArea float64
	// LogProgress emits a debug record per processed pair.
	LogProgress bool
}

// OverlapReport summarises the edits of one MakeNonOverlappingPolys call.
type OverlapReport struct {
	UnionPairs int
	TrimPairs  int
	// Grown lists entities that absorbed a neighbour.
	Grown []int64
	// Absorbed lists entities removed by the union pass.
	Absorbed []int64
	// Trimmed lists entities carved by the trim pass.
	Trimmed []int64
	// Filtered lists entities removed by the area filter.
	Filtered []int64
}

// Edits returns the number of entity-level edits.
func (r OverlapReport) Edits() int {
	return len(r.Grown) + len(r.Absorbed) + len(r.Trimmed) + len(r.Filtered)
}

// Affected returns the surviving entities whose geometry changed.
func (r OverlapReport) Affected() []int64 {
	removed := make(map[int64]struct{}, len(r.Absorbed)+len(r.Filtered))
	for _, id := range r.Absorbed {
		removed[id] = struct{}{}
	}
	for _, id := range r.Filtered {
		removed[id] = struct{}{}
	}
	set := make(map[int64]struct{})
	for _, ids := range [][]int64{r.Grown, r.Trimmed} {
		for _, id := range ids {
			if _, gone := removed[id]; !gone {
				set[id] = struct{}{}
			}
		}
	}
	return sortedIDs(set)
}

// orderByVolume returns (smaller, larger) of a pair; equal volumes treat the
// higher ID as the smaller entity.
func (s *Store) orderByVolume(p domain.Pair) (small, large int64) {
	va, vb := s.Volume(p.A), s.Volume(p.B)
	switch {
	case va < vb:
		return p.A, p.B
	case vb < va:
		return p.B, p.A
	case p.A > p.B:
		return p.A, p.B
	default:
		return p.B, p.A
	}
}

func (s *Store) sharedZ(a, b int64) []int32 {
	var out []int32
	for _, z := range s.ZIndices(a) {
		if _, ok := s.Geometry(b, z); ok {
			out = append(out, z)
		}
	}
	return out
}

// MakeNonOverlappingPolys makes the entities of the store pairwise
// non-overlapping. Pairs whose overlap exceeds UnionFraction of the smaller
// entity's volume are fused into the larger entity; the remaining pairs are
// separated by carving a MinDistance buffer of the smaller entity out of the
// larger one. Entities without any plane above MinFinalArea are dropped.
// Pairs are processed in ascending (A, B) order.
func (s *Store) MakeNonOverlappingPolys(opts OverlapOptions) OverlapReport {
	var report OverlapReport
	grown := make(map[int64]struct{})
	trimmed := make(map[int64]struct{})

	eliminated := make(map[int64]struct{})
	for _, p := range FindOverlappingEntities(s, nil) {
		if _, gone := eliminated[p.A]; gone {
			continue
		}
		if _, gone := eliminated[p.B]; gone {
			continue
		}
		small, large := s.orderByVolume(p)
		smallVolume := s.Volume(small)
		if smallVolume <= 0 {
			continue
		}
		fraction := OverlapVolume(s, small, s, large) / smallVolume
		if opts.LogProgress {
			s.logger.Debug("overlap pair", "small", small, "large", large, "fraction", fraction)
		}
		if fraction <= UnionFraction {
			continue
		}
		for _, z := range s.sharedZ(small, large) {
			sg, _ := s.Geometry(small, z)
			lg, _ := s.Geometry(large, z)
			_ = s.SetGeometry(large, z, geometry.Union(lg, sg))
		}
		eliminated[small] = struct{}{}
		grown[large] = struct{}{}
		report.UnionPairs++
	}
	for id := range eliminated {
		s.Remove(id)
		delete(grown, id)
	}
	report.Absorbed = sortedIDs(eliminated)

	for _, p := range FindOverlappingEntities(s, nil) {
		small, large := s.orderByVolume(p)
		for _, z := range s.sharedZ(large, small) {
			lg, _ := s.Geometry(large, z)
			sg, _ := s.Geometry(small, z)
			if !geometry.BoundsIntersect(lg, sg) {
				continue
			}
			_ = s.SetGeometry(large, z, geometry.BufferedDifference(lg, sg, opts.MinDistance))
		}
		trimmed[large] = struct{}{}
		report.TrimPairs++
	}

	report.Filtered = s.filterSmall(opts.MinFinalArea)
	report.Grown = sortedIDs(grown)
	report.Trimmed = sortedIDs(trimmed)
	if report.Edits() > 0 {
		s.logger.Info("resolved overlaps",
			"entity_type", s.entityType,
			"union_pairs", report.UnionPairs,
			"trim_pairs", report.TrimPairs,
			"filtered", len(report.Filtered))
	}
	return report
}

// filterSmall removes entities none of whose planes exceeds minArea.
func (s *Store) filterSmall(minArea float64) []int64 {
	var removed []int64
	for _, id := range s.EntityIDs() {
		keep := false
		for _, r := range s.entities[id].rows {
			if geometry.Area(r.Geometry) > minArea {
				keep = true
				break
			}
		}
		if !keep {
			s.Remove(id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Combine concatenates stores. A row whose (entity_id, z_index) already came
// from an earlier store is dropped and counted; detection IDs are renumbered
// 0..N-1 in output order. Entity types are not validated.
func Combine(stores ...*Store) *Store {
	var out *Store
	dropped := 0
	var seq int64
	for _, st := range stores {
		if st == nil {
			continue
		}
		if out == nil {
			out = New(st.entityType, WithLogger(st.logger))
		}
		for _, row := range st.Detections() {
			row.DetectionID = seq
			if !out.insert(row) {
				dropped++
				continue
			}
			seq++
		}
		if st.nextID > out.nextID {
			out.nextID = st.nextID
		}
	}
	if out == nil {
		return New("")
	}
	if dropped > 0 {
		out.logger.Warn("dropped duplicate detections on combine", "entity_type", out.entityType, "count", dropped)
	}
	return out
}
