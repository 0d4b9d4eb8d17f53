package segmentation

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/tidwall/rtree"

	"segmentcore/internal/geometry"
	"segmentcore/pkg/domain"
)

// planeIndex is an R-tree over the non-empty polygons of one z-plane.
type planeIndex struct {
	tree  rtree.RTreeG[int64]
	geoms map[int64]orb.MultiPolygon
}

func newPlaneIndex() *planeIndex {
	return &planeIndex{geoms: make(map[int64]orb.MultiPolygon)}
}

func (p *planeIndex) insert(id int64, mp orb.MultiPolygon) {
	if geometry.IsEmpty(mp) {
		return
	}
	b := mp.Bound()
	p.tree.Insert([2]float64{b.Min[0], b.Min[1]}, [2]float64{b.Max[0], b.Max[1]}, id)
	p.geoms[id] = mp
}

// candidates returns IDs whose bounds intersect mp's bounds, ascending.
func (p *planeIndex) candidates(mp orb.MultiPolygon) []int64 {
	if geometry.IsEmpty(mp) {
		return nil
	}
	b := mp.Bound()
	var out []int64
	p.tree.Search([2]float64{b.Min[0], b.Min[1]}, [2]float64{b.Max[0], b.Max[1]},
		func(_, _ [2]float64, id int64) bool {
			out = append(out, id)
			return true
		})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// intersecting returns IDs whose geometry intersects mp, ascending.
func (p *planeIndex) intersecting(mp orb.MultiPolygon) []int64 {
	var out []int64
	for _, id := range p.candidates(mp) {
		if geometry.Intersects(mp, p.geoms[id]) {
			out = append(out, id)
		}
	}
	return out
}

// planeIndexes builds one index per occupied z-plane. Indexes are built on
// demand because every mutation would invalidate a cached tree.
func (s *Store) planeIndexes() map[int32]*planeIndex {
	out := make(map[int32]*planeIndex)
	for id, e := range s.entities {
		for _, r := range e.rows {
			idx, ok := out[r.ZIndex]
			if !ok {
				idx = newPlaneIndex()
				out[r.ZIndex] = idx
			}
			idx.insert(id, r.Geometry)
		}
	}
	return out
}

// Index is a read-only spatial snapshot of a store. It goes stale as soon as
// the store is mutated.
type Index struct {
	planes map[int32]*planeIndex
}

// Index builds a spatial snapshot for repeated queries against an unchanging store.
func (s *Store) Index() *Index {
	return &Index{planes: s.planeIndexes()}
}

// Intersecting returns the entities with at least one polygon intersecting
// geoms on the same z-plane, ascending. IDs listed in exclude are skipped.
func (ix *Index) Intersecting(geoms map[int32]orb.MultiPolygon, exclude ...int64) []int64 {
	skip := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	hits := make(map[int64]struct{})
	for z, mp := range geoms {
		plane, ok := ix.planes[z]
		if !ok {
			continue
		}
		for _, id := range plane.candidates(mp) {
			if _, excluded := skip[id]; excluded {
				continue
			}
			if _, done := hits[id]; done {
				continue
			}
			if geometry.Intersects(mp, plane.geoms[id]) {
				hits[id] = struct{}{}
			}
		}
	}
	return sortedIDs(hits)
}

// FindOverlappingEntities returns the entity pairs whose polygons intersect on
// a shared z-plane. With b == nil (or b == a) the overlap is computed within a,
// self pairs are excluded and each unordered pair is reported once with
// A < B. Otherwise pairs are (idA, idB) with idA from a and idB from b.
// Pairs are sorted by (A, B); the result is empty when nothing intersects.
func FindOverlappingEntities(a, b *Store) []domain.Pair {
	self := b == nil || b == a
	if self {
		b = a
	}
	idx := b.planeIndexes()
	seen := make(map[domain.Pair]struct{})
	for _, z := range a.ZPlanes() {
		plane, ok := idx[z]
		if !ok {
			continue
		}
		for _, id := range a.EntityIDs() {
			mp, ok := a.Geometry(id, z)
			if !ok {
				continue
			}
			for _, other := range plane.candidates(mp) {
				pair := domain.Pair{A: id, B: other}
				if self {
					if other == id {
						continue
					}
					if other < id {
						pair = domain.Pair{A: other, B: id}
					}
				}
				if _, dup := seen[pair]; dup {
					continue
				}
				if geometry.Intersects(mp, plane.geoms[other]) {
					seen[pair] = struct{}{}
				}
			}
		}
	}
	pairs := make([]domain.Pair, 0, len(seen))
	for p := range seen {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}
		return pairs[i].B < pairs[j].B
	})
	return pairs
}

// OverlapVolume sums the per-z intersection areas of entity ida in a and idb in b.
func OverlapVolume(a *Store, ida int64, b *Store, idb int64) float64 {
	var total float64
	for _, z := range a.ZIndices(ida) {
		ga, _ := a.Geometry(ida, z)
		gb, ok := b.Geometry(idb, z)
		if !ok {
			continue
		}
		total += geometry.IntersectionArea(ga, gb)
	}
	return total
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
