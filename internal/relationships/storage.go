package relationships

import (
	"sort"

	"github.com/paulmach/orb"

	"segmentcore/internal/geometry"
	"segmentcore/internal/segmentation"
	"segmentcore/pkg/domain"
)

// Observer is notified when a storage removes or splits entities.
type Observer interface {
	OnRemove(ids []int64)
	OnSplit(original int64, pieces []int64)
}

type noopObserver struct{}

func (noopObserver) OnRemove([]int64)       {}
func (noopObserver) OnSplit(int64, []int64) {}

// Counts tallies the edits made through a Storage.
type Counts struct {
	Created int
	Removed int
	Updated int
	Splits  int
}

// Storage wraps a segmentation store so every edit made while resolving
// constraints is counted and reported to the observer.
//
// All edits must go through the Storage: it keeps a spatial index, rebuilt
// after geometry changes, and for child stores a parent to children map.
type Storage struct {
	store      *segmentation.Store
	observer   Observer
	parentType domain.EntityType
	counts     Counts
	index      *segmentation.Index
	children   map[int64]map[int64]struct{}
}

// NewStorage wraps store. parentType is recorded on parent pointers of
// entities created through the wrapper; it is empty for parent stores.
func NewStorage(store *segmentation.Store, parentType domain.EntityType, observer Observer) *Storage {
	if observer == nil {
		observer = noopObserver{}
	}
	s := &Storage{store: store, observer: observer, parentType: parentType}
	if parentType != "" {
		s.children = make(map[int64]map[int64]struct{})
		for _, id := range store.EntityIDs() {
			if p, ok := store.Parent(id); ok {
				s.link(id, *p)
			}
		}
	}
	return s
}

func (s *Storage) link(child, parent int64) {
	set, ok := s.children[parent]
	if !ok {
		set = make(map[int64]struct{})
		s.children[parent] = set
	}
	set[child] = struct{}{}
}

func (s *Storage) unlink(child int64) {
	if s.children == nil {
		return
	}
	p, ok := s.store.Parent(child)
	if !ok {
		return
	}
	if set, ok := s.children[*p]; ok {
		delete(set, child)
		if len(set) == 0 {
			delete(s.children, *p)
		}
	}
}

// ChildrenOf returns the entities pointing at parent, ascending. It is only
// populated for child storages.
func (s *Storage) ChildrenOf(parent int64) []int64 {
	set := s.children[parent]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Intersecting is segmentation.Store.Intersecting against a cached index.
// Removed entities are filtered out without rebuilding.
func (s *Storage) Intersecting(geoms map[int32]orb.MultiPolygon, exclude ...int64) []int64 {
	if s.index == nil {
		s.index = s.store.Index()
	}
	hits := s.index.Intersecting(geoms, exclude...)
	out := hits[:0]
	for _, id := range hits {
		if s.store.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// Store returns the wrapped store.
func (s *Storage) Store() *segmentation.Store { return s.store }

// Counts returns the edits made so far.
func (s *Storage) Counts() Counts { return s.counts }

func (s *Storage) setObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	s.observer = o
}

// Update replaces the z-stack of id.
func (s *Storage) Update(id int64, geoms map[int32]orb.MultiPolygon) error {
	if err := s.store.Update(id, geoms); err != nil {
		return err
	}
	s.index = nil
	s.counts.Updated++
	return nil
}

// Create adds an entity under parentID (nil for none).
func (s *Storage) Create(geoms map[int32]orb.MultiPolygon, parentID *int64) int64 {
	s.counts.Created++
	s.index = nil
	id := s.store.Create(geoms, parentID, s.parentType)
	if s.children != nil && parentID != nil {
		s.link(id, *parentID)
	}
	return id
}

// SetParent points id at parentID.
func (s *Storage) SetParent(id int64, parentID *int64) error {
	if !s.store.Has(id) {
		return s.store.SetParent(id, parentID, s.parentType)
	}
	s.unlink(id)
	if err := s.store.SetParent(id, parentID, s.parentType); err != nil {
		return err
	}
	if s.children != nil && parentID != nil {
		s.link(id, *parentID)
	}
	return nil
}

// Remove deletes ids and notifies the observer of the ones that existed.
func (s *Storage) Remove(ids ...int64) {
	var gone []int64
	for _, id := range ids {
		s.unlink(id)
		if s.store.Remove(id) > 0 {
			gone = append(gone, id)
		}
	}
	if len(gone) == 0 {
		return
	}
	s.counts.Removed += len(gone)
	s.observer.OnRemove(gone)
}

// Repair replaces the z-stack of id with geoms and restores the
// single-component invariant. The geometry is split into 3D connected
// components, where polygons on consecutive occupied z-planes that intersect belong to
// the same component. The largest component keeps id; every other component whose
// volume exceeds minArea becomes a new entity under the same parent and the
// observer is told about the split. When no component exceeds minArea the
// entity is removed. It reports whether id survived.
func (s *Storage) Repair(id int64, geoms map[int32]orb.MultiPolygon, minArea float64) (bool, error) {
	var survivors []component
	for _, c := range connectedComponents(geoms) {
		if c.volume > minArea {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		s.Remove(id)
		return false, nil
	}
	if err := s.Update(id, survivors[0].geoms); err != nil {
		return false, err
	}
	parent, _ := s.store.Parent(id)
	var pieces []int64
	for _, c := range survivors[1:] {
		pieces = append(pieces, s.Create(c.geoms, parent))
	}
	if len(pieces) > 0 {
		s.counts.Splits++
		s.observer.OnSplit(id, pieces)
	}
	return true, nil
}

type component struct {
	geoms  map[int32]orb.MultiPolygon
	volume float64
}

type node struct {
	z    int32
	poly orb.MultiPolygon
}

// connectedComponents groups the polygons of a z-stack into components,
// largest volume first. Equal volumes keep discovery order (ascending z).
func connectedComponents(geoms map[int32]orb.MultiPolygon) []component {
	var nodes []node
	byZ := make(map[int32][]int)
	zs := make([]int32, 0, len(geoms))
	for z := range geoms {
		zs = append(zs, z)
	}
	sort.Slice(zs, func(i, j int) bool { return zs[i] < zs[j] })
	for _, z := range zs {
		for _, part := range geometry.Parts(geoms[z]) {
			if geometry.IsEmpty(part) {
				continue
			}
			byZ[z] = append(byZ[z], len(nodes))
			nodes = append(nodes, node{z: z, poly: part})
		}
	}
	// Planes are adjacent when they are consecutive among the occupied ones,
	// so a gap in the stack does not split an entity.
	var occupied []int32
	for _, z := range zs {
		if len(byZ[z]) > 0 {
			occupied = append(occupied, z)
		}
	}
	uf := newUnionFind(len(nodes))
	for k := 0; k+1 < len(occupied); k++ {
		next := byZ[occupied[k+1]]
		for _, i := range byZ[occupied[k]] {
			for _, j := range next {
				if geometry.BoundsIntersect(nodes[i].poly, nodes[j].poly) &&
					geometry.Intersects(nodes[i].poly, nodes[j].poly) {
					uf.union(i, j)
				}
			}
		}
	}

	index := make(map[int]int)
	var parts []map[int32][]orb.MultiPolygon
	for i, n := range nodes {
		root := uf.find(i)
		k, ok := index[root]
		if !ok {
			k = len(parts)
			index[root] = k
			parts = append(parts, make(map[int32][]orb.MultiPolygon))
		}
		parts[k][n.z] = append(parts[k][n.z], n.poly)
	}
	out := make([]component, 0, len(parts))
	for _, p := range parts {
		c := component{geoms: make(map[int32]orb.MultiPolygon, len(p))}
		for z, polys := range p {
			mp := geometry.Merge(polys...)
			c.geoms[z] = mp
			c.volume += geometry.Area(mp)
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].volume > out[j].volume })
	return out
}

type unionFind struct{ parent []int }

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}
