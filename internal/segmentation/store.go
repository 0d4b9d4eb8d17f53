// Package segmentation implements the geometry store: an in-memory table of
// per-z polygon detections keyed by entity, with spatial queries, overlap
// resolution and z-plane reconciliation.
package segmentation

import (
	"sort"

	"github.com/paulmach/orb"

	"segmentcore/internal/geometry"
	"segmentcore/internal/logging"
	"segmentcore/pkg/domain"
)

// entity is the z-stack of one entity; rows are kept sorted by z.
type entity struct {
	id   int64
	rows []domain.Detection
}

func (e *entity) find(z int32) int {
	i := sort.Search(len(e.rows), func(i int) bool { return e.rows[i].ZIndex >= z })
	if i < len(e.rows) && e.rows[i].ZIndex == z {
		return i
	}
	return -1
}

func (e *entity) volume() float64 {
	var v float64
	for _, r := range e.rows {
		v += geometry.Area(r.Geometry)
	}
	return v
}

// Store holds the detections of one entity type. It is not safe for
// concurrent use; a store belongs to the pass that is mutating it.
type Store struct {
	entityType    domain.EntityType
	entities      map[int64]*entity
	nextID        int64
	nextDetection int64
	logger        logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for absorbed geometric edge cases.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNoop(l) }
}

// New constructs an empty store for entityType.
func New(entityType domain.EntityType, opts ...Option) *Store {
	s := &Store{
		entityType: entityType,
		entities:   make(map[int64]*entity),
		logger:     logging.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromDetections builds a store from rows. Rows repeating an (entity_id,
// z_index) key are dropped with a warning; the first occurrence wins.
func FromDetections(entityType domain.EntityType, rows []domain.Detection, opts ...Option) *Store {
	s := New(entityType, opts...)
	dropped := 0
	for _, r := range rows {
		if !s.insert(r.Clone()) {
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Warn("dropped duplicate detections", "entity_type", entityType, "count", dropped)
	}
	return s
}

// insert adds a row unless its key is already present.
func (s *Store) insert(row domain.Detection) bool {
	e, ok := s.entities[row.EntityID]
	if !ok {
		e = &entity{id: row.EntityID}
		s.entities[row.EntityID] = e
	}
	i := sort.Search(len(e.rows), func(i int) bool { return e.rows[i].ZIndex >= row.ZIndex })
	if i < len(e.rows) && e.rows[i].ZIndex == row.ZIndex {
		return false
	}
	if row.EntityType == "" {
		row.EntityType = s.entityType
	}
	if row.DetectionID >= s.nextDetection {
		s.nextDetection = row.DetectionID + 1
	}
	e.rows = append(e.rows, domain.Detection{})
	copy(e.rows[i+1:], e.rows[i:])
	e.rows[i] = row
	if row.EntityID >= s.nextID {
		s.nextID = row.EntityID + 1
	}
	return true
}

// EntityType returns the entity type this store was created for.
func (s *Store) EntityType() domain.EntityType { return s.entityType }

// Logger returns the store logger.
func (s *Store) Logger() logging.Logger { return s.logger }

// Len returns the number of entities.
func (s *Store) Len() int { return len(s.entities) }

// RowCount returns the number of detection rows.
func (s *Store) RowCount() int {
	n := 0
	for _, e := range s.entities {
		n += len(e.rows)
	}
	return n
}

// Has reports whether id is present.
func (s *Store) Has(id int64) bool {
	_, ok := s.entities[id]
	return ok
}

// EntityIDs returns all entity IDs in ascending order.
func (s *Store) EntityIDs() []int64 {
	ids := make([]int64, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MaxEntityID returns the largest entity ID, or -1 for an empty store.
func (s *Store) MaxEntityID() int64 {
	maxID := int64(-1)
	for id := range s.entities {
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}

func (s *Store) get(id int64) (*entity, error) {
	e, ok := s.entities[id]
	if !ok {
		return nil, domain.NotFoundError{Entity: s.entityType, ID: id}
	}
	return e, nil
}

// Entity returns copies of the rows of id ordered by z.
func (s *Store) Entity(id int64) ([]domain.Detection, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Detection, len(e.rows))
	for i, r := range e.rows {
		out[i] = r.Clone()
	}
	return out, nil
}

// Geometries returns the per-z geometry of id.
func (s *Store) Geometries(id int64) (map[int32]orb.MultiPolygon, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	out := make(map[int32]orb.MultiPolygon, len(e.rows))
	for _, r := range e.rows {
		out[r.ZIndex] = r.Geometry.Clone()
	}
	return out, nil
}

// Geometry returns the polygon of id at z.
func (s *Store) Geometry(id int64, z int32) (orb.MultiPolygon, bool) {
	e, ok := s.entities[id]
	if !ok {
		return nil, false
	}
	i := e.find(z)
	if i < 0 {
		return nil, false
	}
	return e.rows[i].Geometry, true
}

// ZIndices returns the occupied z-planes of id in ascending order.
func (s *Store) ZIndices(id int64) []int32 {
	e, ok := s.entities[id]
	if !ok {
		return nil
	}
	out := make([]int32, len(e.rows))
	for i, r := range e.rows {
		out[i] = r.ZIndex
	}
	return out
}

// Volume returns the sum of per-z polygon areas of id, or 0 when absent.
func (s *Store) Volume(id int64) float64 {
	e, ok := s.entities[id]
	if !ok {
		return 0
	}
	return e.volume()
}

// Parent returns the parent pointer of id. All rows of an entity share it.
func (s *Store) Parent(id int64) (*int64, bool) {
	e, ok := s.entities[id]
	if !ok || len(e.rows) == 0 || e.rows[0].ParentID == nil {
		return nil, false
	}
	p := *e.rows[0].ParentID
	return &p, true
}

// ChildrenOf returns the IDs whose parent pointer equals parentID, ascending.
func (s *Store) ChildrenOf(parentID int64) []int64 {
	var out []int64
	for id, e := range s.entities {
		if len(e.rows) > 0 && e.rows[0].ParentID != nil && *e.rows[0].ParentID == parentID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ZPlanes returns every occupied z-index in ascending order.
func (s *Store) ZPlanes() []int32 {
	set := make(map[int32]struct{})
	for _, e := range s.entities {
		for _, r := range e.rows {
			set[r.ZIndex] = struct{}{}
		}
	}
	out := make([]int32, 0, len(set))
	for z := range set {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Detections returns copies of all rows ordered by (entity_id, z_index).
func (s *Store) Detections() []domain.Detection {
	out := make([]domain.Detection, 0, s.RowCount())
	for _, id := range s.EntityIDs() {
		for _, r := range s.entities[id].rows {
			out = append(out, r.Clone())
		}
	}
	return out
}

// SetGeometry replaces the polygon of id at z, creating the row when missing.
func (s *Store) SetGeometry(id int64, z int32, mp orb.MultiPolygon) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	if i := e.find(z); i >= 0 {
		e.rows[i].Geometry = mp
		return nil
	}
	row := domain.Detection{
		DetectionID: s.nextDetection,
		EntityID:    id,
		ZIndex:      z,
		Geometry:    mp,
		EntityType:  s.entityType,
	}
	if len(e.rows) > 0 {
		row.ParentID = cloneID(e.rows[0].ParentID)
		row.ParentType = e.rows[0].ParentType
	}
	s.insert(row)
	return nil
}

// Update replaces the whole z-stack of id. Rows at z-planes absent from
// geoms are dropped; parent pointer and detection IDs of kept planes survive.
func (s *Store) Update(id int64, geoms map[int32]orb.MultiPolygon) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	var parentID *int64
	var parentType domain.EntityType
	existing := make(map[int32]int64, len(e.rows))
	if len(e.rows) > 0 {
		parentID = e.rows[0].ParentID
		parentType = e.rows[0].ParentType
	}
	for _, r := range e.rows {
		existing[r.ZIndex] = r.DetectionID
	}
	e.rows = e.rows[:0]
	for _, z := range sortedZ(geoms) {
		detID, ok := existing[z]
		if !ok {
			detID = s.nextDetection
			s.nextDetection++
		}
		e.rows = append(e.rows, domain.Detection{
			DetectionID: detID,
			EntityID:    id,
			ZIndex:      z,
			Geometry:    geoms[z],
			EntityType:  s.entityType,
			ParentID:    cloneID(parentID),
			ParentType:  parentType,
		})
	}
	return nil
}

// SetParent points every row of id at parentID (nil detaches).
func (s *Store) SetParent(id int64, parentID *int64, parentType domain.EntityType) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	if parentID == nil {
		parentType = ""
	}
	for i := range e.rows {
		e.rows[i].ParentID = cloneID(parentID)
		e.rows[i].ParentType = parentType
	}
	return nil
}

// Create adds a new entity with the given z-stack and returns its ID, taken
// from the store-local counter (one past the largest ID ever seen).
func (s *Store) Create(geoms map[int32]orb.MultiPolygon, parentID *int64, parentType domain.EntityType) int64 {
	id := s.nextID
	s.nextID++
	s.entities[id] = &entity{id: id}
	for _, z := range sortedZ(geoms) {
		s.insert(domain.Detection{
			DetectionID: s.nextDetection,
			EntityID:    id,
			ZIndex:      z,
			Geometry:    geoms[z],
			EntityType:  s.entityType,
			ParentID:    cloneID(parentID),
			ParentType:  parentType,
		})
	}
	return id
}

// Remove deletes the given entities and returns how many existed.
func (s *Store) Remove(ids ...int64) int {
	n := 0
	for _, id := range ids {
		if _, ok := s.entities[id]; ok {
			delete(s.entities, id)
			n++
		}
	}
	return n
}

// Subset returns a copy holding only the listed entities that exist.
func (s *Store) Subset(ids []int64) *Store {
	out := New(s.entityType, WithLogger(s.logger))
	for _, id := range ids {
		if e, ok := s.entities[id]; ok {
			for _, r := range e.rows {
				out.insert(r.Clone())
			}
		}
	}
	return out
}

// Partition splits the store into the listed entities and the rest.
func (s *Store) Partition(ids []int64) (selected, remainder *Store) {
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var rest []int64
	for id := range s.entities {
		if _, ok := want[id]; !ok {
			rest = append(rest, id)
		}
	}
	return s.Subset(ids), s.Subset(rest)
}

// Clone returns a deep copy of the store.
func (s *Store) Clone() *Store {
	out := s.Subset(s.EntityIDs())
	out.nextID = s.nextID
	out.nextDetection = s.nextDetection
	return out
}

// Renumber rewrites entity IDs using mapping. IDs without a mapping keep
// their value. The mapping must not merge two entities into one ID.
func (s *Store) Renumber(mapping map[int64]int64) {
	if len(mapping) == 0 {
		return
	}
	old := s.entities
	s.entities = make(map[int64]*entity, len(old))
	for id, e := range old {
		if to, ok := mapping[id]; ok {
			id = to
		}
		e.id = id
		for i := range e.rows {
			e.rows[i].EntityID = id
		}
		s.entities[id] = e
		if id >= s.nextID {
			s.nextID = id + 1
		}
	}
}

// RemapParents rewrites parent pointers found in mapping and returns how many
// entities were touched.
func (s *Store) RemapParents(mapping map[int64]int64) int {
	return s.RemapParentsOf("", mapping)
}

// RemapParentsOf is RemapParents restricted to pointers at parentType. An
// empty parentType matches every pointer.
func (s *Store) RemapParentsOf(parentType domain.EntityType, mapping map[int64]int64) int {
	n := 0
	for _, e := range s.entities {
		if len(e.rows) == 0 || e.rows[0].ParentID == nil {
			continue
		}
		if parentType != "" && e.rows[0].ParentType != parentType {
			continue
		}
		to, ok := mapping[*e.rows[0].ParentID]
		if !ok {
			continue
		}
		for i := range e.rows {
			e.rows[i].ParentID = domain.Int64Ptr(to)
		}
		n++
	}
	return n
}

func cloneID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func sortedZ(geoms map[int32]orb.MultiPolygon) []int32 {
	zs := make([]int32, 0, len(geoms))
	for z := range geoms {
		zs = append(zs, z)
	}
	sort.Slice(zs, func(i, j int) bool { return zs[i] < zs[j] })
	return zs
}
