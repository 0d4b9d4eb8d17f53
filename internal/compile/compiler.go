// Package compile merges per-tile segmentation results into one global,
// non-overlapping and relationally consistent set of entities.
package compile

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"segmentcore/internal/logging"
	"segmentcore/internal/relationships"
	"segmentcore/internal/segmentation"
	"segmentcore/pkg/domain"
)

// Settings parameterise a Compiler.
type Settings struct {
	// EntityTypes lists the types in ID-offset order.
	EntityTypes []domain.EntityType
	// Relationships is optional; without it no constraint pass runs.
	Relationships *relationships.Relationships
	MinDistance   float64
	MinFinalArea  float64
	// FuseZ reconciles per-plane IDs of each tile before it is finalized.
	FuseZ bool
	// ReplicateZ fills missing planes of every tile entity.
	ReplicateZ []int32
}

// Tile is one detector output: one store per entity type with tile-local IDs.
type Tile struct {
	Ordinal int64
	Task    int64
	// Origin and Size locate the tile; a zero Size disables edge trimming.
	Origin orb.Point
	Size   [2]float64
	Stores map[domain.EntityType]*segmentation.Store
}

// Recorder receives a report after every successful merge.
type Recorder interface {
	RecordCompile(r Report)
}

// TypeReport summarises one entity type of a merge.
type TypeReport struct {
	Entities    int
	NewEntities int
	EdgeRemoved int
	Overlap     segmentation.OverlapReport
	Affected    int
	Created     int
	Shifted     int
}

// Report summarises one Merge call.
type Report struct {
	RunID         uuid.UUID
	Tiles         int
	Duration      time.Duration
	Types         map[domain.EntityType]*TypeReport
	Relationships *relationships.Report
	Detached      int
}

// Compiler owns the global stores and folds tiles into them.
type Compiler struct {
	settings Settings
	resolver *relationships.Resolver
	alloc    *IDAllocator
	global   map[domain.EntityType]*segmentation.Store
	logger   logging.Logger
	recorder Recorder
	now      func() time.Time
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the compiler logger; it is also handed to stores and the resolver.
func WithLogger(l logging.Logger) Option {
	return func(c *Compiler) { c.logger = logging.OrNoop(l) }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Compiler) { c.recorder = r }
}

// WithAllocator replaces the ID allocator built from Settings.EntityTypes.
func WithAllocator(a *IDAllocator) Option {
	return func(c *Compiler) { c.alloc = a }
}

// New validates settings and returns a compiler with empty global stores.
func New(settings Settings, opts ...Option) (*Compiler, error) {
	if len(settings.EntityTypes) == 0 {
		return nil, domain.ConfigError{Field: "entity_types", Reason: "at least one entity type is required"}
	}
	if len(settings.EntityTypes) > 2 {
		return nil, domain.ConfigError{
			Field:  "entity_types",
			Reason: fmt.Sprintf("at most two entity types are supported, got %d", len(settings.EntityTypes)),
		}
	}
	c := &Compiler{
		settings: settings,
		global:   make(map[domain.EntityType]*segmentation.Store, len(settings.EntityTypes)),
		logger:   logging.Noop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.alloc == nil {
		alloc, err := NewIDAllocator(settings.EntityTypes)
		if err != nil {
			return nil, err
		}
		c.alloc = alloc
	}
	if rel := settings.Relationships; rel != nil {
		for _, t := range rel.EntityTypes() {
			if !c.configured(t) {
				return nil, domain.ConfigError{
					Field:  "relationships",
					Reason: fmt.Sprintf("entity type %q is not configured", t),
				}
			}
		}
		c.resolver = relationships.NewFromRelationships(*rel,
			relationships.WithMinDistance(settings.MinDistance),
			relationships.WithMinArea(settings.MinFinalArea),
			relationships.WithLogger(c.logger))
	}
	for _, t := range settings.EntityTypes {
		c.global[t] = segmentation.New(t, segmentation.WithLogger(c.logger))
	}
	return c, nil
}

func (c *Compiler) configured(t domain.EntityType) bool {
	for _, et := range c.settings.EntityTypes {
		if et == t {
			return true
		}
	}
	return false
}

// EntityTypes returns the configured types.
func (c *Compiler) EntityTypes() []domain.EntityType {
	return append([]domain.EntityType(nil), c.settings.EntityTypes...)
}

// Global returns the compiled store of entityType. Callers must not mutate it.
func (c *Compiler) Global(entityType domain.EntityType) *segmentation.Store {
	return c.global[entityType]
}

// Restore replaces the global stores, e.g. from a snapshot.
func (c *Compiler) Restore(stores map[domain.EntityType]*segmentation.Store) error {
	for t := range stores {
		if !c.configured(t) {
			return domain.ConfigError{Field: "entity_type", Reason: fmt.Sprintf("unknown entity type %q", t)}
		}
	}
	for t, s := range stores {
		c.global[t] = s.Clone()
	}
	return nil
}

// Merge folds tiles into the global stores. Tiles are prepared (z fusion,
// edge trimming, ID finalization) on copies; the global state is replaced
// only when the whole merge succeeds.
func (c *Compiler) Merge(tiles ...*Tile) (Report, error) {
	start := c.now()
	report := Report{
		RunID: uuid.New(),
		Tiles: len(tiles),
		Types: make(map[domain.EntityType]*TypeReport, len(c.settings.EntityTypes)),
	}
	for _, t := range c.settings.EntityTypes {
		report.Types[t] = &TypeReport{}
	}

	prepared := make([]map[domain.EntityType]*segmentation.Store, 0, len(tiles))
	for _, tile := range tiles {
		stores, err := c.prepareTile(tile, report.Types)
		if err != nil {
			return Report{}, err
		}
		if err := c.checkFresh(tile, stores, prepared); err != nil {
			return Report{}, err
		}
		prepared = append(prepared, stores)
	}

	merged := make(map[domain.EntityType]*segmentation.Store, len(c.global))
	affected := make(map[domain.EntityType]map[int64]struct{}, len(c.global))
	removed := make(map[domain.EntityType]map[int64]*int64, len(c.global))
	for _, t := range c.settings.EntityTypes {
		parts := []*segmentation.Store{c.global[t].Clone()}
		fresh := make(map[int64]struct{})
		for _, p := range prepared {
			if s, ok := p[t]; ok {
				parts = append(parts, s)
				for _, id := range s.EntityIDs() {
					fresh[id] = struct{}{}
				}
			}
		}
		combined := segmentation.Combine(parts...)
		tr := report.Types[t]
		tr.NewEntities = len(fresh)
		pointers := parentPointers(combined)
		tr.Overlap = combined.MakeNonOverlappingPolys(segmentation.OverlapOptions{
			MinDistance:  c.settings.MinDistance,
			MinFinalArea: c.settings.MinFinalArea,
		})
		set := make(map[int64]struct{}, len(fresh))
		for id := range fresh {
			if combined.Has(id) {
				set[id] = struct{}{}
			}
		}
		for _, id := range tr.Overlap.Affected() {
			set[id] = struct{}{}
		}
		gone := make(map[int64]*int64, len(tr.Overlap.Absorbed)+len(tr.Overlap.Filtered))
		for _, ids := range [][]int64{tr.Overlap.Absorbed, tr.Overlap.Filtered} {
			for _, id := range ids {
				gone[id] = pointers[id]
			}
		}
		merged[t] = combined
		affected[t] = set
		removed[t] = gone
	}

	if c.resolver != nil {
		seedRemoved(c.resolver.Relationships(), merged, affected, removed)
		propagate(merged, affected)
		rel, err := c.resolve(merged, affected, report.Types)
		if err != nil {
			return Report{}, err
		}
		report.Relationships = &rel
		r := c.resolver.Relationships()
		sweep := relationships.NewRelatedResults(merged[r.ParentType], merged[r.ChildType], r.ChildCoverageThreshold)
		report.Detached = sweep.SweepDangling()
	}

	for t, s := range merged {
		tr := report.Types[t]
		tr.Entities = s.Len()
		tr.Affected = len(affected[t])
	}
	c.global = merged
	report.Duration = c.now().Sub(start)
	c.logger.Info("merged tiles",
		"run_id", report.RunID.String(),
		"tiles", report.Tiles,
		"detached", report.Detached,
		"duration", report.Duration)
	if c.recorder != nil {
		c.recorder.RecordCompile(report)
	}
	return report, nil
}

// checkFresh rejects encoded IDs that are already compiled or minted by an
// earlier tile of the same merge. Combine would otherwise drop the new rows
// as duplicates. It happens when a (tile, task) pair is merged twice with
// the same allocator or a restored snapshot was written in the same second.
func (c *Compiler) checkFresh(tile *Tile, stores map[domain.EntityType]*segmentation.Store, earlier []map[domain.EntityType]*segmentation.Store) error {
	for t, s := range stores {
		for _, id := range s.EntityIDs() {
			taken := c.global[t].Has(id)
			for _, p := range earlier {
				if prev, ok := p[t]; ok && prev.Has(id) {
					taken = true
				}
			}
			if taken {
				return domain.ConfigError{
					Field:  "tile",
					Reason: fmt.Sprintf("tile %d task %d: %s ID %d is already in use", tile.Ordinal, tile.Task, t, id),
				}
			}
		}
	}
	return nil
}

// prepareTile copies the tile stores, applies z reconciliation and edge
// trimming, then encodes the local IDs.
func (c *Compiler) prepareTile(tile *Tile, reports map[domain.EntityType]*TypeReport) (map[domain.EntityType]*segmentation.Store, error) {
	if tile == nil {
		return nil, domain.ConfigError{Field: "tile", Reason: "nil tile"}
	}
	stores := make(map[domain.EntityType]*segmentation.Store, len(tile.Stores))
	for t, s := range tile.Stores {
		if !c.configured(t) {
			return nil, domain.ConfigError{
				Field:  "entity_type",
				Reason: fmt.Sprintf("tile %d carries unconfigured entity type %q", tile.Ordinal, t),
			}
		}
		if s.EntityType() != t {
			return nil, domain.ConfigError{
				Field:  "entity_type",
				Reason: fmt.Sprintf("tile %d store for %q holds %q", tile.Ordinal, t, s.EntityType()),
			}
		}
		cp := s.Clone()
		if c.settings.FuseZ {
			cp.FuseAcrossZ(segmentation.FuseOptions{})
		}
		if len(c.settings.ReplicateZ) > 0 {
			cp.ReplicateAcrossZ(c.settings.ReplicateZ)
		}
		if tile.Size != [2]float64{} {
			reports[t].EdgeRemoved += len(cp.RemoveEdgePolysAt(tile.Origin, tile.Size))
		}
		stores[t] = cp
	}
	if _, err := c.alloc.FinalizeTile(tile.Ordinal, tile.Task, stores); err != nil {
		return nil, err
	}
	return stores, nil
}

// parentPointers maps every entity of s that has a parent to that parent.
func parentPointers(s *segmentation.Store) map[int64]*int64 {
	out := make(map[int64]*int64)
	for _, id := range s.EntityIDs() {
		if p, ok := s.Parent(id); ok {
			out[id] = p
		}
	}
	return out
}

// seedRemoved marks the relatives of entities dropped by the overlap passes:
// children that pointed at a removed parent and parents that lost a child.
// Neither may intersect any surviving affected entity, so propagate alone
// would leave them unresolved.
func seedRemoved(
	rel relationships.Relationships,
	stores map[domain.EntityType]*segmentation.Store,
	affected map[domain.EntityType]map[int64]struct{},
	removed map[domain.EntityType]map[int64]*int64,
) {
	parents, children := stores[rel.ParentType], stores[rel.ChildType]
	if gone := removed[rel.ParentType]; len(gone) > 0 {
		for _, id := range children.EntityIDs() {
			if p, ok := children.Parent(id); ok {
				if _, hit := gone[*p]; hit {
					affected[rel.ChildType][id] = struct{}{}
				}
			}
		}
	}
	for _, p := range removed[rel.ChildType] {
		if p != nil && parents.Has(*p) {
			affected[rel.ParentType][*p] = struct{}{}
		}
	}
}

type dirty struct {
	entityType domain.EntityType
	id         int64
}

// propagate grows the affected sets to a fixed point: an entity of one type
// that intersects an affected entity of another type becomes affected. Each
// entity enters the worklist at most once.
func propagate(stores map[domain.EntityType]*segmentation.Store, affected map[domain.EntityType]map[int64]struct{}) {
	types := make([]domain.EntityType, 0, len(stores))
	for t := range stores {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	if len(types) < 2 {
		return
	}
	indexes := make(map[domain.EntityType]*segmentation.Index, len(types))
	for _, t := range types {
		indexes[t] = stores[t].Index()
	}

	var queue []dirty
	for _, t := range types {
		ids := make([]int64, 0, len(affected[t]))
		for id := range affected[t] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			queue = append(queue, dirty{t, id})
		}
	}
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		geoms, err := stores[item.entityType].Geometries(item.id)
		if err != nil {
			continue
		}
		for _, other := range types {
			if other == item.entityType {
				continue
			}
			for _, hit := range indexes[other].Intersecting(geoms) {
				if _, seen := affected[other][hit]; seen {
					continue
				}
				affected[other][hit] = struct{}{}
				queue = append(queue, dirty{other, hit})
			}
		}
	}
}

// resolve runs the relationship resolver on the affected subsets, shifts IDs
// created by the resolver that collide with the untouched remainder and
// reattaches the remainder.
func (c *Compiler) resolve(
	merged map[domain.EntityType]*segmentation.Store,
	affected map[domain.EntityType]map[int64]struct{},
	reports map[domain.EntityType]*TypeReport,
) (relationships.Report, error) {
	rel := c.resolver.Relationships()
	selected := make(map[domain.EntityType]*segmentation.Store, 2)
	remainder := make(map[domain.EntityType]*segmentation.Store, 2)
	before := make(map[domain.EntityType]map[int64]struct{}, 2)
	for _, t := range rel.EntityTypes() {
		ids := make([]int64, 0, len(affected[t]))
		for id := range affected[t] {
			ids = append(ids, id)
		}
		selected[t], remainder[t] = merged[t].Partition(ids)
		before[t] = make(map[int64]struct{}, len(ids))
		for _, id := range selected[t].EntityIDs() {
			before[t][id] = struct{}{}
		}
	}

	report, err := c.resolver.Apply(selected[rel.ParentType], selected[rel.ChildType])
	if err != nil {
		return relationships.Report{}, err
	}

	for _, t := range rel.EntityTypes() {
		var created []int64
		for _, id := range selected[t].EntityIDs() {
			if _, ok := before[t][id]; !ok {
				created = append(created, id)
			}
		}
		reports[t].Created = len(created)
		mapping := shiftCollisions(created, selected[t], remainder[t])
		if len(mapping) == 0 {
			continue
		}
		selected[t].Renumber(mapping)
		// Only the resolved subset can point at a created ID; remainder
		// pointers with the same value refer to the untouched entity.
		for _, other := range rel.EntityTypes() {
			if other != t {
				selected[other].RemapParentsOf(t, mapping)
			}
		}
		reports[t].Shifted = len(mapping)
		c.logger.Debug("shifted colliding entity ids", "entity_type", t, "count", len(mapping))
	}

	for _, t := range rel.EntityTypes() {
		merged[t] = segmentation.Combine(remainder[t], selected[t])
		for id := range affected[t] {
			if !merged[t].Has(id) {
				delete(affected[t], id)
			}
		}
	}
	return report, nil
}

// shiftCollisions returns the renumbering for created IDs that collide with
// the remainder: every created ID at or above the smallest colliding one
// moves up by max(all) - min(colliding) + 1.
func shiftCollisions(created []int64, selected, remainder *segmentation.Store) map[int64]int64 {
	minColliding := int64(-1)
	for _, id := range created {
		if remainder.Has(id) && (minColliding < 0 || id < minColliding) {
			minColliding = id
		}
	}
	if minColliding < 0 {
		return nil
	}
	maxAll := selected.MaxEntityID()
	if m := remainder.MaxEntityID(); m > maxAll {
		maxAll = m
	}
	offset := maxAll - minColliding + 1
	mapping := make(map[int64]int64)
	for _, id := range created {
		if id >= minColliding {
			mapping[id] = id + offset
		}
	}
	return mapping
}
