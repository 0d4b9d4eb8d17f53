package relationships

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"

	"segmentcore/internal/geometry"
	"segmentcore/internal/logging"
	"segmentcore/internal/segmentation"
	"segmentcore/pkg/domain"
)

// coverTolerance absorbs floating point noise when testing full coverage.
const coverTolerance = 1e-6

// Resolver applies an ordered constraint list to a parent and a child store.
type Resolver struct {
	rel         Relationships
	minDistance float64
	minArea     float64
	logger      logging.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMinDistance sets the gap carved when a child is shrunk away from a
// foreign parent or a parent is trimmed around a created one.
func WithMinDistance(d float64) Option {
	return func(r *Resolver) { r.minDistance = d }
}

// WithMinArea sets the volume a split piece must exceed to be kept.
func WithMinArea(a float64) Option {
	return func(r *Resolver) { r.minArea = a }
}

// WithLogger sets the resolver logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Resolver) { r.logger = logging.OrNoop(l) }
}

// New validates cfg and returns a resolver.
func New(cfg Config, opts ...Option) (*Resolver, error) {
	rel, err := Parse(cfg)
	if err != nil {
		return nil, err
	}
	return NewFromRelationships(rel, opts...), nil
}

// NewFromRelationships returns a resolver for an already validated configuration.
func NewFromRelationships(rel Relationships, opts ...Option) *Resolver {
	r := &Resolver{rel: rel, logger: logging.Noop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Relationships returns the validated configuration.
func (r *Resolver) Relationships() Relationships { return r.rel }

// Report summarises one Apply call.
type Report struct {
	Parents    Counts
	Children   Counts
	Detached   int
	Violations map[string]int
}

// RelatedResults couples a parent and a child storage during one Apply call.
// Removing or splitting a parent updates the children that point at it.
type RelatedResults struct {
	Parents   *Storage
	Children  *Storage
	threshold float64
	detached  int
}

// NewRelatedResults wraps parents and children and wires the parent observer
// that keeps child pointers consistent.
func NewRelatedResults(parents, children *segmentation.Store, threshold float64) *RelatedResults {
	rr := &RelatedResults{threshold: threshold}
	rr.Parents = NewStorage(parents, "", nil)
	rr.Children = NewStorage(children, parents.EntityType(), nil)
	rr.Parents.setObserver(parentObserver{rr})
	return rr
}

// parentObserver detaches children of removed parents and re-matches
// children of split parents against the original and its pieces.
type parentObserver struct{ rr *RelatedResults }

func (o parentObserver) OnRemove(ids []int64) {
	for _, id := range ids {
		for _, c := range o.rr.Children.ChildrenOf(id) {
			_ = o.rr.Children.SetParent(c, nil)
			o.rr.detached++
		}
	}
}

func (o parentObserver) OnSplit(original int64, pieces []int64) {
	candidates := append([]int64{original}, pieces...)
	for _, c := range o.rr.Children.ChildrenOf(original) {
		best, cov := o.rr.bestParent(c, candidates)
		if cov >= o.rr.threshold && cov > 0 {
			_ = o.rr.Children.SetParent(c, domain.Int64Ptr(best))
			continue
		}
		_ = o.rr.Children.SetParent(c, nil)
		o.rr.detached++
	}
}

// Coverage is the share of child's volume inside parent.
func (rr *RelatedResults) Coverage(child, parent int64) float64 {
	children := rr.Children.Store()
	v := children.Volume(child)
	if v <= 0 {
		return 0
	}
	return segmentation.OverlapVolume(children, child, rr.Parents.Store(), parent) / v
}

// bestParent picks the candidate with the highest coverage of child; ties
// resolve to the lower parent ID.
func (rr *RelatedResults) bestParent(child int64, candidates []int64) (int64, float64) {
	best, bestCov := int64(-1), -1.0
	for _, p := range candidates {
		if !rr.Parents.Store().Has(p) {
			continue
		}
		cov := rr.Coverage(child, p)
		if cov > bestCov || (cov == bestCov && p < best) {
			best, bestCov = p, cov
		}
	}
	return best, bestCov
}

type hit struct {
	parent   int64
	coverage float64
}

// hits lists every parent intersecting child, by coverage descending then parent ID.
func (rr *RelatedResults) hits(child int64) []hit {
	geoms, err := rr.Children.Store().Geometries(child)
	if err != nil {
		return nil
	}
	var out []hit
	for _, p := range rr.Parents.Intersecting(geoms) {
		out = append(out, hit{parent: p, coverage: rr.Coverage(child, p)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].coverage != out[j].coverage {
			return out[i].coverage > out[j].coverage
		}
		return out[i].parent < out[j].parent
	})
	return out
}

// Match assigns every child the intersecting parent with the highest
// coverage, provided that coverage reaches the threshold; all other children
// are detached.
func (rr *RelatedResults) Match() {
	for _, c := range rr.Children.Store().EntityIDs() {
		hs := rr.hits(c)
		if len(hs) > 0 && hs[0].coverage >= rr.threshold && hs[0].coverage > 0 {
			_ = rr.Children.SetParent(c, domain.Int64Ptr(hs[0].parent))
			continue
		}
		_ = rr.Children.SetParent(c, nil)
	}
}

// group is a parent with its children, or a single orphan child.
type group struct {
	parent   *int64
	children []int64
}

// groups lists each existing parent with its children, then each child
// without a live parent on its own.
func (rr *RelatedResults) groups() []group {
	parents := rr.Parents.Store()
	children := rr.Children.Store()
	byParent := make(map[int64][]int64)
	var orphans []int64
	for _, c := range children.EntityIDs() {
		p, ok := children.Parent(c)
		if !ok || !parents.Has(*p) {
			orphans = append(orphans, c)
			continue
		}
		byParent[*p] = append(byParent[*p], c)
	}
	out := make([]group, 0, parents.Len()+len(orphans))
	for _, p := range parents.EntityIDs() {
		out = append(out, group{parent: domain.Int64Ptr(p), children: byParent[p]})
	}
	for _, c := range orphans {
		out = append(out, group{children: []int64{c}})
	}
	return out
}

// liveChildren filters ids down to children that still point at parent.
func (rr *RelatedResults) liveChildren(parent int64, ids []int64) []int64 {
	children := rr.Children.Store()
	var out []int64
	for _, c := range ids {
		p, ok := children.Parent(c)
		if ok && *p == parent {
			out = append(out, c)
		}
	}
	return out
}

// SweepDangling detaches children whose parent no longer exists.
func (rr *RelatedResults) SweepDangling() int {
	parents := rr.Parents.Store()
	children := rr.Children.Store()
	n := 0
	for _, c := range children.EntityIDs() {
		p, ok := children.Parent(c)
		if ok && !parents.Has(*p) {
			_ = rr.Children.SetParent(c, nil)
			n++
		}
	}
	rr.detached += n
	return n
}

// Apply matches children to parents and enforces each constraint in order.
// Both stores are edited in place.
func (r *Resolver) Apply(parents, children *segmentation.Store) (Report, error) {
	if parents.EntityType() != r.rel.ParentType || children.EntityType() != r.rel.ChildType {
		return Report{}, domain.ConfigError{
			Field: "entity_type",
			Reason: fmt.Sprintf("resolver for %s/%s applied to %s/%s",
				r.rel.ParentType, r.rel.ChildType, parents.EntityType(), children.EntityType()),
		}
	}
	rr := NewRelatedResults(parents, children, r.rel.ChildCoverageThreshold)
	rr.Match()

	report := Report{Violations: make(map[string]int)}
	for _, c := range r.rel.Constraints {
		violations := 0
		for _, g := range rr.groups() {
			n, err := r.resolve(c, g, rr)
			if err != nil {
				return Report{}, fmt.Errorf("resolve %s: %w", c, err)
			}
			violations += n
		}
		report.Violations[c.String()] = violations
		if violations > 0 {
			r.logger.Debug("resolved constraint", "constraint", c.String(), "violations", violations)
		}
	}
	rr.SweepDangling()

	report.Parents = rr.Parents.Counts()
	report.Children = rr.Children.Counts()
	report.Detached = rr.detached
	r.logger.Info("applied relationships",
		"parent_type", r.rel.ParentType,
		"child_type", r.rel.ChildType,
		"parents_removed", report.Parents.Removed,
		"children_removed", report.Children.Removed,
		"created", report.Parents.Created+report.Children.Created)
	return report, nil
}

// resolve enforces one constraint on one group and returns the number of
// violations repaired.
func (r *Resolver) resolve(c Constraint, g group, rr *RelatedResults) (int, error) {
	switch c.Kind {
	case MaximumChildCount:
		return r.maximumChildCount(c, g, rr), nil
	case MinimumChildCount:
		return r.minimumChildCount(c, g, rr)
	case ChildMustHaveParent:
		return r.childMustHaveParent(c, g, rr)
	case ParentMustCoverChild:
		return r.parentMustCoverChild(c, g, rr)
	case ChildIntersectOneParent:
		return r.childIntersectOneParent(c, g, rr)
	default:
		return 0, domain.ConfigError{Field: "constraint", Reason: fmt.Sprintf("unhandled constraint %s", c.Kind)}
	}
}

func (r *Resolver) maximumChildCount(c Constraint, g group, rr *RelatedResults) int {
	if g.parent == nil || !rr.Parents.Store().Has(*g.parent) {
		return 0
	}
	kids := rr.liveChildren(*g.parent, g.children)
	if len(kids) <= c.Value {
		return 0
	}
	switch c.Strategy {
	case RemoveParent:
		rr.Parents.Remove(*g.parent)
	case RemoveChild:
		type scored struct {
			id    int64
			score float64
		}
		ss := make([]scored, len(kids))
		for i, k := range kids {
			ss[i] = scored{id: k, score: rr.Children.Store().Volume(k) * rr.Coverage(k, *g.parent)}
		}
		// Lowest score goes first; ties drop the higher ID.
		sort.SliceStable(ss, func(i, j int) bool {
			if ss[i].score != ss[j].score {
				return ss[i].score < ss[j].score
			}
			return ss[i].id > ss[j].id
		})
		for _, s := range ss[:len(kids)-c.Value] {
			rr.Children.Remove(s.id)
		}
	}
	return 1
}

func (r *Resolver) minimumChildCount(c Constraint, g group, rr *RelatedResults) (int, error) {
	if g.parent == nil || !rr.Parents.Store().Has(*g.parent) {
		return 0, nil
	}
	kids := rr.liveChildren(*g.parent, g.children)
	if len(kids) >= c.Value {
		return 0, nil
	}
	switch c.Strategy {
	case RemoveParent:
		rr.Parents.Remove(*g.parent)
	case CreateChild:
		geoms, err := rr.Parents.Store().Geometries(*g.parent)
		if err != nil {
			return 0, err
		}
		rr.Children.Create(cloneStack(geoms), domain.Int64Ptr(*g.parent))
	}
	return 1, nil
}

func (r *Resolver) childMustHaveParent(c Constraint, g group, rr *RelatedResults) (int, error) {
	if g.parent != nil {
		return 0, nil
	}
	children := rr.Children.Store()
	n := 0
	for _, child := range g.children {
		if !children.Has(child) {
			continue
		}
		if p, ok := children.Parent(child); ok && rr.Parents.Store().Has(*p) {
			continue
		}
		n++
		switch c.Strategy {
		case RemoveChild:
			rr.Children.Remove(child)
		case CreateParent:
			if err := r.createParent(child, rr); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// createParent adds a parent with the child's geometry and carves it out of
// every existing parent it touches.
func (r *Resolver) createParent(child int64, rr *RelatedResults) error {
	geoms, err := rr.Children.Store().Geometries(child)
	if err != nil {
		return err
	}
	parents := rr.Parents.Store()
	others := rr.Parents.Intersecting(geoms)
	pid := rr.Parents.Create(cloneStack(geoms), nil)
	if err := rr.Children.SetParent(child, domain.Int64Ptr(pid)); err != nil {
		return err
	}
	for _, o := range others {
		og, err := parents.Geometries(o)
		if err != nil {
			continue
		}
		trimmed := make(map[int32]orb.MultiPolygon, len(og))
		for z, mp := range og {
			if cut, ok := geoms[z]; ok {
				mp = geometry.BufferedDifference(mp, cut, r.minDistance)
			}
			trimmed[z] = mp
		}
		if _, err := rr.Parents.Repair(o, trimmed, r.minArea); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) parentMustCoverChild(c Constraint, g group, rr *RelatedResults) (int, error) {
	if g.parent == nil || !rr.Parents.Store().Has(*g.parent) {
		return 0, nil
	}
	parent := *g.parent
	n := 0
	for _, child := range rr.liveChildren(parent, g.children) {
		if rr.Coverage(child, parent) >= 1-coverTolerance {
			continue
		}
		n++
		switch c.Strategy {
		case RemoveChild:
			rr.Children.Remove(child)
		case ShrinkChild:
			cg, err := rr.Children.Store().Geometries(child)
			if err != nil {
				return n, err
			}
			shrunk := make(map[int32]orb.MultiPolygon, len(cg))
			for z, mp := range cg {
				pg, ok := rr.Parents.Store().Geometry(parent, z)
				if !ok {
					continue
				}
				shrunk[z] = geometry.Intersection(mp, pg)
			}
			if _, err := rr.Children.Repair(child, shrunk, r.minArea); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (r *Resolver) childIntersectOneParent(c Constraint, g group, rr *RelatedResults) (int, error) {
	children := rr.Children.Store()
	n := 0
	for _, child := range g.children {
		if !children.Has(child) {
			continue
		}
		if g.parent != nil {
			if p, ok := children.Parent(child); !ok || *p != *g.parent {
				continue
			}
		}
		hs := rr.hits(child)
		var foreign []int64
		for i, h := range hs {
			if g.parent != nil && h.parent == *g.parent {
				continue
			}
			if g.parent == nil && i == 0 {
				continue
			}
			foreign = append(foreign, h.parent)
		}
		if len(foreign) == 0 {
			continue
		}
		n++
		switch c.Strategy {
		case RemoveChild:
			rr.Children.Remove(child)
		case ShrinkChild:
			cg, err := children.Geometries(child)
			if err != nil {
				return n, err
			}
			shrunk := cloneStack(cg)
			for _, f := range foreign {
				for z, mp := range shrunk {
					fg, ok := rr.Parents.Store().Geometry(f, z)
					if !ok {
						continue
					}
					shrunk[z] = geometry.BufferedDifference(mp, fg, r.minDistance)
				}
			}
			if _, err := rr.Children.Repair(child, shrunk, r.minArea); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func cloneStack(geoms map[int32]orb.MultiPolygon) map[int32]orb.MultiPolygon {
	out := make(map[int32]orb.MultiPolygon, len(geoms))
	for z, mp := range geoms {
		out[z] = mp.Clone()
	}
	return out
}
