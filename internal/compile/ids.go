package compile

import (
	"fmt"
	"sort"
	"time"

	"segmentcore/internal/segmentation"
	"segmentcore/pkg/domain"
)

// Entity-ID layout: prefix(8) · tile(5) · task(1) · entity(5).
const (
	prefixBase   int64 = 10_000_000
	prefixWindow int64 = 80_000_000

	tileDigits  = 5
	taskDigits  = 1
	localDigits = 5
)

var (
	localScale = pow10(taskDigits + localDigits)
	tileScale  = pow10(tileDigits) * localScale
)

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

// IDAllocator encodes tile-local entity IDs into globally unique IDs. The
// timestamp is captured once at construction so every ID minted during one
// compile run shares the same prefix for a given entity type.
type IDAllocator struct {
	seconds int64
	offsets map[domain.EntityType]int64
}

// AllocatorOption configures an IDAllocator.
type AllocatorOption func(*allocatorConfig)

type allocatorConfig struct {
	now func() time.Time
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) AllocatorOption {
	return func(c *allocatorConfig) { c.now = now }
}

// NewIDAllocator assigns each entity type its position in types as offset.
func NewIDAllocator(types []domain.EntityType, opts ...AllocatorOption) (*IDAllocator, error) {
	cfg := allocatorConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if int64(len(types)) > domain.MaxTypeOffset+1 {
		return nil, domain.OverflowError{Field: "entity type offset", Value: int64(len(types)) - 1, Max: domain.MaxTypeOffset}
	}
	a := &IDAllocator{
		seconds: cfg.now().Unix() % prefixWindow,
		offsets: make(map[domain.EntityType]int64, len(types)),
	}
	if a.seconds < 0 {
		a.seconds += prefixWindow
	}
	for i, t := range types {
		if _, dup := a.offsets[t]; dup {
			return nil, domain.ConfigError{Field: "entity_types", Reason: fmt.Sprintf("duplicate entity type %q", t)}
		}
		a.offsets[t] = int64(i)
	}
	return a, nil
}

// Prefix returns the 8-digit prefix for entityType.
func (a *IDAllocator) Prefix(entityType domain.EntityType) (int64, error) {
	off, ok := a.offsets[entityType]
	if !ok {
		return 0, domain.ConfigError{Field: "entity_type", Reason: fmt.Sprintf("unknown entity type %q", entityType)}
	}
	return prefixBase + a.seconds + off, nil
}

// Encode builds the global ID of the local-th entity of entityType on tile
// produced by task. Any field outside its digit budget is an OverflowError.
func (a *IDAllocator) Encode(entityType domain.EntityType, tile, task, local int64) (int64, error) {
	prefix, err := a.Prefix(entityType)
	if err != nil {
		return 0, err
	}
	switch {
	case tile < 0 || tile > domain.MaxTileOrdinal:
		return 0, domain.OverflowError{Field: "tile ordinal", Value: tile, Max: domain.MaxTileOrdinal}
	case task < 0 || task > domain.MaxTaskOrdinal:
		return 0, domain.OverflowError{Field: "task ordinal", Value: task, Max: domain.MaxTaskOrdinal}
	case local < 0 || local > domain.MaxEntityOrdinal:
		return 0, domain.OverflowError{Field: "entity ordinal", Value: local, Max: domain.MaxEntityOrdinal}
	}
	return prefix*tileScale + tile*localScale + task*pow10(localDigits) + local, nil
}

// Decode splits an encoded ID into its fields.
func Decode(id int64) (prefix, tile, task, local int64) {
	prefix = id / tileScale
	rest := id % tileScale
	tile = rest / localScale
	rest %= localScale
	task = rest / pow10(localDigits)
	local = rest % pow10(localDigits)
	return prefix, tile, task, local
}

// FinalizeTile rewrites the tile-local entity IDs of every store to encoded
// global IDs. Entities are numbered in ascending local-ID order. Parent
// pointers are remapped with the mapping of the type they point at. It
// returns the mapping applied per entity type. Stores are only modified when
// every ID encodes successfully.
func (a *IDAllocator) FinalizeTile(tile, task int64, stores map[domain.EntityType]*segmentation.Store) (map[domain.EntityType]map[int64]int64, error) {
	types := make([]domain.EntityType, 0, len(stores))
	for t := range stores {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	mappings := make(map[domain.EntityType]map[int64]int64, len(stores))
	for _, t := range types {
		ids := stores[t].EntityIDs()
		mapping := make(map[int64]int64, len(ids))
		for i, id := range ids {
			enc, err := a.Encode(t, tile, task, int64(i))
			if err != nil {
				return nil, fmt.Errorf("finalize tile %d %s: %w", tile, t, err)
			}
			mapping[id] = enc
		}
		mappings[t] = mapping
	}
	for _, t := range types {
		stores[t].Renumber(mappings[t])
	}
	for _, t := range types {
		for _, pt := range types {
			if pt != t {
				stores[t].RemapParentsOf(pt, mappings[pt])
			}
		}
	}
	return mappings, nil
}
