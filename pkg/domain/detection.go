// Package domain defines the detection table contract, entity-ID limits and
// the error taxonomy shared by the segmentcore packages.
package domain

import "github.com/paulmach/orb"

// EntityType names a class of segmented entity, e.g. "cell" or "nucleus".
type EntityType string

// Detection is one polygon row for one entity at one z-plane.
type Detection struct {
	DetectionID int64            `json:"detection_id"`
	EntityID    int64            `json:"entity_id"`
	ZIndex      int32            `json:"z_index"`
	Geometry    orb.MultiPolygon `json:"-"`
	EntityType  EntityType       `json:"entity_type"`
	ParentID    *int64           `json:"parent_id,omitempty"`
	ParentType  EntityType       `json:"parent_type,omitempty"`
}

// HasParent reports whether the row carries a parent pointer.
func (d Detection) HasParent() bool { return d.ParentID != nil }

// Clone returns a deep copy of the row.
func (d Detection) Clone() Detection {
	cp := d
	cp.Geometry = d.Geometry.Clone()
	if d.ParentID != nil {
		id := *d.ParentID
		cp.ParentID = &id
	}
	return cp
}

// Key identifies a detection row within one store.
type Key struct {
	EntityID int64
	ZIndex   int32
}

// Key returns the (entity_id, z_index) identity of the row.
func (d Detection) Key() Key { return Key{EntityID: d.EntityID, ZIndex: d.ZIndex} }

// Pair is an overlapping (A, B) entity pair.
type Pair struct {
	A int64
	B int64
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }
