// Package tileio encodes detection tables as GeoJSON FeatureCollections.
//
// Each feature is one detection row. Entity and parent IDs are written as
// decimal strings because encoded global IDs exceed the integer precision of
// JSON numbers; numeric IDs are accepted on input.
package tileio

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/paulmach/orb/geojson"

	"segmentcore/internal/geometry"
	"segmentcore/internal/segmentation"
	"segmentcore/pkg/domain"
)

// ContentType is the media type of encoded tiles.
const ContentType = "application/geo+json"

// Property names of a detection feature.
const (
	PropDetectionID = "detection_id"
	PropEntityID    = "entity_id"
	PropZIndex      = "z_index"
	PropEntityType  = "entity_type"
	PropParentID    = "parent_id"
	PropParentType  = "parent_type"
)

const headerMember = "tile"

// Header places a tile in the global frame. It travels as the "tile"
// foreign member of the collection.
type Header struct {
	Ordinal int64      `json:"ordinal"`
	Task    int64      `json:"task"`
	Origin  [2]float64 `json:"origin"`
	Size    [2]float64 `json:"size"`
}

// Encode writes every row of store as a feature. Rows whose geometry was
// trimmed to nothing are skipped. hdr may be nil.
func Encode(store *segmentation.Store, hdr *Header) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, row := range store.Detections() {
		if geometry.IsEmpty(row.Geometry) {
			continue
		}
		f := geojson.NewFeature(row.Geometry)
		f.Properties[PropDetectionID] = strconv.FormatInt(row.DetectionID, 10)
		f.Properties[PropEntityID] = strconv.FormatInt(row.EntityID, 10)
		f.Properties[PropZIndex] = row.ZIndex
		f.Properties[PropEntityType] = string(store.EntityType())
		if row.ParentID != nil {
			f.Properties[PropParentID] = strconv.FormatInt(*row.ParentID, 10)
			f.Properties[PropParentType] = string(row.ParentType)
		}
		fc.Append(f)
	}
	if hdr != nil {
		fc.ExtraMembers = geojson.Properties{headerMember: hdr}
	}
	return fc.MarshalJSON()
}

// Decode parses a collection into a store of entityType. Duplicate
// (entity_id, z_index) rows are dropped by the store. The header is nil when
// the collection carries none.
func Decode(data []byte, entityType domain.EntityType, opts ...segmentation.Option) (*segmentation.Store, *Header, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decode feature collection: %w", err)
	}
	rows := make([]domain.Detection, 0, len(fc.Features))
	for i, f := range fc.Features {
		row, err := decodeFeature(f, entityType)
		if err != nil {
			return nil, nil, fmt.Errorf("feature %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	hdr, err := decodeHeader(fc.ExtraMembers)
	if err != nil {
		return nil, nil, err
	}
	return segmentation.FromDetections(entityType, rows, opts...), hdr, nil
}

func decodeFeature(f *geojson.Feature, entityType domain.EntityType) (domain.Detection, error) {
	mp := geometry.Polygonal(f.Geometry)
	if geometry.IsEmpty(mp) {
		return domain.Detection{}, fmt.Errorf("geometry is not polygonal or empty")
	}
	if t, ok := f.Properties[PropEntityType].(string); ok && t != "" && domain.EntityType(t) != entityType {
		return domain.Detection{}, domain.ConfigError{
			Field:  PropEntityType,
			Reason: fmt.Sprintf("feature of type %q in %q collection", t, entityType),
		}
	}
	entityID, ok, err := intProp(f.Properties, PropEntityID)
	if err != nil {
		return domain.Detection{}, err
	}
	if !ok {
		return domain.Detection{}, fmt.Errorf("missing %s", PropEntityID)
	}
	detectionID, _, err := intProp(f.Properties, PropDetectionID)
	if err != nil {
		return domain.Detection{}, err
	}
	z, _, err := intProp(f.Properties, PropZIndex)
	if err != nil {
		return domain.Detection{}, err
	}
	if z < math.MinInt32 || z > math.MaxInt32 {
		return domain.Detection{}, fmt.Errorf("property %s: %d out of int32 range", PropZIndex, z)
	}
	row := domain.Detection{
		DetectionID: detectionID,
		EntityID:    entityID,
		ZIndex:      int32(z),
		Geometry:    mp,
		EntityType:  entityType,
	}
	parentID, ok, err := intProp(f.Properties, PropParentID)
	if err != nil {
		return domain.Detection{}, err
	}
	if ok {
		row.ParentID = domain.Int64Ptr(parentID)
		row.ParentType = domain.EntityType(f.Properties.MustString(PropParentType, ""))
	}
	return row, nil
}

// intProp reads an integer property written either as a JSON number or a
// decimal string. ok is false when the property is absent or null.
func intProp(props geojson.Properties, key string) (v int64, ok bool, err error) {
	raw, present := props[key]
	if !present || raw == nil {
		return 0, false, nil
	}
	switch x := raw.(type) {
	case string:
		v, err = strconv.ParseInt(x, 10, 64)
	case float64:
		v = int64(x)
		if float64(v) != x {
			err = fmt.Errorf("not an integer")
		}
	case int:
		v = int64(x)
	case int32:
		v = int64(x)
	case int64:
		v = x
	case json.Number:
		v, err = x.Int64()
	default:
		err = fmt.Errorf("unexpected %T", raw)
	}
	if err != nil {
		return 0, false, fmt.Errorf("property %s: %w", key, err)
	}
	return v, true, nil
}

func decodeHeader(members geojson.Properties) (*Header, error) {
	raw, ok := members[headerMember]
	if !ok || raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("tile header: %w", err)
	}
	var hdr Header
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, fmt.Errorf("tile header: %w", err)
	}
	return &hdr, nil
}
