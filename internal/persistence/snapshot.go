// Package persistence saves and restores the compiler's global stores.
//
// A snapshot is stored as one bucket per entity type. Each bucket payload is
// a JSON document holding the detection rows with WKB-hex geometry; the
// sqlite and postgres subpackages keep buckets in a state(bucket, payload)
// table, Memory keeps them in a map.
package persistence

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb/encoding/wkb"

	"segmentcore/internal/geometry"
	"segmentcore/internal/segmentation"
	"segmentcore/pkg/domain"
)

// Snapshot is the compiled state of every entity type.
type Snapshot struct {
	RunID  string
	Stores map[domain.EntityType]*segmentation.Store
}

// Empty reports whether the snapshot holds no store.
func (s Snapshot) Empty() bool { return len(s.Stores) == 0 }

// Store persists snapshots. Save replaces the previous snapshot entirely;
// Load returns an empty snapshot when nothing was saved yet.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
	Close() error
}

// Bucket is one encoded entity type.
type Bucket struct {
	Name    string
	Payload []byte
}

type payload struct {
	EntityType domain.EntityType `json:"entity_type"`
	RunID      string            `json:"run_id,omitempty"`
	SavedAt    time.Time         `json:"saved_at"`
	Rows       []payloadRow      `json:"rows"`
}

type payloadRow struct {
	DetectionID int64             `json:"detection_id"`
	EntityID    int64             `json:"entity_id"`
	ZIndex      int32             `json:"z_index"`
	Geometry    string            `json:"wkb"`
	ParentID    *int64            `json:"parent_id,omitempty"`
	ParentType  domain.EntityType `json:"parent_type,omitempty"`
}

// EncodeBuckets serialises every store of snap, ordered by entity type.
func EncodeBuckets(snap Snapshot, savedAt time.Time) ([]Bucket, error) {
	types := make([]domain.EntityType, 0, len(snap.Stores))
	for t := range snap.Stores {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	out := make([]Bucket, 0, len(types))
	for _, t := range types {
		p := payload{EntityType: t, RunID: snap.RunID, SavedAt: savedAt.UTC()}
		for _, d := range snap.Stores[t].Detections() {
			b, err := wkb.Marshal(d.Geometry)
			if err != nil {
				return nil, fmt.Errorf("encode %s %d z=%d: %w", t, d.EntityID, d.ZIndex, err)
			}
			p.Rows = append(p.Rows, payloadRow{
				DetectionID: d.DetectionID,
				EntityID:    d.EntityID,
				ZIndex:      d.ZIndex,
				Geometry:    hex.EncodeToString(b),
				ParentID:    d.ParentID,
				ParentType:  d.ParentType,
			})
		}
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", t, err)
		}
		out = append(out, Bucket{Name: string(t), Payload: data})
	}
	return out, nil
}

// DecodeBuckets rebuilds a snapshot. Empty payloads are skipped.
func DecodeBuckets(buckets []Bucket, opts ...segmentation.Option) (Snapshot, error) {
	snap := Snapshot{Stores: make(map[domain.EntityType]*segmentation.Store, len(buckets))}
	for _, b := range buckets {
		if len(b.Payload) == 0 {
			continue
		}
		var p payload
		if err := json.Unmarshal(b.Payload, &p); err != nil {
			return Snapshot{}, fmt.Errorf("decode %s: %w", b.Name, err)
		}
		if string(p.EntityType) != b.Name {
			return Snapshot{}, fmt.Errorf("decode %s: payload holds entity type %q", b.Name, p.EntityType)
		}
		rows := make([]domain.Detection, 0, len(p.Rows))
		for _, r := range p.Rows {
			raw, err := hex.DecodeString(r.Geometry)
			if err != nil {
				return Snapshot{}, fmt.Errorf("decode %s %d: %w", b.Name, r.EntityID, err)
			}
			g, err := wkb.Unmarshal(raw)
			if err != nil {
				return Snapshot{}, fmt.Errorf("decode %s %d: %w", b.Name, r.EntityID, err)
			}
			rows = append(rows, domain.Detection{
				DetectionID: r.DetectionID,
				EntityID:    r.EntityID,
				ZIndex:      r.ZIndex,
				Geometry:    geometry.Polygonal(g),
				EntityType:  p.EntityType,
				ParentID:    r.ParentID,
				ParentType:  r.ParentType,
			})
		}
		snap.Stores[p.EntityType] = segmentation.FromDetections(p.EntityType, rows, opts...)
		if p.RunID != "" {
			snap.RunID = p.RunID
		}
	}
	return snap, nil
}
