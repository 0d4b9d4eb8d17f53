package persistence

import (
	"context"
	"sync"
	"time"
)

// Memory keeps encoded buckets in process memory. Saved stores are encoded,
// so later edits to them do not leak into the snapshot.
type Memory struct {
	mu      sync.RWMutex
	buckets []Bucket
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory snapshot store.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Save(_ context.Context, snap Snapshot) error {
	buckets, err := EncodeBuckets(snap, time.Now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.buckets = buckets
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(_ context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return DecodeBuckets(m.buckets)
}

func (m *Memory) Close() error { return nil }
