package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type Collection string

const (
	Bookings           Collection = "Bookings"
	Bids               Collection = "Bids"
	DriverProfiles     Collection = "DriverProfiles"
	DriverAvailability Collection = "DriverAvailability"
	Participants       Collection = "Participants"
)

// RecordStore is a keyed set of named collections. Put replaces the whole
// collection; Get returns records in the order they were last written.
type RecordStore interface {
	Get(ctx context.Context, c Collection) ([]json.RawMessage, error)
	Put(ctx context.Context, c Collection, records []json.RawMessage) error
}

// Load decodes every record of c into T.
func Load[T any](ctx context.Context, s RecordStore, c Collection) ([]T, error) {
	raw, err := s.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", c, err)
	}
	out := make([]T, 0, len(raw))
	for i, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("decode %s[%d]: %w", c, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Save encodes records and replaces c with them.
func Save[T any](ctx context.Context, s RecordStore, c Collection, records []T) error {
	raw := make([]json.RawMessage, 0, len(records))
	for i := range records {
		b, err := json.Marshal(records[i])
		if err != nil {
			return fmt.Errorf("encode %s[%d]: %w", c, i, err)
		}
		raw = append(raw, b)
	}
	if err := s.Put(ctx, c, raw); err != nil {
		return fmt.Errorf("put %s: %w", c, err)
	}
	return nil
}

type MemoryStore struct {
	mu          sync.RWMutex
	collections map[Collection][]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[Collection][]json.RawMessage)}
}

func (m *MemoryStore) Get(_ context.Context, c Collection) ([]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneRecords(m.collections[c]), nil
}

func (m *MemoryStore) Put(_ context.Context, c Collection, records []json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[c] = cloneRecords(records)
	return nil
}

// callers may mutate what they get back, so nothing is shared with the map
func cloneRecords(in []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(in))
	for i, r := range in {
		out[i] = append(json.RawMessage(nil), r...)
	}
	return out
}
