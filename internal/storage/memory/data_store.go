package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/notewatch/internal/tracker"
)

// DataStore holds entities and tracked items in memory.
type DataStore struct {
	mu       sync.RWMutex
	entities map[string]tracker.Entity
	items    map[string]tracker.TrackedItem
	order    []string
	updates  []string
	// Hidden entities are listed but GetEntity reports them missing.
	hidden map[string]bool
}

// NewDataStore constructs an empty DataStore.
func NewDataStore() *DataStore {
	return &DataStore{
		entities: make(map[string]tracker.Entity),
		items:    make(map[string]tracker.TrackedItem),
		hidden:   make(map[string]bool),
	}
}

// AddEntity registers an entity with its tracked items.
func (s *DataStore) AddEntity(e tracker.Entity, items ...tracker.TrackedItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[e.ID]; !ok {
		s.order = append(s.order, e.ID)
	}
	s.entities[e.ID] = e
	for _, it := range items {
		it.EntityID = e.ID
		s.items[it.ID] = it
	}
}

// HideEntity makes GetEntity return nil for id while keeping it listed.
func (s *DataStore) HideEntity(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden[id] = true
}

// ListEntities returns entities in insertion order.
func (s *DataStore) ListEntities(_ context.Context) ([]tracker.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tracker.Entity, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entities[id])
	}
	return out, nil
}

// ListItems returns the items owned by entityID ordered by ID.
func (s *DataStore) ListItems(_ context.Context, entityID string) ([]tracker.TrackedItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tracker.TrackedItem
	for _, it := range s.items {
		if it.EntityID == entityID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateItemMetrics overwrites the stored metrics for itemID.
func (s *DataStore) UpdateItemMetrics(_ context.Context, itemID string, metrics tracker.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("item %s: %w", itemID, tracker.ErrNotFound)
	}
	it.Metrics = metrics
	s.items[itemID] = it
	s.updates = append(s.updates, itemID)
	return nil
}

// GetEntity returns the entity or nil when it does not exist.
func (s *DataStore) GetEntity(_ context.Context, id string) (*tracker.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok || s.hidden[id] {
		return nil, nil
	}
	return &e, nil
}

// Item returns the stored item.
func (s *DataStore) Item(id string) (tracker.TrackedItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	return it, ok
}

// Updates returns the item IDs passed to UpdateItemMetrics, in call order.
func (s *DataStore) Updates() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.updates...)
}
