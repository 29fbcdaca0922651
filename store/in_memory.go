package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/promptchain/core"
)

// InMemoryStore is a volatile core.Store implementation keeping records in a
// process local map. It is safe for concurrent access and best suited for
// tests or ephemeral demo servers. Each returned record carries a copied
// payload to prevent external mutation of internal state.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[core.Kind]map[string]core.Record
}

var _ core.Store = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[core.Kind]map[string]core.Record)}
}

// Put implements core.Store. The write lock serializes concurrent writers
// to the same record id.
func (s *InMemoryStore) Put(ctx context.Context, rec core.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("%w: record id is empty", core.ErrPersistence)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.records[rec.Kind]
	if !ok {
		byID = make(map[string]core.Record)
		s.records[rec.Kind] = byID
	}
	byID[rec.ID] = cloneRecord(rec)
	return nil
}

// Get implements core.Store.
func (s *InMemoryStore) Get(ctx context.Context, kind core.Kind, id string) (core.Record, error) {
	if err := ctx.Err(); err != nil {
		return core.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[kind][id]
	if !ok {
		return core.Record{}, fmt.Errorf("%w: %s %q", core.ErrNotFound, kind, id)
	}
	return cloneRecord(rec), nil
}

// Query implements core.Store; linear scan filtered by the provided
// constraints, ordered by CreatedAt ascending.
func (s *InMemoryStore) Query(ctx context.Context, kind core.Kind, filter core.Filter) ([]core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Record
	for _, rec := range s.records[kind] {
		if matches(rec, filter) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func matches(rec core.Record, filter core.Filter) bool {
	if filter.ChainID != "" && rec.ChainID != filter.ChainID {
		return false
	}
	if !filter.Since.IsZero() && rec.CreatedAt.Before(filter.Since) {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, st := range filter.Statuses {
			if rec.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func cloneRecord(rec core.Record) core.Record {
	clone := rec
	clone.Data = append([]byte(nil), rec.Data...)
	return clone
}
