package core

import (
	"context"
	"time"
)

// Kind partitions records within a Store. Each kind has its own id space.
type Kind string

const (
	// KindChain stores chain definitions.
	KindChain Kind = "chain"
	// KindExecution stores terminal chain executions.
	KindExecution Kind = "execution"
	// KindResult stores assembled chain results.
	KindResult Kind = "result"
)

// Filter narrows a Query to records matching every set field. Zero values
// mean "no constraint".
type Filter struct {
	ChainID  string
	Since    time.Time
	Statuses []ExecutionStatus
}

// Record is a persisted envelope pairing a raw JSON payload with the
// indexable attributes a Store must support filtering on.
type Record struct {
	Kind      Kind            `json:"kind"`
	ID        string          `json:"id"`
	ChainID   string          `json:"chain_id,omitempty"`
	Status    ExecutionStatus `json:"status,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Data      []byte          `json:"data"`
}

// Store is the persistence layer contract. Implementations must guarantee
// durability of a write before Put returns success, and must serialize
// concurrent writes per record id. Reads of missing records return
// ErrNotFound.
type Store interface {
	// Put durably persists a record, overwriting any previous version under
	// the same (kind, id) pair.
	Put(ctx context.Context, rec Record) error

	// Get returns the record stored under (kind, id) or ErrNotFound.
	Get(ctx context.Context, kind Kind, id string) (Record, error)

	// Query returns all records of a kind matching the filter, ordered by
	// CreatedAt ascending.
	Query(ctx context.Context, kind Kind, filter Filter) ([]Record, error)
}
