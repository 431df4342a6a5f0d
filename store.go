package flowmill

import (
	"fmt"

	"github.com/flowmill/flowmill/schema"
)

// RecordStore is a keyed multimap of records, used for a Lookup's
// materialized side table and a Join's build-side hash index. A store is
// owned exclusively by one operator instance for the duration of a run.
type RecordStore interface {
	// Append adds a record under the given composite key.
	Append(key string, rec schema.Record) error

	// Get returns all records stored under the key, in append order, or
	// nil if the key is absent.
	Get(key string) ([]schema.Record, error)

	// Len returns the total number of stored records.
	Len() int

	Close() error
}

// StoreBuilder creates the RecordStore backing one barrier operator. The
// name identifies the owning node; the schema is that of the stored records.
type StoreBuilder func(name string, s *schema.Schema) (RecordStore, error)

// DefaultStoreBound caps the in-memory store. Graphs whose side tables or
// build indexes exceed it either raise ErrResourceExhausted or move to a
// disk-backed store via WithStoreBuilder.
const DefaultStoreBound = 1 << 20

// MemoryStore is the default RecordStore: a bounded in-process multimap.
type MemoryStore struct {
	name    string
	records map[string][]schema.Record
	total   int
	bound   int
}

// NewMemoryStore creates a store holding at most bound records; bound <= 0
// means DefaultStoreBound.
func NewMemoryStore(name string, bound int) *MemoryStore {
	if bound <= 0 {
		bound = DefaultStoreBound
	}
	return &MemoryStore{
		name:    name,
		records: make(map[string][]schema.Record),
		bound:   bound,
	}
}

// MemoryStoreBuilder returns a StoreBuilder producing bounded in-memory
// stores.
func MemoryStoreBuilder(bound int) StoreBuilder {
	return func(name string, _ *schema.Schema) (RecordStore, error) {
		return NewMemoryStore(name, bound), nil
	}
}

func (s *MemoryStore) Append(key string, rec schema.Record) error {
	if s.total >= s.bound {
		return fmt.Errorf("%w: store %q at %d records", ErrResourceExhausted, s.name, s.total)
	}
	s.records[key] = append(s.records[key], rec)
	s.total++
	return nil
}

func (s *MemoryStore) Get(key string) ([]schema.Record, error) {
	return s.records[key], nil
}

func (s *MemoryStore) Len() int {
	return s.total
}

func (s *MemoryStore) Close() error {
	s.records = nil
	return nil
}
