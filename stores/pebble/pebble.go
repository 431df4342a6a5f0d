// Package pebble provides a disk-backed RecordStore for graphs whose lookup
// side tables or join build indexes do not fit in memory.
package pebble

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"github.com/flowmill/flowmill"
	"github.com/flowmill/flowmill/schema"
)

type pebbleStore struct {
	db     *pebble.DB
	dir    string
	schema *schema.Schema

	seq   uint64
	total int
}

// NewStoreBuilder returns a StoreBuilder producing Pebble-backed stores under
// stateDir. Each store lives in its own subdirectory named after the owning
// node and is removed again on Close; the store is run-scoped scratch space,
// not durable state.
func NewStoreBuilder(stateDir string) flowmill.StoreBuilder {
	return func(name string, s *schema.Schema) (flowmill.RecordStore, error) {
		if stateDir == "" {
			stateDir = filepath.Join(os.TempDir(), "flowmill")
		}
		dir := filepath.Join(stateDir, name)
		db, err := pebble.Open(dir, &pebble.Options{})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", dir, err)
		}
		return &pebbleStore{db: db, dir: dir, schema: s}, nil
	}
}

// storeKey is the composite record key followed by a big-endian sequence
// number, so records under one key iterate in append order. The key is
// length-prefixed, which keeps distinct keys from sharing a prefix.
func (s *pebbleStore) storeKey(key string, seq uint64) []byte {
	out := binary.AppendUvarint(nil, uint64(len(key)))
	out = append(out, key...)
	return binary.BigEndian.AppendUint64(out, seq)
}

func (s *pebbleStore) keyPrefix(key string) []byte {
	out := binary.AppendUvarint(nil, uint64(len(key)))
	return append(out, key...)
}

// prefixUpperBound is the smallest key greater than every key with the given
// prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *pebbleStore) Append(key string, rec schema.Record) error {
	k := s.storeKey(key, s.seq)
	if err := s.db.Set(k, schema.EncodeRecord(rec), &pebble.WriteOptions{Sync: false}); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	s.seq++
	s.total++
	return nil
}

func (s *pebbleStore) Get(key string) ([]schema.Record, error) {
	prefix := s.keyPrefix(key)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}

	var out []schema.Record
	for valid := iter.First(); valid; valid = iter.Next() {
		v, err := iter.ValueAndErr()
		if err != nil {
			iter.Close()
			return nil, err
		}
		rec, err := schema.DecodeRecord(s.schema, v)
		if err != nil {
			iter.Close()
			return nil, err
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return nil, err
	}
	return out, iter.Close()
}

func (s *pebbleStore) Len() int {
	return s.total
}

func (s *pebbleStore) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	return os.RemoveAll(s.dir)
}

var _ flowmill.RecordStore = (*pebbleStore)(nil)
