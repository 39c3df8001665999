package meta

import (
	"fmt"
	"sync/atomic"

	"github.com/verso-db/verso/storage"
)

const versionMetadataKey = "VERSION_METADATA"

func offsetRecordKey(partitionID int32) []byte {
	return []byte(fmt.Sprintf("P_%d", partitionID))
}

// Store is the read-through, write-through offset and version metadata store
// over the engine's metadata partition. Offset records have a single writer
// per partition (the drainer owning it); the store version state is mutated
// only by the ingestion thread but read from drainer threads, so it is held
// behind a CAS-guarded single-entry cache.
type Store struct {
	metadataPartition storage.Partition
	versionStateCache atomic.Pointer[StoreVersionState]
}

func NewStore(engine storage.Engine) *Store {
	return &Store{metadataPartition: engine.MetadataPartition()}
}

// GetOffsetRecord returns the persisted record for the partition, or a fresh
// one when nothing has been checkpointed yet.
func (s *Store) GetOffsetRecord(partitionID int32) (*OffsetRecord, error) {
	buff, err := s.metadataPartition.Get(offsetRecordKey(partitionID))
	if err != nil {
		return nil, err
	}
	if buff == nil {
		return NewOffsetRecord(), nil
	}
	return DeserializeOffsetRecord(buff)
}

func (s *Store) PutOffsetRecord(partitionID int32, rec *OffsetRecord) error {
	return s.metadataPartition.Put(offsetRecordKey(partitionID), rec.Serialize())
}

func (s *Store) ClearOffsetRecord(partitionID int32) error {
	return s.metadataPartition.Delete(offsetRecordKey(partitionID))
}

// GetStoreVersionState returns the cached version state, loading it from the
// metadata partition on first access. Returns nil when no state exists yet.
func (s *Store) GetStoreVersionState() (*StoreVersionState, error) {
	cached := s.versionStateCache.Load()
	if cached != nil {
		return cached, nil
	}
	buff, err := s.metadataPartition.Get([]byte(versionMetadataKey))
	if err != nil {
		return nil, err
	}
	if buff == nil {
		return nil, nil
	}
	svs, err := DeserializeStoreVersionState(buff)
	if err != nil {
		return nil, err
	}
	// Another thread may have refreshed concurrently - last write wins, the
	// states are identical as there is a single mutator.
	s.versionStateCache.Store(svs)
	return svs, nil
}

// MutateStoreVersionState applies the mutator to a copy of the current state
// (or a zero state when none exists), persists it, and refreshes the cache
// with a CAS loop so concurrent readers never observe a stale pointer after
// the write.
func (s *Store) MutateStoreVersionState(mutator func(*StoreVersionState)) (*StoreVersionState, error) {
	current, err := s.GetStoreVersionState()
	if err != nil {
		return nil, err
	}
	var next *StoreVersionState
	if current == nil {
		next = &StoreVersionState{}
	} else {
		next = current.Clone()
	}
	mutator(next)
	if err := s.metadataPartition.Put([]byte(versionMetadataKey), next.Serialize()); err != nil {
		return nil, err
	}
	for {
		prev := s.versionStateCache.Load()
		if s.versionStateCache.CompareAndSwap(prev, next) {
			return next, nil
		}
	}
}
