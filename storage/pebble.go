package storage

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	pkgerrors "github.com/pkg/errors"

	"github.com/verso-db/verso/errors"
)

const (
	keyspaceData byte = 0
	keyspaceRepl byte = 1
)

// PebbleEngine is an Engine backed by a single pebble instance. Partition
// keyspaces are separated by a 5 byte prefix (partition id + keyspace).
type PebbleEngine struct {
	db         *pebble.DB
	dir        string
	lock       sync.Mutex
	partitions map[int32]*pebblePartition
}

func NewPebbleEngine(dir string, storeVersion string) (*PebbleEngine, error) {
	db, err := pebble.Open(filepath.Join(dir, storeVersion), &pebble.Options{})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open pebble dir %s", dir)
	}
	return &PebbleEngine{
		db:         db,
		dir:        dir,
		partitions: map[int32]*pebblePartition{},
	}, nil
}

func (e *PebbleEngine) AddPartition(partitionID int32) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.db == nil {
		return errors.NewVersoError(errors.StorageFailure, "engine is closed")
	}
	if _, exists := e.partitions[partitionID]; !exists {
		e.partitions[partitionID] = &pebblePartition{db: e.db, partitionID: partitionID}
	}
	return nil
}

func (e *PebbleEngine) Partition(partitionID int32) (Partition, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	p, exists := e.partitions[partitionID]
	if !exists {
		return nil, errors.NewVersoErrorf(errors.StorageFailure, "unknown partition %d", partitionID)
	}
	return p, nil
}

func (e *PebbleEngine) MetadataPartition() Partition {
	e.lock.Lock()
	defer e.lock.Unlock()
	p, exists := e.partitions[MetadataPartitionID]
	if !exists {
		p = &pebblePartition{db: e.db, partitionID: MetadataPartitionID}
		e.partitions[MetadataPartitionID] = p
	}
	return p
}

func (e *PebbleEngine) DropPartition(partitionID int32) error {
	e.lock.Lock()
	p, exists := e.partitions[partitionID]
	delete(e.partitions, partitionID)
	e.lock.Unlock()
	if !exists {
		return nil
	}
	lower := partitionPrefix(partitionID, keyspaceData)
	upper := partitionPrefix(partitionID+1, keyspaceData)
	return p.db.DeleteRange(lower, upper, pebble.Sync)
}

func (e *PebbleEngine) Drop() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.db == nil {
		return nil
	}
	iter, err := e.db.NewIter(nil)
	if err != nil {
		return err
	}
	var first, last []byte
	if iter.First() {
		first = append([]byte{}, iter.Key()...)
		iter.Last()
		last = append(append([]byte{}, iter.Key()...), 0)
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if first != nil {
		if err := e.db.DeleteRange(first, last, pebble.Sync); err != nil {
			return err
		}
	}
	e.partitions = map[int32]*pebblePartition{}
	return nil
}

func (e *PebbleEngine) Close() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.db == nil {
		return nil
	}
	if err := e.db.Flush(); err != nil {
		return err
	}
	err := e.db.Close()
	e.db = nil
	return err
}

func partitionPrefix(partitionID int32, keyspace byte) []byte {
	prefix := make([]byte, 5)
	binary.BigEndian.PutUint32(prefix, uint32(partitionID))
	prefix[4] = keyspace
	return prefix
}

type pebblePartition struct {
	db          *pebble.DB
	partitionID int32

	// lock guards batch-mode toggles against concurrent Gets from the
	// ingestion thread
	lock  sync.RWMutex
	batch *pebble.Batch
}

func (p *pebblePartition) dataKey(key []byte) []byte {
	return append(partitionPrefix(p.partitionID, keyspaceData), key...)
}

func (p *pebblePartition) replKey(key []byte) []byte {
	return append(partitionPrefix(p.partitionID, keyspaceRepl), key...)
}

func (p *pebblePartition) Put(key []byte, value []byte) error {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.batch != nil {
		return p.batch.Set(p.dataKey(key), value, nil)
	}
	return p.db.Set(p.dataKey(key), value, pebble.NoSync)
}

func (p *pebblePartition) PutWithReplicationMetadata(key []byte, value []byte, replicationMetadata []byte) error {
	if err := p.Put(key, value); err != nil {
		return err
	}
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.batch != nil {
		return p.batch.Set(p.replKey(key), replicationMetadata, nil)
	}
	return p.db.Set(p.replKey(key), replicationMetadata, pebble.NoSync)
}

func (p *pebblePartition) Get(key []byte) ([]byte, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	var value []byte
	var closer interface{ Close() error }
	var err error
	if p.batch != nil {
		value, closer, err = p.batch.Get(p.dataKey(key))
	} else {
		value, closer, err = p.db.Get(p.dataKey(key))
	}
	if err != nil {
		if pkgerrors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	res := make([]byte, len(value))
	copy(res, value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *pebblePartition) Delete(key []byte) error {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.batch != nil {
		if err := p.batch.Delete(p.dataKey(key), nil); err != nil {
			return err
		}
		return p.batch.Delete(p.replKey(key), nil)
	}
	if err := p.db.Delete(p.dataKey(key), pebble.NoSync); err != nil {
		return err
	}
	return p.db.Delete(p.replKey(key), pebble.NoSync)
}

// BeginBatchWrite switches the partition into bulk-load mode. Writes
// accumulate in an indexed batch so reads still observe them, and are only
// committed on EndBatchWrite.
func (p *pebblePartition) BeginBatchWrite() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.batch != nil {
		return nil
	}
	p.batch = p.db.NewIndexedBatch()
	return nil
}

func (p *pebblePartition) EndBatchWrite() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.batch == nil {
		return nil
	}
	if err := p.batch.Commit(pebble.Sync); err != nil {
		return err
	}
	p.batch = nil
	return nil
}

func (p *pebblePartition) Sync() (map[string]string, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.batch != nil {
		return nil, errors.NewVersoError(errors.StorageFailure, "cannot sync while batch write is open")
	}
	if err := p.db.Flush(); err != nil {
		return nil, err
	}
	return map[string]string{
		"partition": fmt.Sprintf("%d", p.partitionID),
	}, nil
}
