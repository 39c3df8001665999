package storage

import (
	"sync"

	"github.com/verso-db/verso/errors"
)

// MemEngine is an in-memory Engine used by tests and local tooling.
type MemEngine struct {
	lock       sync.Mutex
	partitions map[int32]*memPartition
	dropped    bool
}

func NewMemEngine() *MemEngine {
	return &MemEngine{partitions: map[int32]*memPartition{}}
}

func (m *MemEngine) AddPartition(partitionID int32) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.dropped {
		return errors.NewVersoError(errors.StorageFailure, "engine has been dropped")
	}
	if _, exists := m.partitions[partitionID]; !exists {
		m.partitions[partitionID] = newMemPartition()
	}
	return nil
}

func (m *MemEngine) Partition(partitionID int32) (Partition, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	p, exists := m.partitions[partitionID]
	if !exists {
		return nil, errors.NewVersoErrorf(errors.StorageFailure, "unknown partition %d", partitionID)
	}
	return p, nil
}

func (m *MemEngine) MetadataPartition() Partition {
	m.lock.Lock()
	defer m.lock.Unlock()
	p, exists := m.partitions[MetadataPartitionID]
	if !exists {
		p = newMemPartition()
		m.partitions[MetadataPartitionID] = p
	}
	return p
}

func (m *MemEngine) DropPartition(partitionID int32) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.partitions, partitionID)
	return nil
}

func (m *MemEngine) Drop() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.partitions = map[int32]*memPartition{}
	m.dropped = true
	return nil
}

func (m *MemEngine) Close() error {
	return nil
}

type memPartition struct {
	// lock guards batch-mode toggles against concurrent reads
	lock      sync.RWMutex
	entries   map[string][]byte
	replMeta  map[string][]byte
	batchMode bool
	syncCount int64
}

func newMemPartition() *memPartition {
	return &memPartition{entries: map[string][]byte{}, replMeta: map[string][]byte{}}
}

func (p *memPartition) Put(key []byte, value []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	p.entries[string(key)] = cp
	return nil
}

func (p *memPartition) PutWithReplicationMetadata(key []byte, value []byte, replicationMetadata []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	p.entries[string(key)] = cp
	rm := make([]byte, len(replicationMetadata))
	copy(rm, replicationMetadata)
	p.replMeta[string(key)] = rm
	return nil
}

func (p *memPartition) Get(key []byte) ([]byte, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	v, exists := p.entries[string(key)]
	if !exists {
		return nil, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (p *memPartition) Delete(key []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.entries, string(key))
	delete(p.replMeta, string(key))
	return nil
}

func (p *memPartition) BeginBatchWrite() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.batchMode = true
	return nil
}

func (p *memPartition) EndBatchWrite() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.batchMode = false
	return nil
}

func (p *memPartition) Sync() (map[string]string, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.syncCount++
	return map[string]string{}, nil
}
