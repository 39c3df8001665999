// Copyright 2025 The Verso Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

// MetadataPartitionID is the reserved partition holding offset and version
// metadata records.
const MetadataPartitionID int32 = 1_000_000_000

// Engine is the pluggable partitioned key-value engine the ingestion task
// writes into. Implementations must allow concurrent access to distinct
// partitions; access to a single partition is serialized by the caller except
// for Get, which may race with batch-mode toggles and is guarded inside the
// partition.
type Engine interface {
	// AddPartition creates the partition if it does not exist.
	AddPartition(partitionID int32) error

	// Partition returns the handle for an existing partition.
	Partition(partitionID int32) (Partition, error)

	// MetadataPartition returns the reserved metadata partition, creating it
	// if needed.
	MetadataPartition() Partition

	DropPartition(partitionID int32) error

	// Drop removes all partitions including metadata.
	Drop() error

	Close() error
}

// Partition is a single partition of the engine.
type Partition interface {
	Put(key []byte, value []byte) error

	PutWithReplicationMetadata(key []byte, value []byte, replicationMetadata []byte) error

	// Get returns nil when the key is absent.
	Get(key []byte) ([]byte, error)

	Delete(key []byte) error

	// BeginBatchWrite switches the partition into bulk-load mode. The
	// partition may be reopened with different write options; readers are
	// blocked for the duration of the toggle only.
	BeginBatchWrite() error

	EndBatchWrite() error

	// Sync makes all applied writes durable and returns the partition's
	// checkpoint info.
	Sync() (map[string]string, error)
}
