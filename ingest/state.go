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

package ingest

import (
	"sync"
	"sync/atomic"

	"github.com/verso-db/verso/common"
	"github.com/verso-db/verso/div"
	"github.com/verso-db/verso/meta"
	"github.com/verso-db/verso/pubsub"
)

// PartitionState is the role of one partition replica in the leader/follower
// state machine. Transitions are driven solely by the ingestion thread.
type PartitionState int

const (
	StateOffline PartitionState = iota
	StateStandby
	StateInTransitionFromStandbyToLeader
	StatePauseTransitionFromStandbyToLeader
	StateLeader
)

func (s PartitionState) String() string {
	switch s {
	case StateOffline:
		return "OFFLINE"
	case StateStandby:
		return "STANDBY"
	case StateInTransitionFromStandbyToLeader:
		return "IN_TRANSITION_FROM_STANDBY_TO_LEADER"
	case StatePauseTransitionFromStandbyToLeader:
		return "PAUSE_TRANSITION_FROM_STANDBY_TO_LEADER"
	case StateLeader:
		return "LEADER"
	}
	return "UNKNOWN"
}

// TransientRecord is the last value written for a key by this leader, cached
// from produce until the drainer applies it, so write-compute reads its own
// writes.
type TransientRecord struct {
	Offset        int64
	Value         []byte
	ValueSchemaID int32
}

// LeaderProducedRecordContext carries one leader-produced record from the
// producer callback to the drainer.
type LeaderProducedRecordContext struct {
	// ConsumedOffset is the upstream offset the record was derived from, -1
	// for individual chunks.
	ConsumedOffset int64
	// ProducedOffset is the version topic offset assigned by the producer, -1
	// for individual chunks.
	ProducedOffset int64

	Key         []byte
	MessageType pubsub.MessageType
	Value       []byte
	SchemaID    int32
	Control     *pubsub.ControlMessage

	PersistedToDBFuture *common.CompletionFuture
}

// PartitionConsumptionState is the per-partition mutable state of the task.
// Role fields are owned by the ingestion thread; the offset record and the
// transient-record cache are shared with drainer threads and guarded by lock.
type PartitionConsumptionState struct {
	Partition int32

	role PartitionState

	endOfPushReceived atomic.Bool

	ConsumeRemotely  bool
	SkipKafkaMessage bool

	// LatestMessageConsumptionTs is the wall-clock millis of the last record
	// consumed for this partition, driving the promotion quiescence rule.
	LatestMessageConsumptionTs int64

	ConsumptionStartTs int64

	PendingTopicSwitch *pubsub.TopicSwitch

	LastLeaderPersistFuture         *common.CompletionFuture
	LastQueuedRecordPersistedFuture *common.CompletionFuture

	IsHybrid          bool
	IncrementalPushID string
	LatchReleased     bool
	Complete          bool
	ErrorReported     bool

	LeaderSessionID uint64

	lock             sync.Mutex
	offsetRecord     *meta.OffsetRecord
	transientRecords map[string]*TransientRecord
	validator        *div.Validator
}

func newPartitionConsumptionState(partition int32, offsetRecord *meta.OffsetRecord, isHybrid bool) *PartitionConsumptionState {
	pcs := &PartitionConsumptionState{
		Partition:                  partition,
		role:                       StateStandby,
		ConsumptionStartTs:         common.NowMillis(),
		LatestMessageConsumptionTs: common.NowMillis(),
		IsHybrid:                   isHybrid,
		offsetRecord:               offsetRecord,
		transientRecords:           map[string]*TransientRecord{},
		validator:                  div.NewValidator(partition),
	}
	pcs.validator.RestoreFrom(offsetRecord)
	pcs.endOfPushReceived.Store(offsetRecord.EndOfPushReceived)
	return pcs
}

func (pcs *PartitionConsumptionState) Role() PartitionState {
	return pcs.role
}

func (pcs *PartitionConsumptionState) EndOfPushReceived() bool {
	return pcs.endOfPushReceived.Load()
}

// WithOffsetRecord runs f with the offset record under the state lock.
func (pcs *PartitionConsumptionState) WithOffsetRecord(f func(rec *meta.OffsetRecord)) {
	pcs.lock.Lock()
	defer pcs.lock.Unlock()
	f(pcs.offsetRecord)
}

// LocalVersionTopicOffset reads the last durably applied version topic offset.
func (pcs *PartitionConsumptionState) LocalVersionTopicOffset() int64 {
	pcs.lock.Lock()
	defer pcs.lock.Unlock()
	return pcs.offsetRecord.LocalVersionTopicOffset
}

func (pcs *PartitionConsumptionState) UpstreamOffset() int64 {
	pcs.lock.Lock()
	defer pcs.lock.Unlock()
	return pcs.offsetRecord.UpstreamOffset()
}

func (pcs *PartitionConsumptionState) LeaderTopic() string {
	pcs.lock.Lock()
	defer pcs.lock.Unlock()
	return pcs.offsetRecord.LeaderTopic
}

func (pcs *PartitionConsumptionState) setLeaderTopic(topic string) {
	pcs.lock.Lock()
	defer pcs.lock.Unlock()
	pcs.offsetRecord.LeaderTopic = topic
}

func (pcs *PartitionConsumptionState) validate(env *pubsub.MessageEnvelope) (div.Classification, div.OffsetRecordMutator, error) {
	pcs.lock.Lock()
	defer pcs.lock.Unlock()
	return pcs.validator.Validate(env)
}

func (pcs *PartitionConsumptionState) getTransientRecord(key []byte) (*TransientRecord, bool) {
	pcs.lock.Lock()
	defer pcs.lock.Unlock()
	tr, exists := pcs.transientRecords[string(key)]
	return tr, exists
}

func (pcs *PartitionConsumptionState) setTransientRecord(key []byte, tr *TransientRecord) {
	pcs.lock.Lock()
	defer pcs.lock.Unlock()
	pcs.transientRecords[string(key)] = tr
}

// invalidateTransientRecord drops the cache entry once the drainer has
// applied the record it was created for.
func (pcs *PartitionConsumptionState) invalidateTransientRecord(key []byte, consumedOffset int64) {
	pcs.lock.Lock()
	defer pcs.lock.Unlock()
	tr, exists := pcs.transientRecords[string(key)]
	if exists && tr.Offset == consumedOffset {
		delete(pcs.transientRecords, string(key))
	}
}

func (pcs *PartitionConsumptionState) clearTransientRecords() {
	pcs.lock.Lock()
	defer pcs.lock.Unlock()
	pcs.transientRecords = map[string]*TransientRecord{}
}
