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
	"github.com/verso-db/verso/common"
	"github.com/verso-db/verso/div"
	"github.com/verso-db/verso/drainer"
	"github.com/verso-db/verso/encoding"
	"github.com/verso-db/verso/errors"
	log "github.com/verso-db/verso/logger"
	"github.com/verso-db/verso/meta"
	"github.com/verso-db/verso/pubsub"
)

func drainerEntry(partition int32, size int64, apply func() error) drainer.Entry {
	return drainer.Entry{Partition: partition, Size: size, Apply: apply}
}

// buildStoredValue prefixes the payload with its 4 byte schema header, the
// layout every read path expects.
func buildStoredValue(schemaID int32, value []byte) []byte {
	buff := make([]byte, 0, 4+len(value))
	buff = encoding.AppendUint32ToBufferLE(buff, uint32(schemaID))
	return append(buff, value...)
}

// splitStoredValue strips the schema header.
func splitStoredValue(stored []byte) (int32, []byte) {
	if len(stored) < 4 {
		return 0, nil
	}
	schemaID, offset := encoding.ReadUint32FromBufferLE(stored, 0)
	return int32(schemaID), stored[offset:]
}

// enqueueConsumedRecord hands a non-produced record to the drainer owning the
// partition. The put blocks when the queue memory is exhausted, which is the
// backpressure between consumer and drainer.
func (t *IngestionTask) enqueueConsumedRecord(pcs *PartitionConsumptionState, record *pubsub.Record) {
	fut := common.NewCompletionFuture()
	pcs.LastQueuedRecordPersistedFuture = fut
	entry := drainerEntry(record.Partition, record.PayloadSize(), func() error {
		err := t.applyConsumedRecord(pcs, record)
		fut.Complete(err)
		return err
	})
	if err := t.pool.Submit(entry); err != nil {
		fut.Complete(err)
		t.setPartitionException(record.Partition, err)
	}
}

// applyConsumedRecord is the drainer path for followers and for leaders
// consuming the local version topic: validate, rewind-check, apply to
// storage, then update the offset record.
func (t *IngestionTask) applyConsumedRecord(pcs *PartitionConsumptionState, record *pubsub.Record) error {
	env := record.Envelope
	cls, mutator, verr := pcs.validate(env)
	switch cls {
	case div.Duplicate:
		t.stats.DivDuplicate.Inc()
		// Duplicates still advance the local consumption position.
		return t.advanceLocalOffsetOnly(pcs, record)
	case div.Fatal:
		t.stats.DivFatal.Inc()
		if !pcs.EndOfPushReceived() {
			return verr
		}
		// After end of push a validation gap is logged and tolerated.
		// TODO revisit once replication metadata lets us repair the gap
		log.Errorf("tolerating data validation error on %s-%d after end of push: %v",
			record.Topic, record.Partition, verr)
	case div.Benign:
		t.stats.DivBenign.Inc()
	}

	upstreamOffset := env.UpstreamOffset()
	if upstreamOffset >= 0 {
		prev := pcs.UpstreamOffset()
		if prev >= 0 && upstreamOffset < prev {
			if err := t.checkUpstreamOffsetRewind(pcs, record, upstreamOffset, prev); err != nil {
				return err
			}
		}
	}

	if env.IsControl() {
		if err := t.applyControl(pcs, env.Control); err != nil {
			return err
		}
	} else {
		if err := t.applyData(record.Partition, record.Key, env); err != nil {
			return err
		}
	}

	return t.updateOffsetsAfterApply(pcs, record, mutator)
}

func (t *IngestionTask) advanceLocalOffsetOnly(pcs *PartitionConsumptionState, record *pubsub.Record) error {
	pcs.WithOffsetRecord(func(rec *meta.OffsetRecord) {
		if record.Offset > rec.LocalVersionTopicOffset {
			rec.LocalVersionTopicOffset = record.Offset
		}
	})
	return t.persistOffsetRecord(pcs)
}

// applyControl applies a control message's local effects. Used by both the
// follower path and the drainer half of the leader produce path.
func (t *IngestionTask) applyControl(pcs *PartitionConsumptionState, cm *pubsub.ControlMessage) error {
	partition := pcs.Partition
	switch cm.Type {
	case pubsub.ControlStartOfPush:
		if _, err := t.metaStore.MutateStoreVersionState(func(svs *meta.StoreVersionState) {
			svs.StartOfPushReceived = true
			svs.ChunkingEnabled = cm.Chunked
		}); err != nil {
			return err
		}
		t.gw.UpdateChunkingEnabled(cm.Chunked)
		part, err := t.engine.Partition(partition)
		if err != nil {
			return err
		}
		return part.BeginBatchWrite()
	case pubsub.ControlEndOfPush:
		part, err := t.engine.Partition(partition)
		if err != nil {
			return err
		}
		if err := part.EndBatchWrite(); err != nil {
			return err
		}
		if _, err := part.Sync(); err != nil {
			return err
		}
		if _, err := t.metaStore.MutateStoreVersionState(func(svs *meta.StoreVersionState) {
			svs.EndOfPushReceived = true
		}); err != nil {
			return err
		}
		pcs.endOfPushReceived.Store(true)
	case pubsub.ControlStartOfIncrementalPush:
		pcs.IncrementalPushID = cm.IncrementalPushID
	case pubsub.ControlEndOfIncrementalPush:
		pcs.IncrementalPushID = ""
	case pubsub.ControlStartOfBufferReplay:
		return errors.NewVersoErrorf(errors.FatalProtocolViolation,
			"received StartOfBufferReplay for partition %d of %s", partition, t.versionTopic)
	case pubsub.ControlTopicSwitch, pubsub.ControlStartOfSegment, pubsub.ControlEndOfSegment:
		// TopicSwitch effects were applied at receipt; segment markers only
		// feed validation.
	}
	return nil
}

func (t *IngestionTask) applyData(partition int32, key []byte, env *pubsub.MessageEnvelope) error {
	part, err := t.engine.Partition(partition)
	if err != nil {
		return err
	}
	switch env.Type {
	case pubsub.MessageTypePut:
		stored := buildStoredValue(env.SchemaID, env.Value)
		if env.LeaderMetadata != nil {
			replMeta := make([]byte, 0, 16)
			replMeta = encoding.AppendStringToBufferLE(replMeta, env.LeaderMetadata.HostID)
			replMeta = encoding.AppendUint64ToBufferLE(replMeta, uint64(env.LeaderMetadata.UpstreamOffset))
			if err := part.PutWithReplicationMetadata(key, stored, replMeta); err != nil {
				return errors.NewVersoErrorf(errors.StorageFailure, "put failed for partition %d: %v", partition, err)
			}
			return nil
		}
		if err := part.Put(key, stored); err != nil {
			return errors.NewVersoErrorf(errors.StorageFailure, "put failed for partition %d: %v", partition, err)
		}
	case pubsub.MessageTypeDelete:
		if err := part.Delete(key); err != nil {
			return errors.NewVersoErrorf(errors.StorageFailure, "delete failed for partition %d: %v", partition, err)
		}
	}
	return nil
}

// updateOffsetsAfterApply is the non-producing half of the offset update
// rule: the local version topic offset follows the record, and any upstream
// offset the record carries is propagated unconditionally so followers track
// the true leader, rewinds included.
func (t *IngestionTask) updateOffsetsAfterApply(pcs *PartitionConsumptionState, record *pubsub.Record,
	mutator div.OffsetRecordMutator) error {
	env := record.Envelope
	pcs.WithOffsetRecord(func(rec *meta.OffsetRecord) {
		if record.Offset > rec.LocalVersionTopicOffset {
			rec.LocalVersionTopicOffset = record.Offset
		}
		if upstreamOffset := env.UpstreamOffset(); upstreamOffset >= 0 {
			rec.SetUpstreamOffset(upstreamOffset)
			rec.LeaderProducerGUID = env.ProducerMetadata.GUID
			if env.LeaderMetadata != nil {
				rec.LeaderHostID = env.LeaderMetadata.HostID
			}
		}
		if env.IsControl() && env.Control.Type == pubsub.ControlEndOfPush {
			rec.EndOfPushReceived = true
		}
		if mutator != nil {
			mutator(rec)
		}
	})
	if err := t.persistOffsetRecord(pcs); err != nil {
		return err
	}
	t.stats.RecordsDrained.Inc()
	return nil
}

// applyLeaderProducedRecord is the drainer path for records the leader
// produced: apply to storage, fold the producer-callback offsets into the
// offset record, complete the persist future. Individual chunks carry -1
// offsets and must not move them; only the manifest does.
func (t *IngestionTask) applyLeaderProducedRecord(pcs *PartitionConsumptionState,
	ctx *LeaderProducedRecordContext, mutator div.OffsetRecordMutator) error {
	partition := pcs.Partition
	var applyErr error
	switch ctx.MessageType {
	case pubsub.MessageTypePut:
		env := &pubsub.MessageEnvelope{Type: pubsub.MessageTypePut, SchemaID: ctx.SchemaID, Value: ctx.Value}
		applyErr = t.applyData(partition, ctx.Key, env)
	case pubsub.MessageTypeDelete:
		env := &pubsub.MessageEnvelope{Type: pubsub.MessageTypeDelete}
		applyErr = t.applyData(partition, ctx.Key, env)
	case pubsub.MessageTypeControl:
		applyErr = t.applyControl(pcs, ctx.Control)
	}
	if applyErr != nil {
		if ctx.PersistedToDBFuture != nil {
			ctx.PersistedToDBFuture.Complete(applyErr)
		}
		return applyErr
	}

	pcs.WithOffsetRecord(func(rec *meta.OffsetRecord) {
		if ctx.ProducedOffset >= 0 && ctx.ProducedOffset > rec.LocalVersionTopicOffset {
			rec.LocalVersionTopicOffset = ctx.ProducedOffset
		}
		if ctx.ConsumedOffset >= 0 {
			rec.SetUpstreamOffset(ctx.ConsumedOffset)
			rec.LeaderProducerGUID = t.gw.GUID()
			rec.LeaderHostID = t.gw.HostID()
		}
		if ctx.MessageType == pubsub.MessageTypeControl && ctx.Control.Type == pubsub.ControlEndOfPush {
			rec.EndOfPushReceived = true
		}
		if mutator != nil {
			mutator(rec)
		}
	})
	if ctx.ProducedOffset >= 0 || ctx.ConsumedOffset >= 0 {
		if err := t.persistOffsetRecord(pcs); err != nil {
			if ctx.PersistedToDBFuture != nil {
				ctx.PersistedToDBFuture.Complete(err)
			}
			return err
		}
	}
	if ctx.MessageType != pubsub.MessageTypeControl && ctx.ConsumedOffset >= 0 {
		pcs.invalidateTransientRecord(ctx.Key, ctx.ConsumedOffset)
	}
	if ctx.PersistedToDBFuture != nil {
		ctx.PersistedToDBFuture.Complete(nil)
	}
	t.stats.RecordsDrained.Inc()
	return nil
}
