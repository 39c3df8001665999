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
	"github.com/verso-db/verso/errors"
	"github.com/verso-db/verso/gateway"
	log "github.com/verso-db/verso/logger"
	"github.com/verso-db/verso/meta"
	"github.com/verso-db/verso/pubsub"
)

// delegateConsumerRecord routes one polled record: apply locally for
// followers, produce to the version topic for producing leaders.
func (t *IngestionTask) delegateConsumerRecord(record *pubsub.Record) {
	pcs := t.getPCS(record.Partition)
	if pcs == nil || pcs.ErrorReported {
		return
	}
	if !t.shouldProcessRecord(pcs, record) {
		return
	}
	pcs.LatestMessageConsumptionTs = common.NowMillis()
	t.stats.RecordsConsumed.Inc()
	env := record.Envelope

	if env.IsControl() && env.Control.Type == pubsub.ControlStartOfBufferReplay {
		t.setPartitionException(record.Partition, errors.NewVersoErrorf(errors.FatalProtocolViolation,
			"received StartOfBufferReplay on %s-%d", record.Topic, record.Partition))
		return
	}

	if !t.shouldProduceToVersionTopic(pcs) {
		if env.Type == pubsub.MessageTypeUpdate {
			t.setPartitionException(record.Partition, errors.NewVersoErrorf(errors.FatalProtocolViolation,
				"received UPDATE on %s-%d in non-producing state %s", record.Topic, record.Partition, pcs.Role()))
			return
		}
		if env.IsControl() && env.Control.Type == pubsub.ControlTopicSwitch {
			if err := t.processTopicSwitch(pcs, env.Control.TopicSwitch); err != nil {
				t.setPartitionException(record.Partition, err)
				return
			}
		}
		t.enqueueConsumedRecord(pcs, record)
		return
	}

	t.processAndProduceToVersionTopic(pcs, record)
}

// shouldProcessRecord filters records that do not belong to the partition's
// current subscription or were already applied.
func (t *IngestionTask) shouldProcessRecord(pcs *PartitionConsumptionState, record *pubsub.Record) bool {
	if pcs.Role() == StateLeader {
		leaderTopic := pcs.LeaderTopic()
		if record.Topic != leaderTopic {
			log.Debugf("ignoring record from %s-%d, leader is on %s", record.Topic, record.Partition, leaderTopic)
			return false
		}
		if leaderTopic == t.versionTopic && pcs.ConsumeRemotely {
			if record.Offset <= pcs.UpstreamOffset() {
				return false
			}
			if pcs.SkipKafkaMessage && !record.Envelope.IsControl() {
				return false
			}
		}
		return true
	}
	if record.Topic != t.versionTopic {
		log.Debugf("ignoring record from %s-%d in state %s", record.Topic, record.Partition, pcs.Role())
		return false
	}
	return record.Offset > pcs.LocalVersionTopicOffset()
}

// processTopicSwitch handles receipt of a TopicSwitch in any role: persist it
// and stash it on the partition. Followers also move their tracked leader
// topic immediately so follower lag stays meaningful while the leader is
// still catching up.
func (t *IngestionTask) processTopicSwitch(pcs *PartitionConsumptionState, ts *pubsub.TopicSwitch) error {
	if ts == nil || len(ts.SourceServers) != 1 {
		n := 0
		if ts != nil {
			n = len(ts.SourceServers)
		}
		return errors.NewVersoErrorf(errors.FatalProtocolViolation,
			"topic switch for %s-%d carries %d source servers, exactly one is required",
			t.versionTopic, pcs.Partition, n)
	}
	if _, err := t.metaStore.MutateStoreVersionState(func(svs *meta.StoreVersionState) {
		switchCopy := *ts
		switchCopy.SourceServers = append([]string{}, ts.SourceServers...)
		svs.LastTopicSwitch = &switchCopy
	}); err != nil {
		return err
	}
	pcs.PendingTopicSwitch = ts
	if pcs.Role() != StateLeader {
		start := meta.LowestOffset
		if ts.RewindStartTimestamp > 0 {
			var err error
			start, err = t.rewindStartOffset(ts.SourceServers[0], ts.SourceTopicName, pcs.Partition, ts.RewindStartTimestamp)
			if err != nil {
				log.Warnf("failed to resolve rewind offset for %s-%d: %v", ts.SourceTopicName, pcs.Partition, err)
				start = meta.LowestOffset
			}
		}
		pcs.WithOffsetRecord(func(rec *meta.OffsetRecord) {
			rec.LeaderTopic = ts.SourceTopicName
			rec.SetUpstreamOffset(start)
		})
	}
	return nil
}

// processAndProduceToVersionTopic is the producing-leader half of the
// delegator.
func (t *IngestionTask) processAndProduceToVersionTopic(pcs *PartitionConsumptionState, record *pubsub.Record) {
	env := record.Envelope
	partition := record.Partition

	// Real-time records are validated inline so ordering holds across the
	// pass-through re-production. A fatal result is logged and swallowed, the
	// record dropped.
	var mutator div.OffsetRecordMutator
	if pubsub.IsRealTimeTopic(record.Topic) {
		cls, m, err := pcs.validate(env)
		switch cls {
		case div.Duplicate:
			t.stats.DivDuplicate.Inc()
			return
		case div.Fatal:
			t.stats.DivFatal.Inc()
			log.Errorf("fatal data validation on %s-%d at offset %d: %v", record.Topic, partition, record.Offset, err)
			return
		case div.Benign:
			t.stats.DivBenign.Inc()
		}
		mutator = m
	}

	if env.IsControl() {
		t.routeControlMessage(pcs, record, mutator)
		return
	}

	switch env.Type {
	case pubsub.MessageTypePut:
		ctx := &LeaderProducedRecordContext{
			Key:         record.Key,
			MessageType: pubsub.MessageTypePut,
			Value:       env.Value,
			SchemaID:    env.SchemaID,
		}
		t.produceToVersionTopic(pcs, record, ctx, mutator, func(md gateway.SendMetadata, cb gateway.Callback) {
			t.gw.Put(partition, record.Key, env.Value, env.SchemaID, md, cb)
		})
	case pubsub.MessageTypeDelete:
		ctx := &LeaderProducedRecordContext{
			Key:         record.Key,
			MessageType: pubsub.MessageTypeDelete,
		}
		t.produceToVersionTopic(pcs, record, ctx, mutator, func(md gateway.SendMetadata, cb gateway.Callback) {
			t.gw.Delete(partition, record.Key, md, cb)
		})
	case pubsub.MessageTypeUpdate:
		t.handleUpdate(pcs, record)
	}
}

// routeControlMessage applies the control routing rules: push and switch
// markers are forwarded to the local version topic, segment markers only when
// the source is a reprocessing topic or a remote version topic.
func (t *IngestionTask) routeControlMessage(pcs *PartitionConsumptionState, record *pubsub.Record,
	mutator div.OffsetRecordMutator) {
	cm := record.Envelope.Control
	partition := record.Partition
	switch cm.Type {
	case pubsub.ControlTopicSwitch:
		if err := t.processTopicSwitch(pcs, cm.TopicSwitch); err != nil {
			t.setPartitionException(partition, err)
			return
		}
		t.produceControl(pcs, record, cm, mutator)
	case pubsub.ControlStartOfPush, pubsub.ControlEndOfPush,
		pubsub.ControlStartOfIncrementalPush, pubsub.ControlEndOfIncrementalPush:
		t.produceControl(pcs, record, cm, mutator)
	case pubsub.ControlStartOfSegment, pubsub.ControlEndOfSegment:
		fromReprocessing := pubsub.IsStreamReprocessingTopic(record.Topic)
		fromRemoteVT := record.Topic == t.versionTopic && pcs.ConsumeRemotely
		if fromReprocessing || fromRemoteVT {
			t.produceControl(pcs, record, cm, mutator)
		}
	}
}

func (t *IngestionTask) produceControl(pcs *PartitionConsumptionState, record *pubsub.Record,
	cm *pubsub.ControlMessage, mutator div.OffsetRecordMutator) {
	ctx := &LeaderProducedRecordContext{
		MessageType: pubsub.MessageTypeControl,
		Control:     cm,
	}
	t.produceToVersionTopic(pcs, record, ctx, mutator, func(md gateway.SendMetadata, cb gateway.Callback) {
		t.gw.AsyncSendControlMessage(record.Partition, cm, md, cb)
	})
}

// sendMetadata builds the producer identity for one send. Before end of push
// the leader re-emits the upstream producer's metadata, with its upstream
// offset set to the consumed record's offset, so follower validation holds
// end-to-end; afterwards it stamps its own.
func (t *IngestionTask) sendMetadata(pcs *PartitionConsumptionState, record *pubsub.Record) gateway.SendMetadata {
	if !pcs.EndOfPushReceived() {
		md := record.Envelope.ProducerMetadata
		md.UpstreamOffset = record.Offset
		return gateway.SendMetadata{PassThrough: &md}
	}
	return gateway.SendMetadata{UpstreamOffset: record.Offset}
}

func (t *IngestionTask) produceToVersionTopic(pcs *PartitionConsumptionState, record *pubsub.Record,
	ctx *LeaderProducedRecordContext, mutator div.OffsetRecordMutator,
	send func(md gateway.SendMetadata, cb gateway.Callback)) {
	ctx.ConsumedOffset = record.Offset
	ctx.ProducedOffset = -1
	ctx.PersistedToDBFuture = common.NewCompletionFuture()
	pcs.LastLeaderPersistFuture = ctx.PersistedToDBFuture
	pcs.LastQueuedRecordPersistedFuture = ctx.PersistedToDBFuture
	size := record.PayloadSize()
	send(t.sendMetadata(pcs, record), t.producerCallback(pcs, ctx, mutator, size))
}

// producerCallback wires one send's completion into the drainer. The
// downstream producer invokes callbacks in send order per partition, which
// preserves version-topic order through the drainer queue.
func (t *IngestionTask) producerCallback(pcs *PartitionConsumptionState, ctx *LeaderProducedRecordContext,
	mutator div.OffsetRecordMutator, size int64) gateway.Callback {
	partition := pcs.Partition
	return func(md gateway.RecordMetadata, chunking *gateway.ChunkingInfo, err error) {
		if err != nil {
			t.offerProducerException(partition, err)
			ctx.PersistedToDBFuture.Complete(err)
			return
		}
		t.stats.RecordsProduced.Inc()
		if md.Partition != partition {
			// Fan-out to another sub-partition: nothing to drain here.
			ctx.PersistedToDBFuture.Complete(nil)
			return
		}
		if chunking != nil {
			for i := range chunking.Chunks {
				chunkCtx := &LeaderProducedRecordContext{
					ConsumedOffset: -1,
					ProducedOffset: -1,
					Key:            chunking.ChunkKeys[i],
					MessageType:    pubsub.MessageTypePut,
					Value:          chunking.Chunks[i],
					SchemaID:       pubsub.SchemaIDChunk,
				}
				t.enqueueLeaderContext(pcs, chunkCtx, nil, int64(len(chunkCtx.Value)))
			}
			ctx.Key = chunking.TopLevelKey
			ctx.Value = chunking.ManifestValue
			ctx.SchemaID = pubsub.SchemaIDChunkManifest
			ctx.ProducedOffset = md.Offset
			t.enqueueLeaderContext(pcs, ctx, mutator, int64(len(ctx.Value)))
			return
		}
		ctx.ProducedOffset = md.Offset
		t.enqueueLeaderContext(pcs, ctx, mutator, size)
	}
}

func (t *IngestionTask) enqueueLeaderContext(pcs *PartitionConsumptionState, ctx *LeaderProducedRecordContext,
	mutator div.OffsetRecordMutator, size int64) {
	entry := drainerEntry(pcs.Partition, size, func() error {
		return t.applyLeaderProducedRecord(pcs, ctx, mutator)
	})
	if err := t.pool.Submit(entry); err != nil {
		if ctx.PersistedToDBFuture != nil {
			ctx.PersistedToDBFuture.Complete(err)
		}
	}
}
