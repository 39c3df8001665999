package ingest

import (
	"github.com/verso-db/verso/errors"
	"github.com/verso-db/verso/gateway"
	"github.com/verso-db/verso/pubsub"
)

// handleUpdate is the write-compute path: read the current value (transient
// cache first, storage second), apply the delta, and produce the result as a
// put or delete. The transient cache is refreshed under the consumed offset
// so back-to-back updates read their own writes.
func (t *IngestionTask) handleUpdate(pcs *PartitionConsumptionState, record *pubsub.Record) {
	partition := record.Partition
	if !t.cfg.WriteComputationEnabled || t.params.UpdateProcessor == nil {
		t.setPartitionException(partition, errors.NewVersoErrorf(errors.FatalProtocolViolation,
			"received UPDATE on %s-%d but write computation is disabled", record.Topic, partition))
		return
	}
	env := record.Envelope
	var currentValue []byte
	var currentSchemaID int32
	if tr, cached := pcs.getTransientRecord(record.Key); cached {
		currentValue = tr.Value
		currentSchemaID = tr.ValueSchemaID
	} else {
		part, err := t.engine.Partition(partition)
		if err != nil {
			t.setPartitionException(partition, err)
			return
		}
		stored, err := part.Get(record.Key)
		if err != nil {
			t.setPartitionException(partition, errors.NewVersoErrorf(errors.StorageFailure,
				"failed to read current value for update on partition %d: %v", partition, err))
			return
		}
		if stored != nil {
			currentSchemaID, currentValue = splitStoredValue(stored)
		}
	}

	newValue, err := t.params.UpdateProcessor.ApplyUpdate(currentValue, currentSchemaID, env.Value, env.SchemaID)
	if err != nil {
		t.setPartitionException(partition, errors.NewVersoErrorf(errors.InternalError,
			"update computation failed on partition %d: %v", partition, err))
		return
	}

	pcs.setTransientRecord(record.Key, &TransientRecord{
		Offset:        record.Offset,
		Value:         newValue,
		ValueSchemaID: env.SchemaID,
	})

	if newValue == nil {
		ctx := &LeaderProducedRecordContext{Key: record.Key, MessageType: pubsub.MessageTypeDelete}
		t.produceToVersionTopic(pcs, record, ctx, nil, func(md gateway.SendMetadata, cb gateway.Callback) {
			t.gw.Delete(partition, record.Key, md, cb)
		})
		return
	}
	ctx := &LeaderProducedRecordContext{
		Key:         record.Key,
		MessageType: pubsub.MessageTypePut,
		Value:       newValue,
		SchemaID:    env.SchemaID,
	}
	t.produceToVersionTopic(pcs, record, ctx, nil, func(md gateway.SendMetadata, cb gateway.Callback) {
		t.gw.Put(partition, record.Key, newValue, env.SchemaID, md, cb)
	})
}
