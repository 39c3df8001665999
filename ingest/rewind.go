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
	"bytes"

	"github.com/verso-db/verso/errors"
	log "github.com/verso-db/verso/logger"
	"github.com/verso-db/verso/pubsub"
)

// checkUpstreamOffsetRewind classifies an upstream offset going backwards.
// The same producer re-delivering is ordinary retry noise; a different
// producer identity is potential split-brain leadership, and we decide from
// storage whether any committed data would be lost.
func (t *IngestionTask) checkUpstreamOffsetRewind(pcs *PartitionConsumptionState, record *pubsub.Record,
	newUpstreamOffset int64, previousUpstreamOffset int64) error {
	env := record.Envelope
	sameIdentity := pcs.sameProducerIdentity(env)
	if sameIdentity {
		t.stats.BenignRewind.Inc()
		return nil
	}
	lossy, detail := t.classifyRewind(record)
	if !lossy {
		t.stats.BenignRewind.Inc()
		log.Infof("benign upstream rewind on %s-%d: offset %d < %d (%s)",
			record.Topic, record.Partition, newUpstreamOffset, previousUpstreamOffset, detail)
		return nil
	}
	t.stats.LossyRewind.Inc()
	err := errors.NewVersoErrorf(errors.LossyRewind,
		"lossy upstream rewind on %s-%d: offset %d < %d (%s)",
		record.Topic, record.Partition, newUpstreamOffset, previousUpstreamOffset, detail)
	if !pcs.EndOfPushReceived() {
		return err
	}
	// After end of push the partition keeps serving; the loss is recorded.
	log.Errorf("%v", err)
	return nil
}

func (pcs *PartitionConsumptionState) sameProducerIdentity(env *pubsub.MessageEnvelope) bool {
	pcs.lock.Lock()
	defer pcs.lock.Unlock()
	if env.LeaderMetadata != nil && env.LeaderMetadata.HostID != "" && pcs.offsetRecord.LeaderHostID != "" {
		return env.LeaderMetadata.HostID == pcs.offsetRecord.LeaderHostID
	}
	if pcs.offsetRecord.LeaderProducerGUID.IsZero() {
		return true
	}
	return env.ProducerMetadata.GUID == pcs.offsetRecord.LeaderProducerGUID
}

// classifyRewind decides whether replaying this record on top of current
// storage loses committed data.
func (t *IngestionTask) classifyRewind(record *pubsub.Record) (lossy bool, detail string) {
	env := record.Envelope
	part, err := t.engine.Partition(record.Partition)
	if err != nil {
		return true, "partition unavailable"
	}
	switch env.Type {
	case pubsub.MessageTypePut:
		stored, err := part.Get(record.Key)
		if err != nil {
			return true, "storage read failed"
		}
		if stored == nil {
			return true, "stored value absent"
		}
		storedSchemaID, storedValue := splitStoredValue(stored)
		if storedSchemaID != env.SchemaID {
			return true, "schema id differs"
		}
		if !bytes.Equal(storedValue, env.Value) {
			return true, "stored value differs"
		}
		return false, "stored value identical"
	case pubsub.MessageTypeDelete:
		stored, err := part.Get(record.Key)
		if err != nil {
			return true, "storage read failed"
		}
		if stored == nil {
			return false, "key already absent"
		}
		return true, "stored value present"
	default:
		return true, "control or update message"
	}
}
