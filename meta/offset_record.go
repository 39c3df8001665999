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

package meta

import (
	"github.com/verso-db/verso/encoding"
	"github.com/verso-db/verso/errors"
	"github.com/verso-db/verso/pubsub"
)

// LowestOffset is the sentinel meaning "consume from the oldest message".
const LowestOffset int64 = -1

// NonAAKey is the reserved upstream-offsets key holding the single-source
// upstream offset.
const NonAAKey = "NON_AA"

const offsetRecordCodecVersion = 1

// ProducerPartitionState is the per-producer DIV checkpoint carried inside
// the offset record, so validation state can be rebuilt after restart.
type ProducerPartitionState struct {
	SegmentNumber int32
	Sequence      int32
}

// OffsetRecord is the durable per-partition consumption checkpoint.
type OffsetRecord struct {
	// LocalVersionTopicOffset is the last version-topic offset durably
	// applied to storage. Monotonically non-decreasing.
	LocalVersionTopicOffset int64

	// LeaderTopic is the topic the leader is (or last was) consuming. Empty
	// means not set.
	LeaderTopic string

	// UpstreamOffsets holds the last consumed offset per upstream key.
	UpstreamOffsets map[string]int64

	// EndOfPushReceived records that the bulk-load segment completed for this
	// partition, so a restarted replica restores hybrid behaviour.
	EndOfPushReceived bool

	// Identity of the leader that produced the last persisted record.
	LeaderProducerGUID pubsub.GUID
	LeaderHostID       string

	// PendingProducerStates holds the DIV state per producer GUID, applied on
	// commit so a restart replays validation from the checkpoint.
	PendingProducerStates map[pubsub.GUID]ProducerPartitionState
}

func NewOffsetRecord() *OffsetRecord {
	return &OffsetRecord{
		LocalVersionTopicOffset: LowestOffset,
		UpstreamOffsets:         map[string]int64{},
		PendingProducerStates:   map[pubsub.GUID]ProducerPartitionState{},
	}
}

// UpstreamOffset returns the single-source upstream offset, LowestOffset when
// none has been recorded.
func (o *OffsetRecord) UpstreamOffset() int64 {
	offset, exists := o.UpstreamOffsets[NonAAKey]
	if !exists {
		return LowestOffset
	}
	return offset
}

func (o *OffsetRecord) SetUpstreamOffset(offset int64) {
	o.UpstreamOffsets[NonAAKey] = offset
}

func (o *OffsetRecord) Clone() *OffsetRecord {
	cp := &OffsetRecord{
		LocalVersionTopicOffset: o.LocalVersionTopicOffset,
		LeaderTopic:             o.LeaderTopic,
		UpstreamOffsets:         make(map[string]int64, len(o.UpstreamOffsets)),
		EndOfPushReceived:       o.EndOfPushReceived,
		LeaderProducerGUID:      o.LeaderProducerGUID,
		LeaderHostID:            o.LeaderHostID,
		PendingProducerStates:   make(map[pubsub.GUID]ProducerPartitionState, len(o.PendingProducerStates)),
	}
	for k, v := range o.UpstreamOffsets {
		cp.UpstreamOffsets[k] = v
	}
	for k, v := range o.PendingProducerStates {
		cp.PendingProducerStates[k] = v
	}
	return cp
}

func (o *OffsetRecord) Serialize() []byte {
	buff := make([]byte, 0, 64)
	buff = append(buff, offsetRecordCodecVersion)
	buff = encoding.AppendUint64ToBufferLE(buff, uint64(o.LocalVersionTopicOffset))
	buff = encoding.AppendStringToBufferLE(buff, o.LeaderTopic)
	buff = encoding.AppendUint32ToBufferLE(buff, uint32(len(o.UpstreamOffsets)))
	for k, v := range o.UpstreamOffsets {
		buff = encoding.AppendStringToBufferLE(buff, k)
		buff = encoding.AppendUint64ToBufferLE(buff, uint64(v))
	}
	var eop byte
	if o.EndOfPushReceived {
		eop = 1
	}
	buff = append(buff, eop)
	buff = append(buff, o.LeaderProducerGUID[:]...)
	buff = encoding.AppendStringToBufferLE(buff, o.LeaderHostID)
	buff = encoding.AppendUint32ToBufferLE(buff, uint32(len(o.PendingProducerStates)))
	for guid, state := range o.PendingProducerStates {
		buff = append(buff, guid[:]...)
		buff = encoding.AppendUint32ToBufferLE(buff, uint32(state.SegmentNumber))
		buff = encoding.AppendUint32ToBufferLE(buff, uint32(state.Sequence))
	}
	return buff
}

func DeserializeOffsetRecord(buff []byte) (*OffsetRecord, error) {
	if len(buff) == 0 {
		return nil, errors.NewVersoError(errors.InternalError, "empty offset record")
	}
	if buff[0] != offsetRecordCodecVersion {
		return nil, errors.NewVersoErrorf(errors.InternalError, "unknown offset record codec version %d", buff[0])
	}
	rec := NewOffsetRecord()
	offset := 1
	var u64 uint64
	var u32 uint32
	u64, offset = encoding.ReadUint64FromBufferLE(buff, offset)
	rec.LocalVersionTopicOffset = int64(u64)
	rec.LeaderTopic, offset = encoding.ReadStringFromBufferLE(buff, offset)
	u32, offset = encoding.ReadUint32FromBufferLE(buff, offset)
	for i := 0; i < int(u32); i++ {
		var key string
		var val uint64
		key, offset = encoding.ReadStringFromBufferLE(buff, offset)
		val, offset = encoding.ReadUint64FromBufferLE(buff, offset)
		rec.UpstreamOffsets[key] = int64(val)
	}
	rec.EndOfPushReceived = buff[offset] == 1
	offset++
	copy(rec.LeaderProducerGUID[:], buff[offset:offset+16])
	offset += 16
	rec.LeaderHostID, offset = encoding.ReadStringFromBufferLE(buff, offset)
	u32, offset = encoding.ReadUint32FromBufferLE(buff, offset)
	for i := 0; i < int(u32); i++ {
		var guid pubsub.GUID
		copy(guid[:], buff[offset:offset+16])
		offset += 16
		var seg, seq uint32
		seg, offset = encoding.ReadUint32FromBufferLE(buff, offset)
		seq, offset = encoding.ReadUint32FromBufferLE(buff, offset)
		rec.PendingProducerStates[guid] = ProducerPartitionState{
			SegmentNumber: int32(seg),
			Sequence:      int32(seq),
		}
	}
	return rec, nil
}
