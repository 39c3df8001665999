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

package pubsub

import (
	"bytes"

	"github.com/google/uuid"
)

// MessageType discriminates the payload of a MessageEnvelope.
type MessageType uint8

const (
	MessageTypePut MessageType = iota
	MessageTypeDelete
	MessageTypeUpdate
	MessageTypeControl
)

func (m MessageType) String() string {
	switch m {
	case MessageTypePut:
		return "PUT"
	case MessageTypeDelete:
		return "DELETE"
	case MessageTypeUpdate:
		return "UPDATE"
	case MessageTypeControl:
		return "CONTROL"
	}
	return "UNKNOWN"
}

type ControlMessageType uint8

const (
	ControlStartOfPush ControlMessageType = iota
	ControlEndOfPush
	ControlStartOfSegment
	ControlEndOfSegment
	ControlStartOfIncrementalPush
	ControlEndOfIncrementalPush
	ControlTopicSwitch
	// ControlStartOfBufferReplay is part of the legacy vocabulary. Receiving
	// it under leader/follower replication is a protocol violation.
	ControlStartOfBufferReplay
)

func (c ControlMessageType) String() string {
	switch c {
	case ControlStartOfPush:
		return "StartOfPush"
	case ControlEndOfPush:
		return "EndOfPush"
	case ControlStartOfSegment:
		return "StartOfSegment"
	case ControlEndOfSegment:
		return "EndOfSegment"
	case ControlStartOfIncrementalPush:
		return "StartOfIncrementalPush"
	case ControlEndOfIncrementalPush:
		return "EndOfIncrementalPush"
	case ControlTopicSwitch:
		return "TopicSwitch"
	case ControlStartOfBufferReplay:
		return "StartOfBufferReplay"
	}
	return "Unknown"
}

// GUID identifies a producer instance.
type GUID [16]byte

func NewGUID() GUID {
	return GUID(uuid.New())
}

func (g GUID) IsZero() bool {
	return g == GUID{}
}

// Reserved schema ids marking chunked values. Regular value schemas are
// strictly positive.
const (
	SchemaIDChunk         int32 = -10
	SchemaIDChunkManifest int32 = -20
)

// ProducerMetadata travels with every data and control message and drives
// data-integrity validation downstream.
type ProducerMetadata struct {
	GUID          GUID
	SegmentNumber int32
	Sequence      int32
	Timestamp     int64
	// UpstreamOffset is set when the message was re-produced by a leader in
	// pass-through mode, -1 otherwise.
	UpstreamOffset int64
}

// LeaderMetadata is the footer the leader appends to records it produces with
// its own identity after end-of-push.
type LeaderMetadata struct {
	HostID         string
	UpstreamOffset int64
}

// TopicSwitch orders the leader to change its upstream source.
type TopicSwitch struct {
	SourceTopicName string
	SourceServers   []string
	// RewindStartTimestamp <= 0 means consume from the oldest offset.
	RewindStartTimestamp int64
}

type ControlMessage struct {
	Type ControlMessageType
	// Chunked is meaningful for StartOfPush only.
	Chunked bool
	// FinalSegment marks an EndOfSegment after which the producer will not
	// reopen the segment.
	FinalSegment bool
	// IncrementalPushID is set on Start/EndOfIncrementalPush.
	IncrementalPushID string
	// TopicSwitch is set when Type == ControlTopicSwitch.
	TopicSwitch *TopicSwitch
}

// MessageEnvelope is the value of every record on upstream and version topics.
type MessageEnvelope struct {
	Type             MessageType
	ProducerMetadata ProducerMetadata
	LeaderMetadata   *LeaderMetadata
	// SchemaID identifies the value (PUT) or derived-update (UPDATE) schema.
	SchemaID int32
	Value    []byte
	Control  *ControlMessage
}

func (m *MessageEnvelope) IsControl() bool {
	return m.Type == MessageTypeControl
}

// UpstreamOffset returns the upstream offset carried by the envelope, from the
// leader-metadata footer if present, else from pass-through producer metadata.
// Returns -1 when the record carries no upstream provenance.
func (m *MessageEnvelope) UpstreamOffset() int64 {
	if m.LeaderMetadata != nil {
		return m.LeaderMetadata.UpstreamOffset
	}
	return m.ProducerMetadata.UpstreamOffset
}

// ProducerIdentityEquals reports whether two envelopes were produced by the
// same writer, comparing the leader host id when both carry one, else the
// producer GUID.
func (m *MessageEnvelope) ProducerIdentityEquals(other *MessageEnvelope) bool {
	if m.LeaderMetadata != nil && other.LeaderMetadata != nil &&
		m.LeaderMetadata.HostID != "" && other.LeaderMetadata.HostID != "" {
		return m.LeaderMetadata.HostID == other.LeaderMetadata.HostID
	}
	return m.ProducerMetadata.GUID == other.ProducerMetadata.GUID
}

// Record is a message polled from an upstream cluster.
type Record struct {
	URL       string
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Envelope  *MessageEnvelope

	SerializedKeySize   int
	SerializedValueSize int
}

// PayloadSize is the memory accounted for the record by the drainer queue.
func (r *Record) PayloadSize() int64 {
	return int64(r.SerializedKeySize + r.SerializedValueSize)
}

// ChunkManifest is the value of the top-level key of a chunked put. It lists
// the chunk keys in order.
type ChunkManifest struct {
	ChunkKeys [][]byte
	TotalSize int32
	SchemaID  int32
}

// ChunkKeyWithSuffix derives the key a chunk is stored under from the
// top-level key and the chunk index.
func ChunkKeyWithSuffix(key []byte, chunkIdx int) []byte {
	suffix := []byte{'_', 'c', byte(chunkIdx >> 8), byte(chunkIdx)}
	out := make([]byte, 0, len(key)+len(suffix))
	out = append(out, key...)
	return append(out, suffix...)
}

func KeysEqual(k1, k2 []byte) bool {
	return bytes.Equal(k1, k2)
}
