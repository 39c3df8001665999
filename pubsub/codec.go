package pubsub

import (
	"github.com/verso-db/verso/encoding"
	"github.com/verso-db/verso/errors"
)

const envelopeCodecVersion = 1

const (
	flagHasValue          = 1 << 0
	flagHasControl        = 1 << 1
	flagHasLeaderMetadata = 1 << 2
)

// SerializeEnvelope encodes an envelope with a leading codec version byte so
// the format can evolve.
func SerializeEnvelope(env *MessageEnvelope) []byte {
	buff := make([]byte, 0, 64+len(env.Value))
	buff = append(buff, envelopeCodecVersion)
	buff = append(buff, byte(env.Type))
	buff = append(buff, env.ProducerMetadata.GUID[:]...)
	buff = encoding.AppendUint32ToBufferLE(buff, uint32(env.ProducerMetadata.SegmentNumber))
	buff = encoding.AppendUint32ToBufferLE(buff, uint32(env.ProducerMetadata.Sequence))
	buff = encoding.AppendUint64ToBufferLE(buff, uint64(env.ProducerMetadata.Timestamp))
	buff = encoding.AppendUint64ToBufferLE(buff, uint64(env.ProducerMetadata.UpstreamOffset))
	buff = encoding.AppendUint32ToBufferLE(buff, uint32(env.SchemaID))
	var flags byte
	if env.Value != nil {
		flags |= flagHasValue
	}
	if env.Control != nil {
		flags |= flagHasControl
	}
	if env.LeaderMetadata != nil {
		flags |= flagHasLeaderMetadata
	}
	buff = append(buff, flags)
	if env.Value != nil {
		buff = encoding.AppendBytesWithLengthToBufferLE(buff, env.Value)
	}
	if env.Control != nil {
		buff = appendControlMessage(buff, env.Control)
	}
	if env.LeaderMetadata != nil {
		buff = encoding.AppendStringToBufferLE(buff, env.LeaderMetadata.HostID)
		buff = encoding.AppendUint64ToBufferLE(buff, uint64(env.LeaderMetadata.UpstreamOffset))
	}
	return buff
}

func appendControlMessage(buff []byte, cm *ControlMessage) []byte {
	buff = append(buff, byte(cm.Type))
	var chunked, final byte
	if cm.Chunked {
		chunked = 1
	}
	if cm.FinalSegment {
		final = 1
	}
	buff = append(buff, chunked, final)
	buff = encoding.AppendStringToBufferLE(buff, cm.IncrementalPushID)
	if cm.Type == ControlTopicSwitch {
		ts := cm.TopicSwitch
		buff = encoding.AppendStringToBufferLE(buff, ts.SourceTopicName)
		buff = encoding.AppendUint32ToBufferLE(buff, uint32(len(ts.SourceServers)))
		for _, server := range ts.SourceServers {
			buff = encoding.AppendStringToBufferLE(buff, server)
		}
		buff = encoding.AppendUint64ToBufferLE(buff, uint64(ts.RewindStartTimestamp))
	}
	return buff
}

func DeserializeEnvelope(buff []byte) (*MessageEnvelope, error) {
	if len(buff) < 2 {
		return nil, errors.NewVersoErrorf(errors.InternalError, "envelope too short: %d bytes", len(buff))
	}
	if buff[0] != envelopeCodecVersion {
		return nil, errors.NewVersoErrorf(errors.InternalError, "unknown envelope codec version %d", buff[0])
	}
	env := &MessageEnvelope{}
	offset := 1
	env.Type = MessageType(buff[offset])
	offset++
	copy(env.ProducerMetadata.GUID[:], buff[offset:offset+16])
	offset += 16
	var u32 uint32
	var u64 uint64
	u32, offset = encoding.ReadUint32FromBufferLE(buff, offset)
	env.ProducerMetadata.SegmentNumber = int32(u32)
	u32, offset = encoding.ReadUint32FromBufferLE(buff, offset)
	env.ProducerMetadata.Sequence = int32(u32)
	u64, offset = encoding.ReadUint64FromBufferLE(buff, offset)
	env.ProducerMetadata.Timestamp = int64(u64)
	u64, offset = encoding.ReadUint64FromBufferLE(buff, offset)
	env.ProducerMetadata.UpstreamOffset = int64(u64)
	u32, offset = encoding.ReadUint32FromBufferLE(buff, offset)
	env.SchemaID = int32(u32)
	flags := buff[offset]
	offset++
	if flags&flagHasValue != 0 {
		env.Value, offset = encoding.ReadBytesWithLengthFromBufferLE(buff, offset)
	}
	if flags&flagHasControl != 0 {
		env.Control, offset = readControlMessage(buff, offset)
	}
	if flags&flagHasLeaderMetadata != 0 {
		lm := &LeaderMetadata{}
		lm.HostID, offset = encoding.ReadStringFromBufferLE(buff, offset)
		u64, _ = encoding.ReadUint64FromBufferLE(buff, offset)
		lm.UpstreamOffset = int64(u64)
		env.LeaderMetadata = lm
	}
	return env, nil
}

func readControlMessage(buff []byte, offset int) (*ControlMessage, int) {
	cm := &ControlMessage{}
	cm.Type = ControlMessageType(buff[offset])
	offset++
	cm.Chunked = buff[offset] == 1
	offset++
	cm.FinalSegment = buff[offset] == 1
	offset++
	cm.IncrementalPushID, offset = encoding.ReadStringFromBufferLE(buff, offset)
	if cm.Type == ControlTopicSwitch {
		ts := &TopicSwitch{}
		var numServers uint32
		var u64 uint64
		ts.SourceTopicName, offset = encoding.ReadStringFromBufferLE(buff, offset)
		numServers, offset = encoding.ReadUint32FromBufferLE(buff, offset)
		for i := 0; i < int(numServers); i++ {
			var server string
			server, offset = encoding.ReadStringFromBufferLE(buff, offset)
			ts.SourceServers = append(ts.SourceServers, server)
		}
		u64, offset = encoding.ReadUint64FromBufferLE(buff, offset)
		ts.RewindStartTimestamp = int64(u64)
		cm.TopicSwitch = ts
	}
	return cm, offset
}

// SerializeChunkManifest encodes the manifest stored under the top-level key
// of a chunked put.
func SerializeChunkManifest(manifest *ChunkManifest) []byte {
	buff := make([]byte, 0, 16)
	buff = encoding.AppendUint32ToBufferLE(buff, uint32(manifest.SchemaID))
	buff = encoding.AppendUint32ToBufferLE(buff, uint32(manifest.TotalSize))
	buff = encoding.AppendUint32ToBufferLE(buff, uint32(len(manifest.ChunkKeys)))
	for _, key := range manifest.ChunkKeys {
		buff = encoding.AppendBytesWithLengthToBufferLE(buff, key)
	}
	return buff
}

func DeserializeChunkManifest(buff []byte) *ChunkManifest {
	manifest := &ChunkManifest{}
	var u32 uint32
	offset := 0
	u32, offset = encoding.ReadUint32FromBufferLE(buff, offset)
	manifest.SchemaID = int32(u32)
	u32, offset = encoding.ReadUint32FromBufferLE(buff, offset)
	manifest.TotalSize = int32(u32)
	u32, offset = encoding.ReadUint32FromBufferLE(buff, offset)
	for i := 0; i < int(u32); i++ {
		var key []byte
		key, offset = encoding.ReadBytesWithLengthFromBufferLE(buff, offset)
		manifest.ChunkKeys = append(manifest.ChunkKeys, key)
	}
	return manifest
}
