package meta

import (
	"github.com/verso-db/verso/encoding"
	"github.com/verso-db/verso/errors"
	"github.com/verso-db/verso/pubsub"
)

type CompressionStrategy uint8

const (
	CompressionNone CompressionStrategy = iota
	CompressionGzip
	CompressionZstd
)

const versionStateCodecVersion = 1

// StoreVersionState is the durable per-version state. It is created on the
// first StartOfPush and mutated only by the ingestion task owning the
// version.
type StoreVersionState struct {
	ChunkingEnabled     bool
	CompressionStrategy CompressionStrategy
	StartOfPushReceived bool
	EndOfPushReceived   bool
	LastTopicSwitch     *pubsub.TopicSwitch
}

func (s *StoreVersionState) Clone() *StoreVersionState {
	cp := *s
	if s.LastTopicSwitch != nil {
		ts := *s.LastTopicSwitch
		ts.SourceServers = append([]string{}, s.LastTopicSwitch.SourceServers...)
		cp.LastTopicSwitch = &ts
	}
	return &cp
}

func (s *StoreVersionState) Serialize() []byte {
	buff := make([]byte, 0, 32)
	buff = append(buff, versionStateCodecVersion)
	buff = append(buff, boolToByte(s.ChunkingEnabled), byte(s.CompressionStrategy),
		boolToByte(s.StartOfPushReceived), boolToByte(s.EndOfPushReceived))
	if s.LastTopicSwitch == nil {
		buff = append(buff, 0)
		return buff
	}
	buff = append(buff, 1)
	buff = encoding.AppendStringToBufferLE(buff, s.LastTopicSwitch.SourceTopicName)
	buff = encoding.AppendUint32ToBufferLE(buff, uint32(len(s.LastTopicSwitch.SourceServers)))
	for _, server := range s.LastTopicSwitch.SourceServers {
		buff = encoding.AppendStringToBufferLE(buff, server)
	}
	buff = encoding.AppendUint64ToBufferLE(buff, uint64(s.LastTopicSwitch.RewindStartTimestamp))
	return buff
}

func DeserializeStoreVersionState(buff []byte) (*StoreVersionState, error) {
	if len(buff) < 6 {
		return nil, errors.NewVersoError(errors.InternalError, "store version state record too short")
	}
	if buff[0] != versionStateCodecVersion {
		return nil, errors.NewVersoErrorf(errors.InternalError, "unknown store version state codec version %d", buff[0])
	}
	svs := &StoreVersionState{
		ChunkingEnabled:     buff[1] == 1,
		CompressionStrategy: CompressionStrategy(buff[2]),
		StartOfPushReceived: buff[3] == 1,
		EndOfPushReceived:   buff[4] == 1,
	}
	if buff[5] == 0 {
		return svs, nil
	}
	ts := &pubsub.TopicSwitch{}
	offset := 6
	var numServers uint32
	var u64 uint64
	ts.SourceTopicName, offset = encoding.ReadStringFromBufferLE(buff, offset)
	numServers, offset = encoding.ReadUint32FromBufferLE(buff, offset)
	for i := 0; i < int(numServers); i++ {
		var server string
		server, offset = encoding.ReadStringFromBufferLE(buff, offset)
		ts.SourceServers = append(ts.SourceServers, server)
	}
	u64, _ = encoding.ReadUint64FromBufferLE(buff, offset)
	ts.RewindStartTimestamp = int64(u64)
	svs.LastTopicSwitch = ts
	return svs, nil
}

func boolToByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
