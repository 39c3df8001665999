package gateway

import (
	"github.com/verso-db/verso/pubsub"
)

// RecordMetadata describes where a produced record landed.
type RecordMetadata struct {
	Topic     string
	Partition int32
	Offset    int64
}

// ChunkingInfo is attached to the callback of a put that was chunked. The
// manifest's chunk-key list is the same length as Chunks.
type ChunkingInfo struct {
	TopLevelKey []byte
	ChunkKeys   [][]byte
	Chunks      [][]byte
	Manifest    *pubsub.ChunkManifest
	// ManifestValue is the serialized manifest as produced to the topic.
	ManifestValue []byte
}

// Callback is invoked when a send completes. Exactly one of err or metadata
// is meaningful. chunking is non-nil only for chunked puts, on the manifest
// completion. The underlying producer invokes callbacks in send order per
// partition.
type Callback func(md RecordMetadata, chunking *ChunkingInfo, err error)

// TopicProducer is the raw async producer for one topic. Implementations must
// invoke callbacks in send order per partition.
type TopicProducer interface {
	Send(partition int32, key []byte, envelope *pubsub.MessageEnvelope, cb func(offset int64, err error))

	Close() error
}

// TopicProducerFactory lazily creates the underlying producer the first time
// the gateway sends.
type TopicProducerFactory func() (TopicProducer, error)
