package conf

import (
	"time"

	"github.com/verso-db/verso/errors"
)

const (
	DefaultPromotionToLeaderReplicaDelay            = 300 * time.Second
	DefaultSystemStorePromotionToLeaderReplicaDelay = 10 * time.Second
	DefaultBootstrapTimeout                         = 24 * time.Hour
	DefaultWriterBufferMemoryCapacity               = 125 * 1024 * 1024
	DefaultWriterBufferNotifyDelta                  = 10 * 1024 * 1024
	DefaultWriterCount                              = 8
	DefaultPollTimeout                              = 1 * time.Second
	DefaultFutureGetTimeout                         = 60 * time.Second
	DefaultUpstreamMetadataTTL                      = 30 * time.Second
	DefaultMaxRecordSizeBytes                       = 950 * 1024
	DefaultReadyToServeLagThreshold                 = 1000
)

// Config carries the recognized options of the ingestion engine. Zero values
// are filled in by ApplyDefaults; Validate is called once at task creation.
type Config struct {
	// Time a promoted replica must observe the version topic quiet before it
	// starts consuming as leader.
	PromotionToLeaderReplicaDelay time.Duration
	// Same, but for meta system stores which must fail over quickly.
	SystemStorePromotionToLeaderReplicaDelay time.Duration
	// Deadline for a partition to complete its bootstrap push.
	BootstrapTimeout time.Duration
	// Total memory the drainer queues may hold.
	WriterBufferMemoryCapacity int64
	// Blocked producers are only woken once at least this many bytes are free.
	WriterBufferNotifyDelta int64
	// Drainer pool size.
	WriterCount int
	// Max time a single upstream poll blocks.
	PollTimeout time.Duration
	// Cap on waiting for leader persist futures during demotion and topic switch.
	FutureGetTimeout time.Duration
	// TTL for cached upstream end offsets and timestamp lookups.
	UpstreamMetadataTTL time.Duration
	// Values larger than this are chunked by the producer gateway.
	MaxRecordSizeBytes int
	// Hybrid partitions are advertised ready to serve once their lag is
	// within this many records.
	ReadyToServeLagThreshold int64

	NativeReplicationEnabled bool
	WriteComputationEnabled  bool

	// Upstream fabric addressing.
	KafkaClusterIDToURLMap map[int]string
	LocalUpstreamURL       string
}

func (c *Config) ApplyDefaults() {
	if c.PromotionToLeaderReplicaDelay == 0 {
		c.PromotionToLeaderReplicaDelay = DefaultPromotionToLeaderReplicaDelay
	}
	if c.SystemStorePromotionToLeaderReplicaDelay == 0 {
		c.SystemStorePromotionToLeaderReplicaDelay = DefaultSystemStorePromotionToLeaderReplicaDelay
	}
	if c.BootstrapTimeout == 0 {
		c.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if c.WriterBufferMemoryCapacity == 0 {
		c.WriterBufferMemoryCapacity = DefaultWriterBufferMemoryCapacity
	}
	if c.WriterBufferNotifyDelta == 0 {
		c.WriterBufferNotifyDelta = DefaultWriterBufferNotifyDelta
	}
	if c.WriterCount == 0 {
		c.WriterCount = DefaultWriterCount
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.FutureGetTimeout == 0 {
		c.FutureGetTimeout = DefaultFutureGetTimeout
	}
	if c.UpstreamMetadataTTL == 0 {
		c.UpstreamMetadataTTL = DefaultUpstreamMetadataTTL
	}
	if c.MaxRecordSizeBytes == 0 {
		c.MaxRecordSizeBytes = DefaultMaxRecordSizeBytes
	}
	if c.ReadyToServeLagThreshold == 0 {
		c.ReadyToServeLagThreshold = DefaultReadyToServeLagThreshold
	}
}

func (c *Config) Validate() error {
	if c.WriterBufferNotifyDelta >= c.WriterBufferMemoryCapacity {
		return errors.NewInvalidConfigurationError("writer buffer notify delta must be less than memory capacity")
	}
	if c.WriterCount < 1 {
		return errors.NewInvalidConfigurationError("writer count must be at least 1")
	}
	if c.LocalUpstreamURL == "" {
		return errors.NewInvalidConfigurationError("local upstream url must be specified")
	}
	if c.PromotionToLeaderReplicaDelay < 0 || c.SystemStorePromotionToLeaderReplicaDelay < 0 {
		return errors.NewInvalidConfigurationError("promotion delays must not be negative")
	}
	return nil
}
