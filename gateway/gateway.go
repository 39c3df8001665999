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

package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/verso-db/verso/common"
	"github.com/verso-db/verso/errors"
	log "github.com/verso-db/verso/logger"
	"github.com/verso-db/verso/pubsub"
)

// SendMetadata carries the producer identity for one send. When PassThrough
// is set the gateway preserves the upstream producer's metadata so downstream
// validation holds end-to-end; otherwise the gateway stamps its own identity
// and segment numbering.
type SendMetadata struct {
	PassThrough *pubsub.ProducerMetadata
	// UpstreamOffset is recorded in the leader-metadata footer for
	// non-pass-through sends. -1 when not applicable.
	UpstreamOffset int64
}

// Gateway is the version-topic producer shared by all partitions of an
// ingestion task. It owns value chunking, per-partition segment lifecycle and
// the lazy one-shot initialization of the underlying producer.
type Gateway struct {
	factory  TopicProducerFactory
	topic    string
	hostID   string
	guid     pubsub.GUID
	maxBytes int

	initOnce sync.Once
	producer TopicProducer
	initErr  error

	chunkingEnabled atomic.Bool

	lock     sync.Mutex
	segments map[int32]*partitionSegment
	closed   bool
}

type partitionSegment struct {
	lock          sync.Mutex
	segmentNumber int32
	sequence      int32
	open          bool
	started       bool
}

func NewGateway(topic string, hostID string, maxRecordSizeBytes int, factory TopicProducerFactory) *Gateway {
	return &Gateway{
		factory:  factory,
		topic:    topic,
		hostID:   hostID,
		guid:     pubsub.NewGUID(),
		maxBytes: maxRecordSizeBytes,
		segments: map[int32]*partitionSegment{},
	}
}

func (g *Gateway) GUID() pubsub.GUID {
	return g.guid
}

func (g *Gateway) HostID() string {
	return g.hostID
}

func (g *Gateway) UpdateChunkingEnabled(enabled bool) {
	g.chunkingEnabled.Store(enabled)
}

func (g *Gateway) getProducer() (TopicProducer, error) {
	g.initOnce.Do(func() {
		g.producer, g.initErr = g.factory()
		if g.initErr != nil {
			log.Errorf("failed to initialise version topic producer for %s: %v", g.topic, g.initErr)
		}
	})
	return g.producer, g.initErr
}

func (g *Gateway) segment(partition int32) *partitionSegment {
	g.lock.Lock()
	defer g.lock.Unlock()
	seg, exists := g.segments[partition]
	if !exists {
		seg = &partitionSegment{}
		g.segments[partition] = seg
	}
	return seg
}

// Put produces a data record. Values larger than the chunking threshold are
// split when chunking is enabled; the callback then fires once, on manifest
// completion, with the chunking info attached.
func (g *Gateway) Put(partition int32, key []byte, value []byte, schemaID int32, md SendMetadata, cb Callback) {
	producer, err := g.getProducer()
	if err != nil {
		cb(RecordMetadata{}, nil, err)
		return
	}
	if g.chunkingEnabled.Load() && md.PassThrough == nil && len(value) > g.maxBytes {
		g.putChunked(producer, partition, key, value, schemaID, md, cb)
		return
	}
	env := &pubsub.MessageEnvelope{
		Type:     pubsub.MessageTypePut,
		SchemaID: schemaID,
		Value:    value,
	}
	g.stampAndSend(producer, partition, key, env, md, cb)
}

func (g *Gateway) Delete(partition int32, key []byte, md SendMetadata, cb Callback) {
	producer, err := g.getProducer()
	if err != nil {
		cb(RecordMetadata{}, nil, err)
		return
	}
	env := &pubsub.MessageEnvelope{Type: pubsub.MessageTypeDelete}
	g.stampAndSend(producer, partition, key, env, md, cb)
}

// AsyncSendControlMessage produces a control message to the partition.
func (g *Gateway) AsyncSendControlMessage(partition int32, cm *pubsub.ControlMessage, md SendMetadata, cb Callback) {
	producer, err := g.getProducer()
	if err != nil {
		cb(RecordMetadata{}, nil, err)
		return
	}
	env := &pubsub.MessageEnvelope{Type: pubsub.MessageTypeControl, Control: cm}
	g.stampAndSend(producer, partition, nil, env, md, cb)
}

func (g *Gateway) stampAndSend(producer TopicProducer, partition int32, key []byte,
	env *pubsub.MessageEnvelope, md SendMetadata, cb Callback) {
	if md.PassThrough != nil {
		env.ProducerMetadata = *md.PassThrough
		g.send(producer, partition, key, env, cb)
		return
	}
	seg := g.segment(partition)
	seg.lock.Lock()
	if !seg.open {
		g.openSegmentLocked(producer, partition, seg)
	}
	seg.sequence++
	env.ProducerMetadata = pubsub.ProducerMetadata{
		GUID:           g.guid,
		SegmentNumber:  seg.segmentNumber,
		Sequence:       seg.sequence,
		Timestamp:      common.NowMillis(),
		UpstreamOffset: -1,
	}
	env.LeaderMetadata = &pubsub.LeaderMetadata{HostID: g.hostID, UpstreamOffset: md.UpstreamOffset}
	seg.lock.Unlock()
	g.send(producer, partition, key, env, cb)
}

// openSegmentLocked sends StartOfSegment with sequence 0 of the new segment.
// Caller holds the segment lock, which also serializes the send ordering for
// the partition.
func (g *Gateway) openSegmentLocked(producer TopicProducer, partition int32, seg *partitionSegment) {
	if seg.started {
		seg.segmentNumber++
	}
	seg.started = true
	seg.sequence = 0
	seg.open = true
	env := &pubsub.MessageEnvelope{
		Type:    pubsub.MessageTypeControl,
		Control: &pubsub.ControlMessage{Type: pubsub.ControlStartOfSegment},
		ProducerMetadata: pubsub.ProducerMetadata{
			GUID:           g.guid,
			SegmentNumber:  seg.segmentNumber,
			Sequence:       0,
			Timestamp:      common.NowMillis(),
			UpstreamOffset: -1,
		},
		LeaderMetadata: &pubsub.LeaderMetadata{HostID: g.hostID, UpstreamOffset: -1},
	}
	producer.Send(partition, nil, env, func(_ int64, err error) {
		if err != nil {
			log.Errorf("failed to produce StartOfSegment for partition %d of %s: %v", partition, g.topic, err)
		}
	})
}

func (g *Gateway) send(producer TopicProducer, partition int32, key []byte,
	env *pubsub.MessageEnvelope, cb Callback) {
	g.lock.Lock()
	closed := g.closed
	g.lock.Unlock()
	if closed {
		cb(RecordMetadata{}, nil, errors.NewVersoError(errors.ShutdownError, "producer gateway is closed"))
		return
	}
	producer.Send(partition, key, env, func(offset int64, err error) {
		if err != nil {
			cb(RecordMetadata{}, nil, err)
			return
		}
		cb(RecordMetadata{Topic: g.topic, Partition: partition, Offset: offset}, nil, nil)
	})
}

func (g *Gateway) putChunked(producer TopicProducer, partition int32, key []byte, value []byte,
	schemaID int32, md SendMetadata, cb Callback) {
	var chunks [][]byte
	for start := 0; start < len(value); start += g.maxBytes {
		end := start + g.maxBytes
		if end > len(value) {
			end = len(value)
		}
		chunks = append(chunks, value[start:end])
	}
	chunkKeys := make([][]byte, len(chunks))
	for i := range chunks {
		chunkKeys[i] = pubsub.ChunkKeyWithSuffix(key, i)
	}
	manifest := &pubsub.ChunkManifest{
		ChunkKeys: chunkKeys,
		TotalSize: int32(len(value)),
		SchemaID:  schemaID,
	}

	// A chunk failure must surface before the manifest callback completes,
	// so the drainer never applies a partial chunked put.
	var chunkErr atomic.Value
	for i, chunk := range chunks {
		env := &pubsub.MessageEnvelope{
			Type:     pubsub.MessageTypePut,
			SchemaID: pubsub.SchemaIDChunk,
			Value:    chunk,
		}
		g.stampAndSend(producer, partition, chunkKeys[i], env, md, func(_ RecordMetadata, _ *ChunkingInfo, err error) {
			if err != nil {
				chunkErr.CompareAndSwap(nil, err)
			}
		})
	}

	manifestValue := pubsub.SerializeChunkManifest(manifest)
	env := &pubsub.MessageEnvelope{
		Type:     pubsub.MessageTypePut,
		SchemaID: pubsub.SchemaIDChunkManifest,
		Value:    manifestValue,
	}
	info := &ChunkingInfo{
		TopLevelKey:   key,
		ChunkKeys:     chunkKeys,
		Chunks:        chunks,
		Manifest:      manifest,
		ManifestValue: manifestValue,
	}
	g.stampAndSend(producer, partition, key, env, md, func(rmd RecordMetadata, _ *ChunkingInfo, err error) {
		// Callbacks are in send order per partition, so every chunk callback
		// has fired by now.
		if stored := chunkErr.Load(); stored != nil {
			cb(RecordMetadata{}, nil, stored.(error))
			return
		}
		if err != nil {
			cb(RecordMetadata{}, nil, err)
			return
		}
		cb(rmd, info, nil)
	})
}

// EndSegment closes the open segment for the partition, producing an
// EndOfSegment marker. With finalize the segment is checkpointed as final.
func (g *Gateway) EndSegment(partition int32, finalize bool) {
	producer, err := g.getProducer()
	if err != nil {
		return
	}
	seg := g.segment(partition)
	seg.lock.Lock()
	defer seg.lock.Unlock()
	if !seg.open {
		return
	}
	seg.open = false
	seg.sequence++
	env := &pubsub.MessageEnvelope{
		Type:    pubsub.MessageTypeControl,
		Control: &pubsub.ControlMessage{Type: pubsub.ControlEndOfSegment, FinalSegment: finalize},
		ProducerMetadata: pubsub.ProducerMetadata{
			GUID:           g.guid,
			SegmentNumber:  seg.segmentNumber,
			Sequence:       seg.sequence,
			Timestamp:      common.NowMillis(),
			UpstreamOffset: -1,
		},
		LeaderMetadata: &pubsub.LeaderMetadata{HostID: g.hostID, UpstreamOffset: -1},
	}
	producer.Send(partition, nil, env, func(_ int64, err error) {
		if err != nil {
			log.Errorf("failed to produce EndOfSegment for partition %d of %s: %v", partition, g.topic, err)
		}
	})
}

// ClosePartition ends the partition's segment and forgets its state.
func (g *Gateway) ClosePartition(partition int32) {
	g.EndSegment(partition, true)
	g.lock.Lock()
	defer g.lock.Unlock()
	delete(g.segments, partition)
}

// Close closes the underlying producer. Only called at task shutdown.
func (g *Gateway) Close() error {
	g.lock.Lock()
	if g.closed {
		g.lock.Unlock()
		return nil
	}
	g.closed = true
	g.lock.Unlock()
	if g.producer != nil {
		return g.producer.Close()
	}
	return nil
}
