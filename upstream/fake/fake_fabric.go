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

package fake

import (
	"sync"
	"time"

	"github.com/verso-db/verso/errors"
	"github.com/verso-db/verso/meta"
	"github.com/verso-db/verso/pubsub"
	"github.com/verso-db/verso/upstream"
)

// Fabric is an in-process set of upstream clusters keyed by URL, used in
// tests in place of real brokers.
type Fabric struct {
	lock     sync.Mutex
	clusters map[string]*cluster
}

type cluster struct {
	topics map[string]*fakeTopic
}

type fakeTopic struct {
	partitions []*fakePartition
}

type fakePartition struct {
	messages []fakeMessage
}

type fakeMessage struct {
	key       []byte
	value     []byte
	timestamp int64
}

func NewFabric(urls ...string) *Fabric {
	f := &Fabric{clusters: map[string]*cluster{}}
	for _, url := range urls {
		f.clusters[url] = &cluster{topics: map[string]*fakeTopic{}}
	}
	return f
}

func (f *Fabric) AddCluster(url string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, exists := f.clusters[url]; !exists {
		f.clusters[url] = &cluster{topics: map[string]*fakeTopic{}}
	}
}

func (f *Fabric) CreateTopic(url string, name string, partitions int) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	c, exists := f.clusters[url]
	if !exists {
		return errors.NewVersoErrorf(errors.Unavailable, "unknown cluster %s", url)
	}
	if _, exists := c.topics[name]; exists {
		return nil
	}
	t := &fakeTopic{}
	for i := 0; i < partitions; i++ {
		t.partitions = append(t.partitions, &fakePartition{})
	}
	c.topics[name] = t
	return nil
}

func (f *Fabric) partition(url string, topicName string, partitionID int32) (*fakePartition, error) {
	c, exists := f.clusters[url]
	if !exists {
		return nil, errors.NewVersoErrorf(errors.Unavailable, "unknown cluster %s", url)
	}
	t, exists := c.topics[topicName]
	if !exists {
		return nil, errors.NewVersoErrorf(errors.Unavailable, "unknown topic %s on %s", topicName, url)
	}
	if int(partitionID) >= len(t.partitions) {
		return nil, errors.NewVersoErrorf(errors.Unavailable, "unknown partition %s-%d", topicName, partitionID)
	}
	return t.partitions[partitionID], nil
}

// Produce appends a message and returns its offset.
func (f *Fabric) Produce(url string, topicName string, partitionID int32, key []byte,
	env *pubsub.MessageEnvelope, timestamp int64) (int64, error) {
	return f.ProduceRaw(url, topicName, partitionID, key, pubsub.SerializeEnvelope(env), timestamp)
}

func (f *Fabric) ProduceRaw(url string, topicName string, partitionID int32, key []byte,
	value []byte, timestamp int64) (int64, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	p, err := f.partition(url, topicName, partitionID)
	if err != nil {
		return 0, err
	}
	p.messages = append(p.messages, fakeMessage{key: key, value: value, timestamp: timestamp})
	return int64(len(p.messages) - 1), nil
}

func (f *Fabric) EndOffset(url string, topicName string, partitionID int32) (int64, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	p, err := f.partition(url, topicName, partitionID)
	if err != nil {
		return 0, err
	}
	return int64(len(p.messages)), nil
}

func (f *Fabric) OffsetForTimestamp(url string, topicName string, partitionID int32, ts int64) (int64, bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	p, err := f.partition(url, topicName, partitionID)
	if err != nil {
		return 0, false, err
	}
	for i, msg := range p.messages {
		if msg.timestamp >= ts {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

// NewConsumer returns a Consumer over this fabric.
func (f *Fabric) NewConsumer() upstream.Consumer {
	return &fabricConsumer{fabric: f, subs: map[subKey]*subscription{}}
}

type subKey struct {
	topic     string
	partition int32
}

type subscription struct {
	url string
	// nextOffset is the next offset to hand out. Subscribe is given the last
	// consumed offset, so nextOffset starts one past it.
	nextOffset int64
}

type fabricConsumer struct {
	fabric *Fabric
	lock   sync.Mutex
	subs   map[subKey]*subscription
	closed bool
}

const maxPollRecords = 100

func (c *fabricConsumer) Subscribe(url string, topic string, partition int32, offset int64) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return errors.NewVersoError(errors.ShutdownError, "consumer is closed")
	}
	start := int64(0)
	if offset != meta.LowestOffset {
		start = offset + 1
	}
	c.subs[subKey{topic: topic, partition: partition}] = &subscription{url: url, nextOffset: start}
	return nil
}

func (c *fabricConsumer) Unsubscribe(topic string, partition int32) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.subs, subKey{topic: topic, partition: partition})
	return nil
}

func (c *fabricConsumer) Poll(timeout time.Duration) ([]*pubsub.Record, error) {
	deadline := time.Now().Add(timeout)
	for {
		records, err := c.pollOnce()
		if err != nil {
			return nil, err
		}
		if len(records) > 0 || time.Now().After(deadline) {
			return records, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *fabricConsumer) pollOnce() ([]*pubsub.Record, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil, errors.NewVersoError(errors.ShutdownError, "consumer is closed")
	}
	var records []*pubsub.Record
	c.fabric.lock.Lock()
	defer c.fabric.lock.Unlock()
	for key, sub := range c.subs {
		p, err := c.fabric.partition(sub.url, key.topic, key.partition)
		if err != nil {
			return nil, err
		}
		for sub.nextOffset < int64(len(p.messages)) && len(records) < maxPollRecords {
			msg := p.messages[sub.nextOffset]
			env, err := pubsub.DeserializeEnvelope(msg.value)
			if err != nil {
				return nil, err
			}
			records = append(records, &pubsub.Record{
				URL:                 sub.url,
				Topic:               key.topic,
				Partition:           key.partition,
				Offset:              sub.nextOffset,
				Key:                 msg.key,
				Envelope:            env,
				SerializedKeySize:   len(msg.key),
				SerializedValueSize: len(msg.value),
			})
			sub.nextOffset++
		}
	}
	return records, nil
}

func (c *fabricConsumer) EndOffset(url string, topic string, partition int32) (int64, error) {
	return c.fabric.EndOffset(url, topic, partition)
}

func (c *fabricConsumer) OffsetForTimestamp(url string, topic string, partition int32, ts int64) (int64, bool, error) {
	return c.fabric.OffsetForTimestamp(url, topic, partition, ts)
}

func (c *fabricConsumer) OffsetLag(topic string, partition int32) (int64, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	sub, exists := c.subs[subKey{topic: topic, partition: partition}]
	if !exists {
		return 0, false
	}
	end, err := c.fabric.EndOffset(sub.url, topic, partition)
	if err != nil {
		return 0, false
	}
	lag := end - sub.nextOffset
	if lag < 0 {
		lag = 0
	}
	return lag, true
}

func (c *fabricConsumer) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	c.subs = map[subKey]*subscription{}
	return nil
}
